package fake_node

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug"
)

// Options are the parts of a fake node which come from its environment rather
// than its spec.
type Options struct {

	// Dial connects to other nodes (and the search backend). Required.
	Dial wire.Dialer

	// Called (in a new goroutine) when the node receives a shutdown command.
	// Should stop the node and whatever is serving it.
	OnShutdown func()

	// Used when forwarding commands between nodes.
	Policy retry.Policy
}

type handler func(ctx context.Context, args wire.Doc) (wire.Doc, error)

// Node is an in-memory stand-in for one database server process. It speaks
// the command protocol, and implements enough of replication, sharding and
// routing for the harness to be exercised against it.
type Node struct {
	spec       api.NodeSpec
	addr       string
	instance   string
	dial       wire.Dialer
	onShutdown func()
	policy     retry.Policy

	electionTimeout   time.Duration
	heartbeatInterval time.Duration

	store *storage
	fps   *failPoints
	ops   *opTable
	curs  *cursors

	commands map[string]handler

	// Cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Serializes validation and append on the write path.
	writeMu sync.Mutex

	// Ranges being migrated off this shard. Writes to them are refused until
	// ownership has moved. Guarded by writeMu.
	migrating []keyspace.Range

	// Serializes sharding metadata mutations.
	metaMu sync.Mutex

	// Guards everything below.
	mu               sync.Mutex
	down             bool
	cfg              *wire.GroupConfig
	state            api.MemberState
	term             int64
	votedTerm        int64
	votedFor         string
	primary          string
	primarySince     time.Time
	electionDeadline time.Time
	noElectUntil     time.Time
	peers            map[string]*peer
	rnd              *rand.Rand

	clientsMu sync.Mutex
	clients   map[string]*wire.Client
}

// peer is what a node knows about another member, from heartbeats.
type peer struct {
	seen          time.Time
	state         api.MemberState
	op            wire.OpTime
	configVersion int
}

// New returns a node for the given spec, listening (by whatever means the
// caller arranges) at addr. Its persisted state, if any, is loaded from the
// data directory option.
func New(spec api.NodeSpec, addr string, opts Options) (*Node, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("fake node %s: no dialer", spec.ID)
	}

	store, err := newStorage(spec.Option(api.OptDataDir, ""))
	if err != nil {
		return nil, err
	}

	policy := opts.Policy
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		spec:              spec,
		addr:              addr,
		instance:          uuid.NewString(),
		dial:              opts.Dial,
		onShutdown:        opts.OnShutdown,
		policy:            policy,
		electionTimeout:   msOption(spec, api.OptElectionMS, 500*time.Millisecond),
		heartbeatInterval: msOption(spec, api.OptHeartbeatMS, 50*time.Millisecond),
		store:             store,
		fps:               newFailPoints(),
		ops:               newOpTable(),
		curs:              newCursors(rand.Int63n(1 << 40)),
		ctx:               ctx,
		cancel:            cancel,
		state:             api.MsStartup,
		peers:             map[string]*peer{},
		rnd:               rand.New(rand.NewSource(rand.Int63())),
		clients:           map[string]*wire.Client{},
	}

	n.loadMeta()
	n.commands = n.commandTable()

	return n, nil
}

func msOption(spec api.NodeSpec, key string, def time.Duration) time.Duration {
	v := spec.Option(key, "")
	if v == "" {
		return def
	}

	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}

	return time.Duration(ms) * time.Millisecond
}

func (n *Node) Addr() string {
	return n.addr
}

func (n *Node) Spec() api.NodeSpec {
	return n.spec
}

// Start runs the background heartbeat and election loop. Routers have none.
func (n *Node) Start() {
	if n.spec.Role == api.RoleRouter {
		return
	}

	n.wg.Add(1)
	go n.loop()
}

// Stop halts the node. Commands in progress (including any paused at a
// failpoint) are released, and fail.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.down {
		n.mu.Unlock()
		return
	}
	n.down = true
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	n.clientsMu.Lock()
	defer n.clientsMu.Unlock()
	for addr, c := range n.clients {
		c.Close()
		delete(n.clients, addr)
	}
}

// spawn runs fn in a goroutine which Stop waits for, unless the node is
// already stopping.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.down {
		return false
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()

	return true
}

func (n *Node) loop() {
	defer n.wg.Done()

	ticker := jitterbug.New(n.heartbeatInterval, &jitterbug.Norm{Stdev: n.heartbeatInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

// client returns a (cached) client for the given address.
func (n *Node) client(ctx context.Context, addr string) (*wire.Client, error) {
	n.clientsMu.Lock()
	defer n.clientsMu.Unlock()

	if c, ok := n.clients[addr]; ok {
		return c, nil
	}

	c, err := n.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	n.clients[addr] = c
	return c, nil
}

// connID is how this node identifies itself to the search backend.
func (n *Node) connID() string {
	if n.spec.ID != api.ZeroNodeID {
		return n.spec.ID.String()
	}

	return n.addr
}

type opKey struct{}

func opFrom(ctx context.Context) *op {
	o, _ := ctx.Value(opKey{}).(*op)
	return o
}

// RunCommand implements wire.Handler.
func (n *Node) RunCommand(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
	if n.ctx.Err() != nil {
		return nil, wire.Errorf(api.CodeShutdownInProgress, "node %s is shutting down", n.addr)
	}

	h, ok := n.commands[name]
	if !ok {
		return nil, wire.Errorf(api.CodeCommandNotFound, "no such command: '%s'", name)
	}

	if _, quiet := quietCommands[name]; !quiet {
		o := n.ops.start(name, args)
		defer n.ops.finish(o)
		ctx = context.WithValue(ctx, opKey{}, o)
	}

	match := func(data wire.Doc) bool {
		for _, c := range data.Strings("failCommands") {
			if c == name {
				return true
			}
		}
		return false
	}

	if data, ok := n.fps.check(FpFailCommand, match); ok {
		code := data.Int("errorCode")
		if code == 0 {
			code = api.CodeInternalError
		}
		return nil, wire.Errorf(code, "failpoint %s enabled for command %s", FpFailCommand, name)
	}

	return h(ctx, args)
}

// pause wraps failPoints.pause, recording the failpoint against the current
// op (for currentOp) while paused. Returns an error if the node began shutting
// down, or the command was abandoned, while paused.
func (n *Node) pause(ctx context.Context, name string, match func(wire.Doc) bool) error {
	o := opFrom(ctx)
	paused := n.fps.pause(ctx, n.ctx.Done(), name, match, func() {
		log.Printf("paused at failpoint: %s (node=%s)", name, n.addr)
		if o != nil {
			n.ops.paused(o, name)
		}
	})

	if !paused {
		return nil
	}

	if o != nil {
		n.ops.paused(o, "")
	}

	if n.ctx.Err() != nil {
		return wire.Errorf(api.CodeInterruptedDueToReplStateChange, "node %s shut down while paused at %s", n.addr, name)
	}

	return ctx.Err()
}

func (n *Node) commandTable() map[string]handler {
	cmds := map[string]handler{
		"hello":    n.hello,
		"ping":     n.ping,
		"shutdown": n.shutdown,
		"getMore":  n.getMore,
		"currentOp": func(ctx context.Context, args wire.Doc) (wire.Doc, error) {
			return wire.Doc{"inprog": toAny(n.ops.list(currentOpFilter(args)))}, nil
		},
		"killCursors": n.killCursors,
	}

	if n.spec.Option(api.OptEnableFailPt, "1") != "0" {
		cmds["configureFailPoint"] = n.configureFailPoint
		cmds["waitForFailPoint"] = n.waitForFailPoint
	}

	if n.spec.Role == api.RoleRouter {
		n.routerCommands(cmds)
		return cmds
	}

	for name, h := range map[string]handler{
		"replSetInitiate":     n.replSetInitiate,
		"replSetGetConfig":    n.replSetGetConfig,
		"replSetGetStatus":    n.replSetGetStatus,
		"replSetReconfig":     n.replSetReconfig,
		"replSetStepDown":     n.replSetStepDown,
		"replSetStepUp":       n.replSetStepUp,
		"replSetHeartbeat":    n.replSetHeartbeat,
		"replSetRequestVotes": n.replSetRequestVotes,
		"applyOps":            n.applyOps,
		"resync":              n.resync,
		"dbHash":              n.dbHash,
		"insert":              n.insert,
		"update":              n.update,
		"delete":              n.delete,
		"find":                n.find,
		"count":               n.count,
		"search":              n.search,
		"cloneRange":          n.cloneRange,
		"importRange":         n.importRange,
		"deleteRange":         n.deleteRange,
		"abortRangeMigration": n.abortRangeMigration,
	} {
		cmds[name] = h
	}

	if n.spec.Role == api.RoleMetadata {
		n.metadataCommands(cmds)
	}

	return cmds
}

func currentOpFilter(args wire.Doc) wire.Doc {
	return args.Without("currentOp", "$all")
}

func toAny(docs []wire.Doc) []any {
	out := make([]any, len(docs))
	for i := range docs {
		out[i] = docs[i]
	}

	return out
}

func (n *Node) hello(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if n.spec.Role == api.RoleRouter {
		return wire.Doc{
			"isWritablePrimary": true,
			"msg":               "isdbgrid",
			"me":                n.addr,
			"role":              n.spec.Role.String(),
			"instance":          n.instance,
		}, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	res := wire.Doc{
		"isWritablePrimary": n.state == api.MsPrimary,
		"secondary":         n.state == api.MsSecondary,
		"me":                n.addr,
		"role":              n.spec.Role.String(),
		"term":              n.term,
		"instance":          n.instance,
	}

	if n.cfg == nil {
		res["info"] = "NotYetInitialized"
		return res, nil
	}

	res["setName"] = n.cfg.Name
	res["hosts"] = n.cfg.Hosts()
	res["configVersion"] = n.cfg.Version
	if n.primary != "" {
		res["primary"] = n.primary
	}

	return res, nil
}

func (n *Node) ping(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	return wire.Doc{}, nil
}

func (n *Node) shutdown(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	log.Printf("shutdown requested: %s (force=%v)", n.addr, args.Bool("force"))

	go func() {
		if n.onShutdown != nil {
			n.onShutdown()
		} else {
			n.Stop()
		}
	}()

	return wire.Doc{}, nil
}

func (n *Node) configureFailPoint(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	name := args.String("configureFailPoint")
	mode, ok := wire.ParseFailPointMode(args["mode"])
	if !ok {
		return nil, wire.Errorf(api.CodeBadValue, "invalid failpoint mode: %v", args["mode"])
	}

	count, err := n.fps.configure(name, mode, args.Doc("data"))
	if err != nil {
		return nil, err
	}

	log.Printf("failpoint configured: %s -> %s (node=%s, count=%d)", name, mode, n.addr, count)
	return wire.Doc{"count": count}, nil
}

func (n *Node) waitForFailPoint(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if d := args.Duration("maxTimeMS"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := n.fps.wait(ctx, args.String("waitForFailPoint"), args.Int64("timesEntered"))
	if err != nil {
		return nil, err
	}

	return wire.Doc{}, nil
}

func (n *Node) getMore(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	c, err := n.curs.more(args.Int64("getMore"), args.Int("batchSize"))
	if err != nil {
		return nil, err
	}

	return wire.Doc{"cursor": c}, nil
}

func (n *Node) killCursors(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	var ids []int64
	for _, v := range args.Array("cursors") {
		ids = append(ids, wire.Doc{"v": v}.Int64("v"))
	}

	killed, notFound := n.curs.kill(ids)
	return wire.Doc{"cursorsKilled": killed, "cursorsNotFound": notFound}, nil
}
