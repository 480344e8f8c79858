package fake_node

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
	"golang.org/x/sync/errgroup"
)

func (n *Node) loadMeta() {
	m := n.store.getMeta()
	if c := m.Doc("config"); c != nil {
		gc := wire.ParseGroupConfig(c)
		n.cfg = &gc
		n.state = api.MsSecondary
		if _, ok := gc.Member(n.addr); !ok {
			n.state = api.MsRemoved
		}
	}

	n.term = m.Int64("term")
	n.votedTerm = m.Int64("votedTerm")
	n.votedFor = m.String("votedFor")
	n.resetElectionDeadlineLocked()
}

// persistMetaLocked saves the replication state which must survive a restart.
// Caller must hold mu.
func (n *Node) persistMetaLocked() {
	m := wire.Doc{
		"term":      n.term,
		"votedTerm": n.votedTerm,
		"votedFor":  n.votedFor,
	}

	if n.cfg != nil {
		m["config"] = n.cfg.ToDoc()
	}

	if err := n.store.setMeta(m); err != nil {
		log.Printf("error persisting state: %s: %v", n.addr, err)
	}
}

// resetElectionDeadlineLocked pushes back the time at which this node will
// stand for election, by the election timeout plus some jitter so that members
// don't all stand at once.
func (n *Node) resetElectionDeadlineLocked() {
	jitter := time.Duration(n.rnd.Int63n(int64(n.electionTimeout/2) + 1))
	n.electionDeadline = time.Now().Add(n.electionTimeout + jitter)
}

// installConfigLocked replaces the group config, and updates this node's state
// according to whether it's still a member.
func (n *Node) installConfigLocked(gc wire.GroupConfig) {
	n.cfg = &gc

	if _, ok := gc.Member(n.addr); !ok {
		if n.state != api.MsRemoved {
			log.Printf("removed from group: %s (set=%s, version=%d)", n.addr, gc.Name, gc.Version)
		}
		n.state = api.MsRemoved
		n.primary = ""
	} else if n.state == api.MsStartup || n.state == api.MsRemoved {
		n.state = api.MsSecondary
		n.resetElectionDeadlineLocked()
	}

	n.persistMetaLocked()
}

// stepDownLocked adopts a newer term (if given), and stops being primary.
func (n *Node) stepDownLocked(term int64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
	}

	if n.state == api.MsPrimary {
		log.Printf("stepped down: %s (term=%d)", n.addr, n.term)
		n.state = api.MsSecondary
	}

	if n.primary == n.addr {
		n.primary = ""
	}

	n.resetElectionDeadlineLocked()
	n.persistMetaLocked()
}

func (n *Node) electableLocked() bool {
	if n.cfg == nil || n.state != api.MsSecondary {
		return false
	}

	m, ok := n.cfg.Member(n.addr)
	return ok && m.Electable()
}

func (n *Node) tick() {
	now := time.Now()

	n.mu.Lock()
	if n.cfg == nil {
		n.mu.Unlock()
		return
	}

	elect := n.electableLocked() && now.After(n.electionDeadline) && now.After(n.noElectUntil)
	lostMajority := n.state == api.MsPrimary && now.Sub(n.primarySince) > n.electionTimeout && !n.majorityContactLocked(now)
	if lostMajority {
		log.Printf("lost contact with majority: %s", n.addr)
		n.stepDownLocked(0)
	}
	n.mu.Unlock()

	n.sendHeartbeats()

	if elect {
		if n.runElection() {
			n.sendHeartbeats()
		}
	}
}

// majorityContactLocked returns true if this node has heard from a majority of
// voters (counting itself) within the election timeout.
func (n *Node) majorityContactLocked(now time.Time) bool {
	votes := 0
	for _, m := range n.cfg.Members {
		if m.Votes == 0 {
			continue
		}

		if m.Host == n.addr {
			votes += 1
			continue
		}

		if p, ok := n.peers[m.Host]; ok && now.Sub(p.seen) < n.electionTimeout {
			votes += 1
		}
	}

	return votes >= n.cfg.Majority()
}

func (n *Node) heartbeatArgs() (wire.Doc, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cfg == nil {
		return nil, nil
	}

	var hosts []string
	for _, h := range n.cfg.Hosts() {
		if h != n.addr {
			hosts = append(hosts, h)
		}
	}

	return wire.Doc{
		"replSetHeartbeat": n.cfg.Name,
		"from":             n.addr,
		"term":             n.term,
		"state":            n.state.String(),
		"op":               n.store.last().ToDoc(),
		"configVersion":    n.cfg.Version,
		"config":           n.cfg.ToDoc(),
	}, hosts
}

// sendHeartbeats sends a heartbeat to every other member, and (if primary)
// brings any which are behind up to date.
func (n *Node) sendHeartbeats() {
	args, hosts := n.heartbeatArgs()
	if args == nil {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.electionTimeout)
	defer cancel()

	var mu sync.Mutex
	behind := []string{}

	g := errgroup.Group{}
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			c, err := n.client(ctx, host)
			if err != nil {
				return nil
			}

			res, err := c.Run(ctx, "replSetHeartbeat", args)
			if err != nil {
				return nil
			}

			if n.heartbeatReply(host, res) {
				mu.Lock()
				behind = append(behind, host)
				mu.Unlock()
			}

			return nil
		})
	}
	_ = g.Wait()

	for _, host := range behind {
		host := host
		g.Go(func() error {
			n.push(ctx, host)
			return nil
		})
	}
	_ = g.Wait()
}

// heartbeatReply records what a heartbeat told us about a peer. Returns true if
// this node is primary and the peer needs catching up.
func (n *Node) heartbeatReply(host string, res wire.Doc) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if c := res.Doc("config"); c != nil && n.cfg != nil {
		gc := wire.ParseGroupConfig(c)
		if gc.Name == n.cfg.Name && gc.Version > n.cfg.Version {
			n.installConfigLocked(gc)
		}
	}

	if t := res.Int64("term"); t > n.term {
		n.stepDownLocked(t)
	}

	p := &peer{
		seen:          time.Now(),
		state:         api.ParseMemberState(res.String("state")),
		op:            wire.ParseOpTime(res.Doc("op")),
		configVersion: res.Int("configVersion"),
	}
	n.peers[host] = p

	return n.state == api.MsPrimary && p.op.Less(n.store.last())
}

func (n *Node) replSetHeartbeat(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	set := args.String("replSetHeartbeat")
	if n.spec.Group != "" && set != n.spec.Group {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "heartbeat for set %s, but this node is in %s", set, n.spec.Group)
	}

	from := args.String("from")
	hcfg := wire.ParseGroupConfig(args.Doc("config"))
	senderVersion := args.Int("configVersion")

	if n.cfg == nil {
		if _, ok := hcfg.Member(n.addr); ok {
			log.Printf("joined group: %s (set=%s, version=%d)", n.addr, hcfg.Name, hcfg.Version)
			n.installConfigLocked(hcfg)
		}
	} else if hcfg.Version > n.cfg.Version {
		n.installConfigLocked(hcfg)
	}

	if t := args.Int64("term"); t > n.term {
		n.stepDownLocked(t)
	}

	if n.cfg != nil {
		if _, ok := n.cfg.Member(from); ok {
			st := api.ParseMemberState(args.String("state"))
			n.peers[from] = &peer{
				seen:          time.Now(),
				state:         st,
				op:            wire.ParseOpTime(args.Doc("op")),
				configVersion: senderVersion,
			}

			if st == api.MsPrimary && args.Int64("term") >= n.term && n.state != api.MsPrimary {
				n.primary = from
				n.resetElectionDeadlineLocked()
			} else if st != api.MsPrimary && n.primary == from {

				// The primary stepped down. Stand for election soon, rather
				// than waiting out the whole timeout.
				n.primary = ""
				jitter := time.Duration(n.rnd.Int63n(int64(2*n.heartbeatInterval) + 1))
				n.electionDeadline = time.Now().Add(jitter)
			}
		}
	}

	res := wire.Doc{
		"term":  n.term,
		"state": n.state.String(),
		"op":    n.store.last().ToDoc(),
	}

	if n.cfg != nil {
		res["setName"] = n.cfg.Name
		res["configVersion"] = n.cfg.Version
		if n.cfg.Version > senderVersion {
			res["config"] = n.cfg.ToDoc()
		}
	}

	return res, nil
}

// runElection stands for election. Returns true if this node became primary.
func (n *Node) runElection() bool {
	ctx, cancel := context.WithTimeout(n.ctx, n.electionTimeout)
	defer cancel()

	if err := n.pause(n.ctx, FpHangBeforeElection, nil); err != nil {
		return false
	}

	n.mu.Lock()
	if !n.electableLocked() {
		n.mu.Unlock()
		return false
	}

	n.term += 1
	term := n.term
	n.votedTerm = term
	n.votedFor = n.addr
	n.resetElectionDeadlineLocked()
	n.persistMetaLocked()
	cfg := *n.cfg
	n.mu.Unlock()

	last := n.store.last()
	log.Printf("standing for election: %s (set=%s, term=%d, op=%v)", n.addr, cfg.Name, term, last)

	args := wire.Doc{
		"replSetRequestVotes": 1,
		"setName":             cfg.Name,
		"term":                term,
		"candidate":           n.addr,
		"op":                  last.ToDoc(),
	}

	var mu sync.Mutex
	votes := 0
	if me, _ := cfg.Member(n.addr); me.Votes > 0 {
		votes = 1
	}
	var newer int64

	g := errgroup.Group{}
	for _, m := range cfg.Members {
		if m.Host == n.addr || m.Votes == 0 {
			continue
		}

		host := m.Host
		g.Go(func() error {
			c, err := n.client(ctx, host)
			if err != nil {
				return nil
			}

			res, err := c.Run(ctx, "replSetRequestVotes", args)
			if err != nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if t := res.Int64("term"); t > newer {
				newer = t
			}
			if res.Bool("voteGranted") {
				votes += 1
			}
			return nil
		})
	}
	_ = g.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	if newer > term {
		n.stepDownLocked(newer)
		return false
	}

	if n.term != term || n.state != api.MsSecondary || votes < cfg.Majority() {
		log.Printf("lost election: %s (term=%d, votes=%d, needed=%d)", n.addr, term, votes, cfg.Majority())
		return false
	}

	n.state = api.MsPrimary
	n.primary = n.addr
	n.primarySince = time.Now()
	log.Printf("elected primary: %s (set=%s, term=%d, votes=%d)", n.addr, cfg.Name, term, votes)

	// Mark the start of the term in the log, so that a member which has only
	// older entries can be told apart.
	if _, err := n.store.append(term, entry{Op: opNoop}); err != nil {
		log.Printf("error appending noop: %s: %v", n.addr, err)
	}

	return true
}

func (n *Node) replSetRequestVotes(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	term := args.Int64("term")
	cand := args.String("candidate")
	deny := func(reason string) (wire.Doc, error) {
		return wire.Doc{"term": n.term, "voteGranted": false, "reason": reason}, nil
	}

	if n.cfg == nil {
		return deny("not initialized")
	}

	// Don't let a member which was removed disrupt the group by bumping the
	// term.
	if _, ok := n.cfg.Member(cand); !ok {
		return deny("candidate not in config")
	}

	if term < n.term {
		return deny("stale term")
	}

	if term > n.term {
		n.stepDownLocked(term)
	}

	if n.votedTerm == term && n.votedFor != cand {
		return deny("already voted for " + n.votedFor)
	}

	if wire.ParseOpTime(args.Doc("op")).Less(n.store.last()) {
		return deny("candidate is behind")
	}

	n.votedTerm = term
	n.votedFor = cand
	n.resetElectionDeadlineLocked()
	n.persistMetaLocked()

	return wire.Doc{"term": n.term, "voteGranted": true}, nil
}

// push sends the entries which the given member is missing. Returns the
// member's optime afterwards.
func (n *Node) push(ctx context.Context, host string) (wire.OpTime, bool) {
	n.mu.Lock()
	if n.state != api.MsPrimary {
		n.mu.Unlock()
		return wire.OpTime{}, false
	}
	term := n.term
	var hint wire.OpTime
	if p, ok := n.peers[host]; ok {
		hint = p.op
	}
	n.mu.Unlock()

	c, err := n.client(ctx, host)
	if err != nil {
		return wire.OpTime{}, false
	}

	for attempt := 0; attempt < 3; attempt++ {
		prev, es := n.store.after(hint)
		docs := make([]any, len(es))
		for i := range es {
			docs[i] = es[i].toDoc()
		}

		res, err := c.Run(ctx, "applyOps", wire.Doc{
			"applyOps": 1,
			"term":     term,
			"from":     n.addr,
			"prev":     prev.ToDoc(),
			"entries":  docs,
		})
		if err != nil {
			return wire.OpTime{}, false
		}

		if t := res.Int64("term"); t > term {
			n.mu.Lock()
			n.stepDownLocked(t)
			n.mu.Unlock()
			return wire.OpTime{}, false
		}

		last := wire.ParseOpTime(res.Doc("last"))
		n.mu.Lock()
		if p, ok := n.peers[host]; ok {
			p.op = last
		} else {
			n.peers[host] = &peer{op: last}
		}
		n.mu.Unlock()

		if res.Bool("success") {
			return last, true
		}

		hint = last
	}

	return wire.OpTime{}, false
}

func (n *Node) applyOps(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	term := args.Int64("term")

	n.mu.Lock()
	if n.cfg == nil {
		n.mu.Unlock()
		return nil, wire.Errorf(api.CodeNotYetInitialized, "no replset config has been received")
	}

	if term < n.term {
		t := n.term
		n.mu.Unlock()
		return wire.Doc{"term": t, "success": false, "last": n.store.last().ToDoc()}, nil
	}

	if term > n.term || n.state == api.MsPrimary {
		n.stepDownLocked(term)
	}

	n.primary = args.String("from")
	n.resetElectionDeadlineLocked()
	n.mu.Unlock()

	if _, ok := n.fps.check(FpRsSyncApplyStop, nil); ok {
		return wire.Doc{"term": term, "success": false, "last": n.store.last().ToDoc()}, nil
	}

	es := []entry{}
	for _, d := range args.Docs("entries") {
		es = append(es, parseEntry(d))
	}

	ok, err := n.store.install(wire.ParseOpTime(args.Doc("prev")), es)
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "error installing entries: %v", err)
	}

	return wire.Doc{"term": term, "success": ok, "last": n.store.last().ToDoc()}, nil
}

// awaitWriteConcern waits until enough members have the given optime. The
// write is never undone if they don't.
func (n *Node) awaitWriteConcern(target wire.OpTime, wc wire.WriteConcern) error {
	n.mu.Lock()
	if n.cfg == nil {
		n.mu.Unlock()
		return nil
	}
	cfg := *n.cfg
	n.mu.Unlock()

	need := 1
	if wc.Majority {
		need = cfg.Majority()
	} else if wc.W > 1 {
		need = wc.W
	}

	timeout := wc.Timeout
	if timeout <= 0 {
		timeout = 10 * n.electionTimeout
	}

	others := []string{}
	for _, h := range cfg.Hosts() {
		if h != n.addr {
			others = append(others, h)
		}
	}

	results := make(chan bool, len(others))
	for _, host := range others {
		host := host
		ok := n.spawn(func() {
			ctx, cancel := context.WithTimeout(n.ctx, timeout)
			defer cancel()
			last, ok := n.push(ctx, host)
			results <- ok && !last.Less(target)
		})
		if !ok {
			results <- false
		}
	}

	acks := 1
	if acks >= need {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i := 0; i < len(others); i++ {
		select {
		case ok := <-results:
			if ok {
				acks += 1
			}
			if acks >= need {
				return nil
			}
		case <-timer.C:
			return wire.Errorf(api.CodeWriteConcernFailed, "waiting for replication timed out: have %d of %d", acks, need)
		}
	}

	return wire.Errorf(api.CodeWriteConcernFailed, "not enough data-bearing members: have %d of %d", acks, need)
}

func (n *Node) replSetInitiate(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	gc := wire.ParseGroupConfig(args.Doc("replSetInitiate"))
	if err := gc.Validate(); err != nil {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "%v", err)
	}

	if n.spec.Group != "" && gc.Name != n.spec.Group {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "set name %s doesn't match this node's set: %s", gc.Name, n.spec.Group)
	}

	if _, ok := gc.Member(n.addr); !ok {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "this node (%s) is not in the config", n.addr)
	}

	if n.spec.Role == api.RoleMetadata {
		gc.ConfigServer = true
	}

	n.mu.Lock()
	initiated := n.cfg != nil
	n.mu.Unlock()
	if initiated {
		return nil, wire.Errorf(api.CodeAlreadyInitialized, "already initialized")
	}

	// Quorum check: every member must be up, and not in some other set.
	for _, h := range gc.Hosts() {
		if h == n.addr {
			continue
		}

		c, err := n.client(ctx, h)
		if err != nil {
			return nil, wire.Errorf(api.CodeNodeNotFound, "quorum check failed: %s: %v", h, err)
		}

		res, err := c.Do(ctx, wire.Hello{})
		if err != nil {
			return nil, wire.Errorf(api.CodeNodeNotFound, "quorum check failed: %s: %v", h, err)
		}

		if s := res.String("setName"); s != "" && s != gc.Name {
			return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "member %s is already in set %s", h, s)
		}
	}

	n.mu.Lock()
	if n.cfg != nil {
		n.mu.Unlock()
		return nil, wire.Errorf(api.CodeAlreadyInitialized, "already initialized")
	}
	n.installConfigLocked(gc)
	n.electionDeadline = time.Now()
	n.mu.Unlock()

	log.Printf("initiated group: %s (set=%s, members=%d)", n.addr, gc.Name, len(gc.Members))
	n.sendHeartbeats()

	return wire.Doc{}, nil
}

func (n *Node) replSetGetConfig(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cfg == nil {
		return nil, wire.Errorf(api.CodeNotYetInitialized, "no replset config has been received")
	}

	return wire.Doc{"config": n.cfg.ToDoc()}, nil
}

func (n *Node) replSetGetStatus(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	last := n.store.last()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cfg == nil {
		return nil, wire.Errorf(api.CodeNotYetInitialized, "no replset config has been received")
	}

	now := time.Now()
	members := []any{}
	for _, m := range n.cfg.Members {
		md := wire.Doc{"_id": m.ID, "name": m.Host}

		if m.Host == n.addr {
			md["stateStr"] = n.state.String()
			md["health"] = 1
			md["optime"] = last.ToDoc()
			md["configVersion"] = n.cfg.Version
			md["self"] = true
		} else if p, ok := n.peers[m.Host]; ok && now.Sub(p.seen) < 2*n.electionTimeout {
			md["stateStr"] = p.state.String()
			md["health"] = 1
			md["optime"] = p.op.ToDoc()
			md["configVersion"] = p.configVersion
		} else {
			md["stateStr"] = api.MsDown.String()
			md["health"] = 0
		}

		members = append(members, md)
	}

	return wire.Doc{
		"set":           n.cfg.Name,
		"term":          n.term,
		"myState":       n.state.String(),
		"configVersion": n.cfg.Version,
		"members":       members,
	}, nil
}

func (n *Node) replSetReconfig(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	gc := wire.ParseGroupConfig(args.Doc("replSetReconfig"))
	force := args.Bool("force")

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cfg == nil {
		return nil, wire.Errorf(api.CodeNotYetInitialized, "no replset config has been received")
	}

	if !force && n.state != api.MsPrimary {
		return nil, wire.Errorf(api.CodeNotWritablePrimary, "replSetReconfig should only be run on the primary")
	}

	if err := gc.Validate(); err != nil {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "%v", err)
	}

	if gc.Name != n.cfg.Name {
		return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "set name can't change from %s to %s", n.cfg.Name, gc.Name)
	}

	if gc.Version <= n.cfg.Version {
		if !force {
			return nil, wire.Errorf(api.CodeNewReplicaSetConfigurationIncompatible,
				"new config version %d must be greater than current version %d", gc.Version, n.cfg.Version)
		}
		gc.Version = n.cfg.Version + 1
	}

	if !force {
		if _, ok := gc.Member(n.addr); !ok {
			return nil, wire.Errorf(api.CodeInvalidReplicaSetConfig, "primary %s can't remove itself", n.addr)
		}

		if d := votingDelta(*n.cfg, gc); d > 1 {
			return nil, wire.Errorf(api.CodeNewReplicaSetConfigurationIncompatible,
				"only one voting member may be added or removed per reconfig (got %d)", d)
		}
	}

	gc.ConfigServer = n.cfg.ConfigServer
	log.Printf("reconfigured group: %s (set=%s, version=%d, members=%d, force=%v)", n.addr, gc.Name, gc.Version, len(gc.Members), force)
	n.installConfigLocked(gc)

	return wire.Doc{}, nil
}

// votingDelta returns how many voting members were added or removed.
func votingDelta(a, b wire.GroupConfig) int {
	voters := func(gc wire.GroupConfig) map[string]struct{} {
		out := map[string]struct{}{}
		for _, m := range gc.Members {
			if m.Votes > 0 {
				out[m.Host] = struct{}{}
			}
		}
		return out
	}

	va, vb := voters(a), voters(b)
	d := 0
	for h := range va {
		if _, ok := vb[h]; !ok {
			d++
		}
	}
	for h := range vb {
		if _, ok := va[h]; !ok {
			d++
		}
	}

	return d
}

func (n *Node) replSetStepDown(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	secs := args.Int("replSetStepDown")
	if secs <= 0 {
		secs = 60
	}

	n.mu.Lock()
	if n.state != api.MsPrimary {
		n.mu.Unlock()
		return nil, wire.Errorf(api.CodeNotWritablePrimary, "not primary so can't step down")
	}

	n.stepDownLocked(0)
	n.noElectUntil = time.Now().Add(time.Duration(secs) * time.Second)
	n.mu.Unlock()

	// Tell the others right away, so they don't wait out the timeout.
	n.sendHeartbeats()

	return wire.Doc{}, nil
}

func (n *Node) replSetStepUp(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	if n.state == api.MsPrimary {
		n.mu.Unlock()
		return wire.Doc{}, nil
	}

	electable := n.electableLocked()
	n.noElectUntil = time.Time{}
	n.mu.Unlock()

	if !electable {
		return nil, wire.Errorf(api.CodeCommandFailed, "%s is not electable", n.addr)
	}

	if !n.runElection() {
		return nil, wire.Errorf(api.CodeCommandFailed, "election failed")
	}

	n.sendHeartbeats()
	return wire.Doc{}, nil
}

func (n *Node) dbHash(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	total, colls := n.store.hash()

	cd := wire.Doc{}
	for k, v := range colls {
		cd[k] = v
	}

	return wire.Doc{"hash": total, "collections": cd}, nil
}

// resync throws away everything a secondary has, so that the primary sends it
// the whole log again.
func (n *Node) resync(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == api.MsPrimary {
		return nil, wire.Errorf(api.CodeIllegalOperation, "primaries can't resync")
	}

	if err := n.store.reset(); err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "error resetting: %v", err)
	}

	log.Printf("resynced: %s", n.addr)
	return wire.Doc{}, nil
}
