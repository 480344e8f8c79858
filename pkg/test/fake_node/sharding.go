package fake_node

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
)

// Where the metadata group keeps the sharding state.
const (
	nsShards       = metadataPrefix + "shards"
	nsDistribution = metadataPrefix + "distribution"
	distKey        = "ranges"
)

type shardDoc struct {
	name     api.ShardID
	setName  string
	hosts    []string
	draining bool
}

func (s shardDoc) toDoc() wire.Doc {
	return wire.Doc{
		"_id":      string(s.name),
		"host":     wire.SeedList(s.setName, s.hosts),
		"draining": s.draining,
	}
}

func parseShardDoc(d wire.Doc) shardDoc {
	set, hosts := wire.ParseSeedList(d.String("host"))
	return shardDoc{
		name:     api.ShardID(d.String("_id")),
		setName:  set,
		hosts:    hosts,
		draining: d.Bool("draining"),
	}
}

func (n *Node) metadataCommands(cmds map[string]handler) {
	cmds["addShard"] = n.addShard
	cmds["removeShard"] = n.removeShard
	cmds["listShards"] = n.listShards
	cmds["split"] = n.split
	cmds["moveRange"] = n.moveRange
	cmds["getDistribution"] = n.getDistribution
	cmds["transitionFromDedicatedConfigServer"] = n.transitionFromDedicatedConfigServer
	cmds["transitionToDedicatedConfigServer"] = n.transitionToDedicatedConfigServer
}

func (n *Node) loadShards() map[api.ShardID]shardDoc {
	out := map[api.ShardID]shardDoc{}
	n.store.scan(nsShards, func(key string, r record) bool {
		s := parseShardDoc(r.doc)
		out[s.name] = s
		return true
	})

	return out
}

// loadDistribution returns the current distribution, and its version. Before
// any shard has been added, everything belongs to ZeroShard.
func (n *Node) loadDistribution() (*keyspace.Distribution, int64, error) {
	rec, ok := n.store.get(nsDistribution, distKey)
	if !ok {
		return keyspace.New(api.ZeroShard), 0, nil
	}

	rs := []keyspace.Range{}
	for _, rd := range rec.doc.Docs("ranges") {
		rs = append(rs, keyspace.Range{
			Ident: rd.Int("id"),
			Start: keyspace.Key(rd.String("min")),
			End:   keyspace.Key(rd.String("max")),
			Shard: api.ShardID(rd.String("shard")),
		})
	}

	d, err := keyspace.FromRanges(rs)
	if err != nil {
		return nil, 0, err
	}

	return d, rec.doc.Int64("version"), nil
}

func distributionDoc(d *keyspace.Distribution, version int64) wire.Doc {
	ranges := []any{}
	for _, r := range d.Snapshot() {
		ranges = append(ranges, wire.Doc{
			"id":    r.Ident,
			"min":   string(r.Start),
			"max":   string(r.End),
			"shard": string(r.Shard),
		})
	}

	return wire.Doc{"_id": distKey, "ranges": ranges, "version": version}
}

// writeMetadata replaces shard docs and (if non-nil) the distribution in a
// single append, and waits for a majority of the metadata group. Caller must
// hold metaMu.
func (n *Node) writeMetadata(shards []shardDoc, removed []api.ShardID, d *keyspace.Distribution, version int64) error {
	es := []entry{}
	for _, s := range shards {
		es = append(es, entry{Op: opUpdate, NS: nsShards, Key: string(s.name), Doc: s.toDoc()})
	}
	for _, name := range removed {
		es = append(es, entry{Op: opDelete, NS: nsShards, Key: string(name)})
	}
	if d != nil {
		es = append(es, entry{Op: opUpdate, NS: nsDistribution, Key: distKey, Doc: distributionDoc(d, version+1)})
	}

	_, err := n.writeEntries(wire.Doc{}, es)
	return err
}

// groupPrimary returns a client for the primary of the given hosts, waiting
// (for a while) for one to be elected.
func (n *Node) groupPrimary(ctx context.Context, hosts []string) (*wire.Client, error) {
	var out *wire.Client

	err := retry.Until(ctx, n.policy, 10*n.electionTimeout, fmt.Sprintf("find primary of %v", hosts), func(ctx context.Context) (bool, error) {
		for _, h := range hosts {
			c, err := n.client(ctx, h)
			if err != nil {
				continue
			}

			res, err := c.Do(ctx, wire.Hello{})
			if err != nil {
				continue
			}

			if res.Bool("isWritablePrimary") {
				out = c
				return true, nil
			}
		}

		return false, nil
	})
	if err != nil {
		return nil, wire.Errorf(api.CodeHostUnreachable, "no primary among %v: %v", hosts, err)
	}

	return out, nil
}

// holdsData returns the non-metadata collections which have documents on the
// group with the given primary.
func holdsData(ctx context.Context, c *wire.Client) ([]string, error) {
	res, err := c.Do(ctx, wire.DBHash{})
	if err != nil {
		return nil, err
	}

	out := []string{}
	for ns := range wire.ParseDBHash(res).Collections {
		if !isMetadataNS(ns) {
			out = append(out, ns)
		}
	}

	sort.Strings(out)
	return out, nil
}

func sameHosts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	m := map[string]struct{}{}
	for _, h := range a {
		m[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := m[h]; !ok {
			return false
		}
	}

	return true
}

func (n *Node) addShard(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	set, hosts := wire.ParseSeedList(args.String("addShard"))
	if set == "" || len(hosts) == 0 {
		return nil, wire.Errorf(api.CodeBadValue, "invalid shard seed list: %q", args.String("addShard"))
	}

	name := api.ShardID(args.String("name"))
	if name == api.ZeroShard {
		name = api.ShardID(set)
	}

	return n.addShardDoc(ctx, shardDoc{name: name, setName: set, hosts: hosts})
}

func (n *Node) addShardDoc(ctx context.Context, s shardDoc) (wire.Doc, error) {
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	n.metaMu.Lock()
	defer n.metaMu.Unlock()

	shards := n.loadShards()
	if ex, ok := shards[s.name]; ok {
		if sameHosts(ex.hosts, s.hosts) && !ex.draining {
			return wire.Doc{"shardAdded": string(s.name)}, nil
		}
		return nil, wire.Errorf(api.CodeIllegalOperation, "shard %s already exists with hosts %v", s.name, ex.hosts)
	}

	for _, ex := range shards {
		for _, h := range s.hosts {
			for _, eh := range ex.hosts {
				if h == eh {
					return nil, wire.Errorf(api.CodeIllegalOperation, "host %s already belongs to shard %s", h, ex.name)
				}
			}
		}
	}

	c, err := n.groupPrimary(ctx, s.hosts)
	if err != nil {
		return nil, err
	}

	d, version, err := n.loadDistribution()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "%v", err)
	}

	// A group which already holds data can't join a cluster whose keyspace is
	// already owned by other shards, since the data would be claimed twice.
	if s.name != api.ConfigShard {
		colls, err := holdsData(ctx, c)
		if err != nil {
			return nil, err
		}

		if len(colls) > 0 {
			for owner := range d.Shards() {
				if owner != api.ZeroShard {
					return nil, wire.Errorf(api.CodeIllegalOperation, "can't add shard %s: it already holds data in %v, which is claimed by shard %s", s.name, colls, owner)
				}
			}
		}
	}

	if d.Reassign(api.ZeroShard, s.name) == 0 {
		d = nil
	}

	if err := n.writeMetadata([]shardDoc{s}, nil, d, version); err != nil {
		return nil, err
	}

	log.Printf("added shard: %s (host=%s)", s.name, wire.SeedList(s.setName, s.hosts))
	return wire.Doc{"shardAdded": string(s.name)}, nil
}

func (n *Node) removeShard(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	return n.drainShard(ctx, api.ShardID(args.String("removeShard")))
}

// drainShard advances the removal of a shard by one step: the first call marks
// it draining, each later call moves one of its ranges away, and the call
// after it owns nothing removes it.
func (n *Node) drainShard(ctx context.Context, name api.ShardID) (wire.Doc, error) {
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	n.metaMu.Lock()
	defer n.metaMu.Unlock()

	shards := n.loadShards()
	s, ok := shards[name]
	if !ok {
		return nil, wire.Errorf(api.CodeShardNotFound, "shard %s does not exist", name)
	}

	d, version, err := n.loadDistribution()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "%v", err)
	}

	owned := d.Owned(name)
	active := []api.ShardID{}
	for _, o := range shards {
		if o.name != name && !o.draining {
			active = append(active, o.name)
		}
	}

	if len(owned) > 0 && len(active) == 0 {
		return nil, wire.Errorf(api.CodeIllegalOperation, "can't remove shard %s: it's the last shard, and owns %d ranges", name, len(owned))
	}

	if !s.draining {
		s.draining = true
		if err := n.writeMetadata([]shardDoc{s}, nil, nil, version); err != nil {
			return nil, err
		}

		log.Printf("draining shard: %s (ranges=%d)", name, len(owned))
		return wire.Doc{"state": wire.DrainStarted, "shard": string(name), "remaining": wire.Doc{"ranges": len(owned)}}, nil
	}

	if _, skip := n.fps.check(FpSkipShardDrain, nil); skip || len(owned) == 0 {
		if err := n.writeMetadata(nil, []api.ShardID{name}, nil, version); err != nil {
			return nil, err
		}

		log.Printf("removed shard: %s", name)
		return wire.Doc{"state": wire.DrainCompleted, "shard": string(name)}, nil
	}

	// Move one range to whichever active shard has the fewest.
	counts := d.Shards()
	sort.Slice(active, func(i, j int) bool {
		if counts[active[i]] != counts[active[j]] {
			return counts[active[i]] < counts[active[j]]
		}
		return active[i] < active[j]
	})

	if err := n.migrate(ctx, d, version, shards, owned[0], active[0]); err != nil {
		return nil, err
	}

	return wire.Doc{"state": wire.DrainOngoing, "shard": string(name), "remaining": wire.Doc{"ranges": len(owned) - 1}}, nil
}

// migrate copies the documents of a range to another shard, switches ownership
// in the distribution, and deletes them from the source. The source refuses
// writes to the range from the copy until the delete, or until the migration
// is aborted. Caller must hold metaMu.
func (n *Node) migrate(ctx context.Context, d *keyspace.Distribution, version int64, shards map[api.ShardID]shardDoc, r keyspace.Range, to api.ShardID) error {
	if _, ok := n.fps.check(FpFailMigration, nil); ok {
		return wire.Errorf(api.CodeOperationFailed, "failpoint %s enabled: can't move %s to %s", FpFailMigration, r, to)
	}

	src, ok := shards[r.Shard]
	if !ok {
		return wire.Errorf(api.CodeShardNotFound, "range %s is owned by unknown shard %s", r, r.Shard)
	}

	dst, ok := shards[to]
	if !ok {
		return wire.Errorf(api.CodeShardNotFound, "shard %s does not exist", to)
	}

	bounds := wire.Doc{"min": string(r.Start), "max": string(r.End)}

	sc, err := n.groupPrimary(ctx, src.hosts)
	if err != nil {
		return err
	}

	res, err := sc.Run(ctx, "cloneRange", bounds.Clone())
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if _, aerr := sc.Run(n.ctx, "abortRangeMigration", bounds.Clone()); aerr != nil {
			log.Printf("error aborting migration: %s on %s: %v", r, r.Shard, aerr)
		}
	}()

	dc, err := n.groupPrimary(ctx, dst.hosts)
	if err != nil {
		return err
	}

	if _, err := dc.Run(ctx, "importRange", wire.Doc{"docs": res.Array("docs")}); err != nil {
		return err
	}

	if err := n.pause(ctx, FpHangBeforeMigrationCommit, nil); err != nil {
		return err
	}

	if _, err := d.Move(r.Start, to); err != nil {
		return wire.Errorf(api.CodeInternalError, "%v", err)
	}

	if err := n.writeMetadata(nil, nil, d, version); err != nil {
		return err
	}
	committed = true

	if _, err := sc.Run(ctx, "deleteRange", bounds); err != nil {
		// The range already belongs to the destination, so this only leaves
		// orphans on the source.
		log.Printf("error deleting migrated range: %s from %s: %v", r, r.Shard, err)
	}

	log.Printf("moved range: %s -> %s (docs=%d)", r, to, len(res.Array("docs")))
	return nil
}

func (n *Node) moveRange(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	n.metaMu.Lock()
	defer n.metaMu.Unlock()

	d, version, err := n.loadDistribution()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "%v", err)
	}

	start := keyspace.Key(args.String("min"))
	r, ok := d.Get(start)
	if !ok {
		return nil, wire.Errorf(api.CodeBadValue, "no range starts at %q", start)
	}

	to := api.ShardID(args.String("toShard"))
	shards := n.loadShards()
	if s, ok := shards[to]; !ok || s.draining {
		return nil, wire.Errorf(api.CodeShardNotFound, "shard %s does not exist or is draining", to)
	}

	if r.Shard == to {
		return wire.Doc{}, nil
	}

	if err := n.migrate(ctx, d, version, shards, r, to); err != nil {
		return nil, err
	}

	return wire.Doc{}, nil
}

func (n *Node) split(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	n.metaMu.Lock()
	defer n.metaMu.Unlock()

	d, version, err := n.loadDistribution()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "%v", err)
	}

	left, right, err := d.Split(keyspace.Key(args.String("middle")))
	if err != nil {
		return nil, wire.Errorf(api.CodeBadValue, "%v", err)
	}

	if err := n.writeMetadata(nil, nil, d, version); err != nil {
		return nil, err
	}

	log.Printf("split range: %s | %s", left, right)
	return wire.Doc{}, nil
}

func (n *Node) listShards(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	shards := n.loadShards()
	names := make([]string, 0, len(shards))
	for name := range shards {
		names = append(names, string(name))
	}
	sort.Strings(names)

	out := []any{}
	for _, name := range names {
		out = append(out, shards[api.ShardID(name)].toDoc())
	}

	return wire.Doc{"shards": out}, nil
}

func (n *Node) getDistribution(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	d, version, err := n.loadDistribution()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "%v", err)
	}

	return distributionDoc(d, version).Without("_id"), nil
}

// transitionFromDedicatedConfigServer makes the metadata group a data shard
// too, named "config".
func (n *Node) transitionFromDedicatedConfigServer(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.mu.Lock()
	if n.cfg == nil {
		n.mu.Unlock()
		return nil, wire.Errorf(api.CodeNotYetInitialized, "no replset config has been received")
	}
	s := shardDoc{name: api.ConfigShard, setName: n.cfg.Name, hosts: n.cfg.Hosts()}
	n.mu.Unlock()

	return n.addShardDoc(ctx, s)
}

// transitionToDedicatedConfigServer drains the config shard, one step per
// call, like removeShard.
func (n *Node) transitionToDedicatedConfigServer(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	return n.drainShard(ctx, api.ConfigShard)
}
