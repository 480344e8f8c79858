package fake_node

import (
	"context"
	"errors"
	"sort"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Admin commands which a router passes straight to the metadata primary.
var forwardedCommands = []string{
	"addShard",
	"removeShard",
	"listShards",
	"split",
	"moveRange",
	"getDistribution",
	"transitionFromDedicatedConfigServer",
	"transitionToDedicatedConfigServer",
}

func (n *Node) routerCommands(cmds map[string]handler) {
	for _, name := range forwardedCommands {
		name := name
		cmds[name] = func(ctx context.Context, args wire.Doc) (wire.Doc, error) {
			return n.forwardToConfig(ctx, name, args)
		}
	}

	cmds["insert"] = n.routeInsert
	cmds["update"] = n.routeUpdate
	cmds["delete"] = n.routeDelete
	cmds["find"] = n.routeFind
	cmds["count"] = n.routeCount
	cmds["search"] = n.routeSearch
	cmds["currentOp"] = n.routeCurrentOp
}

func (n *Node) configPrimary(ctx context.Context) (*wire.Client, error) {
	_, hosts := wire.ParseSeedList(n.spec.Option(api.OptConfigDB, ""))
	if len(hosts) == 0 {
		return nil, wire.Errorf(api.CodeBadValue, "router %s has no %s option", n.addr, api.OptConfigDB)
	}

	return n.groupPrimary(ctx, hosts)
}

// forwardToConfig sends a command to the metadata primary, retrying if the
// primary changes underneath it.
func (n *Node) forwardToConfig(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
	var res wire.Doc
	err := retry.Do(ctx, n.policy, name, func(ctx context.Context) error {
		c, err := n.configPrimary(ctx)
		if err != nil {
			return err
		}

		res, err = c.Run(ctx, name, args)
		return err
	})
	if err != nil {
		return nil, unwrapCommandError(err)
	}

	return res.Without("ok"), nil
}

// unwrapCommandError returns the underlying CommandError, if any, so that the
// original code reaches the client.
func unwrapCommandError(err error) error {
	var ce *api.CommandError
	if errors.As(err, &ce) {
		return ce
	}

	return err
}

// routing is a snapshot of the sharding metadata, fetched per command.
type routing struct {
	dist   *keyspace.Distribution
	shards map[api.ShardID][]string
}

func (n *Node) routing(ctx context.Context) (*routing, error) {
	dres, err := n.forwardToConfig(ctx, "getDistribution", wire.Doc{"getDistribution": 1})
	if err != nil {
		return nil, err
	}

	sres, err := n.forwardToConfig(ctx, "listShards", wire.Doc{"listShards": 1})
	if err != nil {
		return nil, err
	}

	rs := []keyspace.Range{}
	for i, rd := range dres.Docs("ranges") {
		rs = append(rs, keyspace.Range{
			Ident: i,
			Start: keyspace.Key(rd.String("min")),
			End:   keyspace.Key(rd.String("max")),
			Shard: api.ShardID(rd.String("shard")),
		})
	}

	d, err := keyspace.FromRanges(rs)
	if err != nil {
		return nil, err
	}

	rt := &routing{dist: d, shards: map[api.ShardID][]string{}}
	for _, s := range wire.ParseShards(sres) {
		rt.shards[s.Name] = s.Hosts
	}

	return rt, nil
}

// owner returns the shard which owns the given document id.
func (rt *routing) owner(id any) (api.ShardID, error) {
	s := rt.dist.Owner(keyspace.KeyOf(id)).Shard
	if s == api.ZeroShard {
		return s, wire.Errorf(api.CodeShardNotFound, "no shard owns key %v; add a shard first", id)
	}

	return s, nil
}

// targets returns the shards which may hold documents matching the filter.
func (rt *routing) targets(filter wire.Doc) ([]api.ShardID, error) {
	if id, ok := filter["_id"]; ok && wire.AsDoc(id) == nil {
		s, err := rt.owner(id)
		if err != nil {
			return nil, err
		}
		return []api.ShardID{s}, nil
	}

	out := []api.ShardID{}
	for s := range rt.dist.Shards() {
		if s != api.ZeroShard {
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	if len(out) == 0 {
		return nil, wire.Errorf(api.CodeShardNotFound, "no shards")
	}

	return out, nil
}

func (n *Node) shardPrimary(ctx context.Context, rt *routing, s api.ShardID) (*wire.Client, error) {
	hosts, ok := rt.shards[s]
	if !ok {
		return nil, wire.Errorf(api.CodeShardNotFound, "shard %s does not exist", s)
	}

	return n.groupPrimary(ctx, hosts)
}

// writeFields copies the fields which every part of a routed write carries.
func writeFields(args wire.Doc) wire.Doc {
	out := wire.Doc{}
	for _, k := range []string{"writeConcern", "lsid", "txnNumber"} {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}

	return out
}

// batch is the statements of a routed write bound for one shard, and their
// indexes in the original command.
type batch struct {
	stmts []any
	index []int
}

// scatterWrite sends each shard its statements, in parallel, and merges the
// replies. Write error indexes are mapped back to the original command.
func (n *Node) scatterWrite(ctx context.Context, rt *routing, name, coll, field string, batches map[api.ShardID]*batch, args wire.Doc) (wire.Doc, error) {
	type result struct {
		b   *batch
		res wire.Doc
	}

	results := make(chan result, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	for s, b := range batches {
		s, b := s, b
		g.Go(func() error {
			c, err := n.shardPrimary(ctx, rt, s)
			if err != nil {
				return err
			}

			cmd := writeFields(args)
			cmd[name] = coll
			cmd[field] = b.stmts
			res, err := c.Run(ctx, name, cmd)
			if err != nil {
				return err
			}

			results <- result{b, res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, unwrapCommandError(err)
	}
	close(results)

	out := wire.Doc{"n": 0}
	nMod := 0
	errs := []wire.Doc{}
	retried := false
	for r := range results {
		wr := wire.ParseWrite(r.res)
		out["n"] = out.Int("n") + wr.N
		nMod += wr.NModified
		retried = retried || wr.Retried

		for _, we := range wr.WriteErrors {
			we = we.Clone()
			we["index"] = r.b.index[we.Int("index")]
			errs = append(errs, we)
		}

		if wr.WriteConcernError != nil {
			out["writeConcernError"] = wr.WriteConcernError
		}
	}

	if name == "update" {
		out["nModified"] = nMod
	}

	if retried {
		out["retriedStmt"] = true
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool {
			return errs[i].Int("index") < errs[j].Int("index")
		})
		out["writeErrors"] = toAny(errs)
	}

	return out, nil
}

func (n *Node) routeInsert(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	rt, err := n.routing(ctx)
	if err != nil {
		return nil, err
	}

	batches := map[api.ShardID]*batch{}
	for i, d := range args.Docs("documents") {
		d = d.Clone()
		if !d.Has("_id") {
			d["_id"] = uuid.NewString()
		}

		s, err := rt.owner(d["_id"])
		if err != nil {
			return nil, err
		}

		if batches[s] == nil {
			batches[s] = &batch{}
		}
		batches[s].stmts = append(batches[s].stmts, d)
		batches[s].index = append(batches[s].index, i)
	}

	return n.scatterWrite(ctx, rt, "insert", args.String("insert"), "documents", batches, args)
}

// routeStatements groups update or delete statements by target shard. An
// upsert which can't be targeted by _id goes to the owner of the lowest key,
// so that it's applied at most once.
func (n *Node) routeStatements(ctx context.Context, name, field string, args wire.Doc) (wire.Doc, error) {
	rt, err := n.routing(ctx)
	if err != nil {
		return nil, err
	}

	batches := map[api.ShardID]*batch{}
	for i, st := range args.Docs(field) {
		targets, err := rt.targets(st.Doc("q"))
		if err != nil {
			return nil, err
		}

		if st.Bool("upsert") && len(targets) > 1 {
			targets = []api.ShardID{rt.dist.Owner(keyspace.ZeroKey).Shard}
		}

		for _, s := range targets {
			if batches[s] == nil {
				batches[s] = &batch{}
			}
			batches[s].stmts = append(batches[s].stmts, st)
			batches[s].index = append(batches[s].index, i)
		}
	}

	return n.scatterWrite(ctx, rt, name, args.String(name), field, batches, args)
}

func (n *Node) routeUpdate(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	return n.routeStatements(ctx, "update", "updates", args)
}

func (n *Node) routeDelete(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	return n.routeStatements(ctx, "delete", "deletes", args)
}

// gather runs a read on every target shard and returns every document.
func (n *Node) gather(ctx context.Context, rt *routing, targets []api.ShardID, name string, args wire.Doc) ([]wire.Doc, int, error) {
	type result struct {
		docs []wire.Doc
		n    int
	}

	results := make(chan result, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range targets {
		s := s
		g.Go(func() error {
			c, err := n.shardPrimary(ctx, rt, s)
			if err != nil {
				return err
			}

			res, err := c.Run(ctx, name, args.Without("batchSize"))
			if err != nil {
				return err
			}

			if name == "count" {
				results <- result{n: res.Int("n")}
				return nil
			}

			cr := wire.ParseCursor(res)
			docs := cr.Batch
			for !cr.Exhausted() {
				more, err := c.Do(ctx, wire.GetMore{CursorID: cr.ID, Collection: args.String(name)})
				if err != nil {
					return err
				}
				cr = wire.ParseCursor(more)
				docs = append(docs, cr.Batch...)
			}

			results <- result{docs: docs, n: len(docs)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, unwrapCommandError(err)
	}
	close(results)

	docs := []wire.Doc{}
	total := 0
	for r := range results {
		docs = append(docs, r.docs...)
		total += r.n
	}

	// Shards reply in whatever order they finish.
	sort.Slice(docs, func(i, j int) bool {
		return keyspace.KeyOf(docs[i]["_id"]) < keyspace.KeyOf(docs[j]["_id"])
	})

	return docs, total, nil
}

func (n *Node) routeFind(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	rt, err := n.routing(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := rt.targets(args.Doc("filter"))
	if err != nil {
		return nil, err
	}

	docs, _, err := n.gather(ctx, rt, targets, "find", args)
	if err != nil {
		return nil, err
	}

	coll := args.String("find")
	return wire.Doc{"cursor": n.curs.open(coll, docs, args.Int("batchSize"), nil)}, nil
}

func (n *Node) routeCount(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	rt, err := n.routing(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := rt.targets(args.Doc("query"))
	if err != nil {
		return nil, err
	}

	_, total, err := n.gather(ctx, rt, targets, "count", args)
	if err != nil {
		return nil, err
	}

	return wire.Doc{"n": total}, nil
}

// routeSearch sends a search to one shard, picked at random, since every shard
// consults the same backend. Which one is not deterministic.
func (n *Node) routeSearch(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	rt, err := n.routing(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := rt.targets(nil)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	s := targets[n.rnd.Intn(len(targets))]
	n.mu.Unlock()

	c, err := n.shardPrimary(ctx, rt, s)
	if err != nil {
		return nil, err
	}

	coll := args.String("search")
	res, err := c.Run(ctx, "search", args.Without("batchSize"))
	if err != nil {
		return nil, err
	}

	return n.serveCursors(ctx, c, coll, res, args.Int("batchSize"))
}

// routeCurrentOp lists the router's own ops, and those of every shard primary,
// each tagged with the shard.
func (n *Node) routeCurrentOp(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	filter := currentOpFilter(args)
	out := toAny(n.ops.list(filter))

	rt, err := n.routing(ctx)
	if err != nil {
		return wire.Doc{"inprog": out}, nil
	}

	names := make([]string, 0, len(rt.shards))
	for s := range rt.shards {
		names = append(names, string(s))
	}
	sort.Strings(names)

	for _, s := range names {
		c, err := n.shardPrimary(ctx, rt, api.ShardID(s))
		if err != nil {
			continue
		}

		res, err := c.Run(ctx, "currentOp", args)
		if err != nil {
			continue
		}

		for _, d := range wire.ParseCurrentOp(res).InProgress {
			d["shard"] = s
			out = append(out, d)
		}
	}

	return wire.Doc{"inprog": out}, nil
}
