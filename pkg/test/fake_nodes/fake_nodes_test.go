package fake_nodes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/test/fake_node"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func spec(id string, role api.Role, group string, port int, opts map[string]string) api.NodeSpec {
	o := map[string]string{
		api.OptElectionMS:  "200",
		api.OptHeartbeatMS: "20",
	}
	for k, v := range opts {
		o[k] = v
	}

	return api.NodeSpec{
		ID:      api.NodeID(id),
		Role:    role,
		Group:   group,
		Host:    "fake",
		Port:    port,
		Options: o,
	}
}

type harness struct {
	t *testing.T
	f *Fabric
}

func newHarness(t *testing.T) *harness {
	f := New()
	t.Cleanup(f.Close)
	return &harness{t: t, f: f}
}

func (h *harness) client(addr string) *wire.Client {
	c, err := h.f.Dial(context.Background(), addr)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) run(addr string, cmd wire.Command) (wire.Doc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return h.client(addr).Do(ctx, cmd)
}

func (h *harness) must(addr string, cmd wire.Command) wire.Doc {
	res, err := h.run(addr, cmd)
	require.NoError(h.t, err)
	return res
}

// group starts n members of a replication group and initiates it.
func (h *harness) group(name string, role api.Role, base, n int, opts map[string]string) []string {
	addrs := []string{}
	for i := 0; i < n; i++ {
		s := spec(fmt.Sprintf("%s-%d", name, i), role, name, base+i, opts)
		_, err := h.f.Start(s, nil)
		require.NoError(h.t, err)
		addrs = append(addrs, s.Addr())
	}

	h.must(addrs[0], wire.ReplSetInitiate{Config: wire.NewGroupConfig(name, addrs)})
	return addrs
}

// primary waits until exactly one of the addrs is primary, and returns it.
func (h *harness) primary(addrs []string) string {
	var primary string

	require.Eventually(h.t, func() bool {
		primary = ""
		for _, a := range addrs {
			res, err := h.run(a, wire.Hello{})
			if err != nil {
				continue
			}
			if wire.ParseHello(res).IsWritablePrimary {
				if primary != "" {
					return false
				}
				primary = a
			}
		}
		return primary != ""
	}, waitFor, tick)

	return primary
}

func others(addrs []string, not string) []string {
	out := []string{}
	for _, a := range addrs {
		if a != not {
			out = append(out, a)
		}
	}
	return out
}

func TestGroupElectsOnePrimary(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 3, nil)
	p := h.primary(addrs)

	require.Eventually(t, func() bool {
		for _, a := range others(addrs, p) {
			res, err := h.run(a, wire.Hello{})
			if err != nil || !wire.ParseHello(res).Secondary {
				return false
			}
		}
		return true
	}, waitFor, tick)

	// Stable absent further mutation.
	for i := 0; i < 5; i++ {
		assert.Equal(t, p, h.primary(addrs))
		time.Sleep(50 * time.Millisecond)
	}

	rs := wire.ParseReplStatus(h.must(p, wire.ReplSetGetStatus{}))
	got, ok := rs.Primary()
	assert.True(t, ok)
	assert.Equal(t, p, got)
}

func TestInitiateTwice(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 1, nil)

	_, err := h.run(addrs[0], wire.ReplSetInitiate{Config: wire.NewGroupConfig("rs", addrs)})
	assert.True(t, api.HasCode(err, api.CodeAlreadyInitialized))
}

func TestInitiateUnreachableMember(t *testing.T) {
	h := newHarness(t)
	s := spec("a", api.RoleData, "rs", 1000, nil)
	_, err := h.f.Start(s, nil)
	require.NoError(t, err)

	_, err = h.run(s.Addr(), wire.ReplSetInitiate{Config: wire.NewGroupConfig("rs", []string{s.Addr(), "fake:1999"})})
	assert.True(t, api.HasCode(err, api.CodeNodeNotFound))
}

func TestFailoverKeepsAcknowledgedWrites(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 3, nil)
	p := h.primary(addrs)

	res := h.must(p, wire.Insert{
		Collection:   "db.things",
		Documents:    []wire.Doc{{"_id": 1}, {"_id": 2}, {"_id": 3}},
		WriteConcern: wire.Majority(),
	})
	wr := wire.ParseWrite(res)
	require.NoError(t, wr.Err(p, "insert"))
	assert.Equal(t, 3, wr.N)

	require.NoError(t, h.f.Stop(p, false))

	rest := others(addrs, p)
	np := h.primary(rest)
	assert.NotEqual(t, p, np)

	cr := wire.ParseCursor(h.must(np, wire.Find{Collection: "db.things"}))
	assert.Len(t, cr.Batch, 3)
}

func TestStepDown(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 3, nil)
	p := h.primary(addrs)

	h.must(p, wire.ReplSetStepDown{Period: 10 * time.Second})

	np := h.primary(others(addrs, p))
	assert.NotEqual(t, p, np)

	_, err := h.run(p, wire.ReplSetStepDown{Period: time.Second})
	assert.True(t, api.HasCode(err, api.CodeNotWritablePrimary))
}

func TestSecondaryReads(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 2, nil)
	p := h.primary(addrs)
	s := others(addrs, p)[0]

	h.must(p, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "x"}}, WriteConcern: wire.Majority()})

	_, err := h.run(s, wire.Find{Collection: "db.a"})
	assert.True(t, api.HasCode(err, api.CodeNotPrimaryNoSecondaryOk))

	cr := wire.ParseCursor(h.must(s, wire.Find{Collection: "db.a", SecondaryOK: true}))
	assert.Len(t, cr.Batch, 1)

	// And the hashes agree.
	ph := wire.ParseDBHash(h.must(p, wire.DBHash{}))
	sh := wire.ParseDBHash(h.must(s, wire.DBHash{}))
	assert.Equal(t, ph.Hash, sh.Hash)
}

func TestReconfigAddsMember(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 2, nil)
	p := h.primary(addrs)

	h.must(p, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": 1}}})

	ns := spec("rs-2", api.RoleData, "rs", 1002, nil)
	_, err := h.f.Start(ns, nil)
	require.NoError(t, err)

	gc := wire.ParseGroupConfig(h.must(p, wire.ReplSetGetConfig{}).Doc("config"))
	gc.Version += 1
	gc.Members = append(gc.Members, wire.MemberConfig{ID: gc.NextID(), Host: ns.Addr(), Priority: 1, Votes: 1})
	h.must(p, wire.ReplSetReconfig{Config: gc})

	require.Eventually(t, func() bool {
		res, err := h.run(ns.Addr(), wire.Count{Collection: "db.a", Extra: wire.Doc{"secondaryOk": true}})
		return err == nil && res.Int("n") == 1
	}, waitFor, tick)

	// Two voters at once is refused.
	gc.Version += 1
	gc.Members = append(gc.Members,
		wire.MemberConfig{ID: 10, Host: "fake:1010", Priority: 1, Votes: 1},
		wire.MemberConfig{ID: 11, Host: "fake:1011", Priority: 1, Votes: 1})
	_, err = h.run(p, wire.ReplSetReconfig{Config: gc})
	assert.True(t, api.HasCode(err, api.CodeNewReplicaSetConfigurationIncompatible))
}

func TestHangBeforeWrite(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 1, nil)
	p := h.primary(addrs)

	res := h.must(p, wire.ConfigureFailPoint{Name: fake_node.FpHangBeforeWrite, Mode: api.AlwaysOn(), Data: wire.Doc{"collection": "db.a"}})
	count := wire.ParseFailPoint(res).Count

	done := make(chan error)
	go func() {
		_, err := h.run(p, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": 1}}})
		done <- err
	}()

	h.must(p, wire.WaitForFailPoint{Name: fake_node.FpHangBeforeWrite, TimesEntered: count + 1, MaxTime: waitFor})

	ops := wire.ParseCurrentOp(h.must(p, wire.CurrentOp{Filter: wire.Doc{"failpoint": fake_node.FpHangBeforeWrite}}))
	require.Len(t, ops.InProgress, 1)
	assert.Equal(t, "db.a", ops.InProgress[0].String("ns"))

	// Writes to other collections aren't held up.
	h.must(p, wire.Insert{Collection: "db.b", Documents: []wire.Doc{{"_id": 1}}})

	h.must(p, wire.ConfigureFailPoint{Name: fake_node.FpHangBeforeWrite, Mode: api.Off()})
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.must(p, wire.Count{Collection: "db.a"}).Int("n"))
}

func TestWriteConflict(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 1, nil)
	p := h.primary(addrs)

	h.must(p, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "k", "v": 0}}})
	h.must(p, wire.ConfigureFailPoint{Name: fake_node.FpHangAfterReadBeforeWrite, Mode: api.Times(1)})

	done := make(chan error)
	go func() {
		_, err := h.run(p, wire.Update{Collection: "db.a", Updates: []wire.UpdateSpec{{Query: wire.Doc{"_id": "k"}, Update: wire.Doc{"$set": wire.Doc{"v": 1}}}}})
		done <- err
	}()

	h.must(p, wire.WaitForFailPoint{Name: fake_node.FpHangAfterReadBeforeWrite, TimesEntered: 1, MaxTime: waitFor})
	h.must(p, wire.Update{Collection: "db.a", Updates: []wire.UpdateSpec{{Query: wire.Doc{"_id": "k"}, Update: wire.Doc{"$set": wire.Doc{"v": 2}}}}})
	h.must(p, wire.ConfigureFailPoint{Name: fake_node.FpHangAfterReadBeforeWrite, Mode: api.Off()})

	err := <-done
	assert.True(t, api.HasCode(err, api.CodeWriteConflict))

	cr := wire.ParseCursor(h.must(p, wire.Find{Collection: "db.a", Filter: wire.Doc{"_id": "k"}}))
	require.Len(t, cr.Batch, 1)
	assert.Equal(t, 2, cr.Batch[0].Int("v"))
}

func TestRetryableWrite(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 1, nil)
	p := h.primary(addrs)

	ins := wire.Insert{
		Collection: "db.a",
		Documents:  []wire.Doc{{"_id": 1}},
		Session:    &wire.Session{LSID: "s1", TxnNumber: 1},
	}

	assert.False(t, wire.ParseWrite(h.must(p, ins)).Retried)
	wr := wire.ParseWrite(h.must(p, ins))
	assert.True(t, wr.Retried)
	assert.Equal(t, 1, wr.N)
	assert.NoError(t, wr.Err(p, "insert"))

	// A new txnNumber is a new write, which collides.
	ins.Session.TxnNumber = 2
	wr = wire.ParseWrite(h.must(p, ins))
	assert.True(t, api.HasCode(wr.Err(p, "insert"), api.CodeDuplicateKey))
}

func TestFailCommand(t *testing.T) {
	h := newHarness(t)
	addrs := h.group("rs", api.RoleData, 1000, 1, nil)
	p := h.primary(addrs)

	h.must(p, wire.ConfigureFailPoint{
		Name: fake_node.FpFailCommand,
		Mode: api.Times(1),
		Data: wire.Doc{"failCommands": []string{"count"}, "errorCode": api.CodeHostUnreachable},
	})

	_, err := h.run(p, wire.Count{Collection: "db.a"})
	assert.True(t, api.HasCode(err, api.CodeHostUnreachable))

	_, err = h.run(p, wire.Count{Collection: "db.a"})
	assert.NoError(t, err)
}

func TestDurableRestart(t *testing.T) {
	h := newHarness(t)
	s := spec("a", api.RoleData, "rs", 1000, map[string]string{api.OptDataDir: t.TempDir()})
	s.Durable = true

	_, err := h.f.Start(s, nil)
	require.NoError(t, err)
	h.must(s.Addr(), wire.ReplSetInitiate{Config: wire.NewGroupConfig("rs", []string{s.Addr()})})
	h.primary([]string{s.Addr()})
	h.must(s.Addr(), wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": 1}, {"_id": 2}}})

	require.NoError(t, h.f.Stop(s.Addr(), true))
	_, err = h.f.Start(s, nil)
	require.NoError(t, err)

	h.primary([]string{s.Addr()})
	assert.Equal(t, 2, h.must(s.Addr(), wire.Count{Collection: "db.a"}).Int("n"))
}

func TestShutdownCommand(t *testing.T) {
	h := newHarness(t)
	s := spec("a", api.RoleData, "rs", 1000, nil)

	exited := make(chan struct{})
	_, err := h.f.Start(s, func() { close(exited) })
	require.NoError(t, err)

	h.must(s.Addr(), wire.Shutdown{})

	select {
	case <-exited:
	case <-time.After(waitFor):
		t.Fatal("node didn't exit")
	}

	_, ok := h.f.Node(s.Addr())
	assert.False(t, ok)

	_, err = h.run(s.Addr(), wire.Hello{})
	var cl *api.ConnectionLost
	assert.ErrorAs(t, err, &cl)
}

func TestSearchDelegation(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	conns := []string{}
	err := h.f.Serve("search:1", wire.HandlerFunc(func(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
		mu.Lock()
		conns = append(conns, wire.ConnIDFromContext(ctx))
		mu.Unlock()

		switch name {
		case "search":
			return wire.Doc{"cursors": []any{
				wire.Doc{"cursor": wire.Doc{"id": 7, "ns": "db.a", "firstBatch": []any{wire.Doc{"_id": 1}, wire.Doc{"_id": 2}}, "type": "results"}},
				wire.Doc{"cursor": wire.Doc{"id": 0, "ns": "db.a", "firstBatch": []any{wire.Doc{"count": 3}}, "type": "meta"}},
			}}, nil
		case "getMore":
			return wire.Doc{"cursor": wire.Doc{"id": 0, "ns": "db.a", "nextBatch": []any{wire.Doc{"_id": 3}}}}, nil
		}
		return nil, wire.Errorf(api.CodeCommandNotFound, "no such command: %s", name)
	}))
	require.NoError(t, err)

	addrs := h.group("rs", api.RoleData, 1000, 1, map[string]string{api.OptSearchHost: "search:1"})
	p := h.primary(addrs)

	res := h.must(p, wire.Search{Collection: "db.a", Query: wire.Doc{"text": "x"}})
	crs := wire.ParseCursors(res)
	require.Len(t, crs, 2)

	assert.Len(t, crs[0].Batch, 3)
	assert.Equal(t, "results", crs[0].Extra.String("type"))
	assert.True(t, crs[0].Exhausted())
	assert.Len(t, crs[1].Batch, 1)
	assert.Equal(t, "meta", crs[1].Extra.String("type"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rs-0", "rs-0"}, conns)
}

func TestShardingLifecycle(t *testing.T) {
	h := newHarness(t)

	cfg := h.group("cfg", api.RoleMetadata, 1000, 1, nil)
	s1 := h.group("s1", api.RoleData, 1100, 1, nil)
	s2 := h.group("s2", api.RoleData, 1200, 1, nil)
	h.primary(cfg)
	h.primary(s1)
	p2 := h.primary(s2)

	rs := spec("router", api.RoleRouter, "", 1300, map[string]string{api.OptConfigDB: wire.SeedList("cfg", cfg)})
	_, err := h.f.Start(rs, nil)
	require.NoError(t, err)
	r := rs.Addr()

	// No shards yet.
	_, err = h.run(r, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "a"}}})
	assert.True(t, api.HasCode(err, api.CodeShardNotFound))

	h.must(r, wire.AddShard{Name: "s1", SetName: "s1", Hosts: s1})
	h.must(r, wire.AddShard{Name: "s1", SetName: "s1", Hosts: s1})

	_, err = h.run(r, wire.AddShard{Name: "other", SetName: "s1", Hosts: s1})
	assert.True(t, api.HasCode(err, api.CodeIllegalOperation))

	docs := []wire.Doc{}
	for _, k := range []string{"a", "f", "m", "q", "z"} {
		docs = append(docs, wire.Doc{"_id": k})
	}
	wr := wire.ParseWrite(h.must(r, wire.Insert{Collection: "db.a", Documents: docs, WriteConcern: wire.Majority()}))
	require.NoError(t, wr.Err(r, "insert"))
	assert.Equal(t, 5, wr.N)

	h.must(r, wire.Split{Middle: "m"})
	h.must(r, wire.AddShard{Name: "s2", SetName: "s2", Hosts: s2})
	h.must(r, wire.MoveRange{Min: "m", ToShard: "s2"})

	ranges, _ := wire.ParseDistribution(h.must(r, wire.GetDistribution{}))
	require.Len(t, ranges, 2)
	assert.Equal(t, api.ShardID("s1"), ranges[0].Shard)
	assert.Equal(t, api.ShardID("s2"), ranges[1].Shard)

	assert.Equal(t, 3, h.must(p2, wire.Count{Collection: "db.a"}).Int("n"))
	assert.Equal(t, 5, h.must(r, wire.Count{Collection: "db.a"}).Int("n"))

	cr := wire.ParseCursor(h.must(r, wire.Find{Collection: "db.a", Filter: wire.Doc{"_id": "q"}}))
	require.Len(t, cr.Batch, 1)

	// Drain s2.
	rep := wire.ParseRemoveShard(h.must(r, wire.RemoveShard{Name: "s2"}))
	assert.Equal(t, wire.DrainStarted, rep.State)
	assert.Equal(t, 1, rep.Remaining)

	rep = wire.ParseRemoveShard(h.must(r, wire.RemoveShard{Name: "s2"}))
	assert.Equal(t, wire.DrainOngoing, rep.State)
	assert.Equal(t, 0, rep.Remaining)

	rep = wire.ParseRemoveShard(h.must(r, wire.RemoveShard{Name: "s2"}))
	assert.Equal(t, wire.DrainCompleted, rep.State)

	ranges, _ = wire.ParseDistribution(h.must(r, wire.GetDistribution{}))
	for _, ri := range ranges {
		assert.Equal(t, api.ShardID("s1"), ri.Shard)
	}

	shards := wire.ParseShards(h.must(r, wire.ListShards{}))
	require.Len(t, shards, 1)
	assert.Equal(t, api.ShardID("s1"), shards[0].Name)

	assert.Equal(t, 5, h.must(r, wire.Count{Collection: "db.a"}).Int("n"))
	assert.Equal(t, 0, h.must(p2, wire.Count{Collection: "db.a"}).Int("n"))

	// The last shard can't be removed while it owns ranges.
	_, err = h.run(r, wire.RemoveShard{Name: "s1"})
	assert.True(t, api.HasCode(err, api.CodeIllegalOperation))

	_, err = h.run(r, wire.RemoveShard{Name: "nope"})
	assert.True(t, api.HasCode(err, api.CodeShardNotFound))
}

func TestFailMigration(t *testing.T) {
	h := newHarness(t)
	cfg := h.group("cfg", api.RoleMetadata, 1000, 1, nil)
	s1 := h.group("s1", api.RoleData, 1100, 1, nil)
	s2 := h.group("s2", api.RoleData, 1200, 1, nil)
	pc := h.primary(cfg)
	h.primary(s1)
	h.primary(s2)

	h.must(pc, wire.AddShard{Name: "s1", SetName: "s1", Hosts: s1})
	h.must(pc, wire.AddShard{Name: "s2", SetName: "s2", Hosts: s2})
	h.must(pc, wire.Split{Middle: "m"})

	h.must(pc, wire.ConfigureFailPoint{Name: fake_node.FpFailMigration, Mode: api.AlwaysOn()})
	_, err := h.run(pc, wire.MoveRange{Min: "m", ToShard: "s2"})
	assert.True(t, api.HasCode(err, api.CodeOperationFailed))

	ranges, _ := wire.ParseDistribution(h.must(pc, wire.GetDistribution{}))
	for _, ri := range ranges {
		assert.Equal(t, api.ShardID("s1"), ri.Shard)
	}
}

func TestWritesRefusedWhileRangeMigrates(t *testing.T) {
	h := newHarness(t)
	cfg := h.group("cfg", api.RoleMetadata, 1000, 1, nil)
	s1 := h.group("s1", api.RoleData, 1100, 1, nil)
	s2 := h.group("s2", api.RoleData, 1200, 1, nil)
	pc := h.primary(cfg)
	p1 := h.primary(s1)
	p2 := h.primary(s2)

	h.must(pc, wire.AddShard{Name: "s1", SetName: "s1", Hosts: s1})
	h.must(pc, wire.AddShard{Name: "s2", SetName: "s2", Hosts: s2})
	h.must(pc, wire.Split{Middle: "m"})
	h.must(p1, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "q"}}})

	res := h.must(pc, wire.ConfigureFailPoint{Name: fake_node.FpHangBeforeMigrationCommit, Mode: api.AlwaysOn()})
	count := wire.ParseFailPoint(res).Count

	done := make(chan error)
	go func() {
		_, err := h.run(pc, wire.MoveRange{Min: "m", ToShard: "s2"})
		done <- err
	}()

	h.must(pc, wire.WaitForFailPoint{Name: fake_node.FpHangBeforeMigrationCommit, TimesEntered: count + 1, MaxTime: waitFor})

	// The range has been copied but is still owned by s1, which refuses
	// writes to it with a retryable error.
	_, err := h.run(p1, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "r"}}})
	assert.True(t, api.HasCode(err, api.CodeStaleConfig))
	assert.True(t, api.IsTransient(err))

	_, err = h.run(p1, wire.Update{Collection: "db.a", Updates: []wire.UpdateSpec{{Query: wire.Doc{"_id": "q"}, Update: wire.Doc{"$set": wire.Doc{"v": 1}}}}})
	assert.True(t, api.HasCode(err, api.CodeStaleConfig))

	// Other ranges aren't affected.
	h.must(p1, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "b"}}})

	h.must(pc, wire.ConfigureFailPoint{Name: fake_node.FpHangBeforeMigrationCommit, Mode: api.Off()})
	require.NoError(t, <-done)

	// Nothing was written to the source after the copy, so nothing was lost
	// by the delete.
	assert.Equal(t, 1, h.must(p1, wire.Count{Collection: "db.a"}).Int("n"))
	cr := wire.ParseCursor(h.must(p2, wire.Find{Collection: "db.a", Filter: wire.Doc{"_id": "q"}}))
	require.Len(t, cr.Batch, 1)
	assert.False(t, cr.Batch[0].Has("v"))

	// A migration which fails after the copy stops refusing writes.
	h.must(p1, wire.ConfigureFailPoint{
		Name: fake_node.FpFailCommand,
		Mode: api.Times(1),
		Data: wire.Doc{"failCommands": []string{"importRange"}, "errorCode": api.CodeOperationFailed},
	})
	_, err = h.run(pc, wire.MoveRange{Min: "m", ToShard: "s1"})
	assert.True(t, api.HasCode(err, api.CodeOperationFailed))

	h.must(p2, wire.Insert{Collection: "db.a", Documents: []wire.Doc{{"_id": "r"}}})
	assert.Equal(t, 2, h.must(p2, wire.Count{Collection: "db.a"}).Int("n"))
}

func TestConfigShardTransitions(t *testing.T) {
	h := newHarness(t)
	cfg := h.group("cfg", api.RoleMetadata, 1000, 1, nil)
	s1 := h.group("s1", api.RoleData, 1100, 1, nil)
	pc := h.primary(cfg)
	h.primary(s1)

	h.must(pc, wire.TransitionFromDedicatedConfigServer{})
	h.must(pc, wire.AddShard{Name: "s1", SetName: "s1", Hosts: s1})

	shards := wire.ParseShards(h.must(pc, wire.ListShards{}))
	require.Len(t, shards, 2)
	assert.Equal(t, api.ConfigShard, shards[0].Name)

	for i := 0; i < 5; i++ {
		rep := wire.ParseRemoveShard(h.must(pc, wire.TransitionToDedicatedConfigServer{}))
		if rep.State == wire.DrainCompleted {
			break
		}
	}

	shards = wire.ParseShards(h.must(pc, wire.ListShards{}))
	require.Len(t, shards, 1)
	assert.Equal(t, api.ShardID("s1"), shards[0].Name)
}

func TestAddrInUse(t *testing.T) {
	h := newHarness(t)
	s := spec("a", api.RoleData, "rs", 1000, nil)
	_, err := h.f.Start(s, nil)
	require.NoError(t, err)

	_, err = h.f.Start(s, nil)
	assert.Error(t, err)
	assert.Equal(t, []string{s.Addr()}, h.f.Addrs())
}
