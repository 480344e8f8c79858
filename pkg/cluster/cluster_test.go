package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/cluster"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/discovery/mock"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/mockservice"
	"github.com/adammck/testrig/pkg/persister/memory"
	"github.com/adammck/testrig/pkg/supervisor"
	"github.com/adammck/testrig/pkg/test/fake_node"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
	"github.com/adammck/testrig/pkg/topology"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitFor = 15 * time.Second

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Host = "fake"
	cfg.BasePort = 4000
	cfg.DataRoot = t.TempDir()
	cfg.StopGracePeriod = 500 * time.Millisecond
	cfg.QuorumTimeout = 5 * time.Second
	cfg.ReplicationTimeout = 2 * time.Second
	cfg.ElectionTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.DrainPollInterval = 10 * time.Millisecond
	return cfg
}

type env struct {
	cluster.Env
	fabric *fake_nodes.Fabric
	disc   *mock.Discovery
	pers   *memory.Persister
}

func newEnv(t *testing.T, cfg config.Config) env {
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	e := env{
		fabric: f,
		disc:   mock.New(),
		pers:   memory.New(),
	}

	e.Env = cluster.Env{
		Config:    cfg,
		Launcher:  &supervisor.InProcLauncher{Fabric: f},
		Dial:      f.Dial,
		Registry:  e.disc,
		Persister: e.pers,
	}

	return e
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func allStopped(t *testing.T, c *cluster.Cluster) {
	for _, h := range c.Sup.Handles() {
		assert.False(t, h.Alive(), "still alive: %s", h.ID())
	}
}

// ShardedSuite provisions a cluster with a metadata group, two shards and a
// router before every test.
type ShardedSuite struct {
	suite.Suite
	env env
	c   *cluster.Cluster
}

func TestSharded(t *testing.T) {
	suite.Run(t, new(ShardedSuite))
}

func (s *ShardedSuite) SetupTest() {
	s.env = newEnv(s.T(), testConfig(s.T()))

	desc := cluster.Descriptor{
		Name:     "sharded",
		Metadata: &cluster.GroupSpec{Name: "cfg", Members: 1},
		Shards: []cluster.GroupSpec{
			{Name: "s1", Members: 3},
			{Name: "s2", Members: 1},
		},
		Routers: 1,
		Splits:  []string{"g", "p"},
	}

	c, err := cluster.Provision(withTimeout(s.T()), s.env.Env, desc)
	s.Require().NoError(err)
	s.c = c
}

func (s *ShardedSuite) TearDownTest() {
	if s.c != nil {
		s.NoError(s.c.Teardown(context.Background(), cluster.TeardownOptions{}))
		allStopped(s.T(), s.c)
	}
}

func (s *ShardedSuite) ctx() context.Context {
	return withTimeout(s.T())
}

func (s *ShardedSuite) TestProvisioned() {
	d, err := s.c.Topo.Distribution(s.ctx())
	s.Require().NoError(err)

	got := map[keyspace.Key]api.ShardID{}
	for _, r := range d.Snapshot() {
		got[r.Start] = r.Shard
	}

	s.Equal(map[keyspace.Key]api.ShardID{
		keyspace.ZeroKey: "s1",
		"g":              "s2",
		"p":              "s1",
	}, got)

	// The distribution was recorded.
	rs, err := s.env.pers.GetRanges()
	s.Require().NoError(err)
	s.Equal(d.Snapshot(), rs)

	// Every process registered itself.
	data, err := s.env.disc.Get(api.RoleData.String())
	s.Require().NoError(err)
	s.Len(data, 4)

	routers, err := s.env.disc.Get(api.RoleRouter.String())
	s.Require().NoError(err)
	s.Len(routers, 1)
}

func (s *ShardedSuite) TestWritesThroughRouter() {
	r, err := s.c.Router()
	s.Require().NoError(err)

	docs := []wire.Doc{{"_id": "a"}, {"_id": "h"}, {"_id": "q"}}
	res, err := r.Do(s.ctx(), wire.Insert{Collection: "db.c", Documents: docs, WriteConcern: wire.Majority()})
	s.Require().NoError(err)
	s.Equal(3, wire.ParseWrite(res).N)

	res, err = r.Do(s.ctx(), wire.Count{Collection: "db.c"})
	s.Require().NoError(err)
	s.Equal(3, res.Int("n"))

	s.NoError(s.c.Validate(s.ctx()))
}

func (s *ShardedSuite) TestKillPrimary() {
	g, err := s.c.Group("s1")
	s.Require().NoError(err)

	p, err := s.c.Topo.AwaitPrimary(s.ctx(), g)
	s.Require().NoError(err)

	h, err := s.c.Node(p.ID())
	s.Require().NoError(err)
	s.Require().NoError(s.c.Sup.Kill(s.ctx(), h))

	next, err := s.c.Topo.AwaitPrimary(s.ctx(), g)
	s.Require().NoError(err)
	s.NotEqual(p.ID(), next.ID())

	r, err := s.c.Router()
	s.Require().NoError(err)

	_, err = r.Do(s.ctx(), wire.Insert{Collection: "db.c", Documents: []wire.Doc{{"_id": "b"}}, WriteConcern: wire.Majority()})
	s.Require().NoError(err)

	// The dead member is skipped.
	s.NoError(s.c.Teardown(s.ctx(), cluster.TeardownOptions{Validate: true}))
}

func (s *ShardedSuite) TestRestart() {
	h, err := s.c.Node("s2-0")
	s.Require().NoError(err)

	next, err := s.c.Restart(s.ctx(), h.ID(), map[string]string{api.OptElectionMS: "100"}, supervisor.StopOptions{})
	s.Require().NoError(err)
	s.NotSame(h, next)
	s.Equal("100", next.Spec().Options[api.OptElectionMS])

	g, err := s.c.Group("s2")
	s.Require().NoError(err)

	m, ok := g.Member(h.ID())
	s.Require().True(ok)
	s.Same(next, m)
}

func (s *ShardedSuite) TestTeardownReportsOrphans() {
	meta, err := s.c.Topo.Primary(s.ctx(), s.c.Topo.Metadata())
	s.Require().NoError(err)

	h, err := s.c.Node(meta.ID())
	s.Require().NoError(err)

	_, err = s.c.FailPoints.Enable(s.ctx(), h, fake_node.FpSkipShardDrain, api.AlwaysOn(), nil)
	s.Require().NoError(err)

	err = s.c.Topo.RemoveShard(s.ctx(), "s2")
	var di *api.DrainIncomplete
	s.Require().ErrorAs(err, &di)

	err = s.c.Teardown(s.ctx(), cluster.TeardownOptions{Validate: true})

	var oe *cluster.OrphanError
	s.Require().ErrorAs(err, &oe)
	s.Require().Len(oe.Ranges, 1)
	s.Equal(keyspace.Key("g"), oe.Ranges[0].Start)
	s.Equal(api.ShardID("s2"), oe.Ranges[0].Shard)

	allStopped(s.T(), s.c)
	s.Empty(s.c.FailPoints.Outstanding())
}

func TestTeardownReportsDivergence(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplicationTimeout = 500 * time.Millisecond
	e := newEnv(t, cfg)

	c, err := cluster.Provision(withTimeout(t), e.Env, cluster.Descriptor{
		Name:   "rs",
		Groups: []cluster.GroupSpec{{Name: "rs", Members: 3}},
	})
	require.NoError(t, err)

	g, err := c.Group("rs")
	require.NoError(t, err)

	p, err := c.Topo.AwaitPrimary(withTimeout(t), g)
	require.NoError(t, err)

	var stuck topology.Node
	for _, n := range g.Members() {
		if n.ID() != p.ID() {
			stuck = n
			break
		}
	}
	require.NotNil(t, stuck)

	// Set behind the controller's back, so that teardown doesn't release it.
	_, err = stuck.Do(withTimeout(t), wire.ConfigureFailPoint{Name: fake_node.FpRsSyncApplyStop, Mode: api.AlwaysOn()})
	require.NoError(t, err)

	_, err = p.Do(withTimeout(t), wire.Insert{Collection: "db.c", Documents: []wire.Doc{{"_id": 1}}, WriteConcern: wire.WriteConcern{W: 1}})
	require.NoError(t, err)

	err = c.Teardown(withTimeout(t), cluster.TeardownOptions{Validate: true})

	var de *cluster.DivergenceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "rs", de.Group)
	assert.Len(t, de.Hashes, 3)
	assert.NotEqual(t, de.Hashes[p.ID()], de.Hashes[stuck.ID()])

	var te *api.TimeoutError
	assert.ErrorAs(t, de, &te)

	// Everything was stopped anyway.
	allStopped(t, c)
	assert.Empty(t, e.fabric.Addrs())

	left, err := e.disc.Get(api.RoleData.String())
	require.NoError(t, err)
	assert.Empty(t, left)

	// Again is a no-op.
	assert.NoError(t, c.Teardown(withTimeout(t), cluster.TeardownOptions{Validate: true}))
}

func TestProvisionFailureCleansUp(t *testing.T) {
	e := newEnv(t, testConfig(t))

	// Something is already listening where the last member will go.
	require.NoError(t, e.fabric.Serve("fake:4002", mockservice.New()))

	_, err := cluster.Provision(withTimeout(t), e.Env, cluster.Descriptor{
		Name:   "rs",
		Groups: []cluster.GroupSpec{{Name: "rs", Members: 3}},
	})
	require.Error(t, err)

	var se *api.StartupError
	assert.ErrorAs(t, err, &se)

	assert.Equal(t, []string{"fake:4002"}, e.fabric.Addrs())
}

func TestProvisionInvalid(t *testing.T) {
	e := newEnv(t, testConfig(t))

	_, err := cluster.Provision(withTimeout(t), e.Env, cluster.Descriptor{Name: "empty"})
	assert.EqualError(t, err, "descriptor has no groups")
	assert.Empty(t, e.fabric.Addrs())
}

func TestConfigShard(t *testing.T) {
	e := newEnv(t, testConfig(t))

	c, err := cluster.Provision(withTimeout(t), e.Env, cluster.Descriptor{
		Name:        "cs",
		Metadata:    &cluster.GroupSpec{Name: "cfg", Members: 1},
		Shards:      []cluster.GroupSpec{{Name: "s1", Members: 1}},
		ConfigShard: true,
		Splits:      []string{"m"},
	})
	require.NoError(t, err)
	defer c.Teardown(context.Background(), cluster.TeardownOptions{})

	d, err := c.Topo.Distribution(withTimeout(t))
	require.NoError(t, err)

	owners := map[api.ShardID]int{}
	for _, r := range d.Snapshot() {
		owners[r.Shard]++
	}

	assert.Equal(t, map[api.ShardID]int{api.ConfigShard: 1, "s1": 1}, owners)
	assert.NoError(t, c.Validate(withTimeout(t)))
}

func TestTeardownStopsEvenIfCancelled(t *testing.T) {
	e := newEnv(t, testConfig(t))

	c, err := cluster.Provision(withTimeout(t), e.Env, cluster.Descriptor{
		Name:   "rs",
		Groups: []cluster.GroupSpec{{Name: "rs", Members: 1}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Validation can't succeed without a context.
	err = c.Teardown(ctx, cluster.TeardownOptions{Validate: true})
	assert.Error(t, err)

	// A cancelled context cuts the grace period short, but the processes are
	// killed regardless.
	require.Eventually(t, func() bool {
		return len(e.fabric.Addrs()) == 0
	}, waitFor, 10*time.Millisecond)
}
