package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/failpoint"
	"github.com/adammck/testrig/pkg/test/fake_node"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// node is a fake node reached over its own client.
type node struct {
	id     api.NodeID
	client *wire.Client
}

func (n *node) ID() api.NodeID {
	return n.id
}

func (n *node) Do(ctx context.Context, cmd wire.Command) (wire.Doc, error) {
	return n.client.Do(ctx, cmd)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.JoinTimeout = waitFor
	cfg.FailPointWaitTimeout = waitFor
	return cfg
}

func ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
	t.Cleanup(cancel)
	return ctx
}

// setup starts a one-node group and waits for it to be primary.
func setup(t *testing.T) (*fake_nodes.Fabric, *node) {
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	spec := api.NodeSpec{
		ID:      "rs-0",
		Role:    api.RoleData,
		Group:   "rs",
		Host:    "fake",
		Port:    1000,
		Options: map[string]string{api.OptElectionMS: "100", api.OptHeartbeatMS: "10"},
	}
	_, err := f.Start(spec, nil)
	require.NoError(t, err)

	c, err := f.Dial(context.Background(), spec.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	n := &node{id: spec.ID, client: c}

	_, err = n.Do(ctx(t), wire.ReplSetInitiate{Config: wire.NewGroupConfig("rs", []string{spec.Addr()})})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := n.Do(ctx(t), wire.Hello{})
		return err == nil && wire.ParseHello(res).IsWritablePrimary
	}, waitFor, 10*time.Millisecond)

	return f, n
}

func TestStartJoin(t *testing.T) {
	f, n := setup(t)
	c := New(testConfig(), f.Dial, nil)

	task, err := c.Start(ctx(t), "writer", "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
		res, err := th.Do(ctx, wire.Insert{
			Collection: "db.a",
			Documents:  []wire.Doc{{"_id": 1}},
			Session:    th.Session(),
		})
		if err != nil {
			return nil, err
		}
		return wire.ParseWrite(res).N, nil
	})
	require.NoError(t, err)

	_, err = c.Start(ctx(t), "writer", "fake:1000", nil)
	assert.Error(t, err)

	res, err := c.Join(ctx(t), task, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.False(t, task.Running())

	// Exactly once.
	_, err = c.Join(ctx(t), task, 0)
	assert.Error(t, err)

	cnt, err := n.Do(ctx(t), wire.Count{Collection: "db.a"})
	require.NoError(t, err)
	assert.Equal(t, 1, cnt.Int("n"))
}

func TestJoinError(t *testing.T) {
	f, _ := setup(t)
	c := New(testConfig(), f.Dial, nil)

	boom := errors.New("boom")
	task, err := c.Start(ctx(t), "a", "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
		return nil, boom
	})
	require.NoError(t, err)

	_, err = c.Join(ctx(t), task, 0)
	assert.ErrorIs(t, err, boom)

	task, err = c.Start(ctx(t), "b", "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
		panic("oh no")
	})
	require.NoError(t, err)

	_, err = c.Join(ctx(t), task, 0)
	assert.ErrorContains(t, err, "oh no")
}

func TestJoinTimeout(t *testing.T) {
	f, _ := setup(t)
	c := New(testConfig(), f.Dial, nil)

	release := make(chan struct{})
	task, err := c.Start(ctx(t), "stubborn", "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
		// Ignores cancellation.
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	task.Cancel()
	_, err = c.Join(ctx(t), task, 50*time.Millisecond)
	var te *api.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 50*time.Millisecond, te.After)

	// Still there, and still running.
	assert.True(t, task.Running())
	got, ok := c.Task("stubborn")
	require.True(t, ok)
	assert.Same(t, task, got)
	_, err = task.Result()
	assert.Error(t, err)

	close(release)
	res, err := c.Join(ctx(t), task, 0)
	require.NoError(t, err)
	assert.Equal(t, "done", res)
}

func TestCancelCooperative(t *testing.T) {
	f, _ := setup(t)
	c := New(testConfig(), f.Dial, nil)

	task, err := c.Start(ctx(t), "loop", "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
		n := 0
		err := th.Every(ctx, 5*time.Millisecond, func(ctx context.Context) error {
			n++
			th.Shared().Add("ticks", 1)
			return nil
		})
		return n, err
	})
	require.NoError(t, err)

	require.NoError(t, c.WaitForCondition(ctx(t), "three ticks", time.Second, func(ctx context.Context) (bool, error) {
		return c.Shared().Int("ticks") >= 3, nil
	}))

	task.Cancel()
	res, err := c.Join(ctx(t), task, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.(int), 3)
}

func TestSessions(t *testing.T) {
	f, n := setup(t)
	c := New(testConfig(), f.Dial, nil)

	lsids := make(chan string, 2)
	for _, name := range []string{"a", "b"} {
		_, err := c.Start(ctx(t), name, "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
			lsids <- th.LSID()

			s := th.Session()
			if s.TxnNumber != 1 {
				return nil, errors.New("first txnNumber isn't one")
			}

			// A retry with the same session is applied once.
			for i := 0; i < 2; i++ {
				_, err := th.Do(ctx, wire.Insert{
					Collection: "db.a",
					Documents:  []wire.Doc{{"by": th.Name()}},
					Session:    s,
				})
				if err != nil {
					return nil, err
				}
			}

			return nil, nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.JoinAll(ctx(t), 0))
	assert.NotEqual(t, <-lsids, <-lsids)

	cnt, err := n.Do(ctx(t), wire.Count{Collection: "db.a"})
	require.NoError(t, err)
	assert.Equal(t, 2, cnt.Int("n"))
}

func TestJoinAllCollectsErrors(t *testing.T) {
	f, _ := setup(t)
	c := New(testConfig(), f.Dial, nil)

	for _, name := range []string{"ok", "bad1", "bad2"} {
		name := name
		_, err := c.Start(ctx(t), name, "fake:1000", func(ctx context.Context, th *Thread) (any, error) {
			if name == "ok" {
				return nil, nil
			}
			return nil, errors.New(name)
		})
		require.NoError(t, err)
	}

	err := c.JoinAll(ctx(t), 0)
	assert.ErrorContains(t, err, "bad1")
	assert.ErrorContains(t, err, "bad2")

	// Nothing left to join.
	assert.NoError(t, c.JoinAll(ctx(t), 0))
}

func TestSharedUsesLock(t *testing.T) {
	var mu sync.Mutex
	s := NewShared(&mu)

	mu.Lock()
	done := make(chan int64)
	go func() {
		done <- s.Add("n", 2)
	}()

	select {
	case <-done:
		t.Fatal("Add didn't wait for the lock")
	case <-time.After(20 * time.Millisecond):
	}

	mu.Unlock()
	assert.Equal(t, int64(2), <-done)

	s.Set("k", "v")
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	s.Update(func(vals map[string]any) {
		vals["n"] = vals["n"].(int64) * 10
	})
	assert.Equal(t, int64(20), s.Int("n"))
}

// Two tasks update the same document while one is paused between reading and
// writing it. Either both succeed and the last write wins, or the paused one
// fails with a write conflict. The document is never left without a write
// which was acknowledged.
func TestConflictingWrites(t *testing.T) {
	f, n := setup(t)
	cfg := testConfig()
	c := New(cfg, f.Dial, nil)
	fps := failpoint.New(cfg)

	_, err := n.Do(ctx(t), wire.Insert{Collection: "db.c", Documents: []wire.Doc{{"_id": 1, "v": "init"}}})
	require.NoError(t, err)

	update := func(v string) Func {
		return func(ctx context.Context, th *Thread) (any, error) {
			return th.Do(ctx, wire.Update{
				Collection: "db.c",
				Updates:    []wire.UpdateSpec{{Query: wire.Doc{"_id": 1}, Update: wire.Doc{"$set": wire.Doc{"v": v}}}},
				Session:    th.Session(),
			})
		}
	}

	g, err := fps.Enable(ctx(t), n, fake_node.FpHangAfterReadBeforeWrite, api.Times(1), wire.Doc{"collection": "db.c"})
	require.NoError(t, err)
	defer g.Release(context.Background())

	a, err := c.Start(ctx(t), "a", "fake:1000", update("a"))
	require.NoError(t, err)
	require.NoError(t, g.WaitUntilReached(ctx(t), 0))

	// a shows up as paused, with its session.
	require.NoError(t, c.WaitForOps(ctx(t), n, wire.Doc{"failpoint": fake_node.FpHangAfterReadBeforeWrite}, 1, time.Second))
	ops, err := CurrentOps(ctx(t), n, wire.Doc{"lsid.id": a.Thread().LSID()})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	b, err := c.Start(ctx(t), "b", "fake:1000", update("b"))
	require.NoError(t, err)
	_, errB := c.Join(ctx(t), b, 0)
	require.NoError(t, errB)
	assert.True(t, a.Running())

	require.NoError(t, g.Release(ctx(t)))
	_, errA := c.Join(ctx(t), a, 0)

	res, err := n.Do(ctx(t), wire.Find{Collection: "db.c", Filter: wire.Doc{"_id": 1}})
	require.NoError(t, err)
	batch := wire.ParseCursor(res).Batch
	require.Len(t, batch, 1)
	got := batch[0].String("v")

	if errA == nil {
		assert.Equal(t, "a", got)
	} else {
		assert.True(t, api.IsWriteConflict(errA), "unexpected error: %v", errA)
		assert.Equal(t, "b", got)
	}
}
