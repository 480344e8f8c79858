package supervisor_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/discovery/mock"
	"github.com/adammck/testrig/pkg/supervisor"
	"github.com/adammck/testrig/pkg/supervisor/mocks"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Host = "fake"
	cfg.BasePort = 2000
	cfg.DataRoot = t.TempDir()
	cfg.StartupTimeout = 2 * time.Second
	cfg.StopGracePeriod = 200 * time.Millisecond
	cfg.ElectionTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func inProc(t *testing.T) (*supervisor.Supervisor, *fake_nodes.Fabric, *mock.Discovery) {
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	disc := mock.New()
	sup := supervisor.New(testConfig(t), &supervisor.InProcLauncher{Fabric: f}, f.Dial, disc)
	t.Cleanup(func() {
		sup.Close(context.Background())
	})

	return sup, f, disc
}

func ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// single starts a one-member group, and waits for it to become primary.
func single(t *testing.T, sup *supervisor.Supervisor, id string, durable bool) *supervisor.Handle {
	h, err := sup.Start(ctx(t), api.NodeSpec{
		ID:      api.NodeID(id),
		Role:    api.RoleData,
		Group:   id,
		Durable: durable,
	})
	require.NoError(t, err)

	_, err = h.Do(ctx(t), wire.ReplSetInitiate{Config: wire.NewGroupConfig(id, []string{h.Addr()})})
	require.NoError(t, err)
	awaitPrimary(t, h)

	return h
}

func awaitPrimary(t *testing.T, h *supervisor.Handle) {
	require.Eventually(t, func() bool {
		res, err := h.Do(ctx(t), wire.Hello{})
		return err == nil && wire.ParseHello(res).IsWritablePrimary
	}, waitFor, tick)
}

func count(t *testing.T, h *supervisor.Handle) int {
	res, err := h.Do(ctx(t), wire.Count{Collection: "db.things"})
	require.NoError(t, err)
	return res.Int("n")
}

func TestStartAssignsAddress(t *testing.T) {
	sup, f, disc := inProc(t)

	a, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData, Group: "rs"})
	require.NoError(t, err)
	b, err := sup.Start(ctx(t), api.NodeSpec{ID: "b", Role: api.RoleData, Group: "rs"})
	require.NoError(t, err)

	assert.Equal(t, "fake:2000", a.Addr())
	assert.Equal(t, "fake:2001", b.Addr())
	assert.True(t, a.Alive())
	assert.Equal(t, "200", a.Spec().Option(api.OptElectionMS, ""))
	assert.NotEmpty(t, a.DataDir())
	assert.Equal(t, []string{"fake:2000", "fake:2001"}, f.Addrs())

	rems, err := disc.Get("data")
	require.NoError(t, err)
	assert.Equal(t, []api.Remote{a.Remote(), b.Remote()}, rems)

	_, err = sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})
	assert.Error(t, err)

	got, ok := sup.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Len(t, sup.Handles(), 2)
}

func TestStopRemovesData(t *testing.T) {
	sup, f, disc := inProc(t)
	h := single(t, sup, "rs", false)
	dir := h.DataDir()

	require.NoError(t, sup.Stop(ctx(t), h, supervisor.StopOptions{PreserveData: true}))
	assert.False(t, h.Alive())
	assert.Empty(t, f.Addrs())

	// Not durable, so nothing is preserved.
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool {
		rems, _ := disc.Get("data")
		return len(rems) == 0
	}, waitFor, tick)

	// Again is fine.
	require.NoError(t, sup.Stop(ctx(t), h, supervisor.StopOptions{}))
}

func TestRestartPreservesData(t *testing.T) {
	sup, _, _ := inProc(t)
	h := single(t, sup, "rs", true)

	_, err := h.Do(ctx(t), wire.Insert{
		Collection:   "db.things",
		Documents:    []wire.Doc{{"_id": 1}, {"_id": 2}},
		WriteConcern: wire.Majority(),
	})
	require.NoError(t, err)

	next := h.Spec().WithOptions(map[string]string{"logLevel": "2"})
	h2, err := sup.Restart(ctx(t), h, next, supervisor.StopOptions{PreserveData: true})
	require.NoError(t, err)

	assert.False(t, h.Alive())
	assert.True(t, h2.Alive())
	assert.NotSame(t, h, h2)
	assert.Equal(t, h.Addr(), h2.Addr())
	assert.Equal(t, h.DataDir(), h2.DataDir())
	assert.Equal(t, "2", h2.Spec().Option("logLevel", ""))

	awaitPrimary(t, h2)
	assert.Equal(t, 2, count(t, h2))
}

func TestRestartWithoutPreserve(t *testing.T) {
	sup, _, _ := inProc(t)
	h := single(t, sup, "rs", true)

	_, err := h.Do(ctx(t), wire.Insert{Collection: "db.things", Documents: []wire.Doc{{"_id": 1}}})
	require.NoError(t, err)

	h2, err := sup.Restart(ctx(t), h, h.Spec(), supervisor.StopOptions{})
	require.NoError(t, err)

	// Fresh storage, so not even a group config.
	res, err := h2.Do(ctx(t), wire.Hello{})
	require.NoError(t, err)
	assert.Equal(t, "NotYetInitialized", res.String("info"))
}

func TestRestartMissingData(t *testing.T) {
	sup, _, _ := inProc(t)
	h := single(t, sup, "rs", true)

	require.NoError(t, sup.Stop(ctx(t), h, supervisor.StopOptions{PreserveData: true}))
	require.NoError(t, os.RemoveAll(h.DataDir()))

	_, err := sup.Restart(ctx(t), h, h.Spec(), supervisor.StopOptions{PreserveData: true})
	var se *api.StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, api.NodeID("rs"), se.Node)
}

func TestShutdownCommandMarksDead(t *testing.T) {
	sup, _, _ := inProc(t)
	h := single(t, sup, "rs", true)

	_, err := h.Do(ctx(t), wire.Shutdown{})
	require.NoError(t, err)

	select {
	case <-h.Exited():
	case <-time.After(waitFor):
		t.Fatal("process didn't exit")
	}

	require.Eventually(t, func() bool {
		return !h.Alive()
	}, waitFor, tick)

	// Stopped without being asked, so restarting may keep the data.
	h2, err := sup.Restart(ctx(t), h, h.Spec(), supervisor.StopOptions{PreserveData: true})
	require.NoError(t, err)
	awaitPrimary(t, h2)
}

func TestKill(t *testing.T) {
	sup, f, _ := inProc(t)
	h := single(t, sup, "rs", true)

	require.NoError(t, sup.Kill(ctx(t), h))
	assert.False(t, h.Alive())
	assert.Empty(t, f.Addrs())

	// A crash keeps the data of a durable node.
	_, err := os.Stat(h.DataDir())
	assert.NoError(t, err)
}

func TestStopAll(t *testing.T) {
	sup, f, _ := inProc(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := sup.Start(ctx(t), api.NodeSpec{ID: api.NodeID(id), Role: api.RoleData, Group: id})
		require.NoError(t, err)
	}

	require.NoError(t, sup.StopAll(ctx(t), supervisor.StopOptions{}))
	assert.Empty(t, f.Addrs())
	for _, h := range sup.Handles() {
		assert.False(t, h.Alive())
	}
}

// helloServer serves just enough of the protocol to look ready.
func helloServer(t *testing.T, f *fake_nodes.Fabric, addr string) {
	err := f.Serve(addr, wire.HandlerFunc(func(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
		return wire.Doc{}, nil
	}))
	require.NoError(t, err)
}

func TestStartupErrorWhenLaunchFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	l.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(nil, errors.New("no such binary"))

	sup := supervisor.New(testConfig(t), l, f.Dial, nil)
	_, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})

	var se *api.StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "fake:2000", se.Addr)
}

func TestFailedStartReleasesPort(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	addrs := []string{}
	l.EXPECT().Launch(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, spec api.NodeSpec) (supervisor.Process, error) {
		addrs = append(addrs, spec.Addr())
		return nil, errors.New("no such binary")
	}).Times(3)

	sup := supervisor.New(testConfig(t), l, f.Dial, nil)
	for _, id := range []api.NodeID{"a", "b", "c"} {
		_, err := sup.Start(ctx(t), api.NodeSpec{ID: id, Role: api.RoleData})
		var se *api.StartupError
		require.ErrorAs(t, err, &se)
	}

	// Each failure gave its port back.
	assert.Equal(t, []string{"fake:2000", "fake:2000", "fake:2000"}, addrs)
}

func TestStartupErrorWhenProcessExits(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	p := mocks.NewMockProcess(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	var exited <-chan struct{} = closed()
	l.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(p, nil)
	p.EXPECT().Exited().Return(exited).AnyTimes()
	p.EXPECT().Err().Return(errors.New("exit status 1")).AnyTimes()
	p.EXPECT().Kill().Return(nil)

	sup := supervisor.New(testConfig(t), l, f.Dial, nil)
	_, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})

	var se *api.StartupError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "exit status 1")
}

func TestStartupErrorWhenNeverReady(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	p := mocks.NewMockProcess(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	exited := make(chan struct{})
	l.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(p, nil)
	p.EXPECT().Exited().Return((<-chan struct{})(exited)).AnyTimes()
	p.EXPECT().Kill().DoAndReturn(func() error {
		close(exited)
		return nil
	})

	cfg := testConfig(t)
	cfg.StartupTimeout = 100 * time.Millisecond
	sup := supervisor.New(cfg, l, f.Dial, nil)

	// Nothing serves the address.
	_, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})

	var se *api.StartupError
	require.ErrorAs(t, err, &se)
	var te *api.TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestStopEscalatesToKill(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	p := mocks.NewMockProcess(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	helloServer(t, f, "fake:2000")

	exited := make(chan struct{})
	l.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(p, nil)
	p.EXPECT().Exited().Return((<-chan struct{})(exited)).AnyTimes()
	p.EXPECT().Err().Return(nil).AnyTimes()

	// Ignores the polite request.
	gomock.InOrder(
		p.EXPECT().Terminate().Return(nil),
		p.EXPECT().Kill().DoAndReturn(func() error {
			close(exited)
			return nil
		}),
	)

	cfg := testConfig(t)
	cfg.StopGracePeriod = 50 * time.Millisecond
	sup := supervisor.New(cfg, l, f.Dial, nil)

	h, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sup.Stop(ctx(t), h, supervisor.StopOptions{}))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, h.Alive())
}

func TestStopGraceful(t *testing.T) {
	ctrl := gomock.NewController(t)
	l := mocks.NewMockLauncher(ctrl)
	p := mocks.NewMockProcess(ctrl)
	f := fake_nodes.New()
	t.Cleanup(f.Close)

	helloServer(t, f, "fake:2000")

	exited := make(chan struct{})
	l.EXPECT().Launch(gomock.Any(), gomock.Any()).Return(p, nil)
	p.EXPECT().Exited().Return((<-chan struct{})(exited)).AnyTimes()
	p.EXPECT().Err().Return(nil).AnyTimes()
	p.EXPECT().Terminate().DoAndReturn(func() error {
		close(exited)
		return nil
	})

	sup := supervisor.New(testConfig(t), l, f.Dial, nil)
	h, err := sup.Start(ctx(t), api.NodeSpec{ID: "a", Role: api.RoleData})
	require.NoError(t, err)

	// Kill isn't expected.
	require.NoError(t, sup.Stop(ctx(t), h, supervisor.StopOptions{}))
}

func closed() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
