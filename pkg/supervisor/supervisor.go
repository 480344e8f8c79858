package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/discovery"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Supervisor starts, stops and restarts server processes, and owns the handle
// of each one. Calls on different handles are independent, and may be made
// concurrently.
type Supervisor struct {
	cfg      config.Config
	launcher Launcher
	dial     wire.Dialer
	reg      discovery.Registry

	mu       sync.Mutex
	handles  map[api.NodeID]*Handle
	ports    map[int]api.NodeID
	nextPort int
	root     string
	ownsRoot bool
}

// New returns a supervisor. reg may be nil, in which case processes aren't
// registered anywhere.
func New(cfg config.Config, l Launcher, dial wire.Dialer, reg discovery.Registry) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: l,
		dial:     dial,
		reg:      reg,
		handles:  map[api.NodeID]*Handle{},
		ports:    map[int]api.NodeID{},
		nextPort: cfg.BasePort,
	}
}

// StopOptions controls what happens to the data directory of a stopped node.
type StopOptions struct {

	// Keep the data directory, so that a restart finds the same data. Only
	// honored for durable nodes.
	PreserveData bool
}

// Start launches a process for the spec and waits until it answers hello. If
// the spec has no host or port, they're assigned. Returns *api.StartupError if
// the process exits (or never answers) before it's ready.
func (s *Supervisor) Start(ctx context.Context, spec api.NodeSpec) (*Handle, error) {
	if spec.ID == "" {
		return nil, errors.New("can't start node with no id")
	}

	s.mu.Lock()
	if h, ok := s.handles[spec.ID]; ok && h.Alive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("node already running: %s", spec.ID)
	}
	spec = s.assignAddr(spec.Clone())
	s.mu.Unlock()

	dir, err := s.freshDir(spec)
	if err != nil {
		s.releaseAddr(spec)
		return nil, &api.StartupError{Node: spec.ID, Addr: spec.Addr(), Err: err}
	}

	h, err := s.launch(ctx, spec, dir)
	if err != nil {
		s.releaseAddr(spec)
		return nil, err
	}

	return h, nil
}

// assignAddr fills in the host and port of the spec, if they're missing.
// Caller must hold mu.
func (s *Supervisor) assignAddr(spec api.NodeSpec) api.NodeSpec {
	if spec.Host == "" {
		spec.Host = s.cfg.Host
	}

	if spec.Port == 0 {
		for {
			p := s.nextPort
			s.nextPort++
			if _, ok := s.ports[p]; !ok {
				spec.Port = p
				break
			}
		}
	}

	s.ports[spec.Port] = spec.ID
	return spec
}

// releaseAddr frees the port reserved for a spec which failed to start, so that
// it can be assigned again.
func (s *Supervisor) releaseAddr(spec api.NodeSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ports[spec.Port] != spec.ID {
		return
	}

	delete(s.ports, spec.Port)
	if spec.Port >= s.cfg.BasePort && spec.Port < s.nextPort {
		s.nextPort = spec.Port
	}
}

func (s *Supervisor) dataRoot() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.root != "" {
		return s.root, nil
	}

	if s.cfg.DataRoot != "" {
		if err := os.MkdirAll(s.cfg.DataRoot, 0o755); err != nil {
			return "", err
		}
		s.root = s.cfg.DataRoot
		return s.root, nil
	}

	root, err := os.MkdirTemp("", "testrig-")
	if err != nil {
		return "", err
	}

	s.root = root
	s.ownsRoot = true
	return root, nil
}

// freshDir returns an empty data directory for the spec, or the empty string
// for routers, which don't store anything.
func (s *Supervisor) freshDir(spec api.NodeSpec) (string, error) {
	if spec.Role == api.RoleRouter {
		return "", nil
	}

	dir := spec.Option(api.OptDataDir, "")
	if dir == "" {
		root, err := s.dataRoot()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(root, string(spec.ID))
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return dir, nil
}

func (s *Supervisor) launch(ctx context.Context, spec api.NodeSpec, dir string) (*Handle, error) {
	if dir != "" {
		spec = spec.WithOptions(map[string]string{api.OptDataDir: dir})
	}

	if spec.Role != api.RoleRouter {
		spec = s.withTimings(spec)
	}

	fail := func(err error) (*Handle, error) {
		return nil, &api.StartupError{Node: spec.ID, Addr: spec.Addr(), Err: err}
	}

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return fail(fmt.Errorf("launch: %w", err))
	}

	client, err := s.dial(ctx, spec.Addr())
	if err != nil {
		s.reap(proc)
		return fail(err)
	}

	err = retry.Until(ctx, s.cfg.Backoff, s.cfg.StartupTimeout, fmt.Sprintf("waiting for %s to be ready", spec.ID), func(ctx context.Context) (bool, error) {
		select {
		case <-proc.Exited():
			return false, retry.Permanent(fmt.Errorf("exited before ready: %v", proc.Err()))
		default:
		}

		_, err := client.Do(ctx, wire.Hello{})
		return err == nil, err
	})
	if err != nil {
		client.Close()
		s.reap(proc)
		return fail(err)
	}

	h := &Handle{
		spec:    spec,
		proc:    proc,
		client:  client,
		dataDir: dir,
		alive:   true,
		started: time.Now(),
		watched: make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[spec.ID] = h
	s.mu.Unlock()

	if s.reg != nil {
		if err := s.reg.Register(spec.Role.String(), h.Remote()); err != nil {
			log.Printf("error registering %s: %v", spec.ID, err)
		}
	}

	go s.watch(h)

	log.Printf("node ready: %s", spec)
	return h, nil
}

// withTimings passes the harness election timings to the node, unless the spec
// already sets them.
func (s *Supervisor) withTimings(spec api.NodeSpec) api.NodeSpec {
	opts := map[string]string{}
	if spec.Option(api.OptElectionMS, "") == "" && s.cfg.ElectionTimeout > 0 {
		opts[api.OptElectionMS] = strconv.FormatInt(s.cfg.ElectionTimeout.Milliseconds(), 10)
	}

	if spec.Option(api.OptHeartbeatMS, "") == "" && s.cfg.HeartbeatInterval > 0 {
		opts[api.OptHeartbeatMS] = strconv.FormatInt(s.cfg.HeartbeatInterval.Milliseconds(), 10)
	}

	if len(opts) == 0 {
		return spec
	}

	return spec.WithOptions(opts)
}

// reap kills a process which failed to start, and waits for it to go.
func (s *Supervisor) reap(proc Process) {
	if err := proc.Kill(); err != nil {
		log.Printf("error killing process: %v", err)
	}

	select {
	case <-proc.Exited():
	case <-time.After(s.cfg.StopGracePeriod):
		log.Printf("process didn't exit after kill")
	}
}

// watch marks the handle dead when its process exits, however that happens.
func (s *Supervisor) watch(h *Handle) {
	defer close(h.watched)
	<-h.proc.Exited()

	h.mu.Lock()
	h.alive = false
	h.mu.Unlock()

	if s.reg != nil {
		if err := s.reg.Deregister(h.spec.Role.String(), h.Remote()); err != nil {
			log.Printf("error deregistering %s: %v", h.spec.ID, err)
		}
	}

	if err := h.proc.Err(); err != nil {
		log.Printf("node exited: %s: %v", h.spec.ID, err)
	} else {
		log.Printf("node exited: %s", h.spec.ID)
	}
}

// Stop asks the process to shut down, and kills it if it hasn't exited after
// the grace period. Returns once the process is dead. Stopping a handle which
// is already dead only applies the data options.
func (s *Supervisor) Stop(ctx context.Context, h *Handle, opts StopOptions) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := s.stop(ctx, h); err != nil {
		return err
	}

	return s.cleanup(h, opts.PreserveData)
}

func (s *Supervisor) stop(ctx context.Context, h *Handle) error {
	select {
	case <-h.proc.Exited():
		return nil
	default:
	}

	if err := h.proc.Terminate(); err != nil {
		log.Printf("error terminating %s, will kill: %v", h.spec.ID, err)
	} else {
		grace := time.NewTimer(s.cfg.StopGracePeriod)
		defer grace.Stop()

		select {
		case <-h.proc.Exited():
			return nil
		case <-grace.C:
			log.Printf("node didn't stop within %s, killing: %s", s.cfg.StopGracePeriod, h.spec.ID)
		case <-ctx.Done():
			log.Printf("gave up waiting for %s to stop, killing: %v", h.spec.ID, ctx.Err())
		}
	}

	return s.kill(h)
}

func (s *Supervisor) kill(h *Handle) error {
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("error killing %s: %w", h.spec.ID, err)
	}

	// A killed process which doesn't exit is beyond help. Don't wait on the
	// caller's context here, since it might be the one that just expired.
	select {
	case <-h.proc.Exited():
		return nil
	case <-time.After(s.cfg.StopGracePeriod):
		return &api.TimeoutError{Op: fmt.Sprintf("killing %s", h.spec.ID), After: s.cfg.StopGracePeriod}
	}
}

// Kill stops the process immediately, like a crash. The data directory of a
// durable node is kept.
func (s *Supervisor) Kill(ctx context.Context, h *Handle) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := s.kill(h); err != nil {
		return err
	}

	return s.cleanup(h, true)
}

// cleanup closes the client of a dead process, and removes its data unless it
// should be preserved.
func (s *Supervisor) cleanup(h *Handle, preserve bool) error {
	<-h.watched

	h.mu.Lock()
	h.alive = false
	h.stopped = true
	h.preserved = preserve && h.spec.Durable
	dir := h.dataDir
	keep := h.preserved
	h.mu.Unlock()

	h.client.Close()

	if dir == "" || keep {
		return nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error removing data directory of %s: %w", h.spec.ID, err)
	}

	return nil
}

// Restart stops the process (if it's still running) and starts a new one for
// next, which must have the same id. An empty host or port in next keeps the
// old address. The data directory is reused if it was preserved, and must
// still exist; otherwise the new process starts with none. Returns a new
// handle; the old one stays dead.
func (s *Supervisor) Restart(ctx context.Context, h *Handle, next api.NodeSpec, opts StopOptions) (*Handle, error) {
	if next.ID != h.spec.ID {
		return nil, fmt.Errorf("can't restart %s as %s", h.spec.ID, next.ID)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	if err := s.stop(ctx, h); err != nil {
		return nil, err
	}

	// Not if it was already stopped, which decided what to keep.
	if !h.cleaned() {
		if err := s.cleanup(h, opts.PreserveData); err != nil {
			return nil, err
		}
	}

	next = next.Clone()
	if next.Host == "" {
		next.Host = h.spec.Host
	}
	if next.Port == 0 {
		next.Port = h.spec.Port
	}

	s.mu.Lock()
	delete(s.ports, h.spec.Port)
	next = s.assignAddr(next)
	s.mu.Unlock()

	h.mu.Lock()
	dir, preserved := h.dataDir, h.preserved
	h.mu.Unlock()

	if preserved && next.Durable {
		if _, err := os.Stat(dir); err != nil {
			return nil, &api.StartupError{Node: next.ID, Addr: next.Addr(), Err: fmt.Errorf("data directory missing: %w", err)}
		}

		log.Printf("restarting with preserved data: %s", next.ID)
		return s.launch(ctx, next, dir)
	}

	dir, err := s.freshDir(next)
	if err != nil {
		return nil, &api.StartupError{Node: next.ID, Addr: next.Addr(), Err: err}
	}

	return s.launch(ctx, next, dir)
}

// Get returns the most recent handle for the node.
func (s *Supervisor) Get(id api.NodeID) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Handles returns the most recent handle of every node, sorted by id.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].spec.ID < out[j].spec.ID
	})

	return out
}

// StopAll stops every live process concurrently, and returns once they're all
// dead. Every process is stopped even if some fail to.
func (s *Supervisor) StopAll(ctx context.Context, opts StopOptions) error {
	var mu sync.Mutex
	var errs []error

	g := errgroup.Group{}
	for _, h := range s.Handles() {
		if !h.Alive() {
			continue
		}

		h := h
		g.Go(func() error {
			if err := s.Stop(ctx, h, opts); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// Close stops everything, and removes the data root if the supervisor made it.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.StopAll(ctx, StopOptions{})

	s.mu.Lock()
	root, owns := s.root, s.ownsRoot
	s.mu.Unlock()

	if owns {
		if rerr := os.RemoveAll(root); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	return err
}
