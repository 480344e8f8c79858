package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Node is something which currentOp can be sent to.
type Node interface {
	ID() api.NodeID
	Do(ctx context.Context, cmd wire.Command) (wire.Doc, error)
}

// Coordinator runs tasks concurrently against a cluster, each on its own
// connection, and joins them.
type Coordinator struct {
	cfg    config.Config
	dial   wire.Dialer
	shared *Shared

	mu    sync.Mutex
	tasks map[string]*Task
}

// New returns a coordinator which dials task connections with the given
// dialer. lock guards the shared state; pass the topology's mutation lock.
func New(cfg config.Config, dial wire.Dialer, lock sync.Locker) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		dial:   dial,
		shared: NewShared(lock),
		tasks:  map[string]*Task{},
	}
}

func (c *Coordinator) Shared() *Shared {
	return c.shared
}

// Start dials addr and runs fn on a new goroutine, with its own connection and
// session. It returns once the task is running. The task's context is derived
// from ctx, so canceling ctx asks the task to stop.
func (c *Coordinator) Start(ctx context.Context, name, addr string, fn Func) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[name]; ok {
		return nil, fmt.Errorf("task already exists: %s", name)
	}

	client, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("error dialing %s for task %s: %w", addr, name, err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:    name,
		th:      newThread(name, client, c.shared),
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	c.tasks[name] = t

	go func() {
		defer client.Close()
		defer cancel()

		res, err := run(tctx, t.th, fn)

		t.res = res
		t.err = err
		t.finished = time.Now()
		close(t.done)

		if err != nil {
			log.Printf("task failed: %s: %v", name, err)
		}
	}()

	log.Printf("task started: %s (%s, lsid=%s)", name, addr, t.th.lsid)
	return t, nil
}

// run calls fn, turning a panic into an error so the task can still be
// joined.
func run(ctx context.Context, th *Thread, fn Func) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", th.name, r)
		}
	}()

	return fn(ctx, th)
}

// Join waits for the task to finish and returns its result. A zero timeout
// means the configured default. If the task doesn't finish in time (because it
// ignores cancellation, or is paused at a failpoint), a *api.TimeoutError is
// returned and the task is left running; it can be joined again later.
func (c *Coordinator) Join(ctx context.Context, t *Task, timeout time.Duration) (any, error) {
	if timeout == 0 {
		timeout = c.cfg.JoinTimeout
	}

	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return nil, fmt.Errorf("task %s has already been joined", t.name)
	}
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
	case <-timer.C:
		return nil, &api.TimeoutError{Op: fmt.Sprintf("join %s", t.name), After: timeout, Last: errors.New("task still running")}
	case <-ctx.Done():
		return nil, &api.TimeoutError{Op: fmt.Sprintf("join %s", t.name), After: timeout, Last: ctx.Err()}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joined {
		return nil, fmt.Errorf("task %s has already been joined", t.name)
	}
	t.joined = true

	return t.res, t.err
}

// JoinAll joins every task which hasn't been joined yet, concurrently, and
// returns every error.
func (c *Coordinator) JoinAll(ctx context.Context, timeout time.Duration) error {
	ts := c.Tasks()

	var mu sync.Mutex
	errs := []error{}

	eg := errgroup.Group{}
	for _, t := range ts {
		t := t
		t.mu.Lock()
		joined := t.joined
		t.mu.Unlock()
		if joined {
			continue
		}

		eg.Go(func() error {
			if _, err := c.Join(ctx, t, timeout); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = eg.Wait()
	return errors.Join(errs...)
}

// CancelAll cancels every task which is still running.
func (c *Coordinator) CancelAll() {
	for _, t := range c.Tasks() {
		if t.Running() {
			t.Cancel()
		}
	}
}

func (c *Coordinator) Task(name string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[name]
	return t, ok
}

// Tasks returns every task, sorted by name.
func (c *Coordinator) Tasks() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// WaitForCondition polls pred with backoff until it returns true, or returns
// *api.TimeoutError. A zero timeout means the configured join timeout.
func (c *Coordinator) WaitForCondition(ctx context.Context, desc string, timeout time.Duration, pred func(ctx context.Context) (bool, error)) error {
	if timeout == 0 {
		timeout = c.cfg.JoinTimeout
	}

	return retry.Until(ctx, c.cfg.Backoff, timeout, desc, pred)
}

// CurrentOps returns the operations in progress on the node which match the
// filter.
func CurrentOps(ctx context.Context, n Node, filter wire.Doc) ([]wire.Doc, error) {
	res, err := n.Do(ctx, wire.CurrentOp{Filter: filter})
	if err != nil {
		return nil, err
	}

	return wire.ParseCurrentOp(res).InProgress, nil
}

// WaitForOps waits until at least count operations matching the filter are in
// progress on the node.
func (c *Coordinator) WaitForOps(ctx context.Context, n Node, filter wire.Doc, count int, timeout time.Duration) error {
	desc := fmt.Sprintf("%d ops matching %s on %s", count, filter.LogString(), n.ID())
	return c.WaitForCondition(ctx, desc, timeout, func(ctx context.Context) (bool, error) {
		ops, err := CurrentOps(ctx, n, filter)
		if err != nil {
			return false, err
		}

		if len(ops) < count {
			return false, fmt.Errorf("%d in progress", len(ops))
		}

		return true, nil
	})
}
