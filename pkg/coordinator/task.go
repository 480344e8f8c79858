package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/wire"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug"
)

// Func is the body of a task. It should return promptly once ctx is done, but
// nothing makes it.
type Func func(ctx context.Context, th *Thread) (any, error)

// Thread is what a task body sees: its own connection, tagged with the task
// name, and its own logical session.
type Thread struct {
	name   string
	client *wire.Client
	shared *Shared

	mu   sync.Mutex
	lsid string
	txn  int64
}

func (th *Thread) Name() string {
	return th.name
}

// Client is the task's own connection.
func (th *Thread) Client() *wire.Client {
	return th.client
}

// Do sends a command over the task's connection. Commands sent by one thread
// are seen by the server in the order they were sent.
func (th *Thread) Do(ctx context.Context, cmd wire.Command) (wire.Doc, error) {
	return th.client.Do(ctx, cmd)
}

// LSID is the id of the task's logical session.
func (th *Thread) LSID() string {
	return th.lsid
}

// Session returns the session for the next write, with a txnNumber one
// greater than the last. Retrying a write should reuse the session it was
// first sent with, so the server can recognize it.
func (th *Thread) Session() *wire.Session {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.txn++
	return &wire.Session{LSID: th.lsid, TxnNumber: th.txn}
}

// Shared is the state shared by every task of the coordinator.
func (th *Thread) Shared() *Shared {
	return th.shared
}

// Every calls fn at jittered intervals until ctx is done or fn returns an
// error. The context error isn't returned.
func (th *Thread) Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) error {
	t := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 4})
	defer t.Stop()

	for {
		if err := fn(ctx); err != nil {
			return err
		}

		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Task is a started Func. It's joined exactly once.
type Task struct {
	name    string
	th      *Thread
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	// Set before done is closed.
	res      any
	err      error
	finished time.Time

	mu     sync.Mutex
	joined bool
}

func newThread(name string, c *wire.Client, shared *Shared) *Thread {
	return &Thread{
		name:   name,
		client: c.WithConnID(name),
		shared: shared,
		lsid:   uuid.NewString(),
	}
}

func (t *Task) Name() string {
	return t.name
}

// Thread returns the task's thread, e.g. to find its session id in currentOp.
func (t *Task) Thread() *Thread {
	return t.th
}

// Done is closed once the task body has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Running returns true until the task body has returned.
func (t *Task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Cancel asks the task to stop, by canceling its context. It doesn't wait.
func (t *Task) Cancel() {
	t.cancel()
}

// Result returns what the task body returned. Only valid once Done is
// closed.
func (t *Task) Result() (any, error) {
	if t.Running() {
		return nil, fmt.Errorf("task %s is still running", t.name)
	}

	return t.res, t.err
}

// Elapsed returns how long the task has been (or was) running.
func (t *Task) Elapsed() time.Duration {
	if t.Running() {
		return time.Since(t.started)
	}

	return t.finished.Sub(t.started)
}

func (t *Task) String() string {
	state := "running"
	if !t.Running() {
		state = "done"
		if t.err != nil {
			state = "failed"
		}
	}

	return fmt.Sprintf("%s(%s)", t.name, state)
}
