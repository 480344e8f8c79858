package failpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/wire"
)

// Target is a running server which failpoints can be set on. Satisfied by
// *supervisor.Handle.
type Target interface {
	ID() api.NodeID
	Do(ctx context.Context, cmd wire.Command) (wire.Doc, error)
}

// Controller sets failpoints, and keeps track of which are still enabled so
// they can all be released at teardown.
type Controller struct {
	cfg config.Config

	mu     sync.Mutex
	guards map[*Guard]struct{}
}

func New(cfg config.Config) *Controller {
	return &Controller{
		cfg:    cfg,
		guards: map[*Guard]struct{}{},
	}
}

// Enable sets the failpoint on the target, replacing whatever mode it was in.
// The returned guard must be released, even if the test fails.
func (c *Controller) Enable(ctx context.Context, t Target, name string, mode api.FailPointMode, data wire.Doc) (*Guard, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	res, err := t.Do(ctx, wire.ConfigureFailPoint{Name: name, Mode: mode, Data: data})
	if err != nil {
		return nil, fmt.Errorf("error enabling failpoint %s on %s: %w", name, t.ID(), err)
	}

	g := &Guard{
		ctrl:   c,
		target: t,
		name:   name,
		mode:   mode,
		base:   wire.ParseFailPoint(res).Count,
	}

	c.mu.Lock()
	c.guards[g] = struct{}{}
	c.mu.Unlock()

	log.Printf("failpoint enabled: %s on %s (mode=%s)", name, t.ID(), mode)
	return g, nil
}

// With enables the failpoint, calls fn, then releases the failpoint however fn
// returns (including by panicking).
func (c *Controller) With(ctx context.Context, t Target, name string, mode api.FailPointMode, data wire.Doc, fn func(g *Guard) error) (err error) {
	g, err := c.Enable(ctx, t, name, mode, data)
	if err != nil {
		return err
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), c.cfg.FailPointWaitTimeout)
		defer cancel()
		if rerr := g.Release(rctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	return fn(g)
}

// Outstanding returns the guards which haven't been released yet, including
// dirty ones.
func (c *Controller) Outstanding() []*Guard {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Guard, 0, len(c.guards))
	for g := range c.guards {
		out = append(out, g)
	}

	return out
}

// ReleaseAll tries to release every outstanding guard. Targets which have gone
// away can't be released, so are skipped.
func (c *Controller) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, g := range c.Outstanding() {
		if err := g.Release(ctx); err != nil {
			var cl *api.ConnectionLost
			if errors.As(err, &cl) {
				log.Printf("can't release failpoint %s on %s: %v", g.name, g.target.ID(), err)
				c.forget(g)
				continue
			}
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Controller) forget(g *Guard) {
	c.mu.Lock()
	delete(c.guards, g)
	c.mu.Unlock()
}

// Guard is one enabled failpoint.
type Guard struct {
	ctrl   *Controller
	target Target
	name   string
	mode   api.FailPointMode

	// How many times the failpoint had been entered when it was enabled, so
	// that waits only count entries since then.
	base int64

	mu       sync.Mutex
	released bool
	dirty    bool

	// Set while a release is in flight, which is sent without holding mu.
	releasing bool
}

func (g *Guard) Name() string {
	return g.name
}

func (g *Guard) Target() Target {
	return g.target
}

// WaitUntilReached blocks until the failpoint has been entered at least once
// since it was enabled, or the timeout passes (in which case *api.TimeoutError
// is returned). Zero means the configured default.
func (g *Guard) WaitUntilReached(ctx context.Context, timeout time.Duration) error {
	return g.WaitForTimes(ctx, 1, timeout)
}

// WaitForTimes is like WaitUntilReached, but waits for n entries.
func (g *Guard) WaitForTimes(ctx context.Context, n int64, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = g.ctrl.cfg.FailPointWaitTimeout
	}

	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return fmt.Errorf("failpoint %s on %s already released", g.name, g.target.ID())
	}
	g.mu.Unlock()

	// The server gives up at timeout, but the transport gets a little longer
	// so that the reply can make it back.
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	op := fmt.Sprintf("waiting for failpoint %s on %s", g.name, g.target.ID())
	_, err := g.target.Do(ctx, wire.WaitForFailPoint{
		Name:         g.name,
		TimesEntered: g.base + n,
		MaxTime:      timeout,
	})

	if err == nil {
		return nil
	}

	var cl *api.ConnectionLost
	if errors.As(err, &cl) {
		g.mu.Lock()
		g.dirty = true
		g.mu.Unlock()
		return err
	}

	var te *api.TimeoutError
	if api.HasCode(err, api.CodeMaxTimeMSExpired) || errors.As(err, &te) {
		return &api.TimeoutError{Op: op, After: timeout, Last: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// Release turns the failpoint off. It's safe to call more than once; only the
// first call does anything while one is in flight or after one succeeded. If
// the connection is lost, the guard is marked dirty and stays unreleased, so
// that a later call can try again.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.released || g.releasing {
		g.mu.Unlock()
		return nil
	}
	g.releasing = true
	g.mu.Unlock()

	_, err := g.target.Do(ctx, wire.ConfigureFailPoint{Name: g.name, Mode: api.Off()})

	g.mu.Lock()
	g.releasing = false
	if err != nil {
		var cl *api.ConnectionLost
		if errors.As(err, &cl) {
			g.dirty = true
		}
		g.mu.Unlock()
		return fmt.Errorf("error releasing failpoint %s on %s: %w", g.name, g.target.ID(), err)
	}
	g.released = true
	g.dirty = false
	g.mu.Unlock()

	g.ctrl.forget(g)

	log.Printf("failpoint released: %s on %s", g.name, g.target.ID())
	return nil
}

// Released returns whether the failpoint has been turned off.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// Dirty returns whether the connection to the server was lost while the guard
// was held. A dirty guard's failpoint may or may not still be enabled.
func (g *Guard) Dirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}
