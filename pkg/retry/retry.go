package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/cenkalti/backoff/v4"
)

// Policy is the YAML-loadable shape of a bounded exponential backoff.
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`

	// Jitter is the randomization factor applied to each interval. Zero means
	// the intervals are exact.
	Jitter float64 `yaml:"jitter"`

	// Attempts bounds Do. Until is bounded by its timeout instead.
	Attempts int `yaml:"attempts"`
}

func DefaultPolicy() Policy {
	return Policy{
		Initial:    10 * time.Millisecond,
		Max:        500 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.1,
		Attempts:   8,
	}
}

// BackOff returns a fresh exponential backoff built from the policy. It never
// stops on its own; callers bound it by attempts or elapsed time.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()

	b.InitialInterval = p.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}

	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}

	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Permanent wraps an error returned from an Until predicate to stop polling
// immediately. The error is returned unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns an error which isn't transient (see
// api.IsTransient), or the policy runs out of attempts. The last error is
// returned, wrapped, so its type is preserved.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	stopped := false

	b := backoff.WithContext(backoff.WithMaxRetries(p.BackOff(), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		last = err

		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			stopped = true
			return err
		}

		if !api.IsTransient(err) {
			stopped = true
			return backoff.Permanent(err)
		}

		return err
	}, b)

	switch {
	case err == nil:
		return nil
	case stopped:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), last)
	}

	return fmt.Errorf("%s: gave up after %d attempts: %w", op, attempts, last)
}

// Until polls pred with backoff until it returns true, or the timeout passes,
// in which case an *api.TimeoutError is returned carrying the last error the
// predicate returned. Errors don't stop polling unless wrapped with Permanent.
func Until(ctx context.Context, p Policy, timeout time.Duration, op string, pred func(ctx context.Context) (bool, error)) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exp := p.BackOff()
	exp.MaxElapsedTime = timeout

	var last error
	stopped := false
	errNotYet := errors.New("not yet")

	err := backoff.Retry(func() error {
		ok, err := pred(ctx)
		if ok {
			return nil
		}

		if err == nil {
			return errNotYet
		}

		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			stopped = true
			return err
		}

		last = err
		return err
	}, backoff.WithContext(exp, ctx))

	switch {
	case err == nil:
		return nil
	case stopped:
		return err
	case parent.Err() != nil:
		return parent.Err()
	}

	return &api.TimeoutError{Op: op, After: timeout, Last: last}
}
