// Package retry runs calls with bounded attempts, a delay between attempts and
// a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Delay is the base wait between attempts.
	Delay time.Duration
	// Exponential doubles Delay after every failed attempt.
	Exponential bool
	// Timeouts bounds each attempt; attempt i uses Timeouts[min(i, len-1)].
	// An empty slice means no per-attempt timeout.
	Timeouts []time.Duration
}

// Once is a single attempt bounded by timeout.
func Once(timeout time.Duration) Policy {
	return Policy{Attempts: 1, Timeouts: []time.Duration{timeout}}
}

func (p Policy) timeout(attempt int) time.Duration {
	if len(p.Timeouts) == 0 {
		return 0
	}
	if attempt >= len(p.Timeouts) {
		return p.Timeouts[len(p.Timeouts)-1]
	}
	return p.Timeouts[attempt]
}

func (p Policy) backoff() goretry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	var b goretry.Backoff
	if p.Exponential {
		b = goretry.NewExponential(delay)
	} else {
		b = goretry.NewConstant(delay)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

// Permanent marks err as not worth retrying.
type Permanent struct{ Err error }

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a *Permanent error, the parent
// context ends, or the policy runs out of attempts. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		callCtx := ctx
		if d := p.timeout(attempt); d > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		attempt++

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if ctx.Err() != nil {
			return err
		}
		return goretry.RetryableError(err)
	})
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
