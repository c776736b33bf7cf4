// Package retry re-runs operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnRetry, if set, is called before each wait with the attempt that
	// just failed (1-based), its error and the wait about to happen.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Persist is used to write settlement outcomes after money has moved.
// Giving up here means an operator has to reconcile by hand.
var Persist = Policy{Attempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

// WithHook returns a copy of p that reports retries to fn.
func (p Policy) WithHook(fn func(attempt int, err error, wait time.Duration)) Policy {
	p.OnRetry = fn
	return p
}

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without retrying. Do unwraps it,
// so callers see err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

type delayed struct {
	err error
	min time.Duration
}

func (e *delayed) Error() string { return e.err.Error() }
func (e *delayed) Unwrap() error { return e.err }

// After marks err as retryable no sooner than d, as when a peer answers 429
// with Retry-After. The wait is still capped by the policy's MaxDelay.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayed{err: err, min: d}
}

// Do calls fn until it succeeds, returns a permanent error, the policy's
// attempts run out, or ctx is done. The delay doubles per attempt with
// +-25% jitter and is capped at MaxDelay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.BaseDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *permanent
		if errors.As(err, &pe) {
			return pe.err
		}

		wait := jittered(backoff)
		var de *delayed
		if errors.As(err, &de) {
			wait = max(wait, de.min)
			err = de.err
		}
		if p.MaxDelay > 0 {
			wait = min(wait, p.MaxDelay)
		}
		if attempt >= attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}

		backoff *= 2
		if p.MaxDelay > 0 && backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := d / 4
	return d - jitter + time.Duration(rand.Int64N(int64(2*jitter)+1))
}
