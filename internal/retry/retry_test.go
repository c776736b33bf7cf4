package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

// failing returns fn that fails the first n calls with err, and a call counter.
func failing(n int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestDo(t *testing.T) {
	transient := errors.New("connection reset")
	rejected := errors.New("account closed")

	tests := []struct {
		name      string
		failures  int
		err       error
		wantErr   error
		wantCalls int
	}{
		{"first try", 0, transient, nil, 1},
		{"recovers on last attempt", 2, transient, nil, 3},
		{"exhausted", 5, transient, transient, 3},
		{"permanent stops at once", 5, Permanent(rejected), rejected, 1},
		{"retry-after still retries", 1, After(transient, time.Millisecond), nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := failing(tt.failures, tt.err)
			err := Do(context.Background(), fast, fn)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Same(t, tt.wantErr, err, "Do should unwrap to the original error")
			}
			assert.Equal(t, tt.wantCalls, *calls)
		})
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	fn, calls := failing(5, errors.New("x"))
	assert.Error(t, Do(context.Background(), Policy{}, fn))
	assert.Equal(t, 1, *calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryHook(t *testing.T) {
	type call struct {
		attempt int
		wait    time.Duration
	}
	var seen []call
	p := fast.WithHook(func(attempt int, err error, wait time.Duration) {
		require.EqualError(t, err, "busy")
		seen = append(seen, call{attempt, wait})
	})
	assert.Nil(t, fast.OnRetry, "WithHook must not modify the receiver")

	fn, _ := failing(5, errors.New("busy"))
	_ = Do(context.Background(), p, fn)

	require.Len(t, seen, 2, "no hook after the final attempt")
	assert.Equal(t, 1, seen[0].attempt)
	assert.Equal(t, 2, seen[1].attempt)
	for _, c := range seen {
		assert.LessOrEqual(t, c.wait, fast.MaxDelay)
	}
}

func TestDo_RetryAfterRaisesWaitUpToCap(t *testing.T) {
	var waits []time.Duration
	p := Policy{Attempts: 2, BaseDelay: time.Microsecond, MaxDelay: 3 * time.Millisecond}.
		WithHook(func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) })

	fn, _ := failing(1, After(errors.New("429"), time.Minute))
	require.NoError(t, Do(context.Background(), p, fn))
	assert.Equal(t, []time.Duration{3 * time.Millisecond}, waits)
}

func TestWrappersIgnoreNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, After(nil, time.Second))
}

func TestJitteredBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Zero(t, jittered(0))
}
