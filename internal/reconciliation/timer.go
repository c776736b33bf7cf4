package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer reconciles.
const DefaultInterval = 5 * time.Minute

// Timer drives the Runner on a fixed interval. Its first pass runs as soon
// as the loop starts so that claims orphaned by a crash are picked up at
// boot rather than one interval later.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	running  atomic.Bool
	lastPass atomic.Int64 // unix nanos
	stopOnce sync.Once
	done     chan struct{}
}

// NewTimer creates a reconciliation timer for runner.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: DefaultInterval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// WithInterval sets the run interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastSweep returns when the last pass finished without a listing error.
func (t *Timer) LastSweep() time.Time {
	if n := t.lastPass.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Start runs the loop until ctx is cancelled or Stop is called. It blocks.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// pass runs one reconciliation bounded by the interval, so a hung gateway
// lookup cannot stall the next tick.
func (t *Timer) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	select {
	case <-t.done:
		return
	default:
	}

	runCtx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	if _, err := t.runner.RunAll(runCtx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.lastPass.Store(time.Now().UnixNano())
}
