package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
)

// Timer defaults.
const (
	DefaultSweepInterval = 15 * time.Minute
	DefaultSweepWorkers  = 8
	DefaultSweepBatch    = 200
)

// Timer periodically releases escrows whose release date has passed.
type Timer struct {
	service  *Service
	store    ledger.Store
	interval time.Duration
	workers  int
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a new escrow release timer.
func NewTimer(service *Service, store ledger.Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: DefaultSweepInterval,
		workers:  DefaultSweepWorkers,
		batch:    DefaultSweepBatch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithWorkers bounds how many releases run at once and how many escrows a
// sweep picks up.
func (t *Timer) WithWorkers(workers, batch int) *Timer {
	if workers > 0 {
		t.workers = workers
	}
	if batch > 0 {
		t.batch = batch
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastSweep returns when the last sweep finished, or the zero time.
func (t *Timer) LastSweep() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop ends the loop. A sweep in progress starts no further releases;
// transfers already sent to the gateway finish. Safe to call twice.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) stopping() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerSweepsTotal.WithLabelValues("panic").Inc()
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Due      int
	Released int
	Skipped  int
	Failed   int
}

// Sweep releases every due escrow, up to the batch size, through a bounded
// worker pool. One escrow's failure never stops the others. Escrows not yet
// started when the timer is stopped are counted as skipped.
func (t *Timer) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	now := t.service.clock.Now()

	due, err := t.store.ListDueEscrows(ctx, now, t.batch)
	if err != nil {
		metrics.SchedulerSweepsTotal.WithLabelValues("error").Inc()
		t.logger.Warn("failed to list due escrows", "error", err)
		return SweepResult{}
	}

	var released, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, e := range due {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					t.logger.Error("panic releasing escrow", "escrow_id", e.ID, "panic", fmt.Sprint(r))
				}
			}()
			if t.stopping() {
				skipped.Add(1)
				return nil
			}

			_, err := t.service.Release(gctx, e.ID, TriggerSchedule)
			switch {
			case err == nil:
				released.Add(1)
			case errors.Is(err, ledger.ErrAlreadyProcessed),
				errors.Is(err, ledger.ErrEscrowFrozen),
				errors.Is(err, ledger.ErrSettlementInFlight):
				// Changed since it was listed.
				skipped.Add(1)
				t.logger.Debug("skipping escrow", "escrow_id", e.ID, "reason", err)
			default:
				failed.Add(1)
				t.logger.Warn("failed to auto-release escrow", "escrow_id", e.ID, "order_id", e.OrderID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Due:      len(due),
		Released: int(released.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	result := "ok"
	if res.Failed > 0 {
		result = "partial"
	}
	metrics.SchedulerSweepsTotal.WithLabelValues(result).Inc()
	metrics.SchedulerSweepDuration.Observe(time.Since(start).Seconds())
	t.lastRun.Store(time.Now().UnixNano())

	if res.Due > 0 {
		t.logger.Info("escrow sweep finished",
			"due", res.Due, "released", res.Released, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res
}
