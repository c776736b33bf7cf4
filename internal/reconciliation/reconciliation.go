// Package reconciliation settles claims whose gateway outcome was never
// recorded.
//
// An escrow carries an in-flight claim from the moment a payout or refund is
// requested until its result is written. A crash or lost response leaves the
// claim behind and blocks the escrow. The runner finds claims older than a
// threshold and asks the processor what happened: confirmed payouts are
// completed, payouts the processor never made are abandoned so a fresh
// reference can be used, and refund claims are abandoned for an operator
// because the processor offers no lookup for them.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/ledger"
)

// Runner defaults.
const (
	DefaultStaleAfter = 10 * time.Minute
	DefaultBatch      = 100
)

// Actions taken on a claim.
const (
	ActionCompleted = "completed"
	ActionAbandoned = "abandoned"
	ActionWaiting   = "waiting"
	ActionSettled   = "already_settled"
	ActionError     = "error"
)

// Outcome describes what happened to one claim.
type Outcome struct {
	EscrowID  string                `json:"escrowId"`
	OrderID   string                `json:"orderId"`
	Kind      ledger.SettlementKind `json:"kind"`
	Reference string                `json:"reference"`
	Age       string                `json:"age"`
	Action    string                `json:"action"`
	Error     string                `json:"error,omitempty"`
}

// Report summarizes a reconciliation run.
type Report struct {
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Checked   int       `json:"checked"`
	Completed int       `json:"completed"`
	Abandoned int       `json:"abandoned"`
	Waiting   int       `json:"waiting"`
	Errors    int       `json:"errors"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Runner reconciles stale in-flight claims against the payment processor.
type Runner struct {
	store      ledger.Store
	escrow     *escrow.Service
	gateway    gateway.Gateway
	clock      clock.Clock
	logger     *slog.Logger
	staleAfter time.Duration
	batch      int
	last       atomic.Pointer[Report]
}

// NewRunner creates a reconciliation runner.
func NewRunner(store ledger.Store, escrowSvc *escrow.Service, gw gateway.Gateway, clk clock.Clock, logger *slog.Logger) *Runner {
	return &Runner{
		store:      store,
		escrow:     escrowSvc,
		gateway:    gw,
		clock:      clk,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		batch:      DefaultBatch,
	}
}

// WithStaleAfter sets how old a claim must be before it is reconciled.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// WithBatch caps the claims handled per run.
func (r *Runner) WithBatch(n int) *Runner {
	if n > 0 {
		r.batch = n
	}
	return r
}

// RunAll reconciles every stale claim it can find. Per-claim failures are
// recorded in the report; only a failure to list claims is returned.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.clock.Now()
	report := &Report{StartedAt: now, Outcomes: []Outcome{}}
	defer func() {
		elapsed := time.Since(start)
		report.Duration = elapsed.String()
		reconcileDuration.Observe(elapsed.Seconds())
	}()

	claims, err := r.store.ListInFlightEscrows(ctx, now.Add(-r.staleAfter), r.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list in-flight escrows: %w", err)
	}
	reconcileStaleClaims.Set(float64(len(claims)))
	reconcileOldestClaim.Set(oldestAge(claims, now).Seconds())

	for _, e := range claims {
		if ctx.Err() != nil {
			break
		}
		out := r.reconcile(ctx, e, now)
		report.Checked++
		switch out.Action {
		case ActionCompleted:
			report.Completed++
		case ActionAbandoned:
			report.Abandoned++
		case ActionWaiting:
			report.Waiting++
		case ActionError:
			report.Errors++
			reconcileErrors.Inc()
		}
		reconcileActions.WithLabelValues(string(out.Kind), out.Action).Inc()
		report.Outcomes = append(report.Outcomes, out)
	}

	if report.Checked > 0 {
		r.logger.Info("reconciliation run complete",
			"checked", report.Checked, "completed", report.Completed, "abandoned", report.Abandoned,
			"waiting", report.Waiting, "errors", report.Errors)
	}
	r.last.Store(report)
	return report, nil
}

func oldestAge(claims []*ledger.Escrow, now time.Time) time.Duration {
	var oldest time.Duration
	for _, e := range claims {
		if e.InFlight != nil {
			oldest = max(oldest, now.Sub(e.InFlight.StartedAt))
		}
	}
	return oldest
}

// LastReport returns the report of the most recent run, or nil.
func (r *Runner) LastReport() *Report {
	return r.last.Load()
}

func (r *Runner) reconcile(ctx context.Context, e *ledger.Escrow, now time.Time) Outcome {
	claim := e.InFlight
	out := Outcome{
		EscrowID:  e.ID,
		OrderID:   e.OrderID,
		Kind:      claim.Kind,
		Reference: claim.Reference,
		Age:       now.Sub(claim.StartedAt).Round(time.Second).String(),
	}

	var err error
	switch claim.Kind {
	case ledger.SettlementTransfer:
		out.Action, err = r.reconcileTransfer(ctx, e)
	case ledger.SettlementRefund:
		_, err = r.escrow.AbandonRefund(ctx, e.OrderID, claim.Reference,
			fmt.Sprintf("refund outcome unknown after %s", out.Age))
		out.Action = ActionAbandoned
	default:
		err = fmt.Errorf("unknown claim kind %q", claim.Kind)
	}

	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		out.Action = ActionSettled
	case err != nil:
		out.Action = ActionError
		out.Error = err.Error()
		r.logger.Warn("reconciliation failed for claim",
			"escrow_id", e.ID, "order_id", e.OrderID, "reference", claim.Reference, "error", err)
	}
	return out
}

func (r *Runner) reconcileTransfer(ctx context.Context, e *ledger.Escrow) (string, error) {
	ref := e.InFlight.Reference
	found, err := r.gateway.VerifyTransfer(ctx, ref)
	if err != nil {
		return ActionError, fmt.Errorf("verify transfer %s: %w", ref, err)
	}

	switch found.Status {
	case gateway.TransferSucceeded:
		_, err := r.escrow.CompleteTransfer(ctx, e.OrderID, ref, found.GatewayRef, escrow.TriggerReconcile)
		return ActionCompleted, err
	case gateway.TransferFailed, gateway.TransferNotFound:
		_, err := r.escrow.AbandonTransfer(ctx, e.OrderID, ref, "processor reports transfer "+string(found.Status))
		return ActionAbandoned, err
	default:
		return ActionWaiting, nil
	}
}
