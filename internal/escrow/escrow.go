// Package escrow holds GATEWAY-paid funds until they are released to the
// seller or refunded to the buyer.
//
// Flow:
//  1. Payment succeeds → escrow opened, PENDING, no release date
//  2. Order delivered → release date = delivered + release window
//  3. Buyer confirms receipt, or the release date passes → transfer to seller
//  4. Dispute opened → escrow frozen until the dispute is resolved or withdrawn
//  5. Order cancelled or dispute upheld → refund to buyer
//
// Every gateway call is bracketed by two transactions. The first claims the
// escrow by writing an InFlight marker with a deterministic reference; the
// second records the outcome and clears the marker. No transaction is open
// while the gateway is being called, and a claimed escrow cannot be claimed
// again, so a payout happens at most once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/traces"
)

// DefaultReleaseWindow is how long after delivery funds are released.
const DefaultReleaseWindow = 96 * time.Hour

// Trigger says what started a release. It is a metric label.
type Trigger string

const (
	TriggerReceipt   Trigger = "receipt"
	TriggerSchedule  Trigger = "schedule"
	TriggerOperator  Trigger = "operator"
	TriggerRetry     Trigger = "retry"
	TriggerReconcile Trigger = "reconcile"
)

// Service implements escrow business logic.
type Service struct {
	store    ledger.Store
	gateway  gateway.Gateway
	clock    clock.Clock
	logger   *slog.Logger
	notifier notify.Notifier
	persist  retry.Policy
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, gw gateway.Gateway, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gw,
		clock:   clk,
		logger:  logger,
		persist: retry.Persist,
	}
}

// WithNotifier adds a notifier for payout, refund and alert messages.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithPersistPolicy overrides the retry policy for post-gateway writes.
func (s *Service) WithPersistPolicy(p retry.Policy) *Service {
	s.persist = p
	return s
}

// OpenTx creates the order's escrow inside tx. If the order already has one
// it is returned with created=false.
func OpenTx(tx ledger.Tx, o *ledger.Order, paymentID string, amount int64, now time.Time) (e *ledger.Escrow, created bool, err error) {
	existing, err := tx.Escrow()
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrEscrowNotFound) {
		return nil, false, err
	}

	if o.SettlementMode != ledger.SettlementEscrowed {
		return nil, false, fmt.Errorf("%w: order %s settles directly", ledger.ErrInvalidState, o.ID)
	}
	if paymentID == "" {
		return nil, false, fmt.Errorf("%w: payment id is required", ledger.ErrInvalidRequest)
	}
	if amount <= 0 || amount > o.Refundable() {
		return nil, false, fmt.Errorf("%w: escrow amount %d for order total %d", ledger.ErrInvalidAmount, amount, o.TotalAmount)
	}

	e = &ledger.Escrow{
		ID:            idgen.WithPrefix(idgen.PrefixEscrow),
		OrderID:       o.ID,
		PaymentID:     paymentID,
		AmountHeld:    amount,
		Currency:      o.Currency,
		ReleaseStatus: ledger.ReleasePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertEscrow(e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// ScheduleTx sets the release date of the order's PENDING escrow.
func ScheduleTx(tx ledger.Tx, releaseAt, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrow()
	if err != nil {
		return nil, err
	}
	if e.ReleaseStatus != ledger.ReleasePending {
		return e, nil
	}
	e.ReleaseDate = &releaseAt
	e.UpdatedAt = now
	return e, tx.SaveEscrow(e)
}

// SetFrozenTx freezes or unfreezes the order's escrow. Settled escrows are
// left alone and returned as they are.
func SetFrozenTx(tx ledger.Tx, frozen bool, now time.Time) (*ledger.Escrow, error) {
	e, err := tx.Escrow()
	if err != nil {
		return nil, err
	}
	if e.Frozen == frozen || e.ReleaseStatus == ledger.ReleaseReleased || e.ReleaseStatus == ledger.ReleaseRefunded {
		return e, nil
	}
	e.Frozen = frozen
	e.UpdatedAt = now
	return e, tx.SaveEscrow(e)
}

// Open creates the escrow for a paid order. It is idempotent per order.
func (s *Service) Open(ctx context.Context, orderID, paymentID string, amount int64) (*ledger.Escrow, error) {
	var out *ledger.Escrow
	err := s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		e, _, err := OpenTx(tx, o, paymentID, amount, s.clock.Now())
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Freeze blocks release of the order's escrow.
func (s *Service) Freeze(ctx context.Context, orderID string) (*ledger.Escrow, error) {
	return s.setFrozen(ctx, orderID, true)
}

// Unfreeze lifts a freeze.
func (s *Service) Unfreeze(ctx context.Context, orderID string) (*ledger.Escrow, error) {
	return s.setFrozen(ctx, orderID, false)
}

func (s *Service) setFrozen(ctx context.Context, orderID string, frozen bool) (*ledger.Escrow, error) {
	var out *ledger.Escrow
	err := s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		e, err := SetFrozenTx(tx, frozen, s.clock.Now())
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release pays the held amount out to the seller.
//
// An escrow that is already RELEASED, or whose payout is already in flight,
// is returned together with ledger.ErrAlreadyProcessed and the gateway is not
// called. A definite gateway rejection moves the escrow to FAILED for an
// operator. An unknown outcome leaves the claim in place for reconciliation;
// a call refused before it was sent clears the claim at once.
func (s *Service) Release(ctx context.Context, escrowID string, trigger Trigger) (*ledger.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, e.OrderID, trigger, ledger.ReleasePending)
}

// ReleaseOrder releases the escrow belonging to orderID.
func (s *Service) ReleaseOrder(ctx context.Context, orderID string, trigger Trigger) (*ledger.Escrow, error) {
	return s.release(ctx, orderID, trigger, ledger.ReleasePending)
}

func (s *Service) release(ctx context.Context, orderID string, trigger Trigger, from ledger.ReleaseStatus) (_ *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()

	e, recipient, err := s.claimTransfer(ctx, orderID, from)
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		metrics.EscrowReleasesTotal.WithLabelValues(string(trigger), "already_processed").Inc()
		s.logger.Info("escrow release already processed", "order_id", orderID, "trigger", trigger)
		return e, err
	}
	if err != nil {
		return nil, err
	}

	ref := e.InFlight.Reference
	span.SetAttributes(traces.EscrowID(e.ID), traces.Reference(ref), traces.Amount(e.AmountHeld))

	res, gwErr := s.gateway.Transfer(ctx, recipient, e.AmountHeld, e.Currency, ref)
	switch {
	case gwErr == nil:
		return s.CompleteTransfer(ctx, orderID, ref, res.GatewayRef, trigger)

	case gateway.IsNotAttempted(gwErr):
		metrics.EscrowReleasesTotal.WithLabelValues(string(trigger), "not_attempted").Inc()
		dropped, err := s.dropClaim(ctx, orderID, ref)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyProcessed) {
			s.logger.Error("failed to clear unsent transfer claim", "order_id", orderID, "reference", ref, "error", err)
			return e, fmt.Errorf("release escrow %s: %w", e.ID, gwErr)
		}
		s.logger.Warn("escrow transfer not sent", "escrow_id", e.ID, "order_id", orderID, "reference", ref, "error", gwErr)
		return dropped, fmt.Errorf("release escrow %s: %w", e.ID, gwErr)

	case gateway.IsUnavailable(gwErr):
		metrics.EscrowReleasesTotal.WithLabelValues(string(trigger), "unknown").Inc()
		s.logger.Warn("escrow transfer outcome unknown, left for reconciliation",
			"escrow_id", e.ID, "order_id", orderID, "reference", ref, "error", gwErr)
		return e, fmt.Errorf("release escrow %s: %w", e.ID, gwErr)

	default:
		failed, err := s.failTransfer(ctx, orderID, ref, trigger, gwErr)
		if err != nil {
			return nil, err
		}
		return failed, fmt.Errorf("release escrow %s: %w", e.ID, gwErr)
	}
}

// claimTransfer writes the transfer claim. It returns the claimed escrow and
// the seller's recipient code.
func (s *Service) claimTransfer(ctx context.Context, orderID string, from ledger.ReleaseStatus) (*ledger.Escrow, string, error) {
	var (
		claimed   *ledger.Escrow
		recipient string
	)
	err := s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		e, err := tx.Escrow()
		if err != nil {
			return err
		}
		if e.InFlight != nil {
			if e.InFlight.Kind == ledger.SettlementTransfer {
				claimed = e
				return ledger.ErrAlreadyProcessed
			}
			return ledger.ErrSettlementInFlight
		}
		if e.ReleaseStatus == ledger.ReleaseReleased {
			claimed = e
			return ledger.ErrAlreadyProcessed
		}
		if e.ReleaseStatus != from {
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrInvalidState, e.ID, e.ReleaseStatus)
		}
		if e.Frozen {
			return ledger.ErrEscrowFrozen
		}
		if e.AmountHeld <= 0 {
			return fmt.Errorf("%w: escrow %s holds nothing", ledger.ErrInvalidState, e.ID)
		}

		o, err := tx.Order()
		if err != nil {
			return err
		}
		recipient = o.RecipientCode

		now := s.clock.Now()
		e.InFlight = &ledger.InFlight{
			Kind:      ledger.SettlementTransfer,
			Reference: TransferReference(e),
			Amount:    e.AmountHeld,
			StartedAt: now,
		}
		e.UpdatedAt = now
		if err := tx.SaveEscrow(e); err != nil {
			return err
		}
		claimed = e
		return nil
	})
	return claimed, recipient, err
}

// TransferReference is the idempotency reference for the escrow's next payout.
func TransferReference(e *ledger.Escrow) string {
	return fmt.Sprintf("%s-release-%d", e.ID, e.TransferAttempts)
}

// CompleteTransfer records a payout the gateway confirmed. Reconciliation
// calls it for claims whose response was lost.
func (s *Service) CompleteTransfer(ctx context.Context, orderID, ref, gatewayRef string, trigger Trigger) (*ledger.Escrow, error) {
	var sellerID string
	e, err := s.finalize(ctx, orderID, ref, func(tx ledger.Tx, e *ledger.Escrow, now time.Time) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		sellerID = o.SellerID

		e.ReleaseStatus = ledger.ReleaseReleased
		e.TransferRef = gatewayRef
		e.FailureReason = ""
		e.ReleasedAt = &now
		return nil
	})
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		return e, err
	}
	if err != nil {
		metrics.ManualInterventionsTotal.WithLabelValues("persist_release").Inc()
		s.logger.Error("CRITICAL: funds moved but status update failed",
			"order_id", orderID, "reference", ref, "gateway_ref", gatewayRef, "error", err)
		s.notify(ctx, notify.Alert(orderID, "Payout not recorded",
			"The seller was paid but the escrow could not be marked released.",
			map[string]string{"reference": ref, "gatewayRef": gatewayRef}))
		return nil, fmt.Errorf("record payout %s (requires manual resolution): %w", ref, err)
	}

	metrics.EscrowReleasesTotal.WithLabelValues(string(trigger), "released").Inc()
	s.logger.Info("escrow released",
		"escrow_id", e.ID, "order_id", orderID, "amount", e.AmountHeld, "reference", ref, "trigger", trigger)
	s.notify(ctx, notify.Message{
		UserID:  sellerID,
		Title:   "Payout sent",
		Body:    fmt.Sprintf("%s for order %s is on its way to your account.", money.Format(e.AmountHeld, e.Currency), orderID),
		Kind:    notify.KindEscrow,
		OrderID: orderID,
		Amount:  e.AmountHeld,
	})
	return e, nil
}

// AbandonTransfer clears a claim whose payout the gateway never made.
// The escrow keeps its status and the next attempt uses a fresh reference.
func (s *Service) AbandonTransfer(ctx context.Context, orderID, ref, reason string) (*ledger.Escrow, error) {
	e, err := s.finalize(ctx, orderID, ref, func(_ ledger.Tx, e *ledger.Escrow, _ time.Time) error {
		e.TransferAttempts++
		e.FailureReason = reason
		return nil
	})
	if err != nil {
		return e, err
	}
	s.logger.Warn("escrow transfer claim abandoned",
		"escrow_id", e.ID, "order_id", orderID, "reference", ref, "reason", reason)
	return e, nil
}

// dropClaim clears a transfer claim whose call never reached the gateway.
// The reference is kept for the next attempt since the processor never saw it.
func (s *Service) dropClaim(ctx context.Context, orderID, ref string) (*ledger.Escrow, error) {
	return s.finalize(ctx, orderID, ref, func(ledger.Tx, *ledger.Escrow, time.Time) error { return nil })
}

func (s *Service) failTransfer(ctx context.Context, orderID, ref string, trigger Trigger, cause error) (*ledger.Escrow, error) {
	e, err := s.finalize(ctx, orderID, ref, func(_ ledger.Tx, e *ledger.Escrow, _ time.Time) error {
		e.ReleaseStatus = ledger.ReleaseFailed
		e.TransferAttempts++
		e.FailureReason = cause.Error()
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			return e, nil
		}
		s.logger.Error("failed to record rejected payout", "order_id", orderID, "reference", ref, "error", err)
		return nil, fmt.Errorf("record rejected payout %s: %w", ref, err)
	}

	metrics.EscrowReleasesTotal.WithLabelValues(string(trigger), "failed").Inc()
	metrics.ManualInterventionsTotal.WithLabelValues("transfer_failed").Inc()
	s.logger.Warn("escrow transfer rejected, queued for operator",
		"escrow_id", e.ID, "order_id", orderID, "reference", ref, "error", cause)
	s.notify(ctx, notify.Alert(orderID, "Payout failed",
		fmt.Sprintf("Transfer of %s was rejected: %v", money.Format(e.AmountHeld, e.Currency), cause),
		map[string]string{"escrowId": e.ID, "reference": ref}))
	return e, nil
}

// finalize applies fn to the escrow if it still carries the claim ref, then
// clears the claim. Money has already moved (or definitely not moved) by the
// time this runs, so the write is retried and is not bound to the caller's
// cancellation. A claim that is gone or different yields ErrAlreadyProcessed.
func (s *Service) finalize(ctx context.Context, orderID, ref string, fn func(tx ledger.Tx, e *ledger.Escrow, now time.Time) error) (*ledger.Escrow, error) {
	ctx = context.WithoutCancel(ctx)

	policy := s.persist.WithHook(func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("retrying settlement write", "order_id", orderID, "reference", ref,
			"attempt", attempt, "wait", wait, "error", err)
	})

	var out *ledger.Escrow
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
			e, err := tx.Escrow()
			if err != nil {
				return retry.Permanent(err)
			}
			if e.InFlight == nil || e.InFlight.Reference != ref {
				out = e
				return retry.Permanent(ledger.ErrAlreadyProcessed)
			}

			now := s.clock.Now()
			if err := fn(tx, e, now); err != nil {
				return err
			}
			e.InFlight = nil
			e.UpdatedAt = now
			if err := tx.SaveEscrow(e); err != nil {
				return err
			}
			out = e
			return nil
		})
	})
	return out, err
}

// GetByOrder returns the order's escrow.
func (s *Service) GetByOrder(ctx context.Context, actor policy.Actor, orderID string) (*ledger.Escrow, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewEscrow, policy.PartiesOf(o)); err != nil {
		return nil, err
	}
	return s.store.GetEscrowByOrder(ctx, orderID)
}

// Page is one page of an escrow listing.
type Page struct {
	Escrows    []*ledger.Escrow
	NextCursor string
	HasMore    bool
}

// ListPending returns escrows still holding funds, oldest first.
func (s *Service) ListPending(ctx context.Context, actor policy.Actor, cursor string, limit int) (*Page, error) {
	return s.list(ctx, actor, ledger.ReleasePending, cursor, limit)
}

// ListFailed returns escrows whose payout was rejected, the operator queue.
func (s *Service) ListFailed(ctx context.Context, actor policy.Actor, cursor string, limit int) (*Page, error) {
	return s.list(ctx, actor, ledger.ReleaseFailed, cursor, limit)
}

func (s *Service) list(ctx context.Context, actor policy.Actor, status ledger.ReleaseStatus, cursor string, limit int) (*Page, error) {
	if err := policy.Authorize(actor, policy.ActionListEscrows, policy.Parties{}); err != nil {
		return nil, err
	}
	after, err := pagination.Parse(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	escrows, err := s.store.ListEscrowsByStatus(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := pagination.Cut(escrows, limit, func(e *ledger.Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Escrows: page.Items, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// ManualRelease lets an operator release a PENDING escrow before its date.
func (s *Service) ManualRelease(ctx context.Context, actor policy.Actor, escrowID string) (*ledger.Escrow, error) {
	if err := policy.Authorize(actor, policy.ActionReleaseEscrow, policy.Parties{}); err != nil {
		return nil, err
	}
	s.logger.Info("manual escrow release requested", "escrow_id", escrowID, "actor", actor.String())
	return s.Release(ctx, escrowID, TriggerOperator)
}

// RetryRelease retries the payout of a FAILED escrow with a fresh reference.
func (s *Service) RetryRelease(ctx context.Context, actor policy.Actor, escrowID string) (*ledger.Escrow, error) {
	if err := policy.Authorize(actor, policy.ActionRetryRelease, policy.Parties{}); err != nil {
		return nil, err
	}
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow payout retry requested", "escrow_id", escrowID, "actor", actor.String())
	return s.release(ctx, e.OrderID, TriggerRetry, ledger.ReleaseFailed)
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	notify.Send(ctx, s.notifier, s.logger, msg)
}
