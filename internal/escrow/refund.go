package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/traces"
)

// RefundRequest asks for part or all of an order's escrow to go back to the buyer.
type RefundRequest struct {
	OrderID string
	Amount  int64
	Reason  string
	Actor   policy.Actor

	// Check runs in the claiming transaction after the escrow checks pass.
	// An error aborts the refund before the gateway is called.
	Check func(tx ledger.Tx, o *ledger.Order, e *ledger.Escrow) error

	// Apply runs in the transaction that records a successful refund, after
	// the money fields of o and e are updated and before they are saved.
	// It must not reject: the buyer has already been paid.
	Apply func(tx ledger.Tx, o *ledger.Order, e *ledger.Escrow, now time.Time) error
}

// RefundResult is the committed state after a successful refund.
type RefundResult struct {
	Order   *ledger.Order         `json:"order"`
	Escrow  *ledger.Escrow        `json:"escrow"`
	Attempt *ledger.RefundAttempt `json:"attempt"`
	// Full is true when nothing refundable remains on the order.
	Full bool `json:"full"`
}

// Refund returns money from the order's escrow to the buyer. It is the only
// refund path: order cancellation and dispute resolution both go through it.
//
// Every gateway call is logged as a RefundAttempt. A refund never takes the
// order's refunded total above its total. When the escrow has already been
// paid out, ledger.ErrRequiresManualIntervention is returned and the gateway
// is not called.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (_ *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.OrderID(req.OrderID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidAmount)
	}

	claimed, order, err := s.claimRefund(ctx, req)
	if err != nil {
		return nil, err
	}
	ref := claimed.InFlight.Reference
	span.SetAttributes(traces.EscrowID(claimed.ID), traces.Reference(ref))

	res, gwErr := s.gateway.Refund(ctx, claimed.PaymentID, req.Amount, req.Reason, ref)
	if gwErr != nil {
		return nil, s.failRefund(ctx, req, order, claimed, gwErr)
	}
	return s.completeRefund(ctx, req, ref, res)
}

func (s *Service) claimRefund(ctx context.Context, req RefundRequest) (*ledger.Escrow, *ledger.Order, error) {
	var (
		claimed *ledger.Escrow
		order   *ledger.Order
	)
	err := s.store.InOrderTx(ctx, req.OrderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		if o.SettlementMode != ledger.SettlementEscrowed {
			return fmt.Errorf("%w: order %s settles directly", ledger.ErrNotEligible, o.ID)
		}
		e, err := tx.Escrow()
		if err != nil {
			return err
		}

		if e.InFlight != nil {
			return ledger.ErrSettlementInFlight
		}
		switch e.ReleaseStatus {
		case ledger.ReleaseReleased, ledger.ReleaseFailed:
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrRequiresManualIntervention, e.ID, e.ReleaseStatus)
		case ledger.ReleaseRefunded:
			return fmt.Errorf("%w: escrow %s already refunded", ledger.ErrAlreadyProcessed, e.ID)
		}
		if req.Amount > o.Refundable() || req.Amount > e.AmountHeld {
			return fmt.Errorf("%w: requested %d, refundable %d, held %d",
				ledger.ErrRefundExceedsTotal, req.Amount, o.Refundable(), e.AmountHeld)
		}
		if req.Check != nil {
			if err := req.Check(tx, o, e); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		e.InFlight = &ledger.InFlight{
			Kind:      ledger.SettlementRefund,
			Reference: RefundReference(o, e, req.Amount),
			Amount:    req.Amount,
			Reason:    req.Reason,
			StartedAt: now,
		}
		e.UpdatedAt = now
		if err := tx.SaveEscrow(e); err != nil {
			return err
		}
		claimed, order = e, o
		return nil
	})
	return claimed, order, err
}

// RefundReference is the idempotency reference for refunding amount from o.
// Retrying the same refund after an unknown outcome reuses the reference, so
// the processor will not refund twice. A decline bumps e.RefundDeclines, so
// the next attempt gets a fresh reference instead of the stored decline.
func RefundReference(o *ledger.Order, e *ledger.Escrow, amount int64) string {
	return fmt.Sprintf("%s-refund-%d-%d-%d", o.ID, o.RefundAmount, amount, e.RefundDeclines)
}

func (s *Service) completeRefund(ctx context.Context, req RefundRequest, ref string, res gateway.RefundResult) (*RefundResult, error) {
	out := &RefundResult{}
	e, err := s.finalize(ctx, req.OrderID, ref, func(tx ledger.Tx, e *ledger.Escrow, now time.Time) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		attempt := &ledger.RefundAttempt{
			ID:          idgen.WithPrefix(idgen.PrefixRefund),
			OrderID:     o.ID,
			EscrowID:    e.ID,
			PaymentID:   e.PaymentID,
			Amount:      req.Amount,
			Reference:   ref,
			GatewayRef:  res.GatewayRef,
			Status:      ledger.AttemptSuccess,
			AttemptedAt: now,
		}
		if err := tx.AppendRefundAttempt(attempt); err != nil {
			return err
		}

		e.AmountHeld -= req.Amount
		o.RefundAmount += req.Amount
		full := o.Refundable() == 0
		if e.AmountHeld == 0 {
			e.ReleaseStatus = ledger.ReleaseRefunded
			e.RefundedAt = &now
		}
		if full {
			o.PaymentStatus = ledger.PaymentStatusRefunded
		} else {
			o.PaymentStatus = ledger.PaymentStatusPartiallyRefunded
		}
		o.UpdatedAt = now

		if req.Apply != nil {
			if err := req.Apply(tx, o, e, now); err != nil {
				return err
			}
		}
		if err := tx.SaveOrder(o); err != nil {
			return err
		}

		out.Order, out.Attempt, out.Full = o, attempt, full
		return nil
	})
	if err != nil {
		metrics.ManualInterventionsTotal.WithLabelValues("persist_refund").Inc()
		s.logger.Error("CRITICAL: funds moved but status update failed",
			"order_id", req.OrderID, "reference", ref, "gateway_ref", res.GatewayRef, "amount", req.Amount, "error", err)
		s.notify(ctx, notify.Alert(req.OrderID, "Refund not recorded",
			"The buyer was refunded but the order could not be updated.",
			map[string]string{"reference": ref, "gatewayRef": res.GatewayRef}))
		return nil, fmt.Errorf("record refund %s (requires manual resolution): %w", ref, err)
	}
	out.Escrow = e

	kind := "partial"
	if out.Full {
		kind = "full"
	}
	metrics.RefundsTotal.WithLabelValues(kind, "success").Inc()
	metrics.RefundedMinorUnits.WithLabelValues(e.Currency).Add(float64(req.Amount))
	s.logger.Info("escrow refunded",
		"escrow_id", e.ID, "order_id", req.OrderID, "amount", req.Amount,
		"remaining", e.AmountHeld, "kind", kind, "reference", ref, "actor", req.Actor.String())
	s.notify(ctx, notify.Message{
		UserID:  out.Order.BuyerID,
		Title:   "Refund issued",
		Body:    fmt.Sprintf("%s has been refunded for order %s.", money.Format(req.Amount, e.Currency), req.OrderID),
		Kind:    notify.KindRefund,
		OrderID: req.OrderID,
		Amount:  req.Amount,
	})
	return out, nil
}

// failRefund logs a FAILED attempt and clears the claim. For an unknown
// outcome the operator is alerted, since the buyer may have been refunded.
func (s *Service) failRefund(ctx context.Context, req RefundRequest, o *ledger.Order, claimed *ledger.Escrow, gwErr error) error {
	ref := claimed.InFlight.Reference
	declined := !gateway.IsUnavailable(gwErr)
	unknown := !declined && !gateway.IsNotAttempted(gwErr)

	_, err := s.finalize(ctx, req.OrderID, ref, func(tx ledger.Tx, e *ledger.Escrow, now time.Time) error {
		if declined {
			e.RefundDeclines++
		}
		return tx.AppendRefundAttempt(&ledger.RefundAttempt{
			ID:           idgen.WithPrefix(idgen.PrefixRefund),
			OrderID:      req.OrderID,
			EscrowID:     e.ID,
			PaymentID:    e.PaymentID,
			Amount:       req.Amount,
			Reference:    ref,
			Status:       ledger.AttemptFailed,
			ErrorMessage: gwErr.Error(),
			AttemptedAt:  now,
		})
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyProcessed) {
		s.logger.Error("failed to record refund attempt", "order_id", req.OrderID, "reference", ref, "error", err)
	}

	kind := "partial"
	if req.Amount == o.Refundable() {
		kind = "full"
	}
	switch {
	case unknown:
		metrics.RefundsTotal.WithLabelValues(kind, "unknown").Inc()
		metrics.ManualInterventionsTotal.WithLabelValues("refund_unknown").Inc()
		s.logger.Warn("refund outcome unknown",
			"order_id", req.OrderID, "reference", ref, "amount", req.Amount, "error", gwErr)
		s.notify(ctx, notify.Alert(req.OrderID, "Refund outcome unknown",
			fmt.Sprintf("Refund of %s timed out; verify with the processor before retrying with a different amount.",
				money.Format(req.Amount, claimed.Currency)),
			map[string]string{"reference": ref}))
	case !declined:
		metrics.RefundsTotal.WithLabelValues(kind, "not_attempted").Inc()
		s.logger.Warn("refund not sent",
			"order_id", req.OrderID, "reference", ref, "amount", req.Amount, "error", gwErr)
	default:
		metrics.RefundsTotal.WithLabelValues(kind, "failed").Inc()
		s.logger.Warn("refund rejected by gateway",
			"order_id", req.OrderID, "reference", ref, "amount", req.Amount, "error", gwErr)
	}
	return fmt.Errorf("refund order %s: %w", req.OrderID, gwErr)
}

// AbandonRefund clears a refund claim left behind by a crash, logging a
// FAILED attempt. Reconciliation calls it; the operator must check the
// processor because the outcome is not known.
func (s *Service) AbandonRefund(ctx context.Context, orderID, ref, reason string) (*ledger.Escrow, error) {
	var amount int64
	e, err := s.finalize(ctx, orderID, ref, func(tx ledger.Tx, e *ledger.Escrow, now time.Time) error {
		amount = e.InFlight.Amount
		return tx.AppendRefundAttempt(&ledger.RefundAttempt{
			ID:           idgen.WithPrefix(idgen.PrefixRefund),
			OrderID:      orderID,
			EscrowID:     e.ID,
			PaymentID:    e.PaymentID,
			Amount:       amount,
			Reference:    ref,
			Status:       ledger.AttemptFailed,
			ErrorMessage: reason,
			AttemptedAt:  now,
		})
	})
	if err != nil {
		return e, err
	}
	metrics.ManualInterventionsTotal.WithLabelValues("stale_refund_claim").Inc()
	s.logger.Warn("stale refund claim cleared", "order_id", orderID, "reference", ref, "reason", reason)
	s.notify(ctx, notify.Alert(orderID, "Refund claim abandoned",
		fmt.Sprintf("A refund of %s was interrupted; check the processor for reference %s.", money.Format(amount, e.Currency), ref),
		map[string]string{"reference": ref}))
	return e, nil
}
