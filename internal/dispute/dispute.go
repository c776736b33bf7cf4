// Package dispute adjudicates buyer and seller claims against an order.
//
// Opening a dispute freezes the order's escrow in the same transaction, so
// the release scheduler skips it. Resolution either rejects the claim and
// lifts the freeze, or upholds it and refunds through the escrow refund path.
// If the escrow was paid out before the freeze landed, the dispute is still
// resolved but flagged for manual intervention and an operator is alerted.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/money"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/order"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/validation"
)

// DefaultEligibilityWindow is how long after placement an order may be disputed.
const DefaultEligibilityWindow = 30 * 24 * time.Hour

const maxDescription = 2000

// Service implements dispute business logic.
type Service struct {
	store    ledger.Store
	escrow   *escrow.Service
	clock    clock.Clock
	logger   *slog.Logger
	notifier notify.Notifier
	window   time.Duration
}

// NewService creates a new dispute service.
func NewService(store ledger.Store, escrowSvc *escrow.Service, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		escrow: escrowSvc,
		clock:  clk,
		logger: logger,
		window: DefaultEligibilityWindow,
	}
}

// WithNotifier adds a notifier for party and operator messages.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithEligibilityWindow overrides the dispute window.
func (s *Service) WithEligibilityWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// OpenRequest is a new claim.
type OpenRequest struct {
	OrderID     string             `json:"orderId"`
	Type        ledger.DisputeType `json:"type"`
	Description string             `json:"description"`
}

// Open files a dispute and freezes the order's escrow.
func (s *Service) Open(ctx context.Context, actor policy.Actor, req OpenRequest) (*ledger.Dispute, error) {
	req.Description = validation.SanitizeString(req.Description, maxDescription)
	if errs := validation.Validate(
		validation.RecordID("orderId", idgen.PrefixOrder, req.OrderID),
		validation.Required("description", req.Description),
		func() *validation.ValidationError {
			if !req.Type.Valid() {
				return &validation.ValidationError{Field: "type", Message: "unknown dispute type"}
			}
			return nil
		},
	); len(errs) > 0 {
		return nil, errs
	}

	var (
		created *ledger.Dispute
		frozen  *ledger.Escrow
	)
	err := s.store.InOrderTx(ctx, req.OrderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		if err := policy.Authorize(actor, policy.ActionOpenDispute, policy.PartiesOf(o)); err != nil {
			return err
		}
		if o.Status != ledger.OrderDelivered && o.Status != ledger.OrderCompleted {
			return fmt.Errorf("%w: order is %s, not delivered", ledger.ErrInvalidState, o.Status)
		}
		now := s.clock.Now()
		if now.Sub(o.CreatedAt) > s.window {
			return fmt.Errorf("%w: dispute window closed %s", ledger.ErrNotEligible, o.CreatedAt.Add(s.window).Format(time.RFC3339))
		}
		if _, err := tx.PendingDispute(); err == nil {
			return ledger.ErrAlreadyDisputed
		} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
			return err
		}

		d := &ledger.Dispute{
			ID:          idgen.WithPrefix(idgen.PrefixDispute),
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			SellerID:    o.SellerID,
			OpenedBy:    actor.ID,
			Type:        req.Type,
			Description: req.Description,
			Status:      ledger.DisputePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertDispute(d); err != nil {
			return err
		}
		created = d

		e, err := escrow.SetFrozenTx(tx, true, now)
		switch {
		case errors.Is(err, ledger.ErrEscrowNotFound):
			return nil
		case err != nil:
			return err
		}
		frozen = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.logger.Info("dispute opened",
		"dispute_id", created.ID, "order_id", created.OrderID, "type", created.Type, "opened_by", actor.String())
	if frozen != nil && frozen.ReleaseStatus == ledger.ReleaseReleased {
		// The payout beat the freeze; resolution will need an operator.
		s.logger.Warn("dispute opened after escrow was released",
			"dispute_id", created.ID, "order_id", created.OrderID, "escrow_id", frozen.ID)
	}
	s.notifyParties(ctx, created, actor, "Dispute opened",
		fmt.Sprintf("A dispute (%s) was opened on order %s.", created.Type, created.OrderID))
	return created, nil
}

// ResolveRequest is an adjudicator's decision.
type ResolveRequest struct {
	// Outcome is RESOLVED to uphold the claim or CANCELLED to reject it.
	Outcome    ledger.DisputeStatus `json:"outcome"`
	Resolution string               `json:"resolution"`
	// RefundAmount defaults to everything not yet refunded. Zero upholds the
	// claim without moving money.
	RefundAmount *int64 `json:"refundAmount,omitempty"`
}

// ResolveResult is the committed state after resolution.
type ResolveResult struct {
	Dispute *ledger.Dispute `json:"dispute"`
	Order   *ledger.Order   `json:"order,omitempty"`
	Escrow  *ledger.Escrow  `json:"escrow,omitempty"`
	// Refund is set when money was returned to the buyer.
	Refund *ledger.RefundAttempt `json:"refund,omitempty"`
}

// Resolve closes a PENDING dispute.
func (s *Service) Resolve(ctx context.Context, actor policy.Actor, disputeID string, req ResolveRequest) (_ *ResolveResult, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()

	if err := policy.Authorize(actor, policy.ActionResolveDispute, policy.Parties{}); err != nil {
		return nil, err
	}
	req.Resolution = validation.SanitizeString(req.Resolution, maxDescription)
	if req.RefundAmount != nil && *req.RefundAmount < 0 {
		return nil, fmt.Errorf("%w: refund amount must not be negative", ledger.ErrInvalidAmount)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.OrderID(d.OrderID))

	switch req.Outcome {
	case ledger.DisputeCancelled:
		return s.reject(ctx, actor, d, req.Resolution)
	case ledger.DisputeResolved:
		return s.uphold(ctx, actor, d, req)
	default:
		return nil, fmt.Errorf("%w: outcome must be RESOLVED or CANCELLED", ledger.ErrInvalidRequest)
	}
}

// reject closes the dispute in the seller's favour and lifts the freeze.
func (s *Service) reject(ctx context.Context, actor policy.Actor, d *ledger.Dispute, resolution string) (*ResolveResult, error) {
	res := &ResolveResult{}
	err := s.store.InOrderTx(ctx, d.OrderID, func(tx ledger.Tx) error {
		d, err := pendingDispute(tx, d.ID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		closeDispute(d, ledger.DisputeCancelled, resolution, actor, now)
		if err := tx.SaveDispute(d); err != nil {
			return err
		}
		res.Dispute = d

		e, err := escrow.SetFrozenTx(tx, false, now)
		if err != nil && !errors.Is(err, ledger.ErrEscrowNotFound) {
			return err
		}
		res.Escrow = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("dispute rejected", "dispute_id", d.ID, "order_id", d.OrderID, "actor", actor.String())
	s.notifyParties(ctx, res.Dispute, actor, "Dispute closed",
		fmt.Sprintf("The dispute on order %s was closed without a refund.", d.OrderID))
	return res, nil
}

// uphold resolves the dispute in the buyer's favour, refunding when money is
// still held.
func (s *Service) uphold(ctx context.Context, actor policy.Actor, d *ledger.Dispute, req ResolveRequest) (*ResolveResult, error) {
	var (
		res    = &ResolveResult{}
		amount int64
		refund bool
		manual string
	)
	err := s.store.InOrderTx(ctx, d.OrderID, func(tx ledger.Tx) error {
		d, err := pendingDispute(tx, d.ID)
		if err != nil {
			return err
		}
		o, err := tx.Order()
		if err != nil {
			return err
		}
		amount = o.Refundable()
		if req.RefundAmount != nil {
			amount = *req.RefundAmount
		}
		if o.RefundAmount+amount > o.TotalAmount {
			return fmt.Errorf("%w: requested %d, refundable %d", ledger.ErrRefundExceedsTotal, amount, o.Refundable())
		}

		now := s.clock.Now()
		e, err := tx.Escrow()
		if errors.Is(err, ledger.ErrEscrowNotFound) {
			e = nil
		} else if err != nil {
			return err
		}
		switch {
		case amount == 0:
			if e != nil {
				e.Frozen = false
			}
		case e == nil:
			manual = "order settled directly; refund the buyer outside the gateway"
		case e.InFlight != nil:
			return ledger.ErrSettlementInFlight
		case e.ReleaseStatus == ledger.ReleaseReleased:
			manual = "escrow was released before the dispute froze it"
		case e.ReleaseStatus == ledger.ReleaseFailed:
			// Stays frozen so an operator retry cannot pay the seller.
			manual = "escrow payout failed and is awaiting an operator"
		default:
			refund = true
			return nil
		}

		closeDispute(d, ledger.DisputeResolved, req.Resolution, actor, now)
		if amount > 0 {
			d.ResolvedAmount = &amount
		}
		d.RequiresManualIntervention = manual != ""
		if err := tx.SaveDispute(d); err != nil {
			return err
		}
		if e != nil && amount == 0 {
			e.UpdatedAt = now
			if err := tx.SaveEscrow(e); err != nil {
				return err
			}
		}
		res.Dispute, res.Order, res.Escrow = d, o, e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if refund {
		return s.refund(ctx, actor, d, req.Resolution, amount)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	if manual != "" {
		metrics.ManualInterventionsTotal.WithLabelValues("dispute_after_release").Inc()
		s.logger.Warn("dispute resolved, requires manual intervention",
			"dispute_id", d.ID, "order_id", d.OrderID, "amount", amount, "cause", manual)
		s.notify(ctx, notify.Alert(d.OrderID, "Dispute needs manual refund",
			fmt.Sprintf("Dispute %s was upheld for %s but %s.", d.ID, money.Format(amount, res.Order.Currency), manual),
			map[string]string{"disputeId": d.ID}))
	} else {
		s.logger.Info("dispute resolved without refund", "dispute_id", d.ID, "order_id", d.OrderID)
	}
	s.notifyParties(ctx, res.Dispute, actor, "Dispute resolved",
		fmt.Sprintf("The dispute on order %s was resolved in the buyer's favour.", d.OrderID))
	return res, nil
}

// refund moves money back to the buyer and closes the dispute in the same
// transaction that records the refund.
func (s *Service) refund(ctx context.Context, actor policy.Actor, d *ledger.Dispute, resolution string, amount int64) (*ResolveResult, error) {
	var (
		closed *ledger.Dispute
		change *ledger.StatusChange
	)
	out, err := s.escrow.Refund(ctx, escrow.RefundRequest{
		OrderID: d.OrderID,
		Amount:  amount,
		Reason:  fmt.Sprintf("dispute %s: %s", d.ID, d.Type),
		Actor:   actor,
		Check: func(tx ledger.Tx, _ *ledger.Order, _ *ledger.Escrow) error {
			_, err := pendingDispute(tx, d.ID)
			return err
		},
		Apply: func(tx ledger.Tx, o *ledger.Order, e *ledger.Escrow, now time.Time) error {
			e.Frozen = false

			cur, err := tx.Dispute(d.ID)
			if err != nil {
				return err
			}
			if cur.Status == ledger.DisputePending {
				closeDispute(cur, ledger.DisputeResolved, resolution, actor, now)
				cur.ResolvedAmount = &amount
				if err := tx.SaveDispute(cur); err != nil {
					return err
				}
			} else {
				s.logger.Warn("dispute closed while its refund was in flight", "dispute_id", d.ID, "status", cur.Status)
			}
			closed = cur

			// A completed order keeps its status; anything else is cancelled
			// once nothing is left to refund.
			if o.Refundable() == 0 && !o.Status.IsTerminal() {
				change, err = order.Transition(tx, o, ledger.OrderCancelled, actor, "dispute upheld: "+string(d.Type), now)
				if err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	order.Observe(s.logger, change)
	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.logger.Info("dispute resolved with refund",
		"dispute_id", d.ID, "order_id", d.OrderID, "amount", amount, "full", out.Full)
	s.notifyParties(ctx, closed, actor, "Dispute resolved",
		fmt.Sprintf("The dispute on order %s was upheld and %s refunded.", d.OrderID, money.Format(amount, out.Escrow.Currency)))
	return &ResolveResult{Dispute: closed, Order: out.Order, Escrow: out.Escrow, Refund: out.Attempt}, nil
}

// Cancel withdraws a PENDING dispute. Only the party who opened it may.
func (s *Service) Cancel(ctx context.Context, actor policy.Actor, disputeID string) (*ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionCancelDispute, partiesOf(d)); err != nil {
		return nil, err
	}
	if actor.ID != d.OpenedBy {
		return nil, fmt.Errorf("%w: only the party who opened the dispute may withdraw it", ledger.ErrUnauthorized)
	}

	var out *ledger.Dispute
	err = s.store.InOrderTx(ctx, d.OrderID, func(tx ledger.Tx) error {
		d, err := pendingDispute(tx, disputeID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		closeDispute(d, ledger.DisputeCancelled, "withdrawn by "+actor.ID, actor, now)
		if err := tx.SaveDispute(d); err != nil {
			return err
		}
		out = d
		if _, err := escrow.SetFrozenTx(tx, false, now); err != nil && !errors.Is(err, ledger.ErrEscrowNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("withdrawn").Inc()
	s.logger.Info("dispute withdrawn", "dispute_id", out.ID, "order_id", out.OrderID, "actor", actor.String())
	s.notifyParties(ctx, out, actor, "Dispute withdrawn",
		fmt.Sprintf("The dispute on order %s was withdrawn.", out.OrderID))
	return out, nil
}

// Get returns a dispute the actor may see.
func (s *Service) Get(ctx context.Context, actor policy.Actor, disputeID string) (*ledger.Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewDispute, partiesOf(d)); err != nil {
		return nil, err
	}
	return d, nil
}

// ListByOrder returns all disputes ever filed on an order.
func (s *Service) ListByOrder(ctx context.Context, actor policy.Actor, orderID string) ([]*ledger.Dispute, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewDispute, policy.PartiesOf(o)); err != nil {
		return nil, err
	}
	return s.store.ListDisputesByOrder(ctx, orderID)
}

func pendingDispute(tx ledger.Tx, id string) (*ledger.Dispute, error) {
	d, err := tx.Dispute(id)
	if err != nil {
		return nil, err
	}
	if d.Status != ledger.DisputePending {
		return nil, fmt.Errorf("%w: dispute is %s", ledger.ErrInvalidState, d.Status)
	}
	return d, nil
}

func closeDispute(d *ledger.Dispute, status ledger.DisputeStatus, resolution string, actor policy.Actor, now time.Time) {
	d.Status = status
	d.Resolution = resolution
	d.ResolvedBy = actor.ID
	d.ResolvedAt = &now
	d.UpdatedAt = now
}

func partiesOf(d *ledger.Dispute) policy.Parties {
	return policy.Parties{BuyerID: d.BuyerID, SellerID: d.SellerID}
}

func (s *Service) notifyParties(ctx context.Context, d *ledger.Dispute, actor policy.Actor, title, body string) {
	if d == nil {
		return
	}
	for _, userID := range []string{d.BuyerID, d.SellerID} {
		if userID == actor.ID {
			continue
		}
		s.notify(ctx, notify.Message{
			UserID:  userID,
			Title:   title,
			Body:    body,
			Kind:    notify.KindDispute,
			OrderID: d.OrderID,
			Meta:    map[string]string{"disputeId": d.ID, "status": string(d.Status)},
		})
	}
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	notify.Send(ctx, s.notifier, s.logger, msg)
}
