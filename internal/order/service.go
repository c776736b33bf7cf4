package order

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
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/validation"
)

// StockRestorer returns reserved inventory when an order is cancelled.
type StockRestorer interface {
	Restore(ctx context.Context, orderID string, items []ledger.OrderItem) error
}

// PlaceRequest is a checkout.
type PlaceRequest struct {
	BuyerID       string               `json:"buyerId"`
	StoreID       string               `json:"storeId"`
	SellerID      string               `json:"sellerId"`
	RecipientCode string               `json:"recipientCode"`
	PaymentMethod ledger.PaymentMethod `json:"paymentMethod"`
	Currency      string               `json:"currency"`
	Items         []ledger.OrderItem   `json:"items"`
	StockReserved bool                 `json:"stockReserved"`
}

const maxItems = 100

// Service implements the order lifecycle.
type Service struct {
	store         ledger.Store
	escrow        *escrow.Service
	clock         clock.Clock
	logger        *slog.Logger
	notifier      notify.Notifier
	stock         StockRestorer
	releaseWindow time.Duration
}

// NewService creates a new order service.
func NewService(store ledger.Store, escrowSvc *escrow.Service, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		escrow:        escrowSvc,
		clock:         clk,
		logger:        logger,
		releaseWindow: escrow.DefaultReleaseWindow,
	}
}

// WithNotifier adds a notifier for buyer and seller messages.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithStockRestorer adds the inventory collaborator used on cancellation.
func (s *Service) WithStockRestorer(r StockRestorer) *Service {
	s.stock = r
	return s
}

// WithReleaseWindow sets how long after delivery escrow is released.
func (s *Service) WithReleaseWindow(d time.Duration) *Service {
	if d > 0 {
		s.releaseWindow = d
	}
	return s
}

// Place creates an order with its items. Points orders settle directly and
// are confirmed straight away; gateway orders wait for payment.
func (s *Service) Place(ctx context.Context, actor policy.Actor, req PlaceRequest) (*ledger.Order, error) {
	if actor.Role == policy.RoleBuyer && req.BuyerID == "" {
		req.BuyerID = actor.ID
	}
	if err := policy.Authorize(actor, policy.ActionPlaceOrder, policy.Parties{BuyerID: req.BuyerID}); err != nil {
		return nil, err
	}
	total, err := validatePlace(req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	o := &ledger.Order{
		ID:             idgen.WithPrefix(idgen.PrefixOrder),
		BuyerID:        req.BuyerID,
		StoreID:        req.StoreID,
		SellerID:       req.SellerID,
		RecipientCode:  req.RecipientCode,
		Status:         ledger.OrderPending,
		PaymentMethod:  req.PaymentMethod,
		SettlementMode: ledger.ModeFor(req.PaymentMethod),
		PaymentStatus:  ledger.PaymentStatusPending,
		TotalAmount:    total,
		Currency:       req.Currency,
		StockReserved:  req.StockReserved,
		Items:          req.Items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	first := &ledger.StatusChange{
		OrderID:   o.ID,
		OldStatus: ledger.OrderPending,
		NewStatus: ledger.OrderPending,
		ChangedBy: actor.ID,
		Reason:    "order placed",
		CreatedAt: now,
	}
	if o.SettlementMode == ledger.SettlementDirect {
		// Points are debited at checkout, so there is nothing to wait for.
		o.Status = ledger.OrderConfirmed
		o.PaymentStatus = ledger.PaymentStatusSuccess
		first.NewStatus = ledger.OrderConfirmed
		first.ChangedBy = policy.System.ID
		first.Reason = "points order auto-confirmed"
	}

	if err := s.store.CreateOrder(ctx, o, first); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if first.NewStatus != first.OldStatus {
		Observe(s.logger, first)
	}
	s.logger.Info("order placed",
		"order_id", o.ID, "buyer_id", o.BuyerID, "total", o.TotalAmount, "mode", o.SettlementMode)
	s.notify(ctx, notify.Message{
		UserID:  o.SellerID,
		Title:   "New order",
		Body:    fmt.Sprintf("Order %s was placed.", o.ID),
		Kind:    notify.KindOrder,
		OrderID: o.ID,
		Amount:  o.TotalAmount,
	})
	return o, nil
}

func validatePlace(req PlaceRequest) (int64, error) {
	checks := []func() *validation.ValidationError{
		validation.Required("buyerId", req.BuyerID),
		validation.UserID("buyerId", req.BuyerID),
		validation.Required("storeId", req.StoreID),
		validation.UserID("storeId", req.StoreID),
		validation.Required("sellerId", req.SellerID),
		validation.UserID("sellerId", req.SellerID),
		validation.Currency("currency", req.Currency),
		func() *validation.ValidationError {
			if req.PaymentMethod != ledger.PaymentGateway && req.PaymentMethod != ledger.PaymentPoints {
				return &validation.ValidationError{Field: "paymentMethod", Message: "must be GATEWAY or POINTS"}
			}
			return nil
		},
		func() *validation.ValidationError {
			if len(req.Items) == 0 || len(req.Items) > maxItems {
				return &validation.ValidationError{Field: "items", Message: fmt.Sprintf("must contain 1 to %d items", maxItems)}
			}
			return nil
		},
	}

	var total int64
	for i, it := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		checks = append(checks, validation.Required(field+".productId", it.ProductID))
		if it.Quantity <= 0 || it.UnitPrice < 0 {
			checks = append(checks, func() *validation.ValidationError {
				return &validation.ValidationError{Field: field, Message: "quantity must be positive and price non-negative"}
			})
			continue
		}
		total += int64(it.Quantity) * it.UnitPrice
	}
	checks = append(checks, validation.PositiveAmount("total", total))

	if errs := validation.Validate(checks...); len(errs) > 0 {
		return 0, errs
	}
	return total, nil
}

// RecordPayment stores the outcome of the buyer's gateway charge. A
// successful charge opens the escrow in the same transaction. Recording the
// same successful payment twice is a no-op.
func (s *Service) RecordPayment(ctx context.Context, actor policy.Actor, orderID, paymentID string, succeeded bool) (*ledger.Order, error) {
	if err := policy.Authorize(actor, policy.ActionRecordPayment, policy.Parties{}); err != nil {
		return nil, err
	}
	if paymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ledger.ErrInvalidRequest)
	}

	var (
		out    *ledger.Order
		opened *ledger.Escrow
	)
	err := s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		out = o
		if o.SettlementMode != ledger.SettlementEscrowed {
			return fmt.Errorf("%w: order %s settles directly", ledger.ErrInvalidState, o.ID)
		}
		if o.PaymentStatus == ledger.PaymentStatusSuccess && o.PaymentID == paymentID {
			return nil
		}
		if o.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ledger.ErrInvalidState, o.ID, o.Status)
		}
		switch o.PaymentStatus {
		case ledger.PaymentStatusPending, ledger.PaymentStatusProcessing, ledger.PaymentStatusFailed:
		default:
			return fmt.Errorf("%w: payment already %s", ledger.ErrInvalidState, o.PaymentStatus)
		}

		now := s.clock.Now()
		o.PaymentID = paymentID
		o.UpdatedAt = now
		if !succeeded {
			o.PaymentStatus = ledger.PaymentStatusFailed
			return tx.SaveOrder(o)
		}

		o.PaymentStatus = ledger.PaymentStatusSuccess
		e, created, err := escrow.OpenTx(tx, o, paymentID, o.TotalAmount, now)
		if err != nil {
			return err
		}
		if created {
			opened = e
		}
		return tx.SaveOrder(o)
	})
	if err != nil {
		return nil, err
	}

	if opened != nil {
		s.logger.Info("payment recorded, escrow opened",
			"order_id", orderID, "escrow_id", opened.ID, "amount", opened.AmountHeld)
		s.notify(ctx, notify.Message{
			UserID:  out.SellerID,
			Title:   "Order paid",
			Body:    fmt.Sprintf("Payment for order %s is held until delivery.", orderID),
			Kind:    notify.KindEscrow,
			OrderID: orderID,
			Amount:  opened.AmountHeld,
		})
	} else if !succeeded {
		s.logger.Warn("payment failed", "order_id", orderID, "payment_id", paymentID)
	}
	return out, nil
}

// Confirm moves a paid order from PENDING to CONFIRMED.
func (s *Service) Confirm(ctx context.Context, actor policy.Actor, orderID string) (*ledger.Order, error) {
	return s.mutate(ctx, actor, orderID, policy.ActionConfirmOrder, func(tx ledger.Tx, o *ledger.Order, now time.Time) (*ledger.StatusChange, error) {
		if o.Status == ledger.OrderConfirmed {
			return nil, nil
		}
		if o.PaymentStatus != ledger.PaymentStatusSuccess {
			return nil, fmt.Errorf("%w: payment is %s", ledger.ErrInvalidTransition, o.PaymentStatus)
		}
		return Transition(tx, o, ledger.OrderConfirmed, actor, "", now)
	})
}

// AdvanceDelivery moves an order forward through SHIPPED, OUT_FOR_DELIVERY
// and DELIVERED. Delivery schedules the escrow release.
func (s *Service) AdvanceDelivery(ctx context.Context, actor policy.Actor, orderID string, to ledger.OrderStatus) (*ledger.Order, error) {
	switch to {
	case ledger.OrderShipped, ledger.OrderOutForDelivery, ledger.OrderDelivered:
	default:
		return nil, fmt.Errorf("%w: %s is not a delivery status", ledger.ErrInvalidTransition, to)
	}

	var scheduled *time.Time
	o, err := s.mutate(ctx, actor, orderID, policy.ActionAdvanceDelivery, func(tx ledger.Tx, o *ledger.Order, now time.Time) (*ledger.StatusChange, error) {
		change, err := Transition(tx, o, to, actor, "", now)
		if err != nil || change == nil {
			return change, err
		}
		if to == ledger.OrderDelivered && o.SettlementMode == ledger.SettlementEscrowed {
			releaseAt := o.DeliveredAt.Add(s.releaseWindow)
			e, err := escrow.ScheduleTx(tx, releaseAt, now)
			switch {
			case errors.Is(err, ledger.ErrEscrowNotFound):
				s.logger.Warn("delivered order has no escrow", "order_id", o.ID, "payment_status", o.PaymentStatus)
			case err != nil:
				return nil, err
			default:
				scheduled = e.ReleaseDate
			}
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}

	if scheduled != nil {
		s.logger.Info("escrow release scheduled", "order_id", orderID, "release_at", *scheduled)
	}
	if to == ledger.OrderDelivered {
		s.notify(ctx, notify.Message{
			UserID:  o.BuyerID,
			Title:   "Order delivered",
			Body:    fmt.Sprintf("Order %s was delivered. Confirm receipt or open a dispute if something is wrong.", orderID),
			Kind:    notify.KindOrder,
			OrderID: orderID,
		})
	}
	return o, nil
}

// ReceiptResult is the outcome of a buyer confirming receipt.
type ReceiptResult struct {
	Order  *ledger.Order  `json:"order"`
	Escrow *ledger.Escrow `json:"escrow,omitempty"`
	// ReleaseError is set when the order completed but the payout did not go
	// through; the scheduler or an operator will pick it up.
	ReleaseError string `json:"releaseError,omitempty"`
}

// ConfirmReceipt completes a DELIVERED order and releases its escrow at once.
func (s *Service) ConfirmReceipt(ctx context.Context, actor policy.Actor, orderID string) (*ReceiptResult, error) {
	o, err := s.mutate(ctx, actor, orderID, policy.ActionConfirmReceipt, func(tx ledger.Tx, o *ledger.Order, now time.Time) (*ledger.StatusChange, error) {
		if o.Status != ledger.OrderDelivered && o.Status != ledger.OrderCompleted {
			return nil, fmt.Errorf("%w: order is %s, not DELIVERED", ledger.ErrInvalidTransition, o.Status)
		}
		return Transition(tx, o, ledger.OrderCompleted, actor, "receipt confirmed", now)
	})
	if err != nil {
		return nil, err
	}

	res := &ReceiptResult{Order: o}
	if o.SettlementMode != ledger.SettlementEscrowed {
		return res, nil
	}
	e, err := s.escrow.ReleaseOrder(ctx, orderID, escrow.TriggerReceipt)
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyProcessed):
		res.Escrow = e
	default:
		res.Escrow = e
		res.ReleaseError = err.Error()
		s.logger.Warn("release on receipt did not complete", "order_id", orderID, "error", err)
	}
	return res, nil
}

// Cancel cancels a non-terminal order. Held escrow is refunded in full
// through the escrow refund path and reserved stock is restored.
//
// Buyers and sellers may cancel only before shipping; admins at any
// non-terminal status. Cancelling is refused while a dispute is open and
// once the escrow has been paid out.
func (s *Service) Cancel(ctx context.Context, actor policy.Actor, orderID, reason string) (*ledger.Order, error) {
	reason = validation.SanitizeString(reason, 500)

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionCancelOrder, policy.PartiesOf(o)); err != nil {
		return nil, err
	}

	var (
		out      *ledger.Order
		change   *ledger.StatusChange
		restock  []ledger.OrderItem
		toRefund int64
	)
	err = s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		out = o
		if o.Status == ledger.OrderCancelled {
			return nil
		}
		if err := checkCancel(tx, o, actor); err != nil {
			return err
		}

		e, err := tx.Escrow()
		switch {
		case errors.Is(err, ledger.ErrEscrowNotFound):
		case err != nil:
			return err
		case e.InFlight != nil:
			return ledger.ErrSettlementInFlight
		case e.ReleaseStatus == ledger.ReleaseReleased || e.ReleaseStatus == ledger.ReleaseFailed:
			return fmt.Errorf("%w: escrow %s is %s", ledger.ErrRequiresManualIntervention, e.ID, e.ReleaseStatus)
		case e.ReleaseStatus == ledger.ReleasePending && e.AmountHeld > 0 && o.Refundable() > 0:
			// Money is held; cancel through the refund path instead.
			toRefund = min(e.AmountHeld, o.Refundable())
			return nil
		}

		now := s.clock.Now()
		change, err = Transition(tx, o, ledger.OrderCancelled, actor, reason, now)
		if err != nil {
			return err
		}
		restock = releaseStock(o)
		return tx.SaveOrder(o)
	})
	if err != nil {
		return nil, err
	}

	if toRefund > 0 {
		res, err := s.escrow.Refund(ctx, escrow.RefundRequest{
			OrderID: orderID,
			Amount:  toRefund,
			Reason:  cancelReason(reason),
			Actor:   actor,
			Check: func(tx ledger.Tx, o *ledger.Order, _ *ledger.Escrow) error {
				if o.Status == ledger.OrderCancelled {
					return fmt.Errorf("%w: order already cancelled", ledger.ErrAlreadyProcessed)
				}
				return checkCancel(tx, o, actor)
			},
			Apply: func(tx ledger.Tx, o *ledger.Order, _ *ledger.Escrow, now time.Time) error {
				if o.Status.IsTerminal() {
					s.logger.Warn("order reached a terminal status during cancellation refund",
						"order_id", o.ID, "status", o.Status)
					return nil
				}
				var err error
				change, err = Transition(tx, o, ledger.OrderCancelled, actor, reason, now)
				if err != nil {
					return err
				}
				restock = releaseStock(o)
				return nil
			},
		})
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			// Cancelled or refunded by someone else in the meantime.
			return s.store.GetOrder(ctx, orderID)
		}
		if err != nil {
			return nil, err
		}
		out = res.Order
	}

	if change == nil {
		return out, nil
	}
	Observe(s.logger, change)
	s.restoreStock(ctx, orderID, restock)
	s.notifyCancelled(ctx, out, actor, toRefund)
	return out, nil
}

// checkCancel applies the cancellation rules that depend on order state.
func checkCancel(tx ledger.Tx, o *ledger.Order, actor policy.Actor) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order is %s", ledger.ErrInvalidTransition, o.Status)
	}
	if !actor.IsOperator() && o.Status != ledger.OrderPending && o.Status != ledger.OrderConfirmed {
		return fmt.Errorf("%w: order is %s; contact support to cancel", ledger.ErrInvalidTransition, o.Status)
	}
	if _, err := tx.PendingDispute(); err == nil {
		return ledger.ErrAlreadyDisputed
	} else if !errors.Is(err, ledger.ErrDisputeNotFound) {
		return err
	}
	return nil
}

func cancelReason(reason string) string {
	if reason == "" {
		return "order cancelled"
	}
	return reason
}

// releaseStock clears the reservation flag and returns the items to restore.
func releaseStock(o *ledger.Order) []ledger.OrderItem {
	if !o.StockReserved {
		return nil
	}
	o.StockReserved = false
	return o.Items
}

func (s *Service) restoreStock(ctx context.Context, orderID string, items []ledger.OrderItem) {
	if s.stock == nil || len(items) == 0 {
		return
	}
	if err := s.stock.Restore(ctx, orderID, items); err != nil {
		metrics.StockRestoreFailuresTotal.Inc()
		s.logger.Error("failed to restore stock", "order_id", orderID, "items", len(items), "error", err)
	}
}

func (s *Service) notifyCancelled(ctx context.Context, o *ledger.Order, actor policy.Actor, refunded int64) {
	body := fmt.Sprintf("Order %s was cancelled.", o.ID)
	if refunded > 0 {
		body = fmt.Sprintf("Order %s was cancelled and the payment refunded.", o.ID)
	}
	for _, userID := range []string{o.BuyerID, o.SellerID} {
		if userID == actor.ID {
			continue
		}
		s.notify(ctx, notify.Message{
			UserID:  userID,
			Title:   "Order cancelled",
			Body:    body,
			Kind:    notify.KindOrder,
			OrderID: o.ID,
			Amount:  refunded,
		})
	}
}

// mutate loads the order, authorizes actor for action and applies fn in one
// transaction. fn returns the transition it made, if any.
func (s *Service) mutate(ctx context.Context, actor policy.Actor, orderID string, action policy.Action,
	fn func(tx ledger.Tx, o *ledger.Order, now time.Time) (*ledger.StatusChange, error)) (*ledger.Order, error) {
	var (
		out    *ledger.Order
		change *ledger.StatusChange
	)
	err := s.store.InOrderTx(ctx, orderID, func(tx ledger.Tx) error {
		o, err := tx.Order()
		if err != nil {
			return err
		}
		if err := policy.Authorize(actor, action, policy.PartiesOf(o)); err != nil {
			return err
		}
		change, err = fn(tx, o, s.clock.Now())
		if err != nil {
			return err
		}
		out = o
		if change == nil {
			return nil
		}
		return tx.SaveOrder(o)
	})
	if err != nil {
		return nil, err
	}
	Observe(s.logger, change)
	return out, nil
}

// Get returns an order the actor may see.
func (s *Service) Get(ctx context.Context, actor policy.Actor, orderID string) (*ledger.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewOrder, policy.PartiesOf(o)); err != nil {
		return nil, err
	}
	return o, nil
}

// History returns the order's status history, oldest first.
func (s *Service) History(ctx context.Context, actor policy.Actor, orderID string) ([]*ledger.StatusChange, error) {
	if _, err := s.Get(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, orderID)
}

// RefundAttempts returns every gateway refund call made for the order.
func (s *Service) RefundAttempts(ctx context.Context, actor policy.Actor, orderID string) ([]*ledger.RefundAttempt, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewRefundAttempts, policy.PartiesOf(o)); err != nil {
		return nil, err
	}
	return s.store.ListRefundAttempts(ctx, orderID)
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	notify.Send(ctx, s.notifier, s.logger, msg)
}
