// Package ledger is the durable source of truth for settlement state.
//
// Orders, escrows, disputes, refund attempts and status history all live here.
// Every mutation of a single order's records happens inside InOrderTx, which
// serializes writers on that order (row lock in Postgres, keyed mutex in memory).
// Gateway calls must never be made while a Tx is open.
package ledger

import (
	"context"
	"time"

	"github.com/mbd888/settlement/internal/pagination"
)

// OrderStatus is the canonical lifecycle state of an order.
type OrderStatus string

const (
	OrderPending        OrderStatus = "PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderShipped        OrderStatus = "SHIPPED"
	OrderOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderCompleted      OrderStatus = "COMPLETED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// PaymentMethod is how the buyer paid.
type PaymentMethod string

const (
	PaymentGateway PaymentMethod = "GATEWAY"
	PaymentPoints  PaymentMethod = "POINTS"
)

// SettlementMode says whether money is held in escrow or settled directly.
type SettlementMode string

const (
	SettlementEscrowed SettlementMode = "ESCROWED"
	SettlementDirect   SettlementMode = "DIRECT"
)

// ModeFor returns the settlement mode implied by a payment method.
func ModeFor(m PaymentMethod) SettlementMode {
	if m == PaymentPoints {
		return SettlementDirect
	}
	return SettlementEscrowed
}

// PaymentStatus tracks the buyer's charge.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusSuccess           PaymentStatus = "SUCCESS"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Order is one checkout. Money fields are integer minor units.
type Order struct {
	ID             string         `json:"id"`
	BuyerID        string         `json:"buyerId"`
	StoreID        string         `json:"storeId"`
	SellerID       string         `json:"sellerId"`
	RecipientCode  string         `json:"recipientCode,omitempty"`
	Status         OrderStatus    `json:"status"`
	PaymentMethod  PaymentMethod  `json:"paymentMethod"`
	SettlementMode SettlementMode `json:"settlementMode"`
	PaymentStatus  PaymentStatus  `json:"paymentStatus"`
	PaymentID      string         `json:"paymentId,omitempty"`
	TotalAmount    int64          `json:"totalAmount"`
	Currency       string         `json:"currency"`
	RefundAmount   int64          `json:"refundAmount"`
	StockReserved  bool           `json:"stockReserved"`
	Items          []OrderItem    `json:"items,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	CancelledAt    *time.Time     `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Refundable is the amount that has not been refunded yet.
func (o *Order) Refundable() int64 {
	return o.TotalAmount - o.RefundAmount
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Items != nil {
		cp.Items = make([]OrderItem, len(o.Items))
		copy(cp.Items, o.Items)
	}
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.CompletedAt = cloneTime(o.CompletedAt)
	cp.CancelledAt = cloneTime(o.CancelledAt)
	return &cp
}

// OrderItem is a line item captured at checkout.
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// StatusChange is one immutable row of order history.
type StatusChange struct {
	ID        int64       `json:"id"`
	OrderID   string      `json:"orderId"`
	OldStatus OrderStatus `json:"oldStatus"`
	NewStatus OrderStatus `json:"newStatus"`
	ChangedBy string      `json:"changedBy"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ReleaseStatus is the settlement outcome of an escrow.
type ReleaseStatus string

const (
	ReleasePending  ReleaseStatus = "PENDING"
	ReleaseReleased ReleaseStatus = "RELEASED"
	ReleaseRefunded ReleaseStatus = "REFUNDED"
	ReleaseFailed   ReleaseStatus = "FAILED"
)

// SettlementKind distinguishes the two kinds of outbound money movement.
type SettlementKind string

const (
	SettlementTransfer SettlementKind = "transfer"
	SettlementRefund   SettlementKind = "refund"
)

// InFlight records a gateway call that has been claimed but not finalized.
// While set, no other settlement may start on the escrow.
type InFlight struct {
	Kind      SettlementKind `json:"kind"`
	Reference string         `json:"reference"`
	Amount    int64          `json:"amount"`
	Reason    string         `json:"reason,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
}

// Escrow holds a GATEWAY-paid order's funds until release or refund.
type Escrow struct {
	ID               string        `json:"id"`
	OrderID          string        `json:"orderId"`
	PaymentID        string        `json:"paymentId"`
	AmountHeld       int64         `json:"amountHeld"`
	Currency         string        `json:"currency"`
	ReleaseStatus    ReleaseStatus `json:"releaseStatus"`
	ReleaseDate      *time.Time    `json:"releaseDate,omitempty"`
	Frozen           bool          `json:"frozen"`
	InFlight         *InFlight     `json:"inFlight,omitempty"`
	TransferAttempts int           `json:"transferAttempts"`
	RefundDeclines   int           `json:"refundDeclines"`
	TransferRef      string        `json:"transferRef,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
	ReleasedAt       *time.Time    `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time    `json:"refundedAt,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Due reports whether the scheduler may pick the escrow up at now.
func (e *Escrow) Due(now time.Time) bool {
	return e.ReleaseStatus == ReleasePending &&
		!e.Frozen &&
		e.InFlight == nil &&
		e.ReleaseDate != nil &&
		!e.ReleaseDate.After(now)
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.InFlight != nil {
		f := *e.InFlight
		cp.InFlight = &f
	}
	cp.ReleaseDate = cloneTime(e.ReleaseDate)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	cp.RefundedAt = cloneTime(e.RefundedAt)
	return &cp
}

// DisputeType classifies a buyer or seller claim.
type DisputeType string

const (
	DisputeRefundRequest  DisputeType = "REFUND_REQUEST"
	DisputeNotAsDescribed DisputeType = "ITEM_NOT_AS_DESCRIBED"
	DisputeNotReceived    DisputeType = "ITEM_NOT_RECEIVED"
	DisputeWrongItem      DisputeType = "WRONG_ITEM_SENT"
	DisputeDamagedItem    DisputeType = "DAMAGED_ITEM"
	DisputeOther          DisputeType = "OTHER"
)

// Valid reports whether t is a known dispute type.
func (t DisputeType) Valid() bool {
	switch t {
	case DisputeRefundRequest, DisputeNotAsDescribed, DisputeNotReceived,
		DisputeWrongItem, DisputeDamagedItem, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus is the adjudication state of a dispute.
type DisputeStatus string

const (
	DisputePending   DisputeStatus = "PENDING"
	DisputeResolved  DisputeStatus = "RESOLVED"
	DisputeCancelled DisputeStatus = "CANCELLED"
)

// Dispute is a claim against an order.
type Dispute struct {
	ID                         string        `json:"id"`
	OrderID                    string        `json:"orderId"`
	BuyerID                    string        `json:"buyerId"`
	SellerID                   string        `json:"sellerId"`
	OpenedBy                   string        `json:"openedBy"`
	Type                       DisputeType   `json:"type"`
	Description                string        `json:"description"`
	Status                     DisputeStatus `json:"status"`
	Resolution                 string        `json:"resolution,omitempty"`
	ResolvedAmount             *int64        `json:"resolvedAmount,omitempty"`
	RequiresManualIntervention bool          `json:"requiresManualIntervention"`
	ResolvedBy                 string        `json:"resolvedBy,omitempty"`
	CreatedAt                  time.Time     `json:"createdAt"`
	UpdatedAt                  time.Time     `json:"updatedAt"`
	ResolvedAt                 *time.Time    `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.ResolvedAmount != nil {
		v := *d.ResolvedAmount
		cp.ResolvedAmount = &v
	}
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	return &cp
}

// AttemptStatus is the outcome of one gateway refund call.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
)

// RefundAttempt is an append-only audit row, one per gateway refund call.
type RefundAttempt struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"orderId"`
	EscrowID     string        `json:"escrowId"`
	PaymentID    string        `json:"paymentId"`
	Amount       int64         `json:"amount"`
	Reference    string        `json:"reference"`
	GatewayRef   string        `json:"gatewayRef,omitempty"`
	Status       AttemptStatus `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	AttemptedAt  time.Time     `json:"attemptedAt"`
}

// Store is the transactional settlement store.
type Store interface {
	// InOrderTx runs fn with the order's records locked. Changes made through
	// tx are committed when fn returns nil and discarded otherwise.
	InOrderTx(ctx context.Context, orderID string, fn func(tx Tx) error) error

	// CreateOrder inserts an order, its items and its first history row atomically.
	CreateOrder(ctx context.Context, order *Order, first *StatusChange) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	ListHistory(ctx context.Context, orderID string) ([]*StatusChange, error)

	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*Escrow, error)
	// ListDueEscrows returns PENDING, unfrozen, unclaimed escrows whose release date has passed.
	ListDueEscrows(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
	// ListEscrowsByStatus pages by (created_at, id); after is the last row of the previous page.
	ListEscrowsByStatus(ctx context.Context, status ReleaseStatus, after *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListInFlightEscrows returns escrows with a settlement claim started before the cutoff.
	ListInFlightEscrows(ctx context.Context, startedBefore time.Time, limit int) ([]*Escrow, error)

	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByOrder(ctx context.Context, orderID string) ([]*Dispute, error)

	ListRefundAttempts(ctx context.Context, orderID string) ([]*RefundAttempt, error)
}

// Tx is the view of one order's records inside InOrderTx.
// Reads return copies; writes take effect on commit.
type Tx interface {
	Order() (*Order, error)
	SaveOrder(o *Order) error
	AppendStatusChange(c *StatusChange) error

	// Escrow returns the order's escrow or ErrEscrowNotFound.
	Escrow() (*Escrow, error)
	InsertEscrow(e *Escrow) error
	SaveEscrow(e *Escrow) error

	// PendingDispute returns the order's open dispute or ErrDisputeNotFound.
	PendingDispute() (*Dispute, error)
	Dispute(id string) (*Dispute, error)
	InsertDispute(d *Dispute) error
	SaveDispute(d *Dispute) error

	AppendRefundAttempt(a *RefundAttempt) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
