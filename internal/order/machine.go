// Package order owns the lifecycle of a purchase from placement to completion
// or cancellation.
//
// Transition is the only code that writes Order.Status. It checks the move
// against the transition table, stamps the matching timestamp and appends a
// history row inside the caller's transaction. Everything else in this
// package, and the dispute resolver, goes through it.
package order

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/policy"
)

// transitions lists the allowed next states. CANCELLED is reachable from
// every non-terminal state; SHIPPED may skip straight to DELIVERED.
var transitions = map[ledger.OrderStatus][]ledger.OrderStatus{
	ledger.OrderPending:        {ledger.OrderConfirmed, ledger.OrderCancelled},
	ledger.OrderConfirmed:      {ledger.OrderShipped, ledger.OrderCancelled},
	ledger.OrderShipped:        {ledger.OrderOutForDelivery, ledger.OrderDelivered, ledger.OrderCancelled},
	ledger.OrderOutForDelivery: {ledger.OrderDelivered, ledger.OrderCancelled},
	ledger.OrderDelivered:      {ledger.OrderCompleted, ledger.OrderCancelled},
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to ledger.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves o to status to and appends the history row through tx.
// The caller saves o. A move to the current status is a successful no-op and
// returns a nil change.
func Transition(tx ledger.Tx, o *ledger.Order, to ledger.OrderStatus, actor policy.Actor, reason string, now time.Time) (*ledger.StatusChange, error) {
	from := o.Status
	if from == to {
		return nil, nil
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s → %s", ledger.ErrInvalidTransition, from, to)
	}

	o.Status = to
	o.UpdatedAt = now
	switch to {
	case ledger.OrderDelivered:
		o.DeliveredAt = &now
	case ledger.OrderCompleted:
		o.CompletedAt = &now
	case ledger.OrderCancelled:
		o.CancelledAt = &now
	}

	change := &ledger.StatusChange{
		OrderID:   o.ID,
		OldStatus: from,
		NewStatus: to,
		ChangedBy: actor.ID,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := tx.AppendStatusChange(change); err != nil {
		return nil, err
	}
	return change, nil
}

// Observe records a committed transition. A nil change is ignored.
func Observe(logger *slog.Logger, change *ledger.StatusChange) {
	if change == nil {
		return
	}
	metrics.OrderTransitionsTotal.WithLabelValues(string(change.OldStatus), string(change.NewStatus)).Inc()
	logger.Info("order transitioned",
		"order_id", change.OrderID,
		"from", change.OldStatus,
		"to", change.NewStatus,
		"changed_by", change.ChangedBy)
}
