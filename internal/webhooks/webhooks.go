// Package webhooks delivers settlement notifications to HTTP endpoints
// registered by buyers, sellers and operators.
//
// Each delivery is a signed JSON POST. The signature is
// "sha256=" + hex(HMAC-SHA256(secret, body)) in X-Settlement-Signature.
// Endpoints that keep failing are switched off.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mbd888/settlement/internal/notify"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook not found")

// Kinds lists the notification kinds a subscription may filter on.
var Kinds = []notify.Kind{notify.KindOrder, notify.KindEscrow, notify.KindRefund, notify.KindDispute, notify.KindAlert}

// Subscription is one registered endpoint.
type Subscription struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	URL     string `json:"url"`
	Secret  string `json:"-"`
	// Kinds filters deliveries. Empty means every kind.
	Kinds               []notify.Kind `json:"kinds"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives messages of kind k.
func (s *Subscription) Wants(k notify.Kind) bool {
	return s.Active && (len(s.Kinds) == 0 || slices.Contains(s.Kinds, k))
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Kinds = slices.Clone(s.Kinds)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	// RecordResult stores the outcome of one delivery.
	RecordResult(ctx context.Context, id string, at time.Time, deliveryErr error) error
	Delete(ctx context.Context, id string) error
}

// apply folds a delivery outcome into sub.
func apply(sub *Subscription, at time.Time, deliveryErr error) {
	if deliveryErr == nil {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return
	}
	sub.LastError = deliveryErr.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
}
