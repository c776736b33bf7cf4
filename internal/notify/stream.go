package notify

import (
	"context"

	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/realtime"
)

// Broadcaster is the part of realtime.Hub the stream sink needs.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// StreamNotifier mirrors notifications onto the operator stream.
type StreamNotifier struct {
	hub Broadcaster
}

func NewStreamNotifier(hub Broadcaster) *StreamNotifier {
	return &StreamNotifier{hub: hub}
}

func (s *StreamNotifier) Notify(_ context.Context, msg Message) error {
	s.hub.Broadcast(&realtime.Event{
		Type:      eventType(msg.Kind),
		Timestamp: msg.SentAt,
		OrderID:   msg.OrderID,
		Amount:    msg.Amount,
		Title:     msg.Title,
		Data: map[string]any{
			"userId": msg.UserID,
			"body":   msg.Body,
			"meta":   msg.Meta,
		},
	})
	metrics.NotificationsTotal.WithLabelValues("stream", "ok").Inc()
	return nil
}

func eventType(k Kind) realtime.EventType {
	switch k {
	case KindEscrow:
		return realtime.EventEscrowReleased
	case KindRefund:
		return realtime.EventRefund
	case KindDispute:
		return realtime.EventDispute
	case KindAlert:
		return realtime.EventAlert
	default:
		return realtime.EventOrderTransition
	}
}

var _ Notifier = (*StreamNotifier)(nil)
