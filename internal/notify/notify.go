// Package notify delivers fire-and-forget notifications to buyers, sellers
// and operators. Delivery failures never affect the settlement outcome that
// triggered them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/settlement/internal/metrics"
)

// Kind groups notifications for routing and filtering.
type Kind string

const (
	KindOrder   Kind = "order"
	KindEscrow  Kind = "escrow"
	KindRefund  Kind = "refund"
	KindDispute Kind = "dispute"
	// KindAlert is an operator alert, e.g. a refund that needs manual work.
	KindAlert Kind = "alert"
)

// Operators is the recipient used for operator alerts.
const Operators = "operators"

// Message is one notification.
type Message struct {
	UserID  string            `json:"userId"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Kind    Kind              `json:"kind"`
	OrderID string            `json:"orderId,omitempty"`
	Amount  int64             `json:"amount,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	SentAt  time.Time         `json:"sentAt"`
}

// Notifier delivers a message to one sink.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Alert builds an operator alert about an order.
func Alert(orderID, title, body string, meta map[string]string) Message {
	return Message{
		UserID:  Operators,
		Title:   title,
		Body:    body,
		Kind:    KindAlert,
		OrderID: orderID,
		Meta:    meta,
	}
}

// Send delivers msg and logs, rather than returns, any failure.
// A nil notifier is a no-op.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, msg Message) {
	if n == nil {
		return
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if err := n.Notify(ctx, msg); err != nil {
		logger.Warn("notification not delivered",
			"user_id", msg.UserID, "kind", msg.Kind, "order_id", msg.OrderID, "error", err)
	}
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, msg Message) error {
	level := slog.LevelInfo
	if msg.Kind == KindAlert {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "notification",
		"user_id", msg.UserID,
		"kind", msg.Kind,
		"title", msg.Title,
		"order_id", msg.OrderID,
		"amount", msg.Amount,
	)
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// Multi fans a message out to every sink. One failing sink does not stop
// the others; their errors are joined.
type Multi struct {
	sinks []Notifier
}

func NewMulti(sinks ...Notifier) *Multi {
	out := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
