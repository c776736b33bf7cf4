// Package inventory hands reserved stock back to the catalog service when an
// order is cancelled. The catalog owns stock counts; this service only emits
// restore requests.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/settlement/internal/ledger"
)

// DefaultStream is the Redis stream the catalog consumes restore requests from.
const DefaultStream = "catalog:stock-restore"

// maxStreamLen caps the stream; the catalog trims acknowledged entries itself.
const maxStreamLen = 100_000

// RestoreRequest is one stream entry. OrderID doubles as the consumer's
// idempotency key, so a redelivered entry restores stock once.
type RestoreRequest struct {
	OrderID     string             `json:"orderId"`
	Items       []ledger.OrderItem `json:"items"`
	RequestedAt time.Time          `json:"requestedAt"`
}

func encode(req RestoreRequest) (map[string]any, error) {
	items, err := json.Marshal(req.Items)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return map[string]any{
		"order_id":     req.OrderID,
		"items":        string(items),
		"requested_at": req.RequestedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// RedisRestorer appends restore requests to a Redis stream.
type RedisRestorer struct {
	client  redis.UniversalClient
	stream  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisRestorer creates a restorer writing to stream (DefaultStream if empty).
func NewRedisRestorer(client redis.UniversalClient, stream string) *RedisRestorer {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisRestorer{
		client:  client,
		stream:  stream,
		timeout: 2 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Restore implements order.StockRestorer.
func (r *RedisRestorer) Restore(ctx context.Context, orderID string, items []ledger.OrderItem) error {
	values, err := encode(RestoreRequest{OrderID: orderID, Items: items, RequestedAt: r.now()})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// LogRestorer records restore requests in the log. Used when no Redis is
// configured so development cancellations still show what would be restocked.
type LogRestorer struct {
	logger *slog.Logger
}

func NewLogRestorer(logger *slog.Logger) *LogRestorer {
	return &LogRestorer{logger: logger}
}

func (l *LogRestorer) Restore(ctx context.Context, orderID string, items []ledger.OrderItem) error {
	units := 0
	for _, it := range items {
		units += it.Quantity
	}
	l.logger.InfoContext(ctx, "stock restore requested", "order_id", orderID, "lines", len(items), "units", units)
	return nil
}
