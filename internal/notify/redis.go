package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/settlement/internal/metrics"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "settlement:notifications"

// RedisNotifier publishes notifications as JSON on a Redis pub/sub channel
// for the messaging service to pick up.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
}

// NewRedisClient connects from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, timeout: 2 * time.Second}
}

func (r *RedisNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("encode notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		metrics.NotificationsTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	metrics.NotificationsTotal.WithLabelValues("redis", "ok").Inc()
	return nil
}

// Ping checks the connection for the health registry.
func (r *RedisNotifier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Notifier = (*RedisNotifier)(nil)
