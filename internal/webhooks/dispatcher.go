package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/traces"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Settlement-Event"
	HeaderDelivery  = "X-Settlement-Delivery"
	HeaderTimestamp = "X-Settlement-Timestamp"
	HeaderSignature = "X-Settlement-Signature"
)

// DefaultPolicy retries a delivery a few times before counting it as failed.
var DefaultPolicy = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Kind      notify.Kind    `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      notify.Message `json:"data"`
}

// URLValidator vets an endpoint before every delivery.
type URLValidator func(ctx context.Context, rawURL string) error

// Dispatcher is a notify.Notifier that fans messages out to the recipient's
// webhook subscriptions. Deliveries run in the background.
type Dispatcher struct {
	store    Store
	client   *http.Client
	policy   retry.Policy
	validate URLValidator
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. validate may be nil to accept any URL.
func NewDispatcher(store Store, validate URLValidator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		policy:   DefaultPolicy,
		validate: validate,
		logger:   logger,
		now:      time.Now,
	}
}

// WithPolicy overrides the retry policy.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Notify queues msg for every active subscription of msg.UserID that wants its kind.
func (d *Dispatcher) Notify(ctx context.Context, msg notify.Message) error {
	subs, err := d.store.ListByOwner(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("list webhooks for %s: %w", msg.UserID, err)
	}

	event := Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Kind:      msg.Kind,
		Timestamp: msg.SentAt,
		Data:      msg,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Wants(msg.Kind) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(bg, sub, event, payload)
		}(sub)
	}
	return nil
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event Event, payload []byte) {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, sub, event, payload)
	})

	result := "ok"
	if err != nil {
		result = "error"
		d.logger.Warn("webhook delivery failed",
			"webhook_id", sub.ID, "owner_id", sub.OwnerID, "kind", event.Kind, "event_id", event.ID, "error", err)
	}
	metrics.NotificationsTotal.WithLabelValues("webhook", result).Inc()

	if rerr := d.store.RecordResult(ctx, sub.ID, d.now().UTC(), err); rerr != nil {
		d.logger.Warn("webhook result not recorded", "webhook_id", sub.ID, "error", rerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event Event, payload []byte) error {
	if d.validate != nil {
		// Re-checked per delivery; DNS may have changed since registration.
		if err := d.validate(ctx, sub.URL); err != nil {
			return retry.Permanent(fmt.Errorf("endpoint rejected: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Kind))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}
	traces.Inject(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload. Receivers can use it as-is.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

var _ notify.Notifier = (*Dispatcher)(nil)
