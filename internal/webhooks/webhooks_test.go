package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/retry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestDispatcher skips URL checks so loopback test servers are reachable
// and retries without waiting.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return d.WithPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func subscribe(t *testing.T, store Store, sub *Subscription) {
	t.Helper()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = t0
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func sellerMsg(kind notify.Kind) notify.Message {
	return notify.Message{UserID: "seller_1", Title: "Funds released", Kind: kind, OrderID: "ord_1", Amount: 5000, SentAt: t0}
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: "https://a.example", Active: true})
	subscribe(t, store, &Subscription{ID: "wh_2", OwnerID: "seller_1", URL: "https://b.example", Active: true, CreatedAt: t0.Add(time.Minute)})
	subscribe(t, store, &Subscription{ID: "wh_3", OwnerID: "buyer_1", URL: "https://c.example", Active: true})

	subs, err := store.ListByOwner(ctx, "seller_1")
	if err != nil || len(subs) != 2 {
		t.Fatalf("expected 2 seller webhooks, got %d (%v)", len(subs), err)
	}
	if subs[0].ID != "wh_2" {
		t.Errorf("expected newest first, got %s", subs[0].ID)
	}

	// Returned copies do not alias the store.
	subs[0].Active = false
	got, _ := store.Get(ctx, "wh_2")
	if !got.Active {
		t.Error("mutating a listed subscription changed the store")
	}

	if err := store.Delete(ctx, "wh_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "wh_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wh_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStore_RecordResultDeactivates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", Active: true})

	boom := errors.New("status 500")
	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		_ = store.RecordResult(ctx, "wh_1", t0, boom)
	}
	sub, _ := store.Get(ctx, "wh_1")
	if !sub.Active || sub.ConsecutiveFailures != MaxConsecutiveFailures-1 {
		t.Fatalf("expected still active with %d failures, got %+v", MaxConsecutiveFailures-1, sub)
	}

	// A success resets the streak.
	_ = store.RecordResult(ctx, "wh_1", t0, nil)
	sub, _ = store.Get(ctx, "wh_1")
	if sub.ConsecutiveFailures != 0 || sub.LastSuccess == nil || sub.LastError != "" {
		t.Fatalf("success should reset failures, got %+v", sub)
	}

	for i := 0; i < MaxConsecutiveFailures; i++ {
		_ = store.RecordResult(ctx, "wh_1", t0, boom)
	}
	sub, _ = store.Get(ctx, "wh_1")
	if sub.Active {
		t.Error("expected subscription deactivated after repeated failures")
	}
}

func TestSubscription_Wants(t *testing.T) {
	all := &Subscription{Active: true}
	if !all.Wants(notify.KindRefund) {
		t.Error("empty kinds should receive everything")
	}
	escrowOnly := &Subscription{Active: true, Kinds: []notify.Kind{notify.KindEscrow}}
	if escrowOnly.Wants(notify.KindRefund) || !escrowOnly.Wants(notify.KindEscrow) {
		t.Error("kind filter not applied")
	}
	if (&Subscription{}).Wants(notify.KindEscrow) {
		t.Error("inactive subscription should receive nothing")
	}
}

// ---------------------------------------------------------------------------
// Signing
// ---------------------------------------------------------------------------

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"kind":"escrow"}`)
	sig := Sign(payload, "secret_a")

	if !Verify(payload, "secret_a", sig) {
		t.Error("signature should verify with the same secret")
	}
	if Verify(payload, "secret_b", sig) {
		t.Error("signature must not verify with another secret")
	}
	if Verify([]byte(`{"kind":"refund"}`), "secret_a", sig) {
		t.Error("signature must not verify for a different body")
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	store := NewMemoryStore()
	secret := "test_webhook_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: server.URL, Secret: secret, Active: true})

	d := newTestDispatcher(store)
	if err := d.Notify(context.Background(), sellerMsg(notify.KindEscrow)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()

	if !Verify(gotBody, secret, gotHeaders.Get(HeaderSignature)) {
		t.Errorf("signature %q does not verify", gotHeaders.Get(HeaderSignature))
	}
	if gotHeaders.Get(HeaderEvent) != "escrow" {
		t.Errorf("event header = %q", gotHeaders.Get(HeaderEvent))
	}
	if gotHeaders.Get(HeaderTimestamp) != "1772366400" {
		t.Errorf("timestamp header = %q", gotHeaders.Get(HeaderTimestamp))
	}

	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.ID == "" || ev.ID != gotHeaders.Get(HeaderDelivery) {
		t.Errorf("event id %q does not match delivery header %q", ev.ID, gotHeaders.Get(HeaderDelivery))
	}
	if ev.Data.OrderID != "ord_1" || ev.Data.Amount != 5000 {
		t.Errorf("unexpected event data %+v", ev.Data)
	}

	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.LastSuccess == nil {
		t.Error("expected success recorded")
	}
}

func TestDispatcher_FiltersByOwnerKindAndActive(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_match", OwnerID: "seller_1", URL: server.URL, Active: true, Kinds: []notify.Kind{notify.KindEscrow}})
	subscribe(t, store, &Subscription{ID: "wh_kind", OwnerID: "seller_1", URL: server.URL, Active: true, Kinds: []notify.Kind{notify.KindDispute}})
	subscribe(t, store, &Subscription{ID: "wh_off", OwnerID: "seller_1", URL: server.URL, Active: false})
	subscribe(t, store, &Subscription{ID: "wh_other", OwnerID: "buyer_1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Notify(context.Background(), sellerMsg(notify.KindEscrow))
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", received.Load())
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Notify(context.Background(), sellerMsg(notify.KindEscrow))
	d.Wait()

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.ConsecutiveFailures != 0 || sub.LastSuccess == nil {
		t.Errorf("eventual success should be recorded, got %+v", sub)
	}
}

func TestDispatcher_HonoursRetryAfter(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: server.URL, Active: true})

	// MaxDelay caps the 30s hint so the test stays fast.
	var waits []time.Duration
	d := newTestDispatcher(store)
	d.WithPolicy(d.policy.WithHook(func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }))
	_ = d.Notify(context.Background(), sellerMsg(notify.KindEscrow))
	d.Wait()

	if calls.Load() != 2 {
		t.Errorf("expected a retry after 429, got %d attempts", calls.Load())
	}
	if len(waits) != 1 || waits[0] != time.Millisecond {
		t.Errorf("expected one wait capped at 1ms, got %v", waits)
	}
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	_ = d.Notify(context.Background(), sellerMsg(notify.KindEscrow))
	d.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected a single attempt for 410, got %d", calls.Load())
	}
	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.ConsecutiveFailures != 1 || sub.LastError != "status 410" {
		t.Errorf("expected failure recorded, got %+v", sub)
	}
}

func TestDispatcher_ValidatorBlocksDelivery(t *testing.T) {
	store := NewMemoryStore()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	subscribe(t, store, &Subscription{ID: "wh_1", OwnerID: "seller_1", URL: server.URL, Active: true})

	d := newTestDispatcher(store)
	d.validate = func(context.Context, string) error { return errors.New("loopback addresses are not allowed") }
	_ = d.Notify(context.Background(), sellerMsg(notify.KindEscrow))
	d.Wait()

	if calls.Load() != 0 {
		t.Errorf("blocked endpoint was called %d times", calls.Load())
	}
	sub, _ := store.Get(context.Background(), "wh_1")
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("expected the rejection recorded, got %+v", sub)
	}
}

func TestDispatcher_NoSubscriptions(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())
	if err := d.Notify(context.Background(), sellerMsg(notify.KindEscrow)); err != nil {
		t.Fatalf("Notify with no subscriptions: %v", err)
	}
	d.Wait()
}
