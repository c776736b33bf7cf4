// Package realtime streams settlement events to operators over WebSocket.
//
// Operators watching the admin stream see order transitions, releases,
// refunds, disputes and manual-intervention alerts as they are committed,
// instead of polling the escrow queues. A client that connects late is
// first sent the recent backlog that matches its filter, so an alert raised
// a minute before an operator opened the console is not missed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/settlement/internal/metrics"
)

// EventType classifies a stream event.
type EventType string

const (
	EventOrderTransition EventType = "order_transition"
	EventEscrowReleased  EventType = "escrow_released"
	EventRefund          EventType = "refund"
	EventDispute         EventType = "dispute"
	EventAlert           EventType = "alert"
)

// Event is one message on the operator stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"orderId,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Title     string    `json:"title,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Hub limits.
const (
	MaxClients  = 1000
	BacklogSize = 100
	queueSize   = 256
)

// Stats are the hub counters exposed to operators.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	EvictedClients   int64 `json:"evictedClients"`
}

type frame struct {
	event   *Event
	payload []byte
}

// Hub fans events out to connected clients. A single goroutine (Run) owns
// membership changes and the backlog.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  []string

	mu      sync.RWMutex
	clients map[*Client]struct{}
	backlog []frame // ring, oldest first once full
	next    int

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	running    atomic.Bool

	maxClients int
	events     atomic.Int64
	dropped    atomic.Int64
	evicted    atomic.Int64
	total      atomic.Int64
	peak       atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		backlog:    make([]frame, 0, BacklogSize),
		broadcast:  make(chan *Event, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins lets browsers on these origins open the stream in
// addition to same-host pages. "*" allows any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Running reports whether the hub loop is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run is the hub's main loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	defer close(h.done)
	h.logger.Info("operator stream started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("operator stream stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, false)
		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	replay := h.recentLocked()
	h.mu.Unlock()

	h.total.Add(1)
	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("operator connected", "total", n)

	for _, f := range replay {
		if !c.wants(f.event) {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
			return // the live stream will catch the client up
		}
	}
}

// remove detaches c. evict marks a client dropped for not keeping up.
func (h *Hub) remove(c *Client, evict bool) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.ActiveWebSocketClients.Set(float64(n))
	if evict {
		h.evicted.Add(1)
		h.logger.Warn("operator evicted, send buffer full", "total", n)
		return
	}
	h.logger.Info("operator disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send) // writePump sends a close frame
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) fanOut(ev *Event) {
	h.events.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("unencodable stream event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.remember(frame{event: ev, payload: payload})
	var slow []*Client
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.remove(c, true)
	}
}

// remember appends to the backlog ring. Caller holds mu.
func (h *Hub) remember(f frame) {
	if len(h.backlog) < BacklogSize {
		h.backlog = append(h.backlog, f)
		return
	}
	h.backlog[h.next] = f
	h.next = (h.next + 1) % BacklogSize
}

// recentLocked returns the backlog oldest first. Caller holds mu.
func (h *Hub) recentLocked() []frame {
	out := make([]frame, 0, len(h.backlog))
	out = append(out, h.backlog[h.next:]...)
	return append(out, h.backlog[:h.next]...)
}

// Broadcast queues an event. It never blocks; a full queue drops the event.
func (h *Hub) Broadcast(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("operator stream queue full, dropping event", "type", event.Type, "order_id", event.OrderID)
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peak.Load(),
		TotalClients:     h.total.Load(),
		TotalEvents:      h.events.Load(),
		DroppedEvents:    h.dropped.Load(),
		EvictedClients:   h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client. The initial
// filter may be given in the query string; see ParseSubscription.
// Callers are expected to have authorized the operator already.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	sub, err := ParseSubscription(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, sub)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
