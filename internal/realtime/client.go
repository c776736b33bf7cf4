package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	maxFrameSize = 64 * 1024
	sendBuffer   = 256
)

// normalCloseCodes are close codes for an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Subscription filters what a client receives. The zero value receives everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	OrderIDs   []string    `json:"orderIds"`
	// MinAmount applies to events that carry an amount, in minor units.
	MinAmount int64 `json:"minAmount"`
}

// ParseSubscription reads a filter from query parameters:
// types=alert,refund&orders=ord_1,ord_2&minAmount=10000.
func ParseSubscription(q url.Values) (Subscription, error) {
	var sub Subscription
	for _, t := range splitList(q.Get("types")) {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	sub.OrderIDs = splitList(q.Get("orders"))
	if raw := q.Get("minAmount"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return Subscription{}, fmt.Errorf("minAmount must be a non-negative integer")
		}
		sub.MinAmount = n
	}
	return sub, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s Subscription) matches(ev *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.OrderIDs) > 0 && ev.OrderID != "" && !slices.Contains(s.OrderIDs, ev.OrderID) {
		return false
	}
	if s.MinAmount > 0 && ev.Amount > 0 && ev.Amount < s.MinAmount {
		return false
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func newClient(h *Hub, conn *websocket.Conn, sub Subscription) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), sub: sub}
}

func (c *Client) wants(ev *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub.matches(ev)
}

func (c *Client) setSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// readPump applies subscription updates sent by the client. Frames that are
// not a valid Subscription are ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(msg, &sub) == nil {
			c.setSubscription(sub)
		}
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
