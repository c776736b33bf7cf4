package admin

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/realtime"
	"github.com/mbd888/settlement/internal/reconciliation"
)

// ReconciliationRunner runs in-flight claim reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	LastReport() *reconciliation.Report
}

// Sweeper releases due escrows.
type Sweeper interface {
	Sweep(ctx context.Context) escrow.SweepResult
}

// CircuitInspector exposes gateway breaker state.
type CircuitInspector interface {
	OpenKeys() []string
	State(key string) circuitbreaker.State
}

// Stream is the operator event stream.
type Stream interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Stats() realtime.Stats
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler ReconciliationRunner
	sweeper    Sweeper
	circuits   CircuitInspector
	stream     Stream
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: func() time.Time { return time.Now().UTC() }}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithSweeper sets the escrow release sweeper.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithCircuits sets the gateway breaker to report on.
func (h *Handler) WithCircuits(c CircuitInspector) *Handler {
	h.circuits = c
	return h
}

// WithStream sets the operator websocket stream.
func (h *Handler) WithStream(s Stream) *Handler {
	h.stream = s
	return h
}

// RegisterRoutes sets up admin routes. The group must restrict access to admins.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/reconcile/last", h.lastReconciliation)
	r.POST("/admin/escrow/sweep", h.triggerSweep)
	r.GET("/admin/gateway/circuits", h.listCircuits)
	r.GET("/admin/stream", h.openStream)
	r.GET("/admin/stream/stats", h.streamStats)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": what + " not configured"})
}

// triggerReconciliation runs reconciliation now instead of waiting for the timer.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	report := h.reconciler.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// triggerSweep releases every due escrow now.
func (h *Handler) triggerSweep(c *gin.Context) {
	if h.sweeper == nil {
		unavailable(c, "escrow sweeper")
		return
	}
	res := h.sweeper.Sweep(c.Request.Context())
	logging.L(c.Request.Context()).Info("on-demand sweep", "due", res.Due, "released", res.Released, "failed", res.Failed)
	c.JSON(http.StatusOK, gin.H{"sweep": sweepReport(res, h.now())})
}

func (h *Handler) listCircuits(c *gin.Context) {
	if h.circuits == nil {
		unavailable(c, "gateway breaker")
		return
	}
	keys := h.circuits.OpenKeys()
	sort.Strings(keys)
	circuits := make([]Circuit, 0, len(keys))
	for _, k := range keys {
		circuits = append(circuits, Circuit{Operation: k, State: h.circuits.State(k).String()})
	}
	c.JSON(http.StatusOK, gin.H{"open": circuits, "count": len(circuits)})
}

// openStream upgrades to the operator websocket.
func (h *Handler) openStream(c *gin.Context) {
	if h.stream == nil {
		unavailable(c, "operator stream")
		return
	}
	h.stream.HandleWebSocket(c.Writer, c.Request)
}

func (h *Handler) streamStats(c *gin.Context) {
	if h.stream == nil {
		unavailable(c, "operator stream")
		return
	}
	c.JSON(http.StatusOK, h.stream.Stats())
}
