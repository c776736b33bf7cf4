// Package metrics provides Prometheus instrumentation for settlement.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts committed order status transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// EscrowReleasesTotal counts release outcomes. trigger is receipt, schedule, operator, retry or reconcile.
	EscrowReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_releases_total",
			Help:      "Escrow release attempts by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	// RefundsTotal counts gateway refund outcomes by kind (full, partial).
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Gateway refunds by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// RefundedMinorUnits sums refunded money by currency.
	RefundedMinorUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_minor_units_total",
			Help:      "Refunded amount in minor units by currency.",
		},
		[]string{"currency"},
	)

	// DisputesTotal counts dispute lifecycle events (opened, resolved, rejected, withdrawn).
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "Dispute lifecycle events.",
		},
		[]string{"event"},
	)

	// ManualInterventionsTotal counts outcomes that need an operator.
	ManualInterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_interventions_total",
			Help:      "Settlement outcomes flagged for manual intervention by cause.",
		},
		[]string{"cause"},
	)

	// GatewayCallDuration observes gateway latency by operation and outcome.
	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call latency by operation and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "outcome"},
	)

	// SchedulerSweepsTotal counts release scheduler ticks by result.
	SchedulerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_sweeps_total",
			Help:      "Release scheduler sweeps by result.",
		},
		[]string{"result"},
	)

	// SchedulerSweepDuration observes how long a sweep takes.
	SchedulerSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_sweep_duration_seconds",
		Help:      "Release scheduler sweep duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// StockRestoreFailuresTotal counts stock restores that failed after cancel.
	StockRestoreFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_restore_failures_total",
		Help:      "Stock restorations that failed after an order was cancelled.",
	})

	// NotificationsTotal counts notifier deliveries by sink and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by sink and result.",
		},
		[]string{"sink", "result"},
	)

	// ActiveWebSocketClients tracks connected operator stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of connected operator stream clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		EscrowReleasesTotal,
		RefundsTotal,
		RefundedMinorUnits,
		DisputesTotal,
		ManualInterventionsTotal,
		GatewayCallDuration,
		SchedulerSweepsTotal,
		SchedulerSweepDuration,
		StockRestoreFailuresTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports the pool's sql.DBStats as go_sql_* metrics labelled
// db_name="settlement". A second registration is a no-op.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, to bound label cardinality.
		path := c.FullPath()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket collapses a status code to its class, e.g. 404 to "4xx".
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
