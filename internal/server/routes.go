package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/admin"
	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/dispute"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/health"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/order"
	"github.com/mbd888/settlement/internal/policy"
	"github.com/mbd888/settlement/internal/webhooks"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1", auth.Middleware(s.tokens), s.rateLimiter.Middleware())

	order.NewHandler(s.orderService).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	dispute.NewHandler(s.disputeService).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore, s.validateWebhookURL).RegisterRoutes(v1)

	ops := v1.Group("", auth.RequireRole(policy.RoleAdmin))
	admin.NewHandler().
		WithReconciler(s.reconciler).
		WithSweeper(s.escrowTimer).
		WithCircuits(s.breaker).
		WithStream(s.hub).
		RegisterRoutes(ops)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler reports every subsystem. "degraded" means only optional
// checks failed and the instance still serves traffic.
func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else {
		for _, st := range checks {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler fails while starting, while draining, and when a
// critical dependency such as the database is down.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
