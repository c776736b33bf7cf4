// Package server wires the settlement services into an HTTP server and runs
// the background release and reconciliation loops.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/clock"
	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/dispute"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/health"
	"github.com/mbd888/settlement/internal/inventory"
	"github.com/mbd888/settlement/internal/ledger"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/order"
	"github.com/mbd888/settlement/internal/ratelimit"
	"github.com/mbd888/settlement/internal/realtime"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/security"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/webhooks"
	"github.com/mbd888/settlement/migrations"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	clock   clock.Clock

	db      *sql.DB // nil if using in-memory
	redis   *redis.Client
	store   ledger.Store
	rawGW   gateway.Gateway
	gateway *gateway.Guarded
	breaker *circuitbreaker.Breaker
	hub     *realtime.Hub
	tokens  *auth.Tokens

	notifier       notify.Notifier
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	escrowService  *escrow.Service
	orderService   *order.Service
	disputeService *dispute.Service
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithGateway sets the payment processor instead of building one from config.
// It is still wrapped by the circuit breaker.
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.rawGW = gw
	}
}

// WithStore sets the ledger store instead of opening DATABASE_URL (tests).
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      clock.Real{},
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	if err := s.initNotifier(); err != nil {
		return nil, err
	}
	s.initGateway()
	s.initServices()

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
		Environment: cfg.Env,
		Version:     s.version,
	}, s.logger)
	if err != nil {
		// Tracing is optional; settlement must not depend on the collector.
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	s.tokens = auth.NewTokens(cfg.JWTSecret)
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStore opens Postgres when DATABASE_URL is set, otherwise keeps the
// ledger in memory.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.DBAutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}
	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("db stats not exported", "error", err)
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initNotifier fans out to the log, the operator stream, registered
// webhooks and, when configured, Redis pub/sub for the messaging service.
func (s *Server) initNotifier() error {
	s.hub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.AllowedOrigins)

	if s.db != nil {
		s.webhookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.webhookStore = webhooks.NewMemoryStore()
	}
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.validateWebhookURL, s.logger)

	sinks := []notify.Notifier{
		notify.NewLogNotifier(s.logger),
		notify.NewStreamNotifier(s.hub),
		s.webhooks,
	}

	if s.cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		sinks = append(sinks, notify.NewRedisNotifier(client, s.cfg.RedisChannel))
		s.logger.Info("redis notifications enabled", "channel", s.cfg.RedisChannel)
	}

	s.notifier = notify.NewMulti(sinks...)
	return nil
}

// validateWebhookURL refuses internal endpoints; production also requires TLS.
func (s *Server) validateWebhookURL(ctx context.Context, rawURL string) error {
	return security.ValidateEndpointURL(ctx, rawURL, s.cfg.IsProduction())
}

// initGateway picks Stripe or the sandbox and puts the breaker in front.
func (s *Server) initGateway() {
	if s.rawGW == nil {
		if s.cfg.UseSandbox() {
			s.rawGW = gateway.NewSandbox()
			s.logger.Warn("STRIPE_SECRET_KEY not set, payouts and refunds use the in-memory sandbox")
		} else {
			s.rawGW = gateway.NewStripeClient(gateway.StripeConfig{
				SecretKey: s.cfg.Stripe.SecretKey,
				BaseURL:   s.cfg.Stripe.BaseURL,
				Timeout:   s.cfg.GatewayTimeout,
			})
			s.logger.Info("stripe gateway enabled")
		}
	}

	s.breaker = circuitbreaker.New(s.cfg.BreakerFails, s.cfg.BreakerOpenFor, s.clock)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit changed", "operation", key, "from", from.String(), "to", to.String())
		if to == circuitbreaker.StateOpen {
			notify.Send(context.Background(), s.notifier, s.logger, notify.Alert("",
				"Payment gateway circuit open",
				fmt.Sprintf("Gateway %s calls are failing; settlement is paused for %s.", key, s.cfg.BreakerOpenFor),
				map[string]string{"operation": key}))
		}
	})
	s.gateway = gateway.NewGuarded(s.rawGW, s.breaker, s.cfg.GatewayTimeout)
}

func (s *Server) initServices() {
	s.escrowService = escrow.NewService(s.store, s.gateway, s.clock, s.logger).
		WithNotifier(s.notifier)

	var stock order.StockRestorer = inventory.NewLogRestorer(s.logger)
	if s.redis != nil {
		stock = inventory.NewRedisRestorer(s.redis, s.cfg.StockStream)
	}
	s.orderService = order.NewService(s.store, s.escrowService, s.clock, s.logger).
		WithNotifier(s.notifier).
		WithStockRestorer(stock).
		WithReleaseWindow(s.cfg.ReleaseWindow)

	s.disputeService = dispute.NewService(s.store, s.escrowService, s.clock, s.logger).
		WithNotifier(s.notifier).
		WithEligibilityWindow(s.cfg.DisputeWindow)

	s.escrowTimer = escrow.NewTimer(s.escrowService, s.store, s.logger).
		WithInterval(s.cfg.SweepInterval).
		WithWorkers(s.cfg.SweepWorkers, s.cfg.SweepBatch)

	s.reconciler = reconciliation.NewRunner(s.store, s.escrowService, s.gateway, s.clock, s.logger).
		WithStaleAfter(s.cfg.ReconcileStaleAfter)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger).
		WithInterval(s.cfg.ReconcileInterval)
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}
	// Three missed sweeps means the scheduler is wedged.
	s.health.Register("escrow_release", health.Sweeping(s.escrowTimer, 3*s.cfg.SweepInterval, time.Now))
	s.health.RegisterOptional("operator_stream", health.Running(s.hub))
	s.health.Register("reconciliation", health.Sweeping(s.reconcileTimer, 3*s.cfg.ReconcileInterval, time.Now))
	s.health.RegisterOptional("gateway", health.Breaker(s.breaker))
	if s.redis != nil {
		s.health.RegisterOptional("redis", health.Ping(health.PingFunc(func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, then blocks until a
// signal, ctx cancellation or a listener error triggers graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Refund and release requests wait on the processor.
		WriteTimeout: s.cfg.GatewayTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"sandbox", s.cfg.UseSandbox(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("settlement timers stopped")

	s.webhooks.Wait()

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace flush error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
