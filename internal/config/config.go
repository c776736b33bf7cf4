// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Database (optional, uses in-memory if not set)
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBAutoMigrate     bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`

	// Payment gateway. Without a Stripe key the in-memory sandbox is used.
	Stripe         Stripe        `envPrefix:"STRIPE_"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	BreakerFails   int           `env:"GATEWAY_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerOpenFor time.Duration `env:"GATEWAY_BREAKER_OPEN_FOR" envDefault:"30s"`

	// Settlement
	ReleaseWindow       time.Duration `env:"ESCROW_RELEASE_WINDOW" envDefault:"96h"`
	DisputeWindow       time.Duration `env:"DISPUTE_WINDOW" envDefault:"720h"`
	SweepInterval       time.Duration `env:"ESCROW_SWEEP_INTERVAL" envDefault:"15m"`
	SweepWorkers        int           `env:"ESCROW_SWEEP_WORKERS" envDefault:"8"`
	SweepBatch          int           `env:"ESCROW_SWEEP_BATCH" envDefault:"200"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileStaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"10m"`

	// Notifications and catalog stock restores (Redis optional)
	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"settlement.notifications"`
	StockStream  string `env:"STOCK_RESTORE_STREAM" envDefault:"catalog:stock-restore"`

	// Observability
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`

	// Security
	RateLimitRPM   int      `env:"RATE_LIMIT_RPM" envDefault:"120"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Stripe holds processor credentials.
type Stripe struct {
	SecretKey string `env:"SECRET_KEY"`
	BaseURL   string `env:"BASE_URL"`
}

// Defaults exposed for callers that build a Config by hand.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	minJWTSecret = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel))
	}

	if len(c.JWTSecret) < minJWTSecret {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required and must be at least %d characters", minJWTSecret))
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.Stripe.SecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"GATEWAY_TIMEOUT", c.GatewayTimeout},
		{"GATEWAY_BREAKER_OPEN_FOR", c.BreakerOpenFor},
		{"ESCROW_RELEASE_WINDOW", c.ReleaseWindow},
		{"DISPUTE_WINDOW", c.DisputeWindow},
		{"ESCROW_SWEEP_INTERVAL", c.SweepInterval},
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
		{"RECONCILE_STALE_AFTER", c.ReconcileStaleAfter},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.ReconcileStaleAfter > 0 && c.ReconcileStaleAfter <= c.GatewayTimeout {
		errs = append(errs, errors.New("RECONCILE_STALE_AFTER must exceed GATEWAY_TIMEOUT"))
	}
	if c.SweepWorkers <= 0 || c.SweepBatch <= 0 {
		errs = append(errs, errors.New("ESCROW_SWEEP_WORKERS and ESCROW_SWEEP_BATCH must be positive"))
	}
	if c.BreakerFails <= 0 {
		errs = append(errs, errors.New("GATEWAY_BREAKER_THRESHOLD must be positive"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseSandbox reports whether payouts and refunds go to the in-memory processor.
func (c *Config) UseSandbox() bool {
	return c.Stripe.SecretKey == ""
}
