package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// validConfig mirrors the envDefault tags.
func validConfig() Config {
	return Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		JWTSecret:           testSecret,
		GatewayTimeout:      30 * time.Second,
		BreakerFails:        5,
		BreakerOpenFor:      30 * time.Second,
		ReleaseWindow:       96 * time.Hour,
		DisputeWindow:       720 * time.Hour,
		SweepInterval:       15 * time.Minute,
		SweepWorkers:        8,
		SweepBatch:          200,
		ReconcileInterval:   5 * time.Minute,
		ReconcileStaleAfter: 10 * time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 96*time.Hour, cfg.ReleaseWindow)
	assert.Equal(t, 30*24*time.Hour, cfg.DisputeWindow)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "settlement.notifications", cfg.RedisChannel)
	assert.True(t, cfg.UseSandbox())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("ESCROW_RELEASE_WINDOW", "24h")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.ReleaseWindow)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.False(t, cfg.UseSandbox())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("ESCROW_SWEEP_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "short secret",
			mutate:  func(c *Config) { c.JWTSecret = "short" },
			wantErr: "JWT_SECRET",
		},
		{
			name:    "unknown env",
			mutate:  func(c *Config) { c.Env = "qa" },
			wantErr: "ENV must be",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "production without database",
			mutate:  func(c *Config) { c.Env = "production"; c.Stripe.SecretKey = "sk_live_x" },
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "production without stripe",
			mutate:  func(c *Config) { c.Env = "production"; c.DatabaseURL = "postgres://x" },
			wantErr: "STRIPE_SECRET_KEY is required",
		},
		{
			name:    "zero release window",
			mutate:  func(c *Config) { c.ReleaseWindow = 0 },
			wantErr: "ESCROW_RELEASE_WINDOW must be positive",
		},
		{
			name:    "reconcile faster than gateway timeout",
			mutate:  func(c *Config) { c.ReconcileStaleAfter = 10 * time.Second },
			wantErr: "RECONCILE_STALE_AFTER must exceed",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.SweepWorkers = 0 },
			wantErr: "ESCROW_SWEEP_WORKERS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
