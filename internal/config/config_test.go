package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_RATE", "")
	setEnv(t, "SWEEP_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "PLATFORM_FEE_RATE", "0.1")
	setEnv(t, "SWEEP_INTERVAL", "15m")
	setEnv(t, "SWEEP_CONCURRENCY", "8")
	setEnv(t, "AUTO_MIGRATE", "true")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example,")
	setEnv(t, "FRONTEND_URL", "https://app.example/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "https://app.example", cfg.FrontendURL)
}

func TestLoad_BadFeeRate(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "five percent")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_RATE")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:              "development",
			PlatformFeeRate:  decimal.RequireFromString("0.05"),
			SettlementLease:  time.Minute,
			SweepBatchSize:   10,
			SweepConcurrency: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid development", func(c *Config) {}, ""},
		{"negative fee", func(c *Config) { c.PlatformFeeRate = decimal.RequireFromString("-0.01") }, "PLATFORM_FEE_RATE"},
		{"fee of one", func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) }, "PLATFORM_FEE_RATE"},
		{"zero concurrency", func(c *Config) { c.SweepConcurrency = 0 }, "SWEEP_CONCURRENCY"},
		{"zero lease", func(c *Config) { c.SettlementLease = 0 }, "SETTLEMENT_LEASE"},
		{"production without database", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"production without stripe", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
		}, "STRIPE_SECRET_KEY"},
		{"production short jwt", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.StripeSecretKey = "sk_live_x"
			c.StripeWebhookSecret = "whsec_x"
			c.JWTSecret = "short"
		}, "JWT_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://x"
			c.StripeSecretKey = "sk_live_x"
			c.StripeWebhookSecret = "whsec_x"
			c.JWTSecret = "0123456789abcdef0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
