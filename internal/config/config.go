// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply embedded goose migrations at startup

	// Payment processor
	StripeSecretKey     string // Empty means the in-process fake gateway (development only)
	StripeWebhookSecret string
	ProcessorTimeout    time.Duration
	FrontendURL         string // Base for payout onboarding return/refresh links

	// Escrow policy
	PlatformFeeRate  decimal.Decimal
	DefaultCurrency  string
	SettlementLease  time.Duration // How long a release/refund claim blocks competitors
	SweepInterval    time.Duration
	SweepBatchSize   int
	SweepConcurrency int

	// Pending hold reconciliation
	ReconcileInterval time.Duration
	PendingStaleAfter time.Duration

	// Security
	JWTSecret          string
	RateLimitRPM       int
	SettleRateLimitRPM int
	CORSOrigins        []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultPlatformFeeRate   = "0.05"
	DefaultCurrency          = "USD"
	DefaultSettlementLease   = 2 * time.Minute
	DefaultSweepInterval     = time.Hour
	DefaultSweepBatchSize    = 200
	DefaultSweepConcurrency  = 4
	DefaultReconcileInterval = 5 * time.Minute
	DefaultPendingStaleAfter = 30 * time.Minute
	DefaultProcessorTimeout  = 20 * time.Second
	DefaultFrontendURL       = "http://localhost:3000"
	DefaultRateLimit         = 120
	DefaultSettleRateLimit   = 12
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		FrontendURL:         strings.TrimRight(getEnv("FRONTEND_URL", DefaultFrontendURL), "/"),
		PlatformFeeRate:     feeRate,
		DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		SettlementLease:     getEnvDuration("SETTLEMENT_LEASE", DefaultSettlementLease),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:      int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SweepConcurrency:    int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		PendingStaleAfter:   getEnvDuration("PENDING_STALE_AFTER", DefaultPendingStaleAfter),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		SettleRateLimitRPM:  int(getEnvInt64("SETTLE_RATE_LIMIT_RPM", DefaultSettleRateLimit)),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", c.PlatformFeeRate)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}
	if c.SettlementLease <= 0 {
		return fmt.Errorf("SETTLEMENT_LEASE must be positive")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
