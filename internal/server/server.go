// Package server wires the escrow engine together and serves its HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq"

	"github.com/mbd888/bountyescrow/internal/admin"
	"github.com/mbd888/bountyescrow/internal/auth"
	"github.com/mbd888/bountyescrow/internal/circuitbreaker"
	"github.com/mbd888/bountyescrow/internal/config"
	"github.com/mbd888/bountyescrow/internal/directory"
	"github.com/mbd888/bountyescrow/internal/escrow"
	"github.com/mbd888/bountyescrow/internal/health"
	"github.com/mbd888/bountyescrow/internal/logging"
	"github.com/mbd888/bountyescrow/internal/metrics"
	"github.com/mbd888/bountyescrow/internal/processor"
	"github.com/mbd888/bountyescrow/internal/ratelimit"
	"github.com/mbd888/bountyescrow/internal/realtime"
	"github.com/mbd888/bountyescrow/internal/reconciliation"
	"github.com/mbd888/bountyescrow/internal/retry"
	"github.com/mbd888/bountyescrow/internal/security"
	"github.com/mbd888/bountyescrow/internal/traces"
	"github.com/mbd888/bountyescrow/internal/validation"
	"github.com/mbd888/bountyescrow/internal/webhooks"
	"github.com/mbd888/bountyescrow/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// processorCallbackPrefix is where the processor posts signed events.
const processorCallbackPrefix = "/v1/webhooks/"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	db      *sql.DB

	gateway    processor.Gateway
	escrows    *escrow.Service
	directory  *directory.Service
	sweeper    *escrow.Sweeper
	reconciler *reconciliation.Reconciler
	pending    *reconciliation.PendingReconciler
	dispatcher *webhooks.Dispatcher
	subs       webhooks.Store
	endpoints  *security.EndpointPolicy
	hub        *realtime.Hub
	health     *health.Registry
	stale      admin.StaleLister
	circuits   func() []string

	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	healthy      atomic.Bool
	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the payment processor gateway (for testing)
func WithGateway(g processor.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
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
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.health = health.NewRegistry(2 * time.Second)

	if s.gateway == nil {
		s.gateway = s.newGateway()
	}
	if ig, ok := s.gateway.(*processor.Instrumented); ok {
		s.circuits = ig.OpenCircuits
		s.health.Register("processor", health.NoOpenCircuits(ig.OpenCircuits))
	}

	var (
		escrowStore    escrow.Store
		directoryStore directory.Store
		processed      reconciliation.ProcessedStore
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		escrowStore = escrow.NewPostgresStore(db)
		directoryStore = directory.NewPostgresStore(db)
		processed = reconciliation.NewPostgresProcessedStore(db)
		s.subs = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.DBPing(db))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		escrowStore = escrow.NewMemoryStore()
		directoryStore = directory.NewMemoryStore()
		processed = reconciliation.NewMemoryProcessedStore()
		s.subs = webhooks.NewMemoryStore()
	}

	s.directory = directory.NewService(directoryStore, s.gateway, s.logger).
		WithFrontendURL(cfg.FrontendURL)

	s.endpoints = security.NewEndpointPolicy(cfg.IsProduction())
	s.dispatcher = webhooks.NewDispatcher(s.subs, s.logger).WithEndpointPolicy(s.endpoints)
	s.hub = realtime.NewHub(s.logger, cfg.CORSOrigins...)

	s.escrows = escrow.NewService(escrowStore, s.directory, s.gateway, s.logger).
		WithFeeRate(cfg.PlatformFeeRate).
		WithSettlementLease(cfg.SettlementLease).
		// Every attempt may use the full processor timeout.
		WithSettleTimeout(time.Duration(retry.DefaultPolicy.MaxAttempts)*cfg.ProcessorTimeout+retry.DefaultPolicy.MaxDelay).
		WithDefaultCurrency(cfg.DefaultCurrency).
		WithHooks(escrow.MultiHooks{
			webhooks.NewEmitter(s.dispatcher, s.logger),
			s.hub,
		})

	s.sweeper = escrow.NewSweeper(s.escrows, escrowStore, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatch(cfg.SweepBatchSize, cfg.SweepConcurrency)

	s.stale = escrowStore
	s.reconciler = reconciliation.NewReconciler(s.escrows, s.directory, s.gateway, processed, s.logger)
	s.pending = reconciliation.NewPendingReconciler(escrowStore, s.escrows, s.logger).
		WithInterval(cfg.ReconcileInterval).
		WithStaleAfter(cfg.PendingStaleAfter)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newGateway picks the Stripe gateway when a secret key is configured and
// the in-process fake otherwise.
func (s *Server) newGateway() processor.Gateway {
	if s.cfg.StripeSecretKey == "" {
		fake := processor.NewFake(s.cfg.StripeWebhookSecret)
		fake.AutoSucceed = s.cfg.IsDevelopment()
		s.logger.Warn("STRIPE_SECRET_KEY not set, using fake payment processor",
			"auto_succeed", fake.AutoSucceed)
		return fake
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	stripe := processor.NewStripeGateway(processor.StripeConfig{
		SecretKey:     s.cfg.StripeSecretKey,
		WebhookSecret: s.cfg.StripeWebhookSecret,
		Timeout:       s.cfg.ProcessorTimeout,
	})
	return processor.Instrument(stripe, breaker, retry.DefaultPolicy, s.logger)
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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins, processorCallbackPrefix))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.SettleRateLimitRPM > 0 {
		rl.SettleRequestsPerMinute = s.cfg.SettleRateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)

	// Tokens are parsed for every /v1 call so the limiter can key by user.
	v1 := s.router.Group("/v1",
		auth.Middleware(auth.NewVerifier(s.cfg.JWTSecret)),
		s.rateLimiter.Middleware(),
	)

	// Processor callbacks authenticate by signature, not by bearer token.
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	escrowHandler := escrow.NewHandler(s.escrows).WithSweeper(s.sweeper)
	escrowHandler.RegisterProtectedRoutes(protected)
	directoryHandler := directory.NewHandler(s.directory)
	directoryHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.subs).
		WithEndpointPolicy(s.endpoints).
		RegisterRoutes(protected)
	s.hub.RegisterRoutes(protected)

	ops := v1.Group("/admin", auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(ops)
	directoryHandler.RegisterAdminRoutes(ops)
	s.hub.RegisterAdminRoutes(ops)
	admin.NewHandler(s.stale, s.escrows).
		WithPendingRunner(s.pending).
		WithCircuits(s.circuits).
		WithStaleAfter(s.cfg.PendingStaleAfter).
		RegisterRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
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

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Shutdown cancels this to stop background goroutines.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.pending.Start(runCtx)
	s.health.Register("sweeper", health.Running(s.sweeper.Running))
	s.health.Register("pending_reconciler", health.Running(s.pending.Running))

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.pending.Stop()
	s.logger.Info("background loops stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight hooks finish their webhook deliveries.
	s.escrows.WaitHooks()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
