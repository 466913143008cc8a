// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/voicedesk/voicedesk/internal/admin"
	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/billing"
	"github.com/voicedesk/voicedesk/internal/circuitbreaker"
	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/config"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/health"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/notify"
	"github.com/voicedesk/voicedesk/internal/ratelimit"
	"github.com/voicedesk/voicedesk/internal/realtime"
	"github.com/voicedesk/voicedesk/internal/scheduler"
	"github.com/voicedesk/voicedesk/internal/security"
	"github.com/voicedesk/voicedesk/internal/subscription"
	"github.com/voicedesk/voicedesk/internal/traces"
	"github.com/voicedesk/voicedesk/internal/usage"
	"github.com/voicedesk/voicedesk/internal/user"
	"github.com/voicedesk/voicedesk/internal/validation"
	"github.com/voicedesk/voicedesk/internal/vault"
	"github.com/voicedesk/voicedesk/internal/webhooks"
	"github.com/voicedesk/voicedesk/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// TokenTTL is the lifetime of issued user and client tokens.
const TokenTTL = 24 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	router *gin.Engine
	logger *slog.Logger

	issuer        *auth.Issuer
	users         *user.Service
	agents        *agent.Service
	clients       *client.Service
	jobs          *scheduler.Service
	runner        *scheduler.Runner
	subscriptions *subscription.Service
	usage         *usage.Service
	webhooks      *webhooks.Service
	dispatcher    *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	billing       *billing.Service
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry

	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	v, err := vault.NewFromHex(cfg.VaultMasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init vault: %w", err)
	}
	s.issuer = auth.NewIssuer(cfg.JWTSecret, TokenTTL)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		userStore    user.Store
		agentStore   agent.Store
		clientStore  client.Store
		jobStore     scheduler.Store
		usageStore   usage.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		userStore = user.NewPostgresStore(db)
		agentStore = agent.NewPostgresStore(db)
		clientStore = client.NewPostgresStore(db)
		jobStore = scheduler.NewPostgresStore(db)
		usageStore = usage.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		userStore = user.NewMemoryStore()
		agentStore = agent.NewMemoryStore()
		clientStore = client.NewMemoryStore()
		jobStore = scheduler.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	// Event fan-out: webhooks and the realtime stream see the same events
	urlPolicy := security.URLPolicy{AllowPrivate: cfg.IsDevelopment()}
	s.dispatcher = webhooks.NewDispatcher(webhookStore, urlPolicy)
	s.webhooks = webhooks.NewService(webhookStore, urlPolicy)
	s.realtimeHub = realtime.NewHub(s.logger)
	publisher := events.Fanout{webhooks.NewEmitter(s.dispatcher, s.logger), s.realtimeHub}

	s.users = user.NewService(userStore, s.issuer, v)
	s.agents = agent.NewService(agentStore)
	s.clients = client.NewService(clientStore, s.agents, s.issuer)
	s.agents.WithUnassigner(s.clients)

	s.jobs = scheduler.NewService(jobStore)
	s.subscriptions = subscription.NewService(clientStore, s.jobs).
		WithEvents(publisher).
		WithMailer(s.mailer())
	s.clients.WithJobCanceller(s.subscriptions)

	s.runner = scheduler.NewRunner(jobStore, cfg.SchedulerPollInterval, s.logger)
	s.runner.Handle(scheduler.KindCreditReset, s.subscriptions.HandleResetJob)

	markup, err := decimal.NewFromString(cfg.DeductionMarkup)
	if err != nil {
		return nil, fmt.Errorf("invalid deduction markup: %w", err)
	}
	usageSvc, err := usage.NewService(usageStore, clientStore, s.agents, usage.Options{
		Markup: markup,
		Policy: cfg.NegativeBalancePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init usage: %w", err)
	}
	s.usage = usageSvc.WithEvents(publisher)

	if cfg.StripeWebhookSecret != "" {
		s.billing = billing.NewService(s.subscriptions, cfg.StripeWebhookSecret, s.logger)
		s.logger.Info("stripe billing webhooks enabled")
	}

	s.health = health.NewRegistry(5 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.DatabaseChecker(s.db))
	}
	s.health.Register("scheduler", health.LoopChecker("scheduler", s.runner, 4*cfg.SchedulerPollInterval))
	s.health.Register("realtime", hubChecker(s.realtimeHub))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// mailer returns the SMTP mailer behind a breaker, or a logging mailer when
// SMTP is not configured.
func (s *Server) mailer() notify.Mailer {
	if !s.cfg.SMTPEnabled() {
		return notify.LogMailer{Logger: s.logger}
	}
	s.logger.Info("smtp notifications enabled", "host", s.cfg.SMTPHost)
	return notify.NewGuarded(notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     s.cfg.SMTPHost,
		Port:     s.cfg.SMTPPort,
		Username: s.cfg.SMTPUsername,
		Password: s.cfg.SMTPPassword,
		From:     s.cfg.SMTPFrom,
	}), circuitbreaker.New("smtp", 5, time.Minute))
}

func hubChecker(h *realtime.Hub) health.Checker {
	return func(context.Context) health.Status {
		if !h.Running() {
			return health.Status{Name: "realtime", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "realtime", Healthy: true}
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
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RPS = float64(s.cfg.RateLimitRPS)
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.Burst = s.cfg.RateLimitBurst
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, gateway) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

	authMW := auth.Middleware(s.issuer, s.cfg.AdminSecret)

	// Realtime stream, scoped to the caller
	s.router.GET("/ws", authMW, auth.RequireAuth(), s.realtimeHub.ServeWS)

	v1 := s.router.Group("/v1")
	v1.Use(authMW)

	userHandler := user.NewHandler(s.users)
	clientHandler := client.NewHandler(s.clients)
	subHandler := subscription.NewHandler(s.subscriptions, s.clients)
	usageHandler := usage.NewHandler(s.usage, s.agents, s.clients)

	// Public
	userHandler.RegisterPublicRoutes(v1)
	clientHandler.RegisterPublicRoutes(v1)
	subHandler.RegisterPublicRoutes(v1)
	if s.billing != nil {
		billing.NewHandler(s.billing).RegisterRoutes(v1)
	}

	// Account owners (admins pass every role check)
	owner := v1.Group("")
	owner.Use(auth.RequireRole(auth.RoleUser))
	userHandler.RegisterProtectedRoutes(owner)
	agent.NewHandler(s.agents).RegisterRoutes(owner)
	clientHandler.RegisterOwnerRoutes(owner)
	subHandler.RegisterOwnerRoutes(owner)
	usageHandler.RegisterOwnerRoutes(owner)
	webhooks.NewHandler(s.webhooks).RegisterRoutes(owner)

	// Client dashboard
	clientGroup := v1.Group("")
	clientGroup.Use(auth.RequireRole(auth.RoleClient))
	clientHandler.RegisterClientRoutes(clientGroup)
	subHandler.RegisterClientRoutes(clientGroup)
	usageHandler.RegisterClientRoutes(clientGroup)

	// Operator
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireRole(auth.RoleAdmin))
	subHandler.RegisterAdminRoutes(v1.Group("/admin", auth.RequireRole(auth.RoleAdmin)))
	admin.NewHandler().
		WithJobLister(s.subscriptions).
		WithSchedulerRunner(s.runner).
		WithRealtimeStats(s.realtimeHub).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// Start launches the background loops (realtime hub, scheduler runner,
// database stats) on ctx. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.runner.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Run serves HTTP until a signal arrives, ctx is cancelled or the listener
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(runCtx)

	// Mark as ready after brief delay for startup
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

	// Stops the hub (closing websockets) and the stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.runner.Stop()
	s.logger.Info("scheduler stopped")

	s.dispatcher.Wait()
	s.logger.Info("webhook deliveries drained")

	s.rateLimiter.Stop()

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
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
