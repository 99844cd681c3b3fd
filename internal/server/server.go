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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/carewatch/internal/circuitbreaker"
	"github.com/mbd888/carewatch/internal/config"
	"github.com/mbd888/carewatch/internal/health"
	"github.com/mbd888/carewatch/internal/logging"
	"github.com/mbd888/carewatch/internal/metrics"
	"github.com/mbd888/carewatch/internal/monitor"
	"github.com/mbd888/carewatch/internal/ratelimit"
	"github.com/mbd888/carewatch/internal/realtime"
	"github.com/mbd888/carewatch/internal/risk"
	"github.com/mbd888/carewatch/internal/webhooks"
	"github.com/mbd888/carewatch/migrations"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	rules        *risk.Rules
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if the settings cache is disabled
	service      *monitor.Service
	timer        *monitor.Timer
	realtimeHub  *realtime.Hub
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	limiter      *ratelimit.Limiter
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithRules sets the risk rules (defaults to risk.DefaultRules)
func WithRules(rules *risk.Rules) Option {
	return func(s *Server) {
		s.rules = rules
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(2 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var store monitor.Store
	var settings monitor.SettingsStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		pg := monitor.NewPostgresStore(db)
		store, settings = pg, pg
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.checks.Register("database", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := monitor.NewMemoryStore()
		store, settings = mem, mem
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// Alert-settings cache
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			// The cache degrades to the backing store, so keep going.
			s.logger.Warn("redis unreachable, settings cache will miss", "error", err)
		}
		settings = monitor.NewCachedSettingsStore(settings, s.redis, cfg.SettingsCacheTTL, s.logger).
			WithBreaker(circuitbreaker.New(5, 30*time.Second))
		s.checks.Register("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
		s.logger.Info("alert-settings cache enabled", "ttl", cfg.SettingsCacheTTL)
	}

	// Caregiver notifications: realtime feed and webhooks
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger).
		WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout})
	if cfg.WebhookAllowPrivate {
		s.webhooks.WithURLValidator(webhooks.AllowAnyURL)
		s.logger.Warn("webhook URLs may target private networks")
	}

	// Risk engine and alert policy
	if s.rules == nil {
		s.rules = risk.DefaultRules()
	}
	s.service = monitor.NewService(store, settings, monitor.Options{
		HistoryWindow:    cfg.HistoryWindow,
		ProfileLookback:  cfg.ProfileLookback,
		DefaultThreshold: cfg.DefaultAlertThreshold,
		Location:         cfg.Location,
	}, s.logger).
		WithRules(s.rules).
		WithNotifier(monitor.Notifiers{s.realtimeHub, s.webhooks})
	s.timer = monitor.NewTimer(s.service, cfg.ReprofileInterval, s.logger)

	if cfg.RateLimitRPM > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitRPM,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	monitor.NewHandler(s.service).RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.webhookStore, s.patientExists)
	if s.cfg.WebhookAllowPrivate {
		webhookHandler.WithURLValidator(webhooks.AllowAnyURL)
	}
	webhookHandler.RegisterRoutes(v1)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
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
	if ok, checks := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// patientExists adapts the monitor lookup to the webhook handler.
func (s *Server) patientExists(ctx context.Context, patientID string) error {
	_, err := s.service.GetPatient(ctx, patientID)
	if errors.Is(err, monitor.ErrPatientNotFound) {
		return webhooks.ErrUnknownPatient
	}
	return err
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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

	go s.realtimeHub.Run(runCtx)
	go s.timer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Stops the hub and the re-profiling timer
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	// Let in-flight webhook deliveries record their outcome before the
	// stores close.
	delivered := make(chan struct{})
	go func() {
		s.webhooks.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-ctx.Done():
		s.logger.Warn("webhook deliveries still pending at shutdown")
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStores() {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the monitoring service
func (s *Server) Service() *monitor.Service {
	return s.service
}
