// Package server wires the stores, services, and HTTP routes together.
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mwalcott/unibazaar/internal/admin"
	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/config"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/exchange"
	"github.com/mwalcott/unibazaar/internal/health"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/ratelimit"
	"github.com/mwalcott/unibazaar/internal/recovery"
	"github.com/mwalcott/unibazaar/internal/security"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	authMgr     *auth.Manager
	userStore   users.Store
	admins      auth.AdminPolicy
	coordinator *exchange.Coordinator
	sweeper     *recovery.Sweeper
	sweepTimer  *recovery.Timer
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		auditLog     audit.Logger
		authStore    auth.Store
		listingStore listing.Store
		disputeStore dispute.Store
		requestStore exchange.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		auditLog = audit.NewPostgresLogger(db)
		s.userStore = users.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		listingStore = listing.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		requestStore = exchange.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		memLog := audit.NewMemoryLogger()
		memUsers := users.NewMemoryStore()
		memDisputes := dispute.NewMemoryStore(memLog)

		auditLog = memLog
		s.userStore = memUsers
		authStore = auth.NewMemoryStore()
		listingStore = listing.NewMemoryStore(memLog)
		disputeStore = memDisputes
		requestStore = exchange.NewMemoryStore(memLog, memUsers, memDisputes)
	}

	s.authMgr = auth.NewManager(authStore)
	s.admins = auth.NewRolePolicy(s.userStore)

	// Trust engine over live store counts.
	activity := &activitySource{
		listings: listingStore,
		requests: requestStore,
		disputes: disputeStore,
	}
	policy, fraudPolicy, restrictionPolicy := trustPolicies(cfg)
	trustSvc := trust.NewService(s.userStore, activity, policy, fraudPolicy, restrictionPolicy)

	listingSvc := listing.NewService(listingStore, trustSvc, trustSvc, s.admins)
	s.coordinator = exchange.NewCoordinator(requestStore, listingSvc, trustSvc, s.admins,
		cfg.LockWaitTimeout, cfg.IdempotencyTTL)

	disputeSvc := dispute.NewService(disputeStore, s.userStore, trustSvc, s.admins)
	disputeSvc.SetResolver(s.coordinator)

	userSvc := users.NewService(s.userStore, &credentialIssuer{
		mgr: s.authMgr,
		ttl: cfg.CredentialExpiry,
	}, s.admins, auditLog)

	adminSvc := admin.NewService(s.userStore, listingStore, requestStore, disputeStore, trustSvc, auditLog)

	s.sweeper = recovery.NewSweeper(s.coordinator, requestStore, listingSvc, listingStore,
		s.authMgr, cfg.RequestTTL, cfg.ListingExpiry)
	s.sweepTimer = recovery.NewTimer(s.sweeper, cfg.SweepInterval)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(userSvc, listingSvc, disputeSvc, trustSvc, adminSvc)

	s.healthy.Store(true)

	return s, nil
}

// credentialIssuer adapts the auth manager to the shape user registration
// needs. The APIKey row stays an auth concern; registration only sees the
// raw key.
type credentialIssuer struct {
	mgr *auth.Manager
	ttl time.Duration
}

func (ci *credentialIssuer) Issue(ctx context.Context, userID string, role users.Role, name string) (string, error) {
	rawKey, _, err := ci.mgr.IssueKey(ctx, userID, role, name, ci.ttl)
	return rawKey, err
}

func trustPolicies(cfg *config.Config) (trust.Policy, trust.FraudPolicy, trust.RestrictionPolicy) {
	p := trust.Policy{
		Baseline:               cfg.TrustBaseline,
		CompletedWeight:        cfg.TrustCompletedWeight,
		AgeWeight:              cfg.TrustAgeWeight,
		CancelPenalty:          cfg.TrustCancelPenalty,
		DisputePenalty:         cfg.TrustDisputePenalty,
		FlagPenalty:            cfg.TrustFlagPenalty,
		TrustedScore:           cfg.TrustTrustedScore,
		WatchedScore:           cfg.TrustWatchedScore,
		RestrictedScore:        cfg.TrustRestrictedScore,
		MinCompletedForTrusted: cfg.TrustMinCompleted,
	}
	fp := trust.FraudPolicy{
		YoungAccountDays:   cfg.FraudYoungAccountDays,
		BurstListings:      cfg.FraudBurstListings,
		BurstCancellations: cfg.FraudBurstCancellations,
		RepeatDisputes:     cfg.FraudRepeatDisputes,
	}
	rp := trust.RestrictionPolicy{
		DisputeLimit: cfg.RestrictionDisputeLimit,
	}
	return p, fp, rp
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (campus deployments front this with their own gateway)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// actorContextMiddleware copies the authenticated actor into the request
// context so audit entries written by the services pick it up. Runs after
// the auth middleware on the v1 group.
func actorContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := auth.ActorID(c); actor != "" {
			ctx := audit.WithActor(c.Request.Context(), actor, auth.ActorRole(c))
			c.Request = c.Request.WithContext(ctx)
		}
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

		// Log level based on status code
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

func (s *Server) setupRoutes(
	userSvc *users.Service,
	listingSvc *listing.Service,
	disputeSvc *dispute.Service,
	trustSvc *trust.Service,
	adminSvc *admin.Service,
) {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	userHandlers := users.NewHandlers(userSvc, auth.ActorID)
	listingHandlers := listing.NewHandlers(listingSvc)
	exchangeHandlers := exchange.NewHandlers(s.coordinator)
	disputeHandlers := dispute.NewHandlers(disputeSvc)
	trustHandlers := trust.NewHandlers(trustSvc, s.admins)
	adminHandlers := admin.NewHandlers(adminSvc, s.sweeper)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr, s.userStore, s.cfg.AdminSecret), actorContextMiddleware())

	// REGISTRATION (public but returns API key)
	userHandlers.RegisterPublicRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		userHandlers.RegisterRoutes(protected)
		listingHandlers.RegisterRoutes(protected)
		exchangeHandlers.RegisterRoutes(protected)
		disputeHandlers.RegisterRoutes(protected)
		trustHandlers.RegisterRoutes(protected)
	}

	// ADMIN ROUTES (role check or X-Admin-Secret)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAuth(), auth.RequireAdmin(s.admins))
	{
		userHandlers.RegisterAdminRoutes(adminGroup)
		disputeHandlers.RegisterAdminRoutes(adminGroup)
		adminHandlers.RegisterRoutes(adminGroup)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	if healthy, _ := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal, a server error,
// or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracesShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without it", "error", err)
	} else {
		s.tracesShutdown = tracesShutdown
	}

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

	// Periodic recovery sweep
	s.sweepTimer.Start(runCtx)

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.logger.Info("recovery timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sweeper exposes the recovery sweeper for the one-shot sweep command.
func (s *Server) Sweeper() *recovery.Sweeper {
	return s.sweeper
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
