// Package server wires the governance pipeline together and exposes the
// HTTP surface: intent submission, policy administration, audit queries,
// budget status, health, metrics, and the decision feed.
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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/payguard/payguard/internal/anomaly"
	"github.com/payguard/payguard/internal/audit"
	"github.com/payguard/payguard/internal/budget"
	"github.com/payguard/payguard/internal/circuitbreaker"
	"github.com/payguard/payguard/internal/config"
	"github.com/payguard/payguard/internal/governance"
	"github.com/payguard/payguard/internal/health"
	"github.com/payguard/payguard/internal/idempotency"
	"github.com/payguard/payguard/internal/identity"
	"github.com/payguard/payguard/internal/ingress"
	"github.com/payguard/payguard/internal/kv"
	"github.com/payguard/payguard/internal/logging"
	"github.com/payguard/payguard/internal/metrics"
	"github.com/payguard/payguard/internal/notify"
	"github.com/payguard/payguard/internal/payments"
	"github.com/payguard/payguard/internal/policy"
	"github.com/payguard/payguard/internal/ratelimit"
	"github.com/payguard/payguard/internal/realtime"
	"github.com/payguard/payguard/internal/reputation"
	"github.com/payguard/payguard/internal/security"
	"github.com/payguard/payguard/internal/validation"
)

// Server wraps the HTTP server and every pipeline dependency.
type Server struct {
	cfg      *config.Config
	engine   *governance.Engine
	policies policy.Store
	ledger   *budget.Ledger
	sink     *audit.Sink
	scorer   *anomaly.Scorer
	backend  payments.Actions
	poller   *ingress.Poller
	inflight *ingress.InFlight
	breaker  *circuitbreaker.Breaker
	hub      *realtime.Hub
	checks   *health.Registry

	db      *sql.DB
	rdb     *redis.Client
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithBackend injects a payment backend (for testing).
func WithBackend(b payments.Actions) Option {
	return func(s *Server) { s.backend = b }
}

// New assembles the full pipeline from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Durable store: policies and audit records.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", logging.MaskDSN(cfg.DatabaseURL))

	policyStore := policy.NewPostgresStore(db)
	if err := policyStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate policy store: %w", err)
	}
	s.policies = policyStore

	auditStore := audit.NewPostgresStore(db)
	if err := auditStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	s.sink = audit.NewSink(auditStore, cfg.AuditFallbackDir)

	// Fast key/value substrate: budgets, idempotency marks, caches.
	rdb, err := kv.Open(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s.rdb = rdb
	s.ledger = budget.NewLedger(rdb)

	// One breaker instance, keyed per upstream dependency.
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold,
		time.Duration(cfg.BreakerResetSeconds)*time.Second)

	evaluator := reputation.NewEvaluator(cfg.SafeBrowsingKey, cfg.SafeBrowsingURL, rdb, s.breaker)
	verifier := identity.NewVerifier(cfg.GLEIFURL, rdb, s.breaker)
	s.scorer = anomaly.NewScorer(anomaly.NewRedisHistory(rdb), 0)

	var limiter governance.RateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitMax,
			time.Duration(cfg.RateLimitWindowSeconds)*time.Second)
	}

	s.backend = s.paymentBackend()

	var notifier governance.Notifier
	transports := make([]governance.Notifier, 0, 2)
	if cfg.SlackWebhookURL != "" {
		transports = append(transports, notify.NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.NtfyTopic != "" {
		transports = append(transports, notify.NewNtfy(cfg.NtfyURL, cfg.NtfyTopic, cfg.NtfyToken))
	}
	if len(transports) > 0 {
		notifier = notify.NewMulti(transports...)
		s.logger.Info("held-payout notifications enabled", "transports", len(transports))
	} else {
		s.logger.Warn("no notification transport configured, held payouts will only be audited")
	}

	s.engine = &governance.Engine{
		Budget:   s.ledger,
		Idem:     idempotency.NewGate(rdb),
		Policies: s.policies,
		Rep:      evaluator,
		Identity: verifier,
		Anomaly:  s.scorer,
		Audit:    s.sink,
		Limiter:  limiter,
		Payments: s.backend,
		Notify:   notifier,
	}

	s.hub = realtime.NewHub(s.logger)
	s.inflight = ingress.NewInFlight(cfg.InFlightLimit)
	if cfg.AutoPoll {
		s.poller = ingress.NewPoller(s.backend, s.submitter(), s.inflight,
			time.Duration(cfg.PollInterval)*time.Second)
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// paymentBackend returns the injected backend or builds one from config.
func (s *Server) paymentBackend() payments.Actions {
	if s.backend != nil {
		return s.backend
	}
	if s.cfg.PaymentProvider == "stripe" {
		s.logger.Info("using stripe payment backend")
		return payments.NewStripeBackend(s.cfg.StripeAPIKey)
	}
	s.logger.Info("using rest payment backend", "base", s.cfg.PaymentAPIBase)
	return payments.NewRESTClient(s.cfg.PaymentAPIBase, s.cfg.PaymentKeyID,
		s.cfg.PaymentKeySecret, s.cfg.PaymentAccountNumber)
}

// submitter wraps the engine so every decision also reaches the feed.
func (s *Server) submitter() ingress.Submitter {
	return &feedSubmitter{engine: s.engine, hub: s.hub}
}

type feedSubmitter struct {
	engine *governance.Engine
	hub    *realtime.Hub
}

func (f *feedSubmitter) Evaluate(ctx context.Context, intent governance.Intent) (governance.Result, error) {
	res, err := f.engine.Evaluate(ctx, intent)
	if err == nil && f.hub != nil {
		f.hub.BroadcastDecision(intent, res)
	}
	return res, err
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("postgres", func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return health.Down("postgres", err.Error())
		}
		return health.OK("postgres")
	})
	s.checks.Register("redis", func(ctx context.Context) health.Status {
		if err := kv.Ping(ctx, s.rdb); err != nil {
			return health.Down("redis", err.Error())
		}
		return health.OK("redis")
	})
	s.checks.Register("safe_browsing", func(ctx context.Context) health.Status {
		if s.breaker.State("safebrowsing") == circuitbreaker.StateOpen {
			return health.Degraded("safe_browsing", "circuit open")
		}
		return health.OK("safe_browsing")
	})
	s.checks.Register("gleif", func(ctx context.Context) health.Status {
		if s.breaker.State("gleif") == circuitbreaker.StateOpen {
			return health.Degraded("gleif", "circuit open")
		}
		return health.OK("gleif")
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

	// Signed push ingress from the payment backend.
	ingress.NewWebhookHandler(s.submitter(), s.cfg.WebhookSecret, s.inflight).RegisterRoutes(s.router)

	// Decision feed for operator tooling.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.POST("/intents", s.submitIntent)
	v1.GET("/budget/:agent_id", s.budgetStatus)

	policy.NewHandler(s.policies).RegisterRoutes(v1)
	audit.NewHandler(s.sink).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// submitIntent handles POST /v1/intents: the synchronous admin/test surface
// that runs a full governance cycle on a caller-constructed intent.
func (s *Server) submitIntent(c *gin.Context) {
	var req struct {
		PayoutID    string            `json:"payout_id" binding:"required"`
		AgentID     string            `json:"agent_id" binding:"required"`
		Amount      int64             `json:"amount" binding:"required"`
		Currency    string            `json:"currency" binding:"required"`
		VendorName  string            `json:"vendor_name"`
		VendorURL   string            `json:"vendor_url"`
		Annotations map[string]string `json:"annotations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidAgentID(req.AgentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed agent id",
		})
		return
	}
	if err := validation.ValidateAmount(req.Amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidCurrency(req.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "currency must be a three-letter code",
		})
		return
	}

	if !s.inflight.TryAcquire() {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "overloaded",
			"message": "too many intents in flight",
		})
		return
	}
	defer s.inflight.Release()

	intent := governance.Intent{
		PayoutID:    req.PayoutID,
		AgentID:     req.AgentID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		VendorName:  validation.SanitizeString(req.VendorName, 256),
		VendorURL:   req.VendorURL,
		Annotations: req.Annotations,
		ReceivedAt:  time.Now().UTC(),
	}

	res, err := s.submitter().Evaluate(c.Request.Context(), intent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// budgetStatus handles GET /v1/budget/:agent_id.
func (s *Server) budgetStatus(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !validation.IsValidAgentID(agentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed agent id",
		})
		return
	}

	pol, err := s.policies.Get(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No policy configured for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	status, err := s.ledger.StatusFor(c.Request.Context(), agentID, pol.DailyCap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"budget": status})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	httpStatus := http.StatusOK
	overall := "healthy"
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":    overall,
		"checks":    statuses,
		"breakers":  s.breaker.Snapshots(),
		"feed":      s.hub.Stats(),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server plus background loops and blocks until a
// shutdown signal or a server error.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.poller != nil {
		s.poller.Start(runCtx)
	}
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

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

// Shutdown gracefully stops the server and its background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.poller != nil {
		s.poller.Stop()
		s.logger.Info("payout poller stopped")
	}

	if s.scorer != nil {
		s.scorer.Close()
		s.logger.Info("anomaly scorer stopped")
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
