// Package server wires the webhook delivery engine and developer tunnel
// relay behind one gin HTTP process.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/hookrelay/internal/auth"
	"github.com/mbd888/hookrelay/internal/circuitbreaker"
	"github.com/mbd888/hookrelay/internal/config"
	"github.com/mbd888/hookrelay/internal/cryptutil"
	"github.com/mbd888/hookrelay/internal/delivery"
	"github.com/mbd888/hookrelay/internal/health"
	"github.com/mbd888/hookrelay/internal/idgen"
	"github.com/mbd888/hookrelay/internal/logging"
	"github.com/mbd888/hookrelay/internal/metrics"
	"github.com/mbd888/hookrelay/internal/pagination"
	"github.com/mbd888/hookrelay/internal/ratelimit"
	"github.com/mbd888/hookrelay/internal/relay"
	"github.com/mbd888/hookrelay/internal/retry"
	"github.com/mbd888/hookrelay/internal/security"
	"github.com/mbd888/hookrelay/internal/traces"
	"github.com/mbd888/hookrelay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	authMgr *auth.Manager

	// Webhook delivery engine
	deliveryIngester  *delivery.Ingester
	deliveryPool      *delivery.WorkerPool
	deliveryHealth    *delivery.HealthMonitor
	deliverySubs      subscriptionWriter
	deliveryHistory   delivery.AttemptHistory
	deliveryResponses delivery.ResponseStore

	// Developer tunnel relay
	relayHub     *relay.Hub
	relayIngress *relay.Ingress
	relayCleanup *relayCleanupTimer

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize distributed tracing (no-op if endpoint not configured)
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		// The database is often not yet accepting connections when the process
		// starts (container orchestration brings them up concurrently), so
		// retry the initial ping a few times before giving up.
		pingErr := retry.Do(ctx, 5, 200*time.Millisecond, func() error {
			return db.Ping()
		})
		if pingErr != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", pingErr)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	if err := s.setupDelivery(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to set up delivery engine: %w", err)
	}
	s.setupRelay(cfg)
	s.setupHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// -----------------------------------------------------------------------------
// Webhook delivery engine
// -----------------------------------------------------------------------------

// subscriptionWriter is the narrow interface the subscription-management API
// needs on top of delivery.SubscriptionStore: a way to persist a new or
// updated subscription regardless of whether the backing store is Postgres
// or in-memory (their concrete Put signatures differ).
type subscriptionWriter interface {
	PutSubscription(ctx context.Context, sub *delivery.Subscription) error
}

type pgSubscriptionWriter struct{ store *delivery.PostgresSubscriptionStore }

func (w *pgSubscriptionWriter) PutSubscription(ctx context.Context, sub *delivery.Subscription) error {
	return w.store.Put(ctx, sub)
}

type memSubscriptionWriter struct{ store *delivery.MemorySubscriptionStore }

func (w *memSubscriptionWriter) PutSubscription(ctx context.Context, sub *delivery.Subscription) error {
	w.store.Put(sub)
	return nil
}

// setupDelivery wires the attempt queue, authenticator, worker pool, and
// health monitor, using Postgres-backed stores when s.db is set and
// in-memory stores otherwise.
func (s *Server) setupDelivery(ctx context.Context, cfg *config.Config) error {
	var (
		subs       delivery.SubscriptionStore
		events     delivery.EventStore
		responses  delivery.ResponseStore
		notifs     delivery.NotificationStore
		tokenCache delivery.TokenCacheStore
		authAudit  delivery.AuditSink
		queue      delivery.AttemptQueue
	)

	if s.db != nil {
		var enc *cryptutil.StorageEncryption
		switch {
		case cfg.DeliveryStorageKey != "":
			key, err := hex.DecodeString(cfg.DeliveryStorageKey)
			if err != nil {
				return fmt.Errorf("invalid DELIVERY_STORAGE_KEY: %w", err)
			}
			enc, err = cryptutil.NewStorageEncryption(key)
			if err != nil {
				return fmt.Errorf("invalid DELIVERY_STORAGE_KEY: %w", err)
			}
		default:
			// Subscription secrets and cached OAuth2 tokens are always
			// sealed at rest; without a configured key, fall back to a
			// key generated for this process's lifetime only.
			key := make([]byte, cryptutil.KeySize)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("failed to generate delivery storage key: %w", err)
			}
			enc, _ = cryptutil.NewStorageEncryption(key)
			s.logger.Warn("DELIVERY_STORAGE_KEY not set; using an ephemeral key, cached OAuth2 tokens will not survive a restart")
		}

		pgSubs := delivery.NewPostgresSubscriptionStore(s.db, enc)
		if err := pgSubs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery subscription store: %w", err)
		}
		subs = pgSubs
		s.deliverySubs = &pgSubscriptionWriter{store: pgSubs}

		pgEvents := delivery.NewPostgresEventStore(s.db)
		if err := pgEvents.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery event store: %w", err)
		}
		events = pgEvents

		pgResponses := delivery.NewPostgresResponseStore(s.db)
		if err := pgResponses.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery response store: %w", err)
		}
		responses = pgResponses

		pgNotifs := delivery.NewPostgresNotificationStore(s.db)
		if err := pgNotifs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery notification store: %w", err)
		}
		notifs = pgNotifs

		pgTokens := delivery.NewPostgresTokenCacheStore(s.db, enc)
		if err := pgTokens.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery token cache store: %w", err)
		}
		tokenCache = pgTokens

		pgAudit := delivery.NewPostgresAuditSink(s.db)
		if err := pgAudit.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery audit sink: %w", err)
		}
		authAudit = pgAudit

		pgQueue := delivery.NewPostgresAttemptQueue(s.db)
		if err := pgQueue.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate delivery attempt queue: %w", err)
		}
		queue = pgQueue
		s.logger.Info("webhook delivery engine enabled (postgres)")
	} else {
		memSubs := delivery.NewMemorySubscriptionStore()
		subs = memSubs
		s.deliverySubs = &memSubscriptionWriter{store: memSubs}
		events = delivery.NewMemoryEventStore()
		responses = delivery.NewMemoryResponseStore()
		notifs = delivery.NewMemoryNotificationStore()
		tokenCache = delivery.NewMemoryTokenCacheStore()
		authAudit = delivery.NewMemoryAuditSink()
		queue = delivery.NewMemoryAttemptQueue(memSubs)
		s.logger.Info("webhook delivery engine enabled (in-memory)")
	}

	authenticator := delivery.NewAuthenticator(tokenCache, authAudit, s.logger, nil)
	s.deliveryIngester = delivery.NewIngester(events, subs, queue)

	breaker := circuitbreaker.New(5, time.Minute)

	units := make([]*delivery.WorkerUnit, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		wcfg := delivery.DefaultWorkerUnitConfig(
			fmt.Sprintf("worker-%d", i), "1", delivery.WorkerScope{},
		)
		units = append(units, delivery.NewWorkerUnit(i, wcfg, queue, subs, events, authenticator, nil, nil, breaker, s.logger))
	}
	s.deliveryPool = delivery.NewWorkerPool(units)

	s.deliveryHealth = delivery.NewHealthMonitor(
		delivery.DefaultHealthMonitorConfig(),
		subs,
		notifs,
		&noopNotifier{},
		nil,
		nil,
		s.logger,
	)

	s.deliveryHistory, _ = queue.(delivery.AttemptHistory)
	s.deliveryResponses = responses
	return nil
}

// noopNotifier discards health-monitor notifications until a real mailer is
// wired in; delivery still proceeds and endpoint disable/recover state
// still transitions correctly without one.
type noopNotifier struct{}

func (noopNotifier) NotifyWarning(ctx context.Context, sub *delivery.Subscription) error   { return nil }
func (noopNotifier) NotifyDisabled(ctx context.Context, sub *delivery.Subscription) error  { return nil }
func (noopNotifier) NotifyRecovered(ctx context.Context, sub *delivery.Subscription) error { return nil }

// -----------------------------------------------------------------------------
// Developer tunnel relay
// -----------------------------------------------------------------------------

// relayCleanupTimer periodically sweeps expired buffered requests out of
// the relay store.
type relayCleanupTimer struct {
	store    relay.Store
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
}

func (t *relayCleanupTimer) Running() bool { return t.running.Load() }

func (t *relayCleanupTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.store.CleanupExpired(ctx)
			if err != nil {
				t.logger.Warn("relay store cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				t.logger.Info("relay store cleanup", "expired", n)
			}
		}
	}
}

// setupRelay wires the buffered-request store, rate limiters, connection
// accounting, blocklist, and WebSocket hub behind the public
// `/in/:token/*path` ingress.
func (s *Server) setupRelay(cfg *config.Config) {
	var enc *cryptutil.StorageEncryption
	if cfg.RelayStorageKey != "" {
		key, err := hex.DecodeString(cfg.RelayStorageKey)
		if err != nil {
			s.logger.Warn("invalid RELAY_STORAGE_KEY, buffered bodies will not be encrypted at rest", "error", err)
		} else if e, err := cryptutil.NewStorageEncryption(key); err != nil {
			s.logger.Warn("failed to initialize relay storage encryption", "error", err)
		} else {
			enc = e
		}
	}

	store := relay.NewMemoryStore(relay.DefaultStoreConfig(), enc, relay.NopAuditSink{})
	s.relayCleanup = &relayCleanupTimer{store: store, interval: 5 * time.Minute, logger: s.logger}

	conns := relay.NewConnAccounting(relay.ConnConfig{PerIPCap: 5, GlobalCap: 10000})
	s.relayHub = relay.NewHub(relay.HubConfig{
		Store:    store,
		Conns:    conns,
		Timeouts: relay.DefaultTimeoutConfig(),
		BaseURL:  cfg.RelayBaseURL,
		Audit:    relay.NopAuditSink{},
		Logger:   s.logger,
	})

	limiters := relay.NewLimiters(relay.GuardrailConfig{
		Global: relay.BucketConfig{Burst: 2000, ReplenishPeriod: time.Second},
		IP:     relay.BucketConfig{Burst: 50, ReplenishPeriod: time.Second},
		Token:  relay.BucketConfig{Burst: 100, ReplenishPeriod: time.Second},
	})
	blocklist := relay.NewBlocklist(relay.BlocklistConfig{Threshold: 10, Window: time.Minute, Block: 15 * time.Minute})
	sanitizer := relay.NewHeaderSanitizer(relay.HeaderSanitizerConfig{MaxHeaders: 100, MaxHeaderValue: 8192})

	s.relayIngress = relay.NewIngress(relay.IngressDeps{
		Config:    relay.DefaultIngressConfig(),
		Hub:       s.relayHub,
		Store:     store,
		Limiters:  limiters,
		Blocklist: blocklist,
		Sanitizer: sanitizer,
		BaseURL:   cfg.RelayBaseURL,
	})

	s.logger.Info("developer tunnel relay enabled")
}

// setupHealthChecks registers one checker per subsystem the process owns,
// so /health can report per-subsystem detail instead of a single boolean.
func (s *Server) setupHealthChecks() {
	reg := health.NewRegistry()

	if s.db != nil {
		reg.Register("database", func(ctx context.Context) health.Status {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(pingCtx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if s.deliveryPool != nil {
		reg.Register("delivery_workers", func(ctx context.Context) health.Status {
			return health.Status{Name: "delivery_workers", Healthy: true}
		})
	}

	if s.relayHub != nil {
		reg.Register("relay", func(ctx context.Context) health.Status {
			return health.Status{Name: "relay", Healthy: true}
		})
	}

	s.healthReg = reg
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
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
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

	s.router.GET("/", s.infoHandler)
	s.router.GET("/docs", s.docsRedirectHandler)

	v1 := s.router.Group("/v1")

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// Application bootstrap: issue the first API key for an application.
	// Subsequent keys are minted through the protected /v1/auth/keys routes.
	v1.POST("/applications/:applicationId/keys", s.bootstrapKeyHandler)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentApplication)

		// Webhook delivery: event ingestion and subscription management
		protected.POST("/events", s.ingestEventHandler)
		protected.POST("/subscriptions", s.createSubscriptionHandler)
		protected.GET("/subscriptions/:subscriptionId/attempts", s.listAttemptsHandler)
		protected.GET("/responses/:responseId", s.getResponseHandler)
	}

	// Admin-only operational endpoints
	admin := s.router.Group("/admin")
	admin.Use(auth.RequireAdmin())
	{
		admin.POST("/delivery/health-pass", s.runHealthPassHandler)
	}

	s.setupRelayRoutes()
}

// setupRelayRoutes registers the public ingress, the WebSocket session
// endpoint, and the buffered-request view API for the developer tunnel.
func (s *Server) setupRelayRoutes() {
	s.router.Any("/in/:token/*path", func(c *gin.Context) {
		s.relayIngress.ServeHTTP(c.Writer, c.Request, c.Param("token"), c.Param("path"))
	})

	s.router.GET("/relay/ws", func(c *gin.Context) {
		s.relayHub.HandleWebSocket(c.Writer, c.Request, c.ClientIP())
	})
}

func (s *Server) ingestEventHandler(c *gin.Context) {
	var body struct {
		ApplicationID string            `json:"application_id" binding:"required"`
		Type          string            `json:"type" binding:"required"`
		Payload       json.RawMessage   `json:"payload" binding:"required"`
		ContentType   string            `json:"content_type"`
		Labels        map[string]string `json:"labels"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if appID := auth.GetAuthenticatedApplication(c); appID != "" && appID != body.ApplicationID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "application_id does not match the authenticated key"})
		return
	}

	contentType := body.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	ev := &delivery.Event{
		ApplicationID: body.ApplicationID,
		Type:          body.Type,
		Payload:       body.Payload,
		ContentType:   contentType,
		OccurredAt:    time.Now(),
	}

	attempts, err := s.deliveryIngester.Ingest(c.Request.Context(), ev, body.Labels)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"event_id": ev.ID, "attempts_enqueued": len(attempts)})
}

// createSubscriptionHandler registers where and how matching events for the
// authenticated application should be delivered.
func (s *Server) createSubscriptionHandler(c *gin.Context) {
	var body struct {
		TargetURL     string            `json:"target_url" binding:"required"`
		TargetMethod  string            `json:"target_method"`
		TargetHeaders map[string]string `json:"target_headers"`
		EventTypes    []string          `json:"event_types"`
		Labels        map[string]string `json:"labels"`
		FIFO          bool              `json:"fifo"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	errs := validation.Validate(
		validation.Required("target_url", body.TargetURL),
		validation.ValidTargetURL("target_url", body.TargetURL),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
		return
	}

	if err := security.ValidateEndpointURL(body.TargetURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target", "message": err.Error()})
		return
	}

	appID := auth.GetAuthenticatedApplication(c)

	method := body.TargetMethod
	if method == "" {
		method = http.MethodPost
	}

	sub := &delivery.Subscription{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		TargetMethod:  method,
		TargetURL:     body.TargetURL,
		TargetHeaders: body.TargetHeaders,
		EventTypes:    body.EventTypes,
		Labels:        body.Labels,
		Enabled:       true,
		FIFO:          body.FIFO,
		Secret:        uuid.NewString(),
		CreatedAt:     time.Now(),
	}

	if err := s.deliverySubs.PutSubscription(c.Request.Context(), sub); err != nil {
		s.logger.Error("failed to create subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": sub.ID, "secret": sub.Secret})
}

// listAttemptsHandler returns a page of delivery attempts for a
// subscription, newest first, using an opaque cursor over (created_at, id).
func (s *Server) listAttemptsHandler(c *gin.Context) {
	if s.deliveryHistory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "delivery history is not configured"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	attempts, err := s.deliveryHistory.ListAttempts(c.Request.Context(), c.Param("subscriptionId"), cur, limit+1)
	if err != nil {
		s.logger.Error("failed to list delivery attempts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list attempts"})
		return
	}

	page, nextCursor, hasMore := pagination.ComputePage(attempts, limit, func(a *delivery.Attempt) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"attempts":    page,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// getResponseHandler returns the recorded target response for one delivery
// attempt, including the non-2xx body captured for debugging.
func (s *Server) getResponseHandler(c *gin.Context) {
	if s.deliveryResponses == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "response store is not configured"})
		return
	}

	resp, err := s.deliveryResponses.Get(c.Request.Context(), c.Param("responseId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "response not found"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) runHealthPassHandler(c *gin.Context) {
	if err := s.deliveryHealth.Pass(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health_pass_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bootstrapKeyHandler mints the first API key for an application. It is
// intentionally unauthenticated (there is no existing key to present yet)
// but still requires the caller to name the application explicitly.
func (s *Server) bootstrapKeyHandler(c *gin.Context) {
	applicationID := c.Param("applicationId")
	if !validation.IsValidApplicationID(applicationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_application_id"})
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	_ = c.ShouldBindJSON(&body)
	name := validation.SanitizeString(body.Name, 200)
	if name == "" {
		name = "default"
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), applicationID, name)
	if err != nil {
		s.logger.Error("failed to generate bootstrap API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to generate key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"applicationId": applicationID,
		"apiKey":        rawKey,
		"keyId":         key.ID,
		"warning":       "Store this API key securely. It will not be shown again.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	if s.healthReg != nil {
		healthy, statuses := s.healthReg.CheckAll(c.Request.Context())
		allHealthy = healthy
		for _, st := range statuses {
			if st.Healthy {
				checks[st.Name] = "healthy"
			} else {
				checks[st.Name] = "unhealthy"
			}
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

	checks := make(map[string]string)
	allOK := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			allOK = false
		} else {
			checks["database"] = "healthy"
		}
	}

	checks["relay_cleanup"] = timerStatus(s.relayCleanup)
	checks["delivery_health_monitor"] = timerStatus(s.deliveryHealth)

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

type runnable interface{ Running() bool }

func timerStatus(t interface{}) string {
	if t == nil {
		return "not_configured"
	}
	if tr, ok := t.(runnable); ok {
		if tr.Running() {
			return "running"
		}
		return "stopped"
	}
	return "unknown"
}

func (s *Server) docsRedirectHandler(c *gin.Context) {
	c.Redirect(http.StatusTemporaryRedirect, "https://github.com/mbd888/hookrelay")
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Hookrelay",
		"description": "Webhook delivery engine and developer tunnel relay",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"events":        "POST /v1/events",
			"subscriptions": "POST /v1/subscriptions",
			"relay_ws":      "GET /relay/ws",
			"relay_ingress": "ANY /in/:token/*path",
			"keys":          "POST /v1/applications/:applicationId/keys",
		},
	})
}

// -----------------------------------------------------------------------------
// Run / Shutdown
// -----------------------------------------------------------------------------

func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	if s.deliveryPool != nil {
		go s.deliveryPool.Run(runCtx)
	}
	if s.deliveryHealth != nil {
		go s.deliveryHealth.Run(runCtx)
	}
	if s.relayCleanup != nil {
		go s.relayCleanup.Start(runCtx)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.relayHub != nil {
		s.relayHub.Shutdown()
		s.logger.Info("relay hub stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
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

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	// Key-value format
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	return idgen.Hex(16)
}
