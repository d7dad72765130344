// Package server wires the feature pipeline together and exposes the admin
// HTTP surface: health, metrics, ingestion stats and the live feature stream.
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

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/health"
	"github.com/mbd888/txfeatures/internal/ingest"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/ratelimit"
	"github.com/mbd888/txfeatures/internal/realtime"
	"github.com/mbd888/txfeatures/internal/retry"
	"github.com/mbd888/txfeatures/internal/sink"
	"github.com/mbd888/txfeatures/internal/source"
	"github.com/mbd888/txfeatures/internal/statestore"
	"github.com/mbd888/txfeatures/internal/traces"
)

const serviceName = "txfeatures"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server owns the pipeline and the admin HTTP server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	store  *statestore.Store
	calc   *features.Calculator
	loop   *ingest.Loop
	src    ingest.Source
	sink   ingest.Sink
	timer  *statestore.Timer
	hub    *realtime.Hub
	limit  *ratelimit.Limiter
	health *health.Registry
	db     *sql.DB // nil unless SINK=postgres

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx context.CancelFunc
	cancelLoop   context.CancelFunc
	loopDone     chan error
	stopTracing  func(context.Context) error

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

// WithSource injects the event source instead of building one from config.
func WithSource(src ingest.Source) Option {
	return func(s *Server) {
		s.src = src
	}
}

// WithSink injects the feature sink instead of building one from config.
func WithSink(snk ingest.Sink) Option {
	return func(s *Server) {
		s.sink = snk
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New connects the configured source and sink and builds the pipeline.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	s.health = health.NewRegistry(2 * time.Second)

	if s.sink == nil {
		snk, err := s.openSink(ctx)
		if err != nil {
			return nil, err
		}
		s.sink = snk
	}
	if p, ok := s.sink.(interface{ Ping(context.Context) error }); ok {
		s.health.RegisterPing("sink", p.Ping)
	}

	if s.src == nil {
		src, err := s.openSource()
		if err != nil {
			_ = s.sink.Close()
			return nil, err
		}
		s.src = src
	}

	s.store = statestore.New(cfg.StateStore(), statestore.WithLogger(s.logger))
	s.calc = features.NewCalculator(cfg.Features())
	s.timer = statestore.NewTimer(s.store, s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.limit = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.StreamConnectsPerMinute,
		BurstSize:         cfg.StreamConnectBurst,
	})
	s.loop = ingest.NewLoop(s.src, s.sink, ingest.NewProcessor(s.store, s.calc), ingest.LoopConfig{
		AckBatchSize:         cfg.CommitEveryN,
		MaxErrors:            cfg.MaxErrors,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		SinkTimeout:          cfg.SinkTimeout,
		ProgressInterval:     cfg.ProgressInterval,
		OnRecord:             s.hub.BroadcastFeatures,
	}, ingest.WithLogger(s.logger))

	s.health.Register("ingest", func(context.Context) health.Status {
		st := s.loop.Stats()
		if st.BudgetState != "closed" {
			return health.Status{Name: "ingest", Healthy: false, Detail: st.BudgetReason}
		}
		return health.Status{Name: "ingest", Healthy: true}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openSink(ctx context.Context) (ingest.Sink, error) {
	switch s.cfg.Sink {
	case config.SinkPostgres:
		s.logger.Info("connecting to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))
		db, err := sink.Connect(ctx, s.cfg.DatabaseURL,
			retry.Fixed(s.cfg.DBConnectAttempts, s.cfg.DBConnectInterval), s.logger)
		if err != nil {
			return nil, err
		}
		pg := sink.NewPostgres(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.db = db
		return pg, nil

	case config.SinkClickHouse:
		ch, err := sink.OpenClickHouse(ctx, s.cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		if err := ch.Migrate(ctx); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("migrate clickhouse: %w", err)
		}
		return ch, nil

	case config.SinkMemory:
		s.logger.Warn("using in-memory sink; feature rows are not persisted")
		return sink.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", s.cfg.Sink)
}

func (s *Server) openSource() (ingest.Source, error) {
	switch s.cfg.Source {
	case config.SourceKafka:
		return source.NewKafka(s.cfg.Kafka, s.logger)
	case config.SourceRabbitMQ:
		return source.NewRabbitMQ(s.cfg.RabbitMQ, s.logger)
	case config.SourceFile:
		return source.OpenFile(s.cfg.SourceFile)
	}
	return nil, fmt.Errorf("unknown source %q", s.cfg.Source)
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
		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
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

	v1 := s.router.Group("/v1")
	v1.GET("/stats", s.statsHandler)
	v1.GET("/features/stream", s.limit.Middleware(), gin.WrapF(s.hub.HandleWebSocket))
}

// HealthResponse is the body of /health.
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
	if healthy, checks := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// StatsResponse is the body of /v1/stats.
type StatsResponse struct {
	Ingest       ingest.Stats   `json:"ingest"`
	Stream       realtime.Stats `json:"stream"`
	UsersTracked int            `json:"users_tracked"`
	MaxUsers     int            `json:"max_users"`
	Source       string         `json:"source"`
	Sink         string         `json:"sink"`
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, StatsResponse{
		Ingest:       s.loop.Stats(),
		Stream:       s.hub.Stats(),
		UsersTracked: s.store.Count(),
		MaxUsers:     s.store.Config().MaxUsers,
		Source:       s.cfg.Source,
		Sink:         s.cfg.Sink,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts ingestion and the admin server, then blocks until a signal,
// ctx cancellation, an HTTP server failure or the loop exiting on its own.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(ctx, s.cfg.OTLPEndpoint, serviceName, s.version, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.stopTracing = stop
		}
	}

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
		s.logger.Info("starting admin server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.timer.Start(runCtx)
	go s.hub.Run(runCtx)
	go s.limit.Cleanup(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// The loop outlives ctx so Shutdown can drain it before cancelling.
	loopCtx, cancelLoop := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLoop = cancelLoop
	s.loopDone = make(chan error, 1)
	go func() {
		s.loopDone <- s.loop.Run(loopCtx)
	}()

	s.ready.Store(true)
	s.logger.Info("service ready",
		"source", s.cfg.Source,
		"sink", s.cfg.Sink,
		"max_users", s.cfg.MaxUsers,
	)

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
	case err := <-s.loopDone:
		s.loopDone <- err
		if err != nil {
			s.logger.Error("ingestion stopped", "error", err)
		} else {
			s.logger.Info("ingestion finished")
		}
	}

	return s.Shutdown()
}

// Shutdown stops ingestion, waiting up to the configured grace period for
// the loop to flush, then stops the admin server. It returns the loop's
// exit error, if any.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var loopErr error
	if s.loopDone != nil {
		s.loop.Stop()
		select {
		case loopErr = <-s.loopDone:
		case <-time.After(s.cfg.ShutdownGrace):
			s.logger.Warn("ingestion did not drain within grace period", "grace", s.cfg.ShutdownGrace)
			s.cancelLoop()
			select {
			case loopErr = <-s.loopDone:
			case <-time.After(5 * time.Second):
				s.logger.Error("ingestion loop abandoned")
			}
		}
		s.cancelLoop()
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped",
		"users_tracked", s.store.Count(),
	)
	return loopErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Loop returns the ingestion loop.
func (s *Server) Loop() *ingest.Loop {
	return s.loop
}

// Store returns the state store.
func (s *Server) Store() *statestore.Store {
	return s.store
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
