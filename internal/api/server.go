package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/config"
	"github.com/sessioncap/sessioncap/internal/errors"
	"github.com/sessioncap/sessioncap/internal/logging"
	"github.com/sessioncap/sessioncap/internal/metrics"
	"github.com/sessioncap/sessioncap/internal/session"
	"github.com/sessioncap/sessioncap/internal/store"
	"github.com/sessioncap/sessioncap/internal/validity"
)

// maxCaptureTimeout bounds timeout_seconds on POST /capture.
const maxCaptureTimeout = time.Hour

// Capturer runs capture sessions. *session.Orchestrator implements it.
type Capturer interface {
	Capture(ctx context.Context, req session.Request) (*session.Result, error)
	Active() *session.Session
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	store       store.CredentialStore
	capturer    Capturer
	reporter    *validity.Reporter
	prober      *validity.Prober
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics shares a metrics registry with the rest of the process.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithProber enables POST /credentials/:account_key/probe.
func WithProber(p *validity.Prober) Option {
	return func(s *Server) { s.prober = p }
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, st store.CredentialStore, capturer Capturer, reporter *validity.Reporter, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router:    gin.New(),
		config:    cfg,
		apiConfig: apiCfg,
		store:     st,
		capturer:  capturer,
		reporter:  reporter,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.metrics == nil {
		server.metrics = metrics.NewMetrics("sessioncap")
	}
	if server.logger == nil {
		server.logger = logging.NewLogger()
	}
	if server.reporter == nil {
		server.reporter = validity.NewReporter(nil, st, server.logger, server.metrics)
	}

	// Initialize rate limiter from config with sane defaults
	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 60
	}
	server.rateLimiter = newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	maxBody := apiCfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	server.router.HandleMethodNotAllowed = true
	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(server.rateLimiter))
	server.router.Use(bodyLimitMiddleware(maxBody))
	server.router.Use(metrics.Middleware(server.metrics, server.logger, metrics.MiddlewareConfig{
		Skip:        []string{"/metrics"},
		LongRunning: []string{apiCfg.BasePath + "/capture"},
	}))
	server.router.Use(loggingMiddleware(server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := logging.RequestCorrelationID(c.GetHeader(CorrelationHeader))
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, correlationID)

		c.Next()

		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// CorrelationHeader carries the request correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	var keys []string
	if s.apiConfig.Auth.Enabled {
		keys = s.apiConfig.Auth.APIKeys
	}
	header := s.apiConfig.Auth.HeaderName
	auth := APIKeyAuth(keys, header, s.logger)

	g := s.router.Group(s.apiConfig.BasePath)
	g.Use(auth, auditMiddleware(s.logger))
	{
		g.POST("/capture", s.handleCapture)
		g.GET("/capture/active", s.handleActive)

		g.GET("/accounts", s.handleListAccounts)
		g.GET("/credentials/:account_key", s.handleGetCredential)
		g.GET("/credentials/:account_key/history", s.handleCredentialHistory)
		g.POST("/credentials/:account_key/invalidate", s.handleInvalidate)
		g.POST("/credentials/:account_key/report", s.handleReport)
		g.POST("/credentials/:account_key/probe", s.handleProbe)
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort))
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	return s.StartWithServer(NewHTTPServer(s.Addr(), s.router))
}

// StartWithServer starts the server with a pre-configured http.Server
func (s *Server) StartWithServer(srv *http.Server) error {
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: srv.Addr, Err: err}
	}
	return nil
}

// Shutdown gracefully shuts down the server. The store is owned by the
// caller and stays open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err.Error())
		return &errors.ErrServerShutdown{Err: err}
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.capturer != nil {
		resp["active_session"] = activeView(s.capturer.Active())
	}
	if s.store != nil {
		stats, err := s.store.Stats(c.Request.Context())
		if err != nil {
			resp["status"] = "degraded"
			resp["store_error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["store"] = stats
	}
	c.JSON(http.StatusOK, resp)
}

// ActiveSession describes the capture in progress.
type ActiveSession struct {
	ID         string        `json:"id"`
	AccountKey string        `json:"account_key,omitempty"`
	State      session.State `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	Deadline   time.Time     `json:"deadline"`
}

func activeView(sess *session.Session) *ActiveSession {
	if sess == nil {
		return nil
	}
	return &ActiveSession{
		ID:         sess.ID,
		AccountKey: sess.AccountKey,
		State:      sess.State(),
		StartedAt:  sess.StartedAt,
		Deadline:   sess.Deadline,
	}
}

func abortError(c *gin.Context, code int, kind, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: kind, Message: message, Code: code})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.ErrorWithContext(c.Request.Context(), op+" failed", "error", err.Error())
	s.metrics.RecordError(errors.Kind(err), c.FullPath(), c.Request.Method)
	abortError(c, http.StatusInternalServerError, "internal_error", fmt.Sprintf("%s failed", op))
}
