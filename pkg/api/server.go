// Package api exposes the chunk store and the challenge engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/challenge"
	"github.com/LICODX/chunkproof/pkg/chunkstore"
	"github.com/LICODX/chunkproof/pkg/config"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/ledger"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/metrics"
	"github.com/LICODX/chunkproof/pkg/utils"
)

// Backend is everything the HTTP layer serves from. Health and Metrics are
// optional.
type Backend struct {
	Store    *chunkstore.Store
	Engine   *challenge.Engine
	Outcomes *ledger.OutcomeFeed
	Health   *utils.HealthMonitor
	Metrics  *metrics.PrometheusMetrics
}

// Server provides the REST endpoints for agents and operators.
type Server struct {
	cfg     config.ServerConfig
	metrics config.MetricsConfig
	b       Backend
	log     *logging.StructuredLogger
	router  *gin.Engine
	server  *http.Server
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    int            `json:"code"`
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message,omitempty"`
}

func NewServer(cfg *config.Config, b Backend, log *logging.StructuredLogger) (*Server, error) {
	if b.Store == nil || b.Engine == nil {
		return nil, xerrors.New("api server needs a chunk store and a challenge engine")
	}
	if log == nil {
		log = logging.Component("api")
	}
	s := &Server{
		cfg:     cfg.Server,
		metrics: cfg.Metrics,
		b:       b,
		log:     log,
	}
	router, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

func (s *Server) routes() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	limiter, err := newIPLimiter(s.cfg.RequestsPerSec, s.cfg.Burst, ipLimiterEntries)
	if err != nil {
		return nil, err
	}
	router.Use(
		requestID(),
		s.recovery(),
		accessLog(s.log),
		corsMiddleware(s.cfg.AllowedOrigins),
		limiter.middleware(s),
	)

	api := router.Group("/api")
	{
		api.POST("/chunks", s.handleStoreChunk)
		api.GET("/chunks/:cid", s.handleGetChunk)
		api.DELETE("/chunks/:cid", s.handleDeleteChunk)
		api.GET("/storage/stats", s.handleStorageStats)

		api.POST("/challenges", s.handleCreateChallenge)
		api.POST("/challenges/batch", s.handleBatchChallenges)
		api.GET("/challenges/pending", s.handlePendingChallenges)
		api.POST("/challenges/:id/response", s.handleRespond)

		api.GET("/agents/:id/proofs", s.handleAgentProofs)
		api.GET("/network/overview", s.handleNetworkOverview)
		api.GET("/outcomes", s.handleOutcomes)
	}

	router.GET("/health", s.handleHealth)
	if s.metrics.Enabled && s.b.Metrics != nil {
		router.GET(s.metrics.Path, gin.WrapH(s.b.Metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		s.writeError(c, core.NotFound("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	return router, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.log.InfoWithFields("api server listening", map[string]interface{}{
		"addr":    s.cfg.ListenAddr,
		"metrics": s.metrics.Enabled,
	})

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("shutting down api server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.b.Health == nil {
		s.writeJSON(c, gin.H{"status": utils.StatusHealthy, "timestamp": time.Now().UTC()}, http.StatusOK)
		return
	}
	s.b.Health.CheckAllHealth(c.Request.Context())
	report := s.b.Health.GetHealthReport()

	status := http.StatusOK
	if report.Status == utils.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(c, report, status)
}

func (s *Server) writeJSON(c *gin.Context, data interface{}, status int) {
	c.JSON(status, data)
}

// writeError maps err's kind onto an HTTP status. Untyped errors are logged
// and reported without their detail.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	code := statusFor(kind)

	message := core.MessageOf(err)
	if kind == core.KindInternal {
		s.log.ErrorWithFields("request failed", map[string]interface{}{
			"path":       c.FullPath(),
			"request_id": c.GetString(requestIDKey),
			"error":      err,
		})
		message = "internal error"
	} else if kind == core.KindUnavailable || kind == core.KindIntegrityFailure {
		s.log.WarnWithFields("request failed", map[string]interface{}{
			"path":       c.FullPath(),
			"request_id": c.GetString(requestIDKey),
			"kind":       kind,
			"error":      err,
		})
	}

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Kind:    kind,
		Message: message,
	})
}

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	case core.KindExpired:
		return http.StatusGone
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
