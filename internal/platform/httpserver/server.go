package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	votepipeline "ballotbox/contexts/vote-ingestion/vote-pipeline"
	domainerrors "ballotbox/contexts/vote-ingestion/vote-pipeline/domain/errors"
	httptransport "ballotbox/contexts/vote-ingestion/vote-pipeline/transport/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	Addr           string
	ServiceName    string
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	engine  *gin.Engine
	http    *http.Server
	logger  *slog.Logger
	service string
	votes   votepipeline.Module
	limiter *clientLimiter
}

func New(votes votepipeline.Module, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), corsMiddleware(opts.AllowedOrigins))

	s := &Server{
		engine:  engine,
		logger:  logger,
		service: opts.ServiceName,
		votes:   votes,
		limiter: newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.registerRoutes(opts.Gatherer)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.http.Addr,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server stopping",
		"event", "http_server_stopping",
		"module", "internal/platform/httpserver",
		"layer", "platform",
	)
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.engine.GET("/healthz", s.handleHealth)
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api/votes")
	api.PUT("/vote/:candidate_id", rateLimit(s.limiter), s.handleSubmitVote)
	api.POST("/candidates/:candidate_id", s.handleAddCandidate)
	api.GET("/counts", s.handleCounts)
	api.GET("/rejections", s.handleRejections)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, httptransport.HealthResponse{Status: "ok", Service: s.service})
}

func (s *Server) handleSubmitVote(c *gin.Context) {
	resp, err := s.votes.Handler.SubmitVoteHandler(
		c.Request.Context(),
		c.Param("candidate_id"),
		c.GetHeader("Idempotency-Key"),
	)
	if err != nil {
		if errors.Is(err, domainerrors.ErrSubmissionUnknown) && resp.VoteID != "" {
			c.Header("X-Vote-Id", resp.VoteID)
		}
		writeVoteDomainError(c, err)
		return
	}
	c.Header("X-Vote-Id", resp.VoteID)
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleAddCandidate(c *gin.Context) {
	resp, err := s.votes.Handler.AddCandidateHandler(c.Request.Context(), c.Param("candidate_id"))
	if err != nil {
		writeVoteDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleCounts(c *gin.Context) {
	resp, err := s.votes.Handler.CountsHandler(c.Request.Context())
	if err != nil {
		writeVoteDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRejections(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeVoteError(c, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	resp, err := s.votes.Handler.RejectionsHandler(c.Request.Context(), limit)
	if err != nil {
		writeVoteDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func writeVoteDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domainerrors.ErrInvalidCandidateFormat):
		writeVoteError(c, http.StatusBadRequest, "invalid_candidate_format", err.Error())
	case errors.Is(err, domainerrors.ErrIdempotencyConflict):
		writeVoteError(c, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, domainerrors.ErrCandidateExists):
		writeVoteError(c, http.StatusConflict, "candidate_exists", err.Error())
	case errors.Is(err, domainerrors.ErrBrokerUnavailable):
		writeVoteError(c, http.StatusServiceUnavailable, "broker_unavailable", "vote could not be enqueued, retry later")
	case errors.Is(err, domainerrors.ErrStoreUnavailable):
		writeVoteError(c, http.StatusServiceUnavailable, "store_unavailable", "vote store unavailable, retry later")
	case errors.Is(err, domainerrors.ErrSubmissionUnknown):
		writeVoteError(c, http.StatusGatewayTimeout, "submission_unknown", "vote may or may not have been enqueued")
	default:
		writeVoteError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeVoteError(c *gin.Context, status int, code string, message string) {
	c.JSON(status, httptransport.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length", "X-Vote-Id"},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			allowAll = true
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request handled",
			"event", "http_request_handled",
			"module", "internal/platform/httpserver",
			"layer", "platform",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// NewMetricsServer exposes /metrics and /healthz on a dedicated listener for
// processes without a public API.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, httptransport.HealthResponse{Status: "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
