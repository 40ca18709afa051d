// Package http provides the devflow HTTP API.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devflow/internal/audit"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
)

// Engine is the engine surface the API serves.
type Engine interface {
	CreateRun(ctx context.Context, trigger pipeline.Trigger, flow pipeline.Flow) (*pipeline.Run, error)
	Inspect(ctx context.Context, runID string) (*pipeline.Projection, error)
	Runs(ctx context.Context, status pipeline.Status, limit int) ([]*pipeline.Run, error)
	Cancel(ctx context.Context, runID, reason string) (*pipeline.Run, error)
	Resume(ctx context.Context, runID, actor string) (*pipeline.Gate, error)
	SubmitDecision(ctx context.Context, gateID, approver string, vote pipeline.Vote, reason string) (*pipeline.Gate, error)
	Entries(ctx context.Context, runID string, sinceSeq int64) ([]pipeline.Entry, error)
}

// Server provides HTTP endpoints for devflow.
type Server struct {
	echo     *echo.Echo
	eng      Engine
	dispatch engine.Dispatcher
	logger   *zap.Logger
	config   *Config
	metrics  *apiMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// APIToken, when non-empty, must be sent as "Authorization: Bearer <token>"
	// on /api routes.
	APIToken string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Health, when set, is checked by /health.
	Health func(context.Context) error
}

// NewServer creates a new HTTP server. New runs are handed to dispatch.
func NewServer(eng Engine, dispatch engine.Dispatcher, logger *zap.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics, err := newAPIMetrics(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("api metrics disabled", zap.Error(err))
		metrics, _ = newAPIMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		eng:      eng,
		dispatch: dispatch,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	if s.config.APIToken != "" {
		token := []byte(s.config.APIToken)
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), token) == 1, nil
			},
		}))
	}
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.POST("/runs/:id/resume", s.handleResume)
	v1.POST("/gates/:id/decision", s.handleDecision)
	v1.GET("/audit", s.handleAudit)
}

// handleHealth reports ok, or 503 when the health check fails.
func (s *Server) handleHealth(c echo.Context) error {
	if s.config.Health != nil {
		if err := s.config.Health(c.Request().Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Trigger.Kind == "" {
		req.Trigger.Kind = pipeline.TriggerManual
	}
	if err := req.Trigger.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	run, err := s.eng.CreateRun(ctx, req.Trigger, req.Flow)
	if err != nil {
		return s.apiError(err)
	}
	if err := s.dispatch.Dispatch(ctx, run.ID); err != nil {
		// The run is persisted; the next sweep or restart picks it up.
		s.logger.Error("dispatch new run", zap.String("run.id", run.ID), zap.Error(err))
	}
	return c.JSON(http.StatusCreated, RunResponse{Run: run})
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	runs, err := s.eng.Runs(c.Request().Context(), pipeline.Status(c.QueryParam("status")), limit)
	if err != nil {
		return s.apiError(err)
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	p, err := s.eng.Inspect(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: p.Run, Gates: p.Gates, Records: p.Records})
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	run, err := s.eng.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, RunResponse{Run: run})
}

func (s *Server) handleResume(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := ""
	if req.Actor != "" {
		actor = pipeline.HumanActor(req.Actor)
	}
	g, err := s.eng.Resume(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, GateResponse{Gate: g})
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approver == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}
	if req.Vote != pipeline.VoteApprove && req.Vote != pipeline.VoteReject {
		return echo.NewHTTPError(http.StatusBadRequest, "vote must be approve or reject")
	}
	g, err := s.eng.SubmitDecision(c.Request().Context(), c.Param("id"), req.Approver, req.Vote, req.Reason)
	s.metrics.vote(c.Request().Context(), req.Vote, g)
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, GateResponse{Gate: g})
}

// handleAudit lists entries for one run after since_seq, or every run's
// entries in append order. format=jsonl streams one entry per line.
func (s *Server) handleAudit(c echo.Context) error {
	runID := c.QueryParam("run_id")
	var since int64
	if v := c.QueryParam("since_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since_seq must be a non-negative integer")
		}
		if runID == "" && n > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since_seq requires run_id")
		}
		since = n
	}
	entries, err := s.eng.Entries(c.Request().Context(), runID, since)
	if err != nil {
		return s.apiError(err)
	}

	if c.QueryParam("format") == "jsonl" {
		c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
		c.Response().WriteHeader(http.StatusOK)
		return audit.WriteJSONL(c.Response(), entries)
	}
	if entries == nil {
		entries = []pipeline.Entry{}
	}
	return c.JSON(http.StatusOK, AuditResponse{Entries: entries})
}

// apiError maps engine errors to HTTP errors. Unrecognized errors are
// logged and reported as 500 without detail.
func (s *Server) apiError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrUnknownRun), errors.Is(err, pipeline.ErrUnknownGate):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrAlreadyResolved),
		errors.Is(err, pipeline.ErrDuplicateVote),
		errors.Is(err, pipeline.ErrGatePending),
		errors.Is(err, pipeline.ErrRunTerminal),
		errors.Is(err, pipeline.ErrNotTimedOut),
		errors.Is(err, pipeline.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrInvalidFlow):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
