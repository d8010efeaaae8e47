// Package server exposes the coordination engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storyd/internal/contract"
	"github.com/fyrsmithlabs/storyd/internal/engine"
	"github.com/fyrsmithlabs/storyd/internal/escalation"
	"github.com/fyrsmithlabs/storyd/internal/logging"
	"github.com/fyrsmithlabs/storyd/internal/story"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP API for storyd.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	nc     *nats.Conn
	logger *logging.Logger
	config *Config
}

// NewServer creates the HTTP server. The NATS connection is optional;
// without one the event stream endpoint reports unavailable.
func NewServer(eng *engine.Engine, nc *nats.Conn, logger *logging.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		nc:     nc,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying router so the daemon can mount extra
// handlers such as the Prometheus endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/v1")
	v1.POST("/stories", s.handleEnqueue)
	v1.GET("/stories", s.handleListStories)
	v1.GET("/stories/:id", s.handleGetStory)
	v1.GET("/stories/:id/events", s.handleStoryEvents)
	v1.GET("/stories/:id/stream", s.handleStoryStream)
	v1.GET("/queue", s.handleQueueStatus)
	v1.POST("/next", s.handleNext)
	v1.POST("/results", s.handleResult)
	v1.POST("/decisions", s.handleDecision)
	v1.GET("/escalations/:id", s.handleEscalation)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// EnqueueRequest is the request body for POST /v1/stories.
type EnqueueRequest struct {
	ID            string         `json:"id"`
	ParentFeature string         `json:"parent_feature"`
	Priority      story.Priority `json:"priority"`
	Dependencies  []string       `json:"dependencies,omitempty"`
}

func (s *Server) handleEnqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	st, err := s.engine.Enqueue(c.Request().Context(), engine.EnqueueRequest{
		ID:            req.ID,
		ParentFeature: req.ParentFeature,
		Priority:      req.Priority,
		Dependencies:  req.Dependencies,
	})
	if err != nil {
		return engineHTTPError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListStories(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Stories())
}

func (s *Server) handleGetStory(c echo.Context) error {
	st, ok := s.engine.Story(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "story not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleStoryEvents(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.engine.Story(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "story not found")
	}
	return c.JSON(http.StatusOK, s.engine.Events(id))
}

func (s *Server) handleQueueStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Status())
}

// NextRequest is the request body for POST /v1/next. AgentType is
// optional; without one the next eligible story of any stage is
// dispatched.
type NextRequest struct {
	AgentType story.AgentType `json:"agent_type,omitempty"`
}

func (s *Server) handleNext(c echo.Context) error {
	var req NextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var (
		a  *engine.Assignment
		ok bool
	)
	if req.AgentType != "" {
		a, ok = s.engine.SelectNextFor(c.Request().Context(), req.AgentType)
	} else {
		a, ok = s.engine.SelectNext(c.Request().Context())
	}
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, a)
}

// ResultRequest is the request body for POST /v1/results.
type ResultRequest struct {
	StoryID string           `json:"story_id"`
	Stage   story.Stage      `json:"stage"`
	Success bool             `json:"success"`
	Payload contract.Payload `json:"payload,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

func (s *Server) handleResult(c echo.Context) error {
	var req ResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StoryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "story_id is required")
	}

	err := s.engine.ReportStageResult(c.Request().Context(), req.StoryID, req.Stage, req.Success, req.Payload, req.Reason)
	if err != nil {
		return engineHTTPError(err)
	}

	st, _ := s.engine.Story(req.StoryID)
	return c.JSON(http.StatusOK, st)
}

// DecisionRequest is the request body for POST /v1/decisions.
type DecisionRequest struct {
	StoryID     string              `json:"story_id"`
	Decision    escalation.Decision `json:"decision"`
	TargetStage story.Stage         `json:"target_stage,omitempty"`
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StoryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "story_id is required")
	}

	err := s.engine.SubmitDecision(c.Request().Context(), req.StoryID, req.Decision, req.TargetStage)
	if err != nil {
		return engineHTTPError(err)
	}

	st, _ := s.engine.Story(req.StoryID)
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleEscalation(c echo.Context) error {
	rec, ok := s.engine.Record(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no open escalation for story")
	}
	return c.JSON(http.StatusOK, rec)
}

// engineHTTPError maps engine error kinds to HTTP status codes.
func engineHTTPError(err error) error {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	switch ee.Kind {
	case engine.KindInvalid:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case engine.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case engine.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case engine.KindCycle:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
