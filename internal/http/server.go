// Package http exposes the conversation memory over a small JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/chat"
	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"github.com/fyrsmithlabs/reconmem/internal/exemplar"
	"github.com/fyrsmithlabs/reconmem/internal/feedback"
	"github.com/fyrsmithlabs/reconmem/internal/knowledge"
	"github.com/fyrsmithlabs/reconmem/internal/logging"
	"github.com/fyrsmithlabs/reconmem/internal/parser"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Asker answers chat questions.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
}

// ContextReader reads a user's conversation context.
type ContextReader interface {
	ReadContext(ctx context.Context, userID, conversationID string) ([]conversation.Turn, error)
}

// ExemplarFinder selects rated exemplars.
type ExemplarFinder interface {
	FindExemplars(ctx context.Context, userID, query string, k int) (conversation.ExemplarSet, error)
}

// FeedbackSubmitter records ratings.
type FeedbackSubmitter interface {
	SubmitFeedback(ctx context.Context, req feedback.Request) (feedback.Result, error)
	SubmitFeedbackByID(ctx context.Context, userID, recordID string, rating int, feedbackText string) (feedback.Result, error)
}

// KnowledgeBase manages reference documents.
type KnowledgeBase interface {
	Ingest(ctx context.Context, source, text string) (int, error)
	Sources(ctx context.Context) ([]knowledge.Source, error)
	Remove(ctx context.Context, source string) error
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the operations the server routes to.
type Services struct {
	Chat      Asker
	Memory    ContextReader
	Exemplars ExemplarFinder
	Feedback  FeedbackSubmitter
	Knowledge KnowledgeBase
	Archive   Pinger
}

func (s Services) validate() error {
	if s.Chat == nil || s.Memory == nil || s.Exemplars == nil || s.Feedback == nil || s.Knowledge == nil || s.Archive == nil {
		return errors.New("all services are required")
	}
	return nil
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	services Services
	logger   *zap.Logger
	config   *Config
}

// NewServer creates a server with its routes registered.
func NewServer(services Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(requestLogger(logger))

	s := &Server{echo: e, services: services, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

// requestLogger threads the request id into the context and logs each
// request with its final status.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))

			if err := next(c); err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", id),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/chat", s.handleChat)
	v1.GET("/context", s.handleContext)
	v1.GET("/exemplars", s.handleExemplars)
	v1.POST("/feedback", s.handleFeedback)
	v1.POST("/parse", s.handleParse)
	v1.GET("/knowledge", s.handleListKnowledge)
	v1.POST("/knowledge", s.handleIngestKnowledge)
	v1.DELETE("/knowledge/:source", s.handleRemoveKnowledge)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.services.Archive.Ping(ctx); err != nil {
		s.logger.Warn("archive health check failed", zap.Error(err))
		return c.JSON(http.StatusOK, HealthResponse{Status: "degraded", Archive: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Archive: "ok"})
}

func (s *Server) handleChat(c echo.Context) error {
	var req chat.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.services.Chat.Ask(c.Request().Context(), req)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, chatResponse(resp))
}

func (s *Server) handleContext(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	turns, err := s.services.Memory.ReadContext(c.Request().Context(), userID, c.QueryParam("conversation_id"))
	if err != nil {
		return s.toHTTPError(c, err)
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	return c.JSON(http.StatusOK, ContextResponse{Turns: turns})
}

func (s *Server) handleExemplars(c echo.Context) error {
	userID, query := c.QueryParam("user_id"), c.QueryParam("query")
	if userID == "" || query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and query are required")
	}

	k := 0
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > exemplar.MaxK {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("k must be an integer between 1 and %d", exemplar.MaxK))
		}
		k = n
	}

	set, err := s.services.Exemplars.FindExemplars(c.Request().Context(), userID, query, k)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, set)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	var (
		res feedback.Result
		err error
	)
	if req.RecordID != "" {
		res, err = s.services.Feedback.SubmitFeedbackByID(ctx, req.UserID, req.RecordID, req.Rating, req.FeedbackText)
	} else {
		res, err = s.services.Feedback.SubmitFeedback(ctx, feedback.Request{
			UserID:         req.UserID,
			Question:       req.Question,
			OriginalAnswer: req.OriginalAnswer,
			Rating:         req.Rating,
			FeedbackText:   req.FeedbackText,
		})
	}
	if err != nil {
		return s.toHTTPError(c, err)
	}

	return c.JSON(http.StatusOK, FeedbackResponse{
		RecordID:       res.Record.ID,
		Rating:         res.Record.RatingValue(),
		ImprovedAnswer: res.ImprovedAnswer,
	})
}

func (s *Server) handleParse(c echo.Context) error {
	var req ParseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "raw field is required")
	}

	answer, strategy, err := parser.ParseAnswer(req.Raw)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, ParseResponse{Answer: answer, Strategy: strategy})
}

func (s *Server) handleIngestKnowledge(c echo.Context) error {
	var req KnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	n, err := s.services.Knowledge.Ingest(c.Request().Context(), req.Source, req.Text)
	if err != nil {
		return s.toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, KnowledgeResponse{Source: req.Source, Chunks: n})
}

func (s *Server) handleListKnowledge(c echo.Context) error {
	sources, err := s.services.Knowledge.Sources(c.Request().Context())
	if err != nil {
		return s.toHTTPError(c, err)
	}
	if sources == nil {
		sources = []knowledge.Source{}
	}
	return c.JSON(http.StatusOK, KnowledgeListResponse{Sources: sources})
}

func (s *Server) handleRemoveKnowledge(c echo.Context) error {
	if err := s.services.Knowledge.Remove(c.Request().Context(), c.Param("source")); err != nil {
		return s.toHTTPError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// toHTTPError maps domain errors onto status codes. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) toHTTPError(c echo.Context, err error) error {
	var parseErr *parser.ParseError
	switch {
	case errors.Is(err, conversation.ErrEmptyUserID),
		errors.Is(err, conversation.ErrInvalidRating),
		errors.Is(err, chat.ErrEmptyQuestion),
		errors.Is(err, knowledge.ErrInvalidSource),
		errors.Is(err, knowledge.ErrEmptyDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, knowledge.ErrSourceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "no unrated conversation matches")
	case errors.Is(err, chat.ErrNoResponse):
		return echo.NewHTTPError(http.StatusBadGateway, chat.ErrNoResponse.Error())
	case errors.As(err, &parseErr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, parseErr.Error())
	case errors.Is(err, conversation.ErrArchiveWrite):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "conversation archive unavailable")
	default:
		logging.For(c.Request().Context(), s.logger).Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
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
