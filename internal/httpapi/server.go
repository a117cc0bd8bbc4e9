// Package httpapi exposes dialogue orchestration over HTTP. It is a thin
// adapter: all turn semantics live in the orchestrator, the handlers only
// translate between HTTP and typed results.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/conversation"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
	"github.com/fyrsmithlabs/dialogd/internal/stage"
)

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	turnTTL  time.Duration
	echo     *echo.Echo
	orch     *orchestrator.Orchestrator
	stages   *stage.Graph
	sessions *registry
	logger   *zap.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, turnTimeout time.Duration, orch *orchestrator.Orchestrator, stages *stage.Graph, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:      cfg,
		turnTTL:  turnTimeout,
		echo:     e,
		orch:     orch,
		stages:   stages,
		sessions: newRegistry(),
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.GET("/stages", s.handleListStages)
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	v1.POST("/sessions/:id/messages", s.handleMessage)
	v1.POST("/sessions/:id/messages/stream", s.handleMessageStream)
	v1.GET("/sessions/:id/conversation", s.handleConversation)
	v1.POST("/sessions/:id/reset", s.handleReset)
	v1.POST("/sessions/:id/stage/retreat", s.handleRetreat)
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// Echo returns the underlying router, used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Service: "dialogd"})
}

func (s *Server) handleListStages(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"stages": s.stages.All()})
}

type sessionResponse struct {
	SessionID string             `json:"session_id"`
	StageID   string             `json:"stage_id"`
	CreatedAt time.Time          `json:"created_at"`
	Stats     conversation.Stats `json:"stats"`
}

func (s *Server) sessionResponse(sess *orchestrator.Session) sessionResponse {
	return sessionResponse{
		SessionID: sess.ID,
		StageID:   sess.StageID(),
		CreatedAt: sess.CreatedAt,
		Stats:     sess.State.Stats(),
	}
}

func (s *Server) handleCreateSession(c echo.Context) error {
	sess := orchestrator.NewSession(s.stages)
	s.sessions.put(sess)
	s.logger.Info("session created", zap.String("session_id", sess.ID))
	return c.JSON(http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if !s.sessions.delete(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	SessionID    string   `json:"session_id"`
	StageID      string   `json:"stage_id"`
	StageChanged bool     `json:"stage_changed"`
	Reply        string   `json:"reply"`
	Crisis       bool     `json:"crisis"`
	Decision     string   `json:"decision"`
	Addressing   string   `json:"addressing"`
	Warnings     []string `json:"warnings,omitempty"`
}

func toTurnResponse(r *orchestrator.TurnResult) turnResponse {
	return turnResponse{
		SessionID:    r.SessionID,
		StageID:      r.StageID,
		StageChanged: r.StageChanged,
		Reply:        r.Reply,
		Crisis:       r.Crisis,
		Decision:     r.Decision.Decision,
		Addressing:   r.Decision.Addressing,
		Warnings:     r.Warnings,
	}
}

func (s *Server) handleMessage(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.turnTTL)
	defer cancel()

	result, err := s.orch.Process(ctx, sess, req.Text)
	if err != nil {
		return turnError(err)
	}
	return c.JSON(http.StatusOK, toTurnResponse(result))
}

// handleMessageStream delivers the therapist reply as server-sent events:
// one "chunk" event per fragment, then a final "result" event carrying the
// full turn outcome.
func (s *Server) handleMessageStream(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.turnTTL)
	defer cancel()

	wroteHeader := false
	onChunk := func(text string) {
		if !wroteHeader {
			resp.WriteHeader(http.StatusOK)
			wroteHeader = true
		}
		data, _ := json.Marshal(text)
		fmt.Fprintf(resp, "event: chunk\ndata: %s\n\n", data)
		resp.Flush()
	}

	result, err := s.orch.ProcessStream(ctx, sess, req.Text, onChunk)
	if err != nil {
		if wroteHeader {
			// Headers already sent; report the failure in-stream.
			data, _ := json.Marshal(err.Error())
			fmt.Fprintf(resp, "event: error\ndata: %s\n\n", data)
			resp.Flush()
			return nil
		}
		return turnError(err)
	}

	data, err := json.Marshal(toTurnResponse(result))
	if err != nil {
		return err
	}
	fmt.Fprintf(resp, "event: result\ndata: %s\n\n", data)
	resp.Flush()
	return nil
}

func (s *Server) handleConversation(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"stage_id":   sess.StageID(),
		"messages":   sess.State.FullConversationForDisplay(),
	})
}

func (s *Server) handleReset(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err := sess.Reset(s.stages); err != nil {
		if errors.Is(err, conversation.ErrResetWhileProcessing) {
			return echo.NewHTTPError(http.StatusConflict, "a turn is being processed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info("session reset", zap.String("session_id", sess.ID))
	return c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// handleRetreat steps the session back one stage, a manual override for a
// premature advance. On the first stage it is a no-op.
func (s *Server) handleRetreat(c echo.Context) error {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	def, err := sess.Retreat(s.stages)
	if err != nil {
		if errors.Is(err, conversation.ErrAlreadyProcessing) {
			return echo.NewHTTPError(http.StatusConflict, "a turn is being processed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	s.logger.Info("session stage retreat",
		zap.String("session_id", sess.ID),
		zap.String("stage_id", def.ID),
	)
	return c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// turnError maps orchestration failures onto HTTP status codes.
func turnError(err error) error {
	var mce *llm.ModelCallError
	var ce *orchestrator.ConfigError
	switch {
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, conversation.ErrAlreadyProcessing):
		return echo.NewHTTPError(http.StatusConflict, "a turn is being processed, please wait")
	case errors.Is(err, conversation.ErrNoPendingQuestion):
		return echo.NewHTTPError(http.StatusBadRequest, "message text is empty")
	case errors.As(err, &mce):
		return echo.NewHTTPError(http.StatusBadGateway, "model call failed, please retry")
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusInternalServerError, ce.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
