// Package httpserver is the front door: it provisions sessions over a small
// JSON API and serves the static frontend.
package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/sergio-bershadsky/pipecat-light/internal/config"
	"github.com/sergio-bershadsky/pipecat-light/internal/middleware"
	"github.com/sergio-bershadsky/pipecat-light/internal/supervisor"
)

// SessionManager is the slice of the supervisor the handlers need.
type SessionManager interface {
	StartSession(ctx context.Context, req supervisor.StartRequest) (supervisor.Session, error)
	StopSession(id string) error
}

// Server wires the echo router to the supervisor.
type Server struct {
	Echo     *echo.Echo
	sessions SessionManager
}

type connectRequest struct {
	ExpirySeconds int    `json:"expirySeconds"`
	LessonPrompt  string `json:"lessonPrompt"`
}

type connectResponse struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// New builds the configured server.
func New(cfg *config.Config, sessions SessionManager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(middleware.BearerAuth(func() string { return cfg.AuthToken }))

	s := &Server{Echo: e, sessions: sessions}

	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/api/connect", s.handleConnect)
	e.DELETE("/api/sessions/:id", s.handleStopSession)
	if cfg.StaticDir != "" {
		e.Static("/", cfg.StaticDir)
	}

	return s
}

// handleConnect provisions a room and launches the agent; the participant
// gets back the room URL and their own meeting token.
func (s *Server) handleConnect(c echo.Context) error {
	var req connectRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
		}
	}

	sess, err := s.sessions.StartSession(c.Request().Context(), supervisor.StartRequest{
		ExpirySeconds: req.ExpirySeconds,
		LessonPrompt:  req.LessonPrompt,
	})
	if err != nil {
		var pe *supervisor.ProvisioningError
		switch {
		case errors.Is(err, supervisor.ErrDuplicateSession):
			return c.JSON(http.StatusConflict, echo.Map{"error": "session already active for room"})
		case errors.As(err, &pe):
			log.Printf("connect: %v", err)
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "room provisioning failed"})
		default:
			log.Printf("connect: %v", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "session start failed"})
		}
	}

	return c.JSON(http.StatusOK, connectResponse{
		URL:       sess.RoomURL,
		Token:     sess.ParticipantToken,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleStopSession(c echo.Context) error {
	if err := s.sessions.StopSession(c.Param("id")); err != nil {
		log.Printf("stop session: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "stop failed"})
	}
	return c.NoContent(http.StatusNoContent)
}
