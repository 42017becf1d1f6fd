package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-talkinghead/pkg/conversation"
	"github.com/teslashibe/go-talkinghead/pkg/hub"
)

// SendTextRequest is the request body for /api/text
type SendTextRequest struct {
	Text string `json:"text"`
}

// StatusResponse is the body of /api/status: the session snapshot plus
// how many websocket clients each stream has.
type StatusResponse struct {
	conversation.Stats
	Viewers map[string]int `json:"viewers"`
}

// handleStatus returns the session snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Stats:   s.ctrl.Stats(),
		Viewers: map[string]int{
			"status":     s.statusHub.ClientCount(),
			"transcript": s.transcriptHub.ClientCount(),
			"amplitude":  s.amplitudeHub.ClientCount(),
		},
	})
}

// handleGetTranscript returns the recent transcript
func (s *Server) handleGetTranscript(c *fiber.Ctx) error {
	return c.JSON(s.Transcript())
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	if err := s.ctrl.Start(c.UserContext()); err != nil {
		return s.errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": s.ctrl.Stats().Status,
	})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.ctrl.Stop(); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"status": s.ctrl.Stats().Status,
	})
}

func (s *Server) handleSendText(c *fiber.Ctx) error {
	var req SendTextRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "text is required",
		})
	}

	if err := s.ctrl.SendText(req.Text); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"sent": true})
}

// errorResponse maps conversation errors to HTTP statuses.
func (s *Server) errorResponse(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrNotConfigured):
		code = fiber.StatusBadRequest
	case errors.Is(err, conversation.ErrAlreadyActive),
		errors.Is(err, conversation.ErrNotConnected):
		code = fiber.StatusConflict
	case errors.Is(err, conversation.ErrSessionClosed):
		code = fiber.StatusServiceUnavailable
	}
	if code == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// hubHandler attaches each websocket connection to h until it closes.
func (s *Server) hubHandler(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		client := hub.NewClient(h, c)
		if client == nil {
			return
		}
		client.Run()
	}
}
