package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/conversation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/middleware/ratelimit"
	"github.com/course-advisor/backend/internal/middleware/validation"
	"github.com/course-advisor/backend/pkg/logger"
)

// WebSocketHandler streams replies for one session. Each inbound "query"
// message runs one turn; the reply arrives as "chunk" messages followed by
// "complete", or a single "error".
type WebSocketHandler struct {
	sessions *SessionHandler
	limiter  *ratelimit.RateLimiter
}

// NewWebSocketHandler builds the streaming endpoint. limiter may be nil.
func NewWebSocketHandler(sessions *SessionHandler, limiter *ratelimit.RateLimiter) *WebSocketHandler {
	return &WebSocketHandler{sessions: sessions, limiter: limiter}
}

type wsInbound struct {
	Type    string      `json:"type"`
	Query   string      `json:"query"`
	Filters filter.Spec `json:"filters"`
	APIKey  string      `json:"api_key"`
}

// Upgrade rejects plain HTTP requests and unknown sessions before the
// handshake.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, err := h.sessions.sessions.Get(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	c.Locals(APIKeyHeader, c.Get(APIKeyHeader))
	return c.Next()
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	sessionID := c.Params("id")
	headerKey, _ := c.Locals(APIKeyHeader).(string)

	logger.Info("WebSocket connection established", zap.String("session_id", sessionID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("session_id", sessionID))
	}()

	for {
		var msg wsInbound
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		switch msg.Type {
		case "query":
			if err := h.streamTurn(c, sessionID, headerKey, msg); err != nil {
				logger.Warn("Failed to stream response", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case "reset":
			s, err := h.sessions.sessions.Get(sessionID)
			if err != nil {
				h.sendError(c, conversation.UserMessage(err))
				continue
			}
			s.Reset()
			h.send(c, fiber.Map{"type": "reset", "state": s.State()})
		default:
			h.sendError(c, "Tundmatu sõnumi tüüp.")
		}
	}
}

// streamTurn runs one turn. It returns an error only when the connection is
// gone; turn failures are reported to the client.
func (h *WebSocketHandler) streamTurn(c *websocket.Conn, sessionID, headerKey string, msg wsInbound) error {
	s, err := h.sessions.sessions.Get(sessionID)
	if err != nil {
		return h.sendError(c, conversation.UserMessage(err))
	}

	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(ratelimit.SessionKey(sessionID)); !ok {
			return h.send(c, fiber.Map{
				"type":        "error",
				"error":       "Liiga palju päringuid. Proovi hetke pärast uuesti.",
				"retry_after": ratelimit.RetryAfterSeconds(wait),
			})
		}
	}

	if validation.ContainsMarkup(msg.Query) {
		return h.sendError(c, "Invalid query content")
	}
	req := MessageRequest{Query: validation.SanitizeString(msg.Query), Filters: msg.Filters, APIKey: msg.APIKey}
	if err := h.sessions.checkRequest(&req, headerKey); err != nil {
		return h.sendError(c, err.Error())
	}

	if err := h.send(c, fiber.Map{"type": "status", "content": "Otsin sobivaid kursusi..."}); err != nil {
		return err
	}

	// A failed write means the client left; cancelling rolls the turn back.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var writeErr error
	onDelta := func(delta string) {
		if writeErr != nil {
			return
		}
		if writeErr = h.send(c, fiber.Map{"type": "chunk", "content": delta}); writeErr != nil {
			cancel()
		}
	}

	reply, err := s.Submit(ctx, conversation.Request{
		Query:   req.Query,
		Filters: req.Filters,
		APIKey:  req.APIKey,
	}, onDelta)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return h.sendError(c, conversation.UserMessage(err))
	}

	return h.send(c, fiber.Map{
		"type":  "complete",
		"reply": newMessageResponse(sessionID, reply),
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msg fiber.Map) error {
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) error {
	return c.WriteJSON(fiber.Map{
		"type":  "error",
		"error": errorMsg,
	})
}
