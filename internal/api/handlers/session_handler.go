package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/conversation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/middleware/validation"
	"github.com/course-advisor/backend/pkg/logger"
)

// APIKeyHeader lets clients pass their model key outside the JSON body.
const APIKeyHeader = "X-API-Key"

type SessionHandler struct {
	sessions      *conversation.Manager
	filters       filter.Engine
	validate      *validator.Validate
	defaultAPIKey string
}

// NewSessionHandler builds the chat endpoints. defaultAPIKey is used when a
// request carries no key of its own; it may be empty.
func NewSessionHandler(sessions *conversation.Manager, filters filter.Engine, defaultAPIKey string) *SessionHandler {
	return &SessionHandler{
		sessions:      sessions,
		filters:       filters,
		validate:      validator.New(),
		defaultAPIKey: defaultAPIKey,
	}
}

type MessageRequest struct {
	Query   string      `json:"query" validate:"required,max=2000"`
	Filters filter.Spec `json:"filters"`
	APIKey  string      `json:"api_key" validate:"omitempty,max=512"`
}

type MatchSummary struct {
	Matched int    `json:"matched"`
	Total   int    `json:"total"`
	Text    string `json:"text"`
}

type MessageResponse struct {
	SessionID string               `json:"session_id"`
	Outcome   conversation.Outcome `json:"outcome"`
	Text      string               `json:"text"`
	State     conversation.State   `json:"state"`
	Match     *MatchSummary        `json:"match,omitempty"`
	Courses   []catalog.Course     `json:"courses,omitempty"`
	Usage     *llm.Usage           `json:"usage,omitempty"`
	Totals    conversation.Totals  `json:"totals"`
}

func matchText(matched, total int) string {
	return fmt.Sprintf("Filtritele vastas %d kursust %d-st.", matched, total)
}

func newMessageResponse(sessionID string, r *conversation.Reply) MessageResponse {
	resp := MessageResponse{
		SessionID: sessionID,
		Outcome:   r.Outcome,
		Text:      r.Text,
		State:     r.State,
		Courses:   r.Courses,
		Usage:     r.Usage,
		Totals:    r.Totals,
	}
	if r.Retrieved {
		resp.Match = &MatchSummary{
			Matched: r.FilteredCount,
			Total:   r.TotalCount,
			Text:    matchText(r.FilteredCount, r.TotalCount),
		}
	}
	return resp
}

func (h *SessionHandler) resolveAPIKey(body, header string) string {
	switch {
	case body != "":
		return body
	case header != "":
		return header
	default:
		return h.defaultAPIKey
	}
}

// checkRequest validates the request and fills in the effective API key.
func (h *SessionHandler) checkRequest(req *MessageRequest, headerKey string) error {
	if err := h.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := h.filters.Validate(req.Filters); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	req.APIKey = h.resolveAPIKey(req.APIKey, headerKey)
	return nil
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	s := h.sessions.Create()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":    s.ID(),
		"state": s.State(),
	})
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	s, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(s.Snapshot())
}

func (h *SessionHandler) Submit(c *fiber.Ctx) error {
	sessionID := c.Params("id")

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return errorResponse(c, err)
	}

	var req MessageRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if q, ok := c.Locals(validation.SanitizedQueryKey).(string); ok {
		req.Query = q
	}

	if err := h.checkRequest(&req, c.Get(APIKeyHeader)); err != nil {
		return errorResponse(c, err)
	}

	reply, err := s.Submit(c.UserContext(), conversation.Request{
		Query:   req.Query,
		Filters: req.Filters,
		APIKey:  req.APIKey,
	}, nil)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(newMessageResponse(sessionID, reply))
}

func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	s, err := h.sessions.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	s.Reset()
	return c.JSON(s.Snapshot())
}

func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Delete(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

var errInvalidRequest = errors.New("invalid request")

// errorResponse maps domain errors to a status and an Estonian message.
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, conversation.ErrMissingAPIKey),
		errors.Is(err, conversation.ErrEmptyQuery):
		status = fiber.StatusBadRequest
	case errors.Is(err, errInvalidRequest):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, conversation.ErrSessionBusy):
		status = fiber.StatusConflict
	case errors.Is(err, conversation.ErrModelCall):
		status = fiber.StatusBadGateway
	case errors.Is(err, conversation.ErrRetrieval):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusRequestTimeout
	}

	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	return c.Status(status).JSON(fiber.Map{
		"error": conversation.UserMessage(err),
	})
}
