package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/conversation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/pkg/logger"
)

type CatalogHandler struct {
	catalog conversation.CatalogSource
	filters filter.Engine
}

func NewCatalogHandler(catalog conversation.CatalogSource, filters filter.Engine) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, filters: filters}
}

type CountRequest struct {
	Filters filter.Spec `json:"filters"`
}

// Count previews how many courses a filter selection leaves, without
// touching any session.
func (h *CatalogHandler) Count(c *fiber.Ctx) error {
	var req CountRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if err := h.filters.Validate(req.Filters); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cat, err := h.catalog.Get(c.UserContext())
	if err != nil {
		logger.Error("Catalog unavailable", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Kursuste andmed pole saadaval.",
		})
	}

	rows := cat.Join()
	matched := h.filters.Count(rows, req.Filters)

	return c.JSON(fiber.Map{
		"matched": matched,
		"total":   len(rows),
		"filters": h.filters.Describe(req.Filters),
		"text":    matchText(matched, len(rows)),
	})
}

func (h *CatalogHandler) Filters(c *fiber.Ctx) error {
	return c.JSON(h.filters.Options())
}
