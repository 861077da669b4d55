package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/course-advisor/backend/internal/conversation"
)

// Pinger is a dependency the readiness probe checks, such as SQLite or Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	catalog conversation.CatalogSource
	deps    map[string]Pinger
}

func NewHealthHandler(catalog conversation.CatalogSource, deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{catalog: catalog, deps: deps}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{}
	ready := true

	cat, err := h.catalog.Get(ctx)
	if err != nil {
		checks["catalog"] = err.Error()
		ready = false
	} else {
		checks["catalog"] = fiber.Map{
			"courses":    cat.Len(),
			"embeddings": cat.EmbeddingCount(),
			"dimension":  cat.Dimension(),
		}
	}

	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := fiber.StatusOK
	state := "ready"
	if !ready {
		status = fiber.StatusServiceUnavailable
		state = "not_ready"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"checks": checks,
	})
}
