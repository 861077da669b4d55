// Package api assembles the fiber application.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/course-advisor/backend/internal/api/handlers"
	"github.com/course-advisor/backend/internal/conversation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/internal/middleware/ratelimit"
	"github.com/course-advisor/backend/internal/middleware/security"
	"github.com/course-advisor/backend/internal/middleware/validation"
	"github.com/course-advisor/backend/pkg/logger"
)

type Options struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BodyLimit      int
	AllowedOrigins []string
	MaxQueryLength int
	Development    bool
	// AccessLog enables the fiber request logger.
	AccessLog bool
	// DefaultAPIKey serves requests that bring no model key.
	DefaultAPIKey string
	// TurnLimiter bounds model turns per session, over REST and websocket.
	TurnLimiter *ratelimit.RateLimiter
	// SessionLimiter bounds session creation per client IP.
	SessionLimiter *ratelimit.RateLimiter
	// ReadyChecks are pinged by /api/v1/ready.
	ReadyChecks map[string]handlers.Pinger
}

func NewApp(sessions *conversation.Manager, catalog conversation.CatalogSource, filters filter.Engine, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})

	origins := "*"
	if len(opts.AllowedOrigins) > 0 {
		origins = strings.Join(opts.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + handlers.APIKeyHeader,
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: opts.AllowedOrigins,
		IsDevelopment:  opts.Development,
	}))

	sessionHandler := handlers.NewSessionHandler(sessions, filters, opts.DefaultAPIKey)
	catalogHandler := handlers.NewCatalogHandler(catalog, filters)
	healthHandler := handlers.NewHealthHandler(catalog, opts.ReadyChecks)
	wsHandler := handlers.NewWebSocketHandler(sessionHandler, opts.TurnLimiter)

	limitTurns, limitSessions := passThrough, passThrough
	if opts.TurnLimiter != nil {
		limitTurns = opts.TurnLimiter.Middleware()
	}
	if opts.SessionLimiter != nil {
		limitSessions = opts.SessionLimiter.Middleware()
	}

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", validation.Middleware(validation.Config{
		MaxQueryLength: opts.MaxQueryLength,
		Logger:         logger.GetLogger(),
	}))

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	api.Get("/filters", catalogHandler.Filters)
	api.Post("/catalog/count", catalogHandler.Count)

	api.Post("/sessions", limitSessions, sessionHandler.Create)
	api.Get("/sessions/:id", sessionHandler.Get)
	api.Post("/sessions/:id/messages", limitTurns, sessionHandler.Submit)
	api.Post("/sessions/:id/reset", sessionHandler.Reset)
	api.Delete("/sessions/:id", sessionHandler.Delete)

	app.Get("/ws/sessions/:id", wsHandler.Upgrade, websocket.New(wsHandler.HandleConnection))

	return app
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}
