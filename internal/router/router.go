package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/newcircuit/modmail/internal/config"
	"github.com/newcircuit/modmail/internal/handler"
	"github.com/newcircuit/modmail/internal/middleware"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ModmailHandler     *handler.ModmailHandler
	EventStreamHandler *handler.EventStreamHandler
	JWTMiddleware      fiber.Handler
	RateLimit          int
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	if deps.ModmailHandler == nil {
		return
	}

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	}

	// Registered after /health so health checks stay public.
	protected := api.Group("",
		jwtMiddleware,
		middleware.RequireRole(models.RoleMod, models.RoleAdmin),
		middleware.RateLimit("modmail", deps.RateLimit, time.Minute),
	)
	deps.ModmailHandler.Register(protected)
	if deps.EventStreamHandler != nil {
		deps.EventStreamHandler.Register(protected)
	}
}
