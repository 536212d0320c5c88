package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/handler"
	"github.com/noah-isme/gema-grading-engine/internal/middleware"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	InstanceHandler    *handler.InstanceHandler
	AssessmentHandler  *handler.AssessmentHandler
	JobSequenceHandler *handler.JobSequenceHandler
	HealthProbes       map[string]handler.HealthProbe
	JWTMiddleware      fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & metrics
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	api.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)

	if deps.InstanceHandler != nil {
		deps.InstanceHandler.Register(v2)
	}

	if deps.AssessmentHandler != nil {
		deps.AssessmentHandler.Register(v2.Group("/assessments"))
	}

	if deps.JobSequenceHandler != nil {
		staff := middleware.RequireStaff()
		deps.JobSequenceHandler.Register(v2.Group("/job-sequences", staff))
	}
}
