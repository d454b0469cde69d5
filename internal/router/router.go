package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	GradingHandler *handler.GradingHandler
	Health         handler.HealthInfo
	Gatherer       prometheus.Gatherer
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler(deps.Gatherer))

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Health))

	if deps.GradingHandler == nil {
		return
	}

	// Without a secret the grader trusts its network, as in local development.
	auth := func(c *fiber.Ctx) error { return c.Next() }
	graderOnly := auth
	operatorOnly := auth
	if cfg.JWTSecret != "" {
		auth = middleware.CallerAuth(cfg.JWTSecret)
		graderOnly = middleware.RequireRole(middleware.RoleGrader, middleware.RoleOperator)
		operatorOnly = middleware.RequireRole(middleware.RoleOperator)
	}

	grading := api.Group("/grading", auth, graderOnly,
		middleware.RateLimit("grading", cfg.RateLimit.Max, cfg.RateLimit.Window))
	deps.GradingHandler.RegisterGrading(grading)

	operator := api.Group("/operator", auth, operatorOnly)
	deps.GradingHandler.RegisterOperator(operator)
}
