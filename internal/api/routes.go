package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sendhub/internal/auth"
	"sendhub/internal/config"
	"sendhub/internal/ratelimit"
)

func SetupRoutes(
	app *fiber.App,
	cfg *config.Config,
	logger *zap.Logger,
	handlers *Handlers,
	authService *auth.Service,
	limiter *ratelimit.Limiter,
) {
	SetupMiddleware(app, logger)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	// Provider callbacks authenticate by their own signing schemes, not by
	// tenant API key.
	app.Post("/v1/events/:provider", handlers.ProviderEvents)

	v1 := app.Group("/v1", authService.RequireAPIKey(), RequestRateLimit(cfg, limiter))

	v1.Post("/batches", handlers.CreateBatch)
	v1.Get("/batches/:id", handlers.GetBatch)
	v1.Post("/batches/:id/send", handlers.SendBatch)
	v1.Post("/batches/:id/pause", handlers.PauseBatch)
	v1.Post("/batches/:id/resume", handlers.ResumeBatch)
	v1.Post("/batches/:id/cancel", handlers.CancelBatch)

	v1.Post("/send-configs", handlers.CreateSendConfig)
	v1.Get("/send-configs/:id", handlers.GetSendConfig)
}
