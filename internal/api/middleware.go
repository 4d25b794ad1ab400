package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"sendhub/internal/auth"
	"sendhub/internal/config"
	"sendhub/internal/observability"
	"sendhub/internal/ratelimit"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	app.Use(requestid.New())

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	// Logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		statusCode := fmt.Sprintf("%d", status)
		observability.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Route().Path, statusCode).Inc()
		observability.HTTPRequestDuration.WithLabelValues(c.Method(), c.Route().Path, statusCode).Observe(duration.Seconds())

		return err
	})

}

// RequestRateLimit throttles each tenant's API calls. This is separate from
// send-path throttling: it protects the API itself. Runs after RequireAPIKey
// so the tenant is known.
func RequestRateLimit(cfg *config.Config, limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.DisableRateLimit {
			return c.Next()
		}

		tenant, err := auth.TenantFromContext(c)
		if err != nil {
			return c.Next()
		}

		acq := limiter.TryAcquire(c.Context(), []ratelimit.Bucket{{
			Key:   "rl:http:" + tenant.ID.String(),
			Rate:  float64(cfg.RateLimitRPS),
			Burst: float64(cfg.RateLimitRPS * 2),
		}})
		if !acq.Allowed {
			retryAfter := (acq.WaitMs + 999) / 1000
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": retryAfter,
			})
		}
		return c.Next()
	}
}
