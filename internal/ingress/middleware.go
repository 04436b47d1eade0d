package ingress

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"imovelbot/internal/admission"
	"imovelbot/internal/observability"
)

// SetupMiddleware installs the shared stack. Admission runs before the
// request logger so shed requests stay cheap.
func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, monitor *admission.Monitor, limiter *admission.RateLimiter, throttle *admission.Throttle, allowedOrigins string) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Client-ID,apikey,x-webhook-signature",
	}))

	if monitor != nil {
		app.Use(admission.Backpressure(monitor, metrics, logger))
	}
	if limiter != nil {
		app.Use(admission.RateLimit(limiter, metrics, logger))
	}
	if monitor != nil && throttle != nil {
		app.Use(admission.AdaptiveThrottle(monitor, throttle))
	}

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
			zap.String("user_agent", c.Get("User-Agent")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})
}
