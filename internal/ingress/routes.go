package ingress

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"imovelbot/internal/admission"
	"imovelbot/internal/observability"
)

// SetupRoutes wires middleware and the public endpoints. Admin routes
// are mounted separately by the composition root.
func SetupRoutes(app *fiber.App, handlers *Handlers, logger *zap.Logger, metrics *observability.Metrics, monitor *admission.Monitor, limiter *admission.RateLimiter, throttle *admission.Throttle, allowedOrigins string, metricsEnabled bool) {
	SetupMiddleware(app, logger, metrics, monitor, limiter, throttle, allowedOrigins)

	app.Get("/health", handlers.Health)
	app.Get("/health/ready", handlers.Ready)
	app.Get("/health/live", handlers.Live)

	if metricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	app.Post("/webhook", handlers.Webhook)
	app.Post("/webhook/evolution", handlers.Webhook)
	app.Post("/send-message", handlers.SendMessage)
}
