package admission

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"imovelbot/internal/observability"
)

// exempt paths bypass admission so operators and probes keep visibility
// while the system sheds load.
func exempt(path string) bool {
	return path == "/metrics" || path == "/health" || strings.HasPrefix(path, "/health/")
}

// Backpressure rejects with 503 when the queue is critically loaded.
// Admitted requests get the load level stamped and their context
// deadline tightened to the level's timeout, so every downstream call
// inherits it.
func Backpressure(monitor *Monitor, metrics *observability.Metrics, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if exempt(c.Path()) {
			return c.Next()
		}

		sample := monitor.Current(c.UserContext())
		c.Set("X-System-Load", string(sample.Level))

		if sample.Level == LevelCritical {
			if metrics != nil {
				metrics.RejectedTotal.WithLabelValues("backpressure").Inc()
			}
			logger.Warn("request rejected under backpressure",
				zap.String("path", c.Path()),
				zap.Int64("adjusted_load", sample.AdjustedLoad),
				zap.Int64("stream_len", sample.StreamLen),
				zap.Int64("pending", sample.PendingCount),
				zap.Int64("dlq_len", sample.DLQLen))
			c.Set("Retry-After", strconv.Itoa(sample.RetryAfter()))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":       "system overloaded, retry later",
				"retry_after": sample.RetryAfter(),
			})
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), sample.Level.Timeout())
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// RateLimit enforces the per-client sliding window. Limiter errors are
// logged and the request admitted.
func RateLimit(limiter *RateLimiter, metrics *observability.Metrics, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if exempt(c.Path()) {
			return c.Next()
		}

		clientID := ClientID(c.Get("X-Client-ID"), c.Get("apikey"), c.Get("Authorization"), c.IP())
		decision, err := limiter.Allow(c.UserContext(), clientID)
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting request",
				zap.String("client_id", clientID), zap.Error(err))
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			if metrics != nil {
				metrics.RateLimitHitsTotal.Inc()
				metrics.RejectedTotal.WithLabelValues("rate_limit").Inc()
			}
			c.Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"retry_after": decision.RetryAfter,
			})
		}
		return c.Next()
	}
}

// AdaptiveThrottle sleeps admitted requests proportionally to queue
// depth, smoothing bursts before they reach the handlers.
func AdaptiveThrottle(monitor *Monitor, throttle *Throttle) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if exempt(c.Path()) {
			return c.Next()
		}
		sample := monitor.Current(c.UserContext())
		if delay := throttle.Delay(sample.StreamLen); delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.UserContext().Done():
				return c.UserContext().Err()
			}
		}
		return c.Next()
	}
}
