// Package ingress is the HTTP front of the pipeline: the gateway
// webhook, the outbound send endpoint and the health surface.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"imovelbot/internal/convstate"
	"imovelbot/internal/event"
	"imovelbot/internal/faults"
	"imovelbot/internal/gateway"
	"imovelbot/internal/idempotency"
	"imovelbot/internal/observability"
	"imovelbot/internal/persistence"
	"imovelbot/internal/stream"
)

type Handlers struct {
	stream        *stream.Stream
	conv          *convstate.Store
	idem          *idempotency.Store
	gateway       *gateway.Client
	redis         *persistence.RedisClient
	postgres      *persistence.PostgresDB
	logger        *zap.Logger
	metrics       *observability.Metrics
	topic         string
	webhookSecret string
}

func NewHandlers(st *stream.Stream, conv *convstate.Store, idem *idempotency.Store, gw *gateway.Client, redisClient *persistence.RedisClient, pg *persistence.PostgresDB, logger *zap.Logger, metrics *observability.Metrics, topic, webhookSecret string) *Handlers {
	return &Handlers{
		stream:        st,
		conv:          conv,
		idem:          idem,
		gateway:       gw,
		redis:         redisClient,
		postgres:      pg,
		logger:        logger,
		metrics:       metrics,
		topic:         topic,
		webhookSecret: webhookSecret,
	}
}

// Webhook ingests one Evolution event. The contract with the gateway is
// asymmetric on purpose: transient conditions (duplicate, locked, stale)
// answer 200 so the gateway never retries them, while acceptance answers
// 202 after the event is durably in the stream.
func (h *Handlers) Webhook(c *fiber.Ctx) error {
	body := c.Body()
	if !h.verifySignature(body, c.Get("x-webhook-signature")) {
		h.logger.Warn("webhook signature rejected", zap.String("ip", c.IP()))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}

	ev, err := event.ParseEvolution(body)
	if err != nil {
		if errors.Is(err, event.ErrNoMessage) {
			return c.JSON(fiber.Map{"status": "ignored", "reason": "no_message"})
		}
		h.logger.Warn("webhook payload rejected", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := ev.Validate(); err != nil {
		h.logger.Warn("webhook event failed validation", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid event: " + err.Error()})
	}

	corr := observability.NewCorrelation(ev.ConversationKey(), ev.GatewayMessageID)
	ctx := c.UserContext()
	logger := h.logger.With(corr.Fields()...)

	seen, err := h.idem.Seen(ctx, ev.GatewayMessageID)
	if err != nil {
		logger.Error("idempotency check failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "idempotency check failed"})
	}
	if seen {
		logger.Info("duplicate event skipped")
		return c.JSON(fiber.Map{"status": "skipped", "reason": "duplicate"})
	}

	convKey := ev.ConversationKey()
	locked, err := h.conv.TryLock(ctx, convKey, ev.GatewayMessageID, ev.LockTTL())
	if err != nil {
		logger.Error("conversation lock failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "conversation lock failed"})
	}
	if !locked {
		logger.Info("conversation busy, gateway should retry")
		return c.JSON(fiber.Map{"status": "retry", "reason": "locked"})
	}
	defer func() {
		if err := h.conv.Unlock(ctx, convKey, ev.GatewayMessageID); err != nil {
			logger.Warn("conversation unlock failed, lock expires by TTL", zap.Error(err))
		}
	}()

	last, err := h.conv.LastTimestamp(ctx, convKey)
	if err != nil {
		logger.Warn("last-timestamp read failed, accepting event", zap.Error(err))
	}
	if !last.IsZero() && ev.Timestamp.Before(last) {
		if h.metrics != nil {
			h.metrics.OutOfOrderEventsTotal.Inc()
		}
		logger.Info("stale event skipped",
			zap.Time("event_ts", ev.Timestamp), zap.Time("last_ts", last))
		return c.JSON(fiber.Map{"status": "skipped", "reason": "out_of_order"})
	}

	env := stream.Envelope{
		Event:       ev,
		Priority:    ev.Priority(),
		Source:      "webhook",
		PublishedAt: time.Now(),
	}
	streamID, err := h.stream.Publish(ctx, h.topic, env, ev.GatewayMessageID)
	if err != nil {
		logger.Error("publish failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "enqueue failed"})
	}

	if err := h.conv.SetLastTimestamp(ctx, convKey, ev.Timestamp); err != nil {
		logger.Warn("last-timestamp write failed", zap.Error(err))
	}
	if _, err := h.idem.MarkSeen(ctx, ev.GatewayMessageID); err != nil {
		logger.Warn("seen marker write failed", zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.EventsAcceptedTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	logger.Info("event accepted",
		zap.String("stream_id", streamID),
		zap.String("kind", string(ev.Kind)),
		zap.Int("priority", ev.Priority()))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted", "stream_id": streamID})
}

// verifySignature checks the HMAC-SHA256 of the raw body. An empty
// configured secret disables verification (local development).
func (h *Handlers) verifySignature(body []byte, header string) bool {
	if h.webhookSecret == "" {
		return true
	}
	presented := strings.TrimPrefix(header, "sha256=")
	if presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(presented), []byte(expected))
}

type sendMessageRequest struct {
	Instance string `json:"instance"`
	Number   string `json:"number"`
	Text     string `json:"text"`
	QuotedID string `json:"quoted_id"`
}

// SendMessage is the operator pass-through to the channel gateway.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Instance == "" || req.Number == "" || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "instance, number and text are required"})
	}

	corr := observability.NewCorrelation(req.Instance+":"+req.Number, "")
	if err := h.gateway.SendText(c.UserContext(), corr, req.Instance, req.Number, req.Text, req.QuotedID); err != nil {
		h.logger.Error("outbound send failed", append(corr.Fields(), zap.Error(err))...)
		status := fiber.StatusBadGateway
		if faults.KindOf(err) == faults.KindCircuitOpen {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "sent"})
}

// Health reports dependency state: unhealthy when a hard dependency
// (redis, postgres) is down, degraded when only the gateway is
// unreachable.
func (h *Handlers) Health(c *fiber.Ctx) error {
	ctx := c.UserContext()
	deps := fiber.Map{}
	status := "healthy"
	httpStatus := fiber.StatusOK

	if err := h.redis.Ping(ctx).Err(); err != nil {
		deps["redis"] = "down"
		status = "unhealthy"
	} else {
		deps["redis"] = "up"
	}

	if h.postgres != nil {
		if err := h.postgres.HealthCheck(ctx); err != nil {
			deps["postgres"] = "down"
			status = "unhealthy"
		} else {
			deps["postgres"] = "up"
		}
	}

	if h.gateway != nil {
		if h.gateway.Healthy(ctx) {
			deps["gateway"] = "up"
		} else {
			deps["gateway"] = "down"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	if status == "unhealthy" {
		httpStatus = fiber.StatusServiceUnavailable
	}
	return c.Status(httpStatus).JSON(fiber.Map{"status": status, "dependencies": deps})
}

// Ready gates rollout traffic on the stream backend alone.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	if err := h.redis.Ping(c.UserContext()).Err(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ready": false})
	}
	return c.JSON(fiber.Map{"ready": true})
}

func (h *Handlers) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"alive": true})
}
