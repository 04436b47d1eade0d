// Package idempotency suppresses replays of gateway message IDs. The TTL
// must outlive the gateway's replay window.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
	"imovelbot/internal/persistence"
)

const DefaultTTL = 24 * time.Hour

type Store struct {
	redis   *persistence.RedisClient
	logger  *zap.Logger
	metrics *observability.Metrics
	ttl     time.Duration
}

func NewStore(redisClient *persistence.RedisClient, logger *zap.Logger, metrics *observability.Metrics, ttl time.Duration) *Store {
	if ttl < DefaultTTL {
		ttl = DefaultTTL
	}
	return &Store{redis: redisClient, logger: logger, metrics: metrics, ttl: ttl}
}

func seenKey(gatewayMessageID string) string {
	return fmt.Sprintf("seen:%s", gatewayMessageID)
}

// Seen reports whether the ID was already recorded. The duplicate counter
// increments on every hit.
func (s *Store) Seen(ctx context.Context, gatewayMessageID string) (bool, error) {
	n, err := s.redis.Exists(ctx, seenKey(gatewayMessageID)).Result()
	if err != nil {
		return false, faults.Connection(err, "idempotency check for %s", gatewayMessageID)
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.DuplicateEventsTotal.Inc()
		}
		return true, nil
	}
	return false, nil
}

// MarkSeen records the ID set-if-absent; the insert and the membership
// test are one atomic SETNX. Returns false when another caller got there
// first.
func (s *Store) MarkSeen(ctx context.Context, gatewayMessageID string) (bool, error) {
	firstSeen := time.Now().UTC().Format(time.RFC3339Nano)
	inserted, err := s.redis.SetNX(ctx, seenKey(gatewayMessageID), firstSeen, s.ttl).Result()
	if err != nil {
		return false, faults.Connection(err, "mark seen for %s", gatewayMessageID)
	}
	return inserted, nil
}

// MarkProcessed stamps the record once the worker has finished with the
// event; the TTL is refreshed so the processed marker outlives replays.
func (s *Store) MarkProcessed(ctx context.Context, gatewayMessageID string) error {
	processed := fmt.Sprintf("processed:%s", time.Now().UTC().Format(time.RFC3339Nano))
	err := s.redis.Set(ctx, seenKey(gatewayMessageID), processed, s.ttl).Err()
	if err != nil {
		return faults.Connection(err, "mark processed for %s", gatewayMessageID)
	}
	return nil
}

// Forget removes the marker; used when a publish fails after marking so
// the gateway's resend is not swallowed.
func (s *Store) Forget(ctx context.Context, gatewayMessageID string) error {
	return s.redis.Del(ctx, seenKey(gatewayMessageID)).Err()
}

// FirstReply claims the reply slot for a stream entry. Redeliveries of
// an entry whose reply already went out must not send a second one, so
// the claim is a SETNX on the stream ID.
func (s *Store) FirstReply(ctx context.Context, streamID string) (bool, error) {
	claimed, err := s.redis.SetNX(ctx, "replied:"+streamID, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, faults.Connection(err, "reply guard for %s", streamID)
	}
	return claimed, nil
}
