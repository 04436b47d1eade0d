// Package convstate tracks the per-conversation ordering marker and the
// short-lived webhook lock. The lock guards only the enqueue decision;
// workers order on stream IDs, never on this lock.
package convstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/persistence"
)

const timestampTTL = 1 * time.Hour

type Store struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
}

func NewStore(redisClient *persistence.RedisClient, logger *zap.Logger) *Store {
	return &Store{redis: redisClient, logger: logger}
}

func tsKey(conversationKey string) string {
	return fmt.Sprintf("conv:%s:last_ts", conversationKey)
}

func lockKey(conversationKey string) string {
	return fmt.Sprintf("conv:%s:lock", conversationKey)
}

// LastTimestamp returns the newest accepted event time for the
// conversation, or zero time when none is recorded.
func (s *Store) LastTimestamp(ctx context.Context, conversationKey string) (time.Time, error) {
	val, err := s.redis.Get(ctx, tsKey(conversationKey)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, faults.Connection(err, "read last timestamp for %s", conversationKey)
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (s *Store) SetLastTimestamp(ctx context.Context, conversationKey string, ts time.Time) error {
	err := s.redis.Set(ctx, tsKey(conversationKey), strconv.FormatInt(ts.Unix(), 10), timestampTTL).Err()
	if err != nil {
		return faults.Connection(err, "set last timestamp for %s", conversationKey)
	}
	return nil
}

// TryLock atomically acquires the conversation lock for ttl. holder is the
// caller's identity; only the holder may release.
func (s *Store) TryLock(ctx context.Context, conversationKey, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, lockKey(conversationKey), holder, ttl).Result()
	if err != nil {
		return false, faults.Connection(err, "acquire lock for %s", conversationKey)
	}
	return ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Unlock releases the lock only while holder still owns it.
func (s *Store) Unlock(ctx context.Context, conversationKey, holder string) error {
	err := unlockScript.Run(ctx, s.redis, []string{lockKey(conversationKey)}, holder).Err()
	if err != nil && err != redis.Nil {
		s.logger.Warn("failed to release conversation lock",
			zap.String("conversation_key", conversationKey), zap.Error(err))
		return faults.Connection(err, "release lock for %s", conversationKey)
	}
	return nil
}
