package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a per-client sliding window over Redis sorted
// sets. Each request is a zset member scored by its unix-nano arrival
// time; members older than the window are pruned on every check.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	burst  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, perMinute, burst int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{rdb: rdb, limit: perMinute, burst: burst, window: window}
}

type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int
}

// Allow records the request and decides whether it fits the window.
// Insert, trim and count run in a single MULTI/EXEC so concurrent
// requests each observe their own insertion; at most limit+burst of
// them can see a count inside the window. Redis errors fail open: a
// broken limiter must not take ingress down.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) (RateDecision, error) {
	key := "rate_limit:" + clientID
	now := time.Now()
	cutoff := now.Add(-rl.window).UnixNano()
	max := rl.limit + rl.burst
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := rl.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{Allowed: true, Remaining: max}, err
	}

	count := int(countCmd.Val())
	if count > max {
		retryAfter, err := rl.retryAfter(ctx, key, now)
		if err != nil {
			retryAfter = int(rl.window.Seconds())
		}
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
	}
	return RateDecision{Allowed: true, Remaining: max - count}, nil
}

// retryAfter reports the seconds until the oldest entry ages out of the
// window, which is when one slot frees up.
func (rl *RateLimiter) retryAfter(ctx context.Context, key string, now time.Time) (int, error) {
	oldest, err := rl.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return int(rl.window.Seconds()), err
	}
	oldestAt := time.Unix(0, int64(oldest[0].Score))
	wait := oldestAt.Add(rl.window).Sub(now)
	secs := int(wait.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs, nil
}

// ClientID derives the limiter identity for a request, in precedence
// order: explicit correlation header, API key prefix, bearer token
// prefix, remote IP.
func ClientID(clientHeader, apiKey, authorization, remoteIP string) string {
	if clientHeader != "" {
		return "hdr:" + clientHeader
	}
	if apiKey != "" {
		return "key:" + prefix(apiKey, 12)
	}
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok && token != "" {
		return "tok:" + prefix(token, 12)
	}
	return "ip:" + remoteIP
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
