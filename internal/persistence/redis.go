package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions bound the client's connection pool. Zero values keep the
// go-redis defaults.
type RedisOptions struct {
	PoolSize        int
	MinIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisClient struct {
	*redis.Client
}

func NewRedis(ctx context.Context, redisURL string, opts RedisOptions) (*RedisClient, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		parsed.MinIdleConns = opts.MinIdleConns
	}
	if opts.ConnMaxLifetime > 0 {
		parsed.ConnMaxLifetime = opts.ConnMaxLifetime
	}

	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}
