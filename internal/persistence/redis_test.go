package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisAppliesPoolOptions(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr(), RedisOptions{
		PoolSize:        3,
		MinIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer client.Close()

	opts := client.Options()
	if opts.PoolSize != 3 {
		t.Errorf("pool size = %d, want 3", opts.PoolSize)
	}
	if opts.MinIdleConns != 1 {
		t.Errorf("min idle conns = %d, want 1", opts.MinIdleConns)
	}
	if opts.ConnMaxLifetime != time.Minute {
		t.Errorf("conn max lifetime = %v, want 1m", opts.ConnMaxLifetime)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-url", RedisOptions{}); err == nil {
		t.Fatal("malformed URL must fail")
	}
}
