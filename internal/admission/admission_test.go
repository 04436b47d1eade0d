package admission

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imovelbot/internal/persistence"
	"imovelbot/internal/stream"
)

func testBackend(t *testing.T) (*stream.Stream, *persistence.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &persistence.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return stream.New(client, zap.NewNop()), client, mr
}

func TestThrottleDelay(t *testing.T) {
	th := NewThrottle(0, 2*time.Second)
	cases := []struct {
		depth int64
		want  time.Duration
	}{
		{0, 0},
		{99, 0},
		{100, 0},
		{200, 100 * time.Millisecond},
		{500, 400 * time.Millisecond},
		{100000, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := th.Delay(tc.depth); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.depth, got, tc.want)
		}
	}
}

func TestLevelThresholds(t *testing.T) {
	m := &Monitor{threshold: 1000}
	cases := []struct {
		load int64
		want Level
	}{
		{0, LevelLow},
		{499, LevelLow},
		{500, LevelMedium},
		{799, LevelMedium},
		{800, LevelHigh},
		{999, LevelHigh},
		{1000, LevelCritical},
		{5000, LevelCritical},
	}
	for _, tc := range cases {
		if got := m.levelFor(tc.load); got != tc.want {
			t.Errorf("levelFor(%d) = %s, want %s", tc.load, got, tc.want)
		}
	}
}

func TestLevelTimeouts(t *testing.T) {
	if LevelLow.Timeout() != 30*time.Second || LevelCritical.Timeout() != 10*time.Second {
		t.Error("per-level timeouts drifted from 30/20/15/10")
	}
}

func TestRetryAfterClamp(t *testing.T) {
	cases := []struct {
		load int64
		want int
	}{
		{0, 10},
		{200, 10},
		{1500, 30},
		{100000, 60},
	}
	for _, tc := range cases {
		s := Sample{AdjustedLoad: tc.load}
		if got := s.RetryAfter(); got != tc.want {
			t.Errorf("RetryAfter(load=%d) = %d, want %d", tc.load, got, tc.want)
		}
	}
}

func TestClientIDPrecedence(t *testing.T) {
	if got := ClientID("conv-1", "key123456789012345", "Bearer tok", "1.2.3.4"); got != "hdr:conv-1" {
		t.Errorf("header should win, got %s", got)
	}
	if got := ClientID("", "key123456789012345", "Bearer tok", "1.2.3.4"); got != "key:key123456789" {
		t.Errorf("api key prefix expected, got %s", got)
	}
	if got := ClientID("", "", "Bearer tokentokentoken", "1.2.3.4"); got != "tok:tokentokento" {
		t.Errorf("bearer prefix expected, got %s", got)
	}
	if got := ClientID("", "", "", "1.2.3.4"); got != "ip:1.2.3.4" {
		t.Errorf("ip fallback expected, got %s", got)
	}
}

func TestMonitorComputesAdjustedLoad(t *testing.T) {
	st, _, _ := testBackend(t)
	ctx := context.Background()

	if err := st.EnsureGroup(ctx, stream.Topic, stream.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.Publish(ctx, stream.Topic, stream.Envelope{Source: "test"}, ""); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	m := NewMonitor(st, zap.NewNop(), nil, stream.Topic, stream.Group, 1000, 0, time.Millisecond)
	sample := m.Current(ctx)
	if sample.StreamLen != 3 {
		t.Errorf("stream len = %d, want 3", sample.StreamLen)
	}
	if sample.AdjustedLoad != 3 {
		t.Errorf("adjusted load = %d, want 3", sample.AdjustedLoad)
	}
	if sample.Level != LevelLow {
		t.Errorf("level = %s, want low", sample.Level)
	}
}

func TestBackpressureRejectsWhenCritical(t *testing.T) {
	st, _, _ := testBackend(t)
	ctx := context.Background()

	if err := st.EnsureGroup(ctx, stream.Topic, stream.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := st.Publish(ctx, stream.Topic, stream.Envelope{Source: "test"}, ""); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	// threshold below current depth: system is critical
	m := NewMonitor(st, zap.NewNop(), nil, stream.Topic, stream.Group, 5, 0, time.Millisecond)
	app := fiber.New()
	app.Use(Backpressure(m, nil, zap.NewNop()))
	app.Post("/webhook", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/health/ready", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/health/live", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("POST", "/webhook", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("503 must carry Retry-After")
	}
	if resp.Header.Get("X-System-Load") != string(LevelCritical) {
		t.Errorf("X-System-Load = %q, want critical", resp.Header.Get("X-System-Load"))
	}

	// the health surface stays reachable while shedding, probes included
	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err = app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test %s: %v", path, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestBackpressureSetsRequestDeadline(t *testing.T) {
	st, _, _ := testBackend(t)
	m := NewMonitor(st, zap.NewNop(), nil, stream.Topic, stream.Group, 1000, 0, time.Millisecond)

	app := fiber.New()
	app.Use(Backpressure(m, nil, zap.NewNop()))
	app.Post("/webhook", func(c *fiber.Ctx) error {
		deadline, ok := c.UserContext().Deadline()
		if !ok {
			t.Error("admitted request carries no deadline")
		} else if remaining := time.Until(deadline); remaining > LevelLow.Timeout() {
			t.Errorf("deadline %v exceeds the level timeout", remaining)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/webhook", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestMonitorEscalatesOnPendingBacklog(t *testing.T) {
	st, _, _ := testBackend(t)
	ctx := context.Background()

	if err := st.EnsureGroup(ctx, stream.Topic, stream.Group); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.Publish(ctx, stream.Topic, stream.Envelope{Source: "test"}, ""); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// deliver without acking: all three entries stay pending
	if _, err := st.Consume(ctx, stream.Topic, stream.Group, "stalled", 10, 10*time.Millisecond); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	m := NewMonitor(st, zap.NewNop(), nil, stream.Topic, stream.Group, 1000, 2, time.Millisecond)
	if sample := m.Current(ctx); sample.Level != LevelHigh {
		t.Errorf("level = %s with %d pending, want high", sample.Level, sample.PendingCount)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	_, client, _ := testBackend(t)
	ctx := context.Background()

	rl := NewRateLimiter(client.Client, 3, 0, time.Minute)
	for i := 0; i < 3; i++ {
		d, err := rl.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	d, err := rl.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Error("fourth request must be rejected")
	}
	if d.RetryAfter < 1 {
		t.Errorf("retry-after = %d, want >= 1", d.RetryAfter)
	}

	// another client has its own window
	d, err = rl.Allow(ctx, "client-b")
	if err != nil || !d.Allowed {
		t.Errorf("independent client rejected: allowed=%v err=%v", d.Allowed, err)
	}
}

func TestRateLimiterAtomicUnderConcurrency(t *testing.T) {
	_, client, _ := testBackend(t)
	ctx := context.Background()

	rl := NewRateLimiter(client.Client, 5, 0, time.Minute)

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := rl.Allow(ctx, "hot-client")
			if err != nil {
				t.Errorf("Allow: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := allowed.Load(); n != 5 {
		t.Errorf("allowed %d of 50 concurrent requests, want exactly the limit of 5", n)
	}
}

func TestRateLimiterKeyLayout(t *testing.T) {
	_, client, mr := testBackend(t)

	if _, err := NewRateLimiter(client.Client, 3, 0, time.Minute).Allow(context.Background(), "ip:1.2.3.4"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !mr.Exists("rate_limit:ip:1.2.3.4") {
		t.Error("window not stored under rate_limit:{client_id}")
	}
}

func TestRateLimiterSlides(t *testing.T) {
	_, client, mr := testBackend(t)
	ctx := context.Background()

	rl := NewRateLimiter(client.Client, 1, 0, time.Minute)
	if d, _ := rl.Allow(ctx, "c"); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d, _ := rl.Allow(ctx, "c"); d.Allowed {
		t.Fatal("second request should be limited")
	}

	mr.FastForward(61 * time.Second)
	if d, _ := rl.Allow(ctx, "c"); !d.Allowed {
		t.Error("window should have slid open")
	}
}
