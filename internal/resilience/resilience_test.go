package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
)

func fastPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), zap.NewNop(), observability.Correlation{}, fastPolicy(3), "test.op",
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return faults.Connection(errors.New("refused"), "agent unreachable")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryableFault(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), zap.NewNop(), observability.Correlation{}, fastPolicy(3), "test.op",
		func(ctx context.Context) error {
			calls++
			return faults.Validation("bad payload")
		})
	if err == nil {
		t.Fatal("validation fault must surface")
	}
	if calls != 1 {
		t.Errorf("calls = %d, non-retryable faults must not be retried", calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, zap.NewNop(), observability.Correlation{}, fastPolicy(5), "test.op",
		func(ctx context.Context) error {
			calls++
			cancel()
			return faults.Connection(errors.New("refused"), "agent unreachable")
		})
	if err == nil {
		t.Fatal("cancelled retry must fail")
	}
	if calls > 2 {
		t.Errorf("calls = %d, cancellation must stop the retry loop", calls)
	}
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	r := NewBreakerRegistry(zap.NewNop(), nil, BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	boom := errors.New("down")
	for i := 0; i < 2; i++ {
		if err := r.Execute(context.Background(), "svc", "fn", func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}

	calls := 0
	err := r.Execute(context.Background(), "svc", "fn", func(ctx context.Context) error {
		calls++
		return nil
	})
	if faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("kind = %s, want circuit_open", faults.KindOf(err))
	}
	if calls != 0 {
		t.Error("open breaker must not invoke the call")
	}
	if r.State("svc", "fn") != "open" {
		t.Errorf("state = %s, want open", r.State("svc", "fn"))
	}
}

func TestBreakersAreIsolatedPerFunction(t *testing.T) {
	r := NewBreakerRegistry(zap.NewNop(), nil, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	if err := r.Execute(context.Background(), "svc", "a", func(ctx context.Context) error { return errors.New("x") }); err == nil {
		t.Fatal("seed failure missing")
	}

	if err := r.Execute(context.Background(), "svc", "b", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("sibling function affected by tripped breaker: %v", err)
	}
}
