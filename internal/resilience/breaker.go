// Package resilience holds the circuit breaker and retry wrappers every
// outbound call goes through.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
)

type BreakerConfig struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerRegistry keeps one breaker per (service, function) pair. Breakers
// are created lazily and live for the life of the process.
type BreakerRegistry struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	config  BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerRegistry(logger *zap.Logger, metrics *observability.Metrics, config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		logger:   logger,
		metrics:  metrics,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	default:
		return 2
	}
}

func (r *BreakerRegistry) breaker(service, function string) *gobreaker.CircuitBreaker {
	key := service + "." + function

	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	threshold := r.config.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: key,
		// A single probe in half-open; one success closes the breaker.
		MaxRequests: 1,
		Timeout:     r.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if r.metrics != nil {
				r.metrics.BreakerState.WithLabelValues(service, function).Set(stateValue(to))
				r.metrics.BreakerTransitions.WithLabelValues(service, function, to.String()).Inc()
			}
		},
	})
	r.breakers[key] = cb
	return cb
}

// Execute runs call through the breaker for (service, function). An open
// breaker fails fast with a circuit_open fault.
func (r *BreakerRegistry) Execute(ctx context.Context, service, function string, call func(context.Context) error) error {
	cb := r.breaker(service, function)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, call(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.CircuitOpen(service, function)
	}
	return err
}

// State reports the breaker state for observability endpoints.
func (r *BreakerRegistry) State(service, function string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[service+"."+function]
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
