// Package admission gates inbound HTTP traffic on queue depth: a
// backpressure level derived from stream depth, a sliding-window rate
// limiter and an advisory adaptive throttle.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/observability"
	"imovelbot/internal/stream"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func (l Level) gaugeValue() float64 {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	default:
		return 3
	}
}

// Timeout is the per-request deadline granted at this level.
func (l Level) Timeout() time.Duration {
	switch l {
	case LevelLow:
		return 30 * time.Second
	case LevelMedium:
		return 20 * time.Second
	case LevelHigh:
		return 15 * time.Second
	default:
		return 10 * time.Second
	}
}

type Sample struct {
	StreamLen    int64
	PendingCount int64
	DLQLen       int64
	AdjustedLoad int64
	Level        Level
	TakenAt      time.Time
}

// RetryAfter is the client backoff hint in critical state, clamped to
// [10s, 60s].
func (s Sample) RetryAfter() int {
	secs := s.AdjustedLoad / 50
	if secs < 10 {
		return 10
	}
	if secs > 60 {
		return 60
	}
	return int(secs)
}

// Monitor samples queue depth at most once per check interval and caches
// the result off the hot path.
type Monitor struct {
	stream           *stream.Stream
	logger           *zap.Logger
	metrics          *observability.Metrics
	topic            string
	group            string
	threshold        int64
	pendingThreshold int64
	interval         time.Duration

	mu     sync.Mutex
	cached Sample
}

func NewMonitor(st *stream.Stream, logger *zap.Logger, metrics *observability.Metrics, topic, group string, queueThreshold, pendingThreshold int64, checkInterval time.Duration) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	return &Monitor{
		stream:           st,
		logger:           logger,
		metrics:          metrics,
		topic:            topic,
		group:            group,
		threshold:        queueThreshold,
		pendingThreshold: pendingThreshold,
		interval:         checkInterval,
	}
}

// Current returns the cached sample, refreshing it when stale. Sampling
// errors degrade to the last known sample rather than failing requests.
func (m *Monitor) Current(ctx context.Context) Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.cached.TakenAt) < m.interval {
		return m.cached
	}

	sample, err := m.take(ctx)
	if err != nil {
		m.logger.Warn("backpressure sampling failed, using stale sample", zap.Error(err))
		if m.cached.TakenAt.IsZero() {
			m.cached = Sample{Level: LevelLow, TakenAt: time.Now()}
		} else {
			m.cached.TakenAt = time.Now()
		}
		return m.cached
	}

	m.cached = sample
	return sample
}

func (m *Monitor) take(ctx context.Context) (Sample, error) {
	streamLen, err := m.stream.Len(ctx, m.topic)
	if err != nil {
		return Sample{}, err
	}
	pending, err := m.stream.PendingCount(ctx, m.topic, m.group)
	if err != nil {
		return Sample{}, err
	}
	dlqLen, err := m.stream.DLQLen(ctx, m.topic)
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{
		StreamLen:    streamLen,
		PendingCount: pending,
		DLQLen:       dlqLen,
		AdjustedLoad: streamLen + pending + 2*dlqLen,
		TakenAt:      time.Now(),
	}
	sample.Level = m.levelFor(sample.AdjustedLoad)
	// a deep pending list means stalled consumers even when the stream
	// itself is short
	if m.pendingThreshold > 0 && pending >= m.pendingThreshold && sample.Level != LevelCritical {
		sample.Level = LevelHigh
	}

	if m.metrics != nil {
		m.metrics.StreamDepth.Set(float64(streamLen))
		m.metrics.PendingEntries.Set(float64(pending))
		m.metrics.DLQDepth.Set(float64(dlqLen))
		m.metrics.AdmissionLevel.Set(sample.Level.gaugeValue())
	}
	return sample, nil
}

func (m *Monitor) levelFor(adjustedLoad int64) Level {
	load := float64(adjustedLoad)
	threshold := float64(m.threshold)
	switch {
	case load < 0.5*threshold:
		return LevelLow
	case load < 0.8*threshold:
		return LevelMedium
	case load < threshold:
		return LevelHigh
	default:
		return LevelCritical
	}
}
