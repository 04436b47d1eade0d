// Package worker runs the consumer-group pipeline: claim abandoned
// entries, consume fresh ones, execute the routed workflow and settle
// every entry with exactly one of ack, retry republish or dead-letter.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imovelbot/internal/gateway"
	"imovelbot/internal/idempotency"
	"imovelbot/internal/observability"
	"imovelbot/internal/stream"
	"imovelbot/internal/workflow"
)

type Config struct {
	Topic            string
	Group            string
	WorkerCount      int
	Batch            int64
	Block            time.Duration
	MaxRetries       int
	AutoClaimMinIdle time.Duration
	StreamMaxLen     int64
	MaintenanceEvery time.Duration
	EntryTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Topic:            stream.Topic,
		Group:            stream.Group,
		WorkerCount:      4,
		Batch:            10,
		Block:            5 * time.Second,
		MaxRetries:       3,
		AutoClaimMinIdle: 5 * time.Minute,
		StreamMaxLen:     100000,
		MaintenanceEvery: time.Minute,
		EntryTimeout:     2 * time.Minute,
	}
}

type Worker struct {
	config   Config
	stream   *stream.Stream
	idem     *idempotency.Store
	gateway  *gateway.Client
	registry *workflow.Registry
	engine   *workflow.Engine
	logger   *zap.Logger
	metrics  *observability.Metrics
	hostname string
}

func New(config Config, st *stream.Stream, idem *idempotency.Store, gw *gateway.Client, registry *workflow.Registry, engine *workflow.Engine, logger *zap.Logger, metrics *observability.Metrics) *Worker {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if config.EntryTimeout <= 0 {
		config.EntryTimeout = DefaultConfig().EntryTimeout
	}
	return &Worker{
		config:   config,
		stream:   st,
		idem:     idem,
		gateway:  gw,
		registry: registry,
		engine:   engine,
		logger:   logger,
		metrics:  metrics,
		hostname: hostname,
	}
}

// Run blocks until ctx is cancelled. It spawns the consumer goroutines
// and a maintenance loop, then drains them on shutdown. Entries being
// processed at shutdown stay pending and are auto-claimed later.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.EnsureGroup(ctx, w.config.Topic, w.config.Group); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < w.config.WorkerCount; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("processor-%s-%s-%d", w.hostname, uuid.NewString()[:8], i)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintenanceLoop(ctx)
	}()

	w.logger.Info("worker pool started",
		zap.Int("workers", w.config.WorkerCount),
		zap.String("topic", w.config.Topic),
		zap.String("group", w.config.Group))

	wg.Wait()
	w.logger.Info("worker pool stopped")
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, consumer string) {
	logger := w.logger.With(zap.String("consumer", consumer))
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.stream.AutoClaim(ctx, w.config.Topic, w.config.Group, consumer, w.config.AutoClaimMinIdle, w.config.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("auto-claim failed", zap.Error(err))
			w.backoffSleep(ctx)
			continue
		}
		for _, entry := range claimed {
			if ctx.Err() != nil {
				return
			}
			logger.Info("processing claimed entry",
				zap.String("stream_id", entry.ID),
				zap.Int64("delivery_count", entry.DeliveryCount))
			w.process(ctx, entry)
		}

		entries, err := w.stream.Consume(ctx, w.config.Topic, w.config.Group, consumer, w.config.Batch, w.config.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("consume failed, reconnecting", zap.Error(err))
			w.backoffSleep(ctx)
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			w.process(ctx, entry)
		}
	}
}

// backoffSleep pauses one second plus jitter so a flapping Redis is not
// hammered by every consumer at once.
func (w *Worker) backoffSleep(ctx context.Context) {
	delay := time.Second + time.Duration(rand.Intn(500))*time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// retryDelay is the republish pause for attempt n, capped at a minute.
func retryDelay(retryCount int) time.Duration {
	secs := math.Min(60, math.Pow(2, float64(retryCount)))
	return time.Duration(secs) * time.Second
}

func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.MaintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.stream.Trim(ctx, w.config.Topic, w.config.StreamMaxLen); err != nil {
				w.logger.Warn("stream trim failed", zap.Error(err))
			}
			w.refreshDepthGauges(ctx)
		}
	}
}

func (w *Worker) refreshDepthGauges(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if n, err := w.stream.Len(ctx, w.config.Topic); err == nil {
		w.metrics.StreamDepth.Set(float64(n))
	}
	if n, err := w.stream.PendingCount(ctx, w.config.Topic, w.config.Group); err == nil {
		w.metrics.PendingEntries.Set(float64(n))
	}
	if n, err := w.stream.DLQLen(ctx, w.config.Topic); err == nil {
		w.metrics.DLQDepth.Set(float64(n))
	}
}
