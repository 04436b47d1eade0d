// Package dlqadmin exposes operator tooling over the dead-letter
// stream: inspection, reprocessing and aggregate failure analysis.
package dlqadmin

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/stream"
)

type Service struct {
	stream *stream.Stream
	topic  string
	logger *zap.Logger
}

func NewService(st *stream.Stream, topic string, logger *zap.Logger) *Service {
	return &Service{stream: st, topic: topic, logger: logger}
}

type ListFilter struct {
	From     time.Time
	To       time.Time
	Kind     string
	Category string
	Limit    int64
}

// List returns dead entries in the time range, newest window first,
// optionally filtered by message kind and error category.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]stream.DeadEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.To.IsZero() {
		filter.To = time.Now()
	}
	if filter.From.IsZero() {
		filter.From = filter.To.Add(-24 * time.Hour)
	}

	entries, err := s.stream.DLQEntries(ctx, s.topic, filter.From, filter.To, filter.Limit)
	if err != nil {
		return nil, err
	}

	if filter.Kind == "" && filter.Category == "" {
		return entries, nil
	}
	filtered := entries[:0]
	for _, e := range entries {
		if filter.Kind != "" && string(e.MessageKind) != filter.Kind {
			continue
		}
		if filter.Category != "" && string(e.ErrorCategory) != filter.Category {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

func (s *Service) Get(ctx context.Context, id string) (stream.DeadEntry, error) {
	entry, found, err := s.stream.GetDLQ(ctx, s.topic, id)
	if err != nil {
		return stream.DeadEntry{}, err
	}
	if !found {
		return stream.DeadEntry{}, faults.NotFound("dead entry %s not found", id)
	}
	return entry, nil
}

// Reprocess republishes a dead entry onto its original queue (or an
// explicit target) and removes it from the dead-letter stream. The
// republished envelope is flagged so a second failure is traceable to
// the replay.
func (s *Service) Reprocess(ctx context.Context, id, targetQueue string, resetRetry bool) (string, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	queue := targetQueue
	if queue == "" {
		queue = entry.OriginalQueue
	}
	if queue == "" {
		queue = s.topic
	}

	env := entry.Envelope
	env.ReprocessedFromDLQ = true
	if resetRetry {
		env.RetryCount = 0
	}

	idHint := ""
	if env.Event != nil {
		idHint = env.Event.GatewayMessageID
	}
	newID, err := s.stream.Publish(ctx, queue, env, idHint)
	if err != nil {
		return "", err
	}
	if err := s.stream.DeleteDLQ(ctx, s.topic, id); err != nil {
		s.logger.Warn("reprocessed entry left in dead-letter stream",
			zap.String("dlq_id", id), zap.Error(err))
	}
	s.logger.Info("dead entry reprocessed",
		zap.String("dlq_id", id),
		zap.String("new_stream_id", newID),
		zap.String("queue", queue),
		zap.Bool("reset_retry", resetRetry))
	return newID, nil
}

type ReprocessOutcome struct {
	ID          string `json:"id"`
	Success     bool   `json:"success"`
	NewStreamID string `json:"new_stream_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BulkReprocess replays each ID independently and reports per-ID
// outcomes; one bad entry never aborts the batch.
func (s *Service) BulkReprocess(ctx context.Context, ids []string, targetQueue string, resetRetry bool) []ReprocessOutcome {
	outcomes := make([]ReprocessOutcome, 0, len(ids))
	for _, id := range ids {
		newID, err := s.Reprocess(ctx, id, targetQueue, resetRetry)
		outcome := ReprocessOutcome{ID: id, Success: err == nil, NewStreamID: newID}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Purge drops entries older than the cutoff from the stream and its
// time index.
func (s *Service) Purge(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, faults.Validation("older_than_days must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.stream.PurgeDLQ(ctx, s.topic, cutoff)
}

type Analysis struct {
	Total           int            `json:"total"`
	ByMessageKind   map[string]int `json:"by_message_kind"`
	ByErrorCategory map[string]int `json:"by_error_category"`
	BySource        map[string]int `json:"by_source"`
	ByHour          map[string]int `json:"by_hour"`
	TopErrors       []ErrorCount   `json:"top_errors"`
}

type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// Analyze aggregates the recent dead-letter window into histograms for
// the operator dashboard.
func (s *Service) Analyze(ctx context.Context, hoursBack int) (Analysis, error) {
	if hoursBack <= 0 || hoursBack > 24*30 {
		hoursBack = 24
	}
	now := time.Now()
	entries, err := s.stream.DLQEntries(ctx, s.topic, now.Add(-time.Duration(hoursBack)*time.Hour), now, 5000)
	if err != nil {
		return Analysis{}, err
	}

	analysis := Analysis{
		Total:           len(entries),
		ByMessageKind:   map[string]int{},
		ByErrorCategory: map[string]int{},
		BySource:        map[string]int{},
		ByHour:          map[string]int{},
	}
	errorCounts := map[string]int{}
	for _, e := range entries {
		analysis.ByMessageKind[string(e.MessageKind)]++
		analysis.ByErrorCategory[string(e.ErrorCategory)]++
		analysis.BySource[e.Source]++
		analysis.ByHour[e.FailedAt.UTC().Format("2006-01-02T15")]++
		errorCounts[e.ErrorText]++
	}

	for text, count := range errorCounts {
		analysis.TopErrors = append(analysis.TopErrors, ErrorCount{Error: text, Count: count})
	}
	sort.Slice(analysis.TopErrors, func(i, j int) bool {
		if analysis.TopErrors[i].Count != analysis.TopErrors[j].Count {
			return analysis.TopErrors[i].Count > analysis.TopErrors[j].Count
		}
		return analysis.TopErrors[i].Error < analysis.TopErrors[j].Error
	})
	if len(analysis.TopErrors) > 10 {
		analysis.TopErrors = analysis.TopErrors[:10]
	}
	return analysis, nil
}

type Stats struct {
	DLQDepth     int64 `json:"dlq_depth"`
	StreamDepth  int64 `json:"stream_depth"`
	PendingCount int64 `json:"pending_count"`
}

// Stats returns the cheap depth counters without scanning entries.
func (s *Service) Stats(ctx context.Context, group string) (Stats, error) {
	dlq, err := s.stream.DLQLen(ctx, s.topic)
	if err != nil {
		return Stats{}, err
	}
	depth, err := s.stream.Len(ctx, s.topic)
	if err != nil {
		return Stats{}, err
	}
	pending, err := s.stream.PendingCount(ctx, s.topic, group)
	if err != nil {
		return Stats{}, err
	}
	return Stats{DLQDepth: dlq, StreamDepth: depth, PendingCount: pending}, nil
}
