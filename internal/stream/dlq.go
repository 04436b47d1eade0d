package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imovelbot/internal/event"
	"imovelbot/internal/faults"
)

// DLQLen returns the depth of the topic's dead-letter stream.
func (s *Stream) DLQLen(ctx context.Context, topic string) (int64, error) {
	return s.Len(ctx, DLQTopic(topic))
}

// DLQEntries returns dead-letter entries whose failure time falls in
// [from, to], oldest first, via the sorted-set time index.
func (s *Stream) DLQEntries(ctx context.Context, topic string, from, to time.Time, count int64) ([]DeadEntry, error) {
	ids, err := s.redis.ZRangeByScore(ctx, dlqIndexTopic(topic), &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", from.Unix()),
		Max:   fmt.Sprintf("%d", to.Unix()),
		Count: count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, faults.Connection(err, "range DLQ index of %s", topic)
	}

	entries := make([]DeadEntry, 0, len(ids))
	for _, id := range ids {
		dead, ok, err := s.GetDLQ(ctx, topic, id)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, dead)
		}
	}
	return entries, nil
}

// GetDLQ fetches one dead-letter entry by its DLQ stream ID.
func (s *Stream) GetDLQ(ctx context.Context, topic, id string) (DeadEntry, bool, error) {
	msgs, err := s.redis.XRange(ctx, DLQTopic(topic), id, id).Result()
	if err != nil && err != redis.Nil {
		return DeadEntry{}, false, faults.Connection(err, "read DLQ entry %s", id)
	}
	if len(msgs) == 0 {
		return DeadEntry{}, false, nil
	}
	dead, err := decodeDead(msgs[0])
	if err != nil {
		return DeadEntry{}, false, faults.Internal(err, "decode DLQ entry %s", id)
	}
	return dead, true, nil
}

// DeleteDLQ removes a dead-letter entry and its index member.
func (s *Stream) DeleteDLQ(ctx context.Context, topic, id string) error {
	if err := s.redis.XDel(ctx, DLQTopic(topic), id).Err(); err != nil {
		return faults.Connection(err, "delete DLQ entry %s", id)
	}
	if err := s.redis.ZRem(ctx, dlqIndexTopic(topic), id).Err(); err != nil {
		return faults.Connection(err, "unindex DLQ entry %s", id)
	}
	return nil
}

// PurgeDLQ deletes entries that failed before the cutoff and returns how
// many were removed.
func (s *Stream) PurgeDLQ(ctx context.Context, topic string, olderThan time.Time) (int, error) {
	ids, err := s.redis.ZRangeByScore(ctx, dlqIndexTopic(topic), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", olderThan.Unix()),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, faults.Connection(err, "range DLQ index of %s", topic)
	}

	purged := 0
	for _, id := range ids {
		if err := s.DeleteDLQ(ctx, topic, id); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func decodeDead(msg redis.XMessage) (DeadEntry, error) {
	dead := DeadEntry{ID: msg.ID}

	raw, ok := msg.Values["data"].(string)
	if !ok {
		return dead, fmt.Errorf("DLQ entry %s has no data field", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &dead.Envelope); err != nil {
		return dead, fmt.Errorf("DLQ entry %s: %w", msg.ID, err)
	}

	dead.ErrorText, _ = msg.Values["error"].(string)
	if cat, ok := msg.Values["error_category"].(string); ok {
		dead.ErrorCategory = faults.Kind(cat)
	}
	dead.OriginalStreamID, _ = msg.Values["original_stream_id"].(string)
	dead.OriginalQueue, _ = msg.Values["original_queue"].(string)
	dead.RetryCount = parseIntField(msg.Values, "retry_count")
	if kind, ok := msg.Values["message_type"].(string); ok {
		dead.MessageKind = event.Kind(kind)
	}
	dead.Source, _ = msg.Values["source"].(string)
	if secs := parseIntField(msg.Values, "failed_at"); secs > 0 {
		dead.FailedAt = time.Unix(int64(secs), 0).UTC()
	}
	if meta, ok := msg.Values["metadata"].(string); ok && meta != "" && meta != "null" {
		_ = json.Unmarshal([]byte(meta), &dead.Metadata)
	}
	return dead, nil
}
