// Package stream implements the durable event log on Redis Streams:
// consumer groups, pending-entry tracking, auto-claim of abandoned entries
// and a parallel dead-letter stream with a time index.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imovelbot/internal/event"
	"imovelbot/internal/faults"
	"imovelbot/internal/persistence"
)

const (
	Topic         = "messages:stream"
	Group         = "processors"
	dlqSuffix     = ":dlq"
	dlqIdxSuffix  = ":dlq:index"
	busyGroupText = "BUSYGROUP Consumer Group name already exists"
)

// Envelope is the payload stored with every stream entry. The event is
// immutable after publish; only retry bookkeeping differs between
// republications.
type Envelope struct {
	Event              *event.Inbound `json:"event"`
	Priority           int            `json:"priority"`
	RetryCount         int            `json:"retry_count"`
	Source             string         `json:"source"`
	PublishedAt        time.Time      `json:"published_at"`
	Workflow           string         `json:"workflow,omitempty"`
	ReprocessedFromDLQ bool           `json:"reprocessed_from_dlq,omitempty"`
}

type Entry struct {
	ID            string
	Envelope      Envelope
	DeliveryCount int64
}

type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// DeadEntry is the record written to the dead-letter stream.
type DeadEntry struct {
	ID               string            `json:"id,omitempty"`
	OriginalStreamID string            `json:"original_stream_id"`
	OriginalQueue    string            `json:"original_queue"`
	Envelope         Envelope          `json:"envelope"`
	ErrorText        string            `json:"error"`
	ErrorCategory    faults.Kind       `json:"error_category"`
	RetryCount       int               `json:"retry_count"`
	FailedAt         time.Time         `json:"failed_at"`
	MessageKind      event.Kind        `json:"message_kind"`
	Source           string            `json:"source"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type Stream struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
}

func New(redisClient *persistence.RedisClient, logger *zap.Logger) *Stream {
	return &Stream{redis: redisClient, logger: logger}
}

func DLQTopic(topic string) string      { return topic + dlqSuffix }
func dlqIndexTopic(topic string) string { return topic + dlqIdxSuffix }

// EnsureGroup creates the consumer group for the topic and its DLQ,
// tolerating already-existing groups.
func (s *Stream) EnsureGroup(ctx context.Context, topic, group string) error {
	for _, t := range []string{topic, DLQTopic(topic)} {
		err := s.redis.XGroupCreateMkStream(ctx, t, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), busyGroupText) {
			return fmt.Errorf("create group %s on %s: %w", group, t, err)
		}
	}
	return nil
}

// Publish appends the envelope to the topic. idHint (the gateway message
// ID) is recorded with the entry; Redis assigns the monotonic stream ID.
// Per-conversation FIFO comes from the webhook publishing serially under
// the conversation lock into one partition.
func (s *Stream) Publish(ctx context.Context, topic string, env Envelope, idHint string) (string, error) {
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", faults.Internal(err, "marshal stream envelope")
	}

	values := map[string]interface{}{
		"data":        string(data),
		"timestamp":   env.PublishedAt.Unix(),
		"retry_count": env.RetryCount,
		"priority":    env.Priority,
		"source":      env.Source,
	}
	if idHint != "" {
		values["gateway_message_id"] = idHint
	}

	id, err := s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: values,
	}).Result()
	if err != nil {
		return "", faults.External(err, "publish to %s failed", topic)
	}
	return id, nil
}

// Consume blocks up to block for new entries assigned to consumer.
func (s *Stream) Consume(ctx context.Context, topic, group, consumer string, batch int64, block time.Duration) ([]Entry, error) {
	streams, err := s.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    batch,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, faults.Connection(err, "consume from %s", topic)
	}

	var entries []Entry
	for _, st := range streams {
		for _, msg := range st.Messages {
			entry, err := decodeEntry(msg)
			if err != nil {
				s.logger.Error("dropping undecodable stream entry",
					zap.String("stream_id", msg.ID), zap.Error(err))
				_ = s.Ack(ctx, topic, group, msg.ID)
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Stream) Ack(ctx context.Context, topic, group, id string) error {
	if err := s.redis.XAck(ctx, topic, group, id).Err(); err != nil {
		return faults.Connection(err, "ack %s on %s", id, topic)
	}
	return nil
}

// Pending lists delivered-but-unacked entries, optionally for one consumer.
func (s *Stream) Pending(ctx context.Context, topic, group, consumer string, count int64) ([]PendingEntry, error) {
	args := &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}
	if consumer != "" {
		args.Consumer = consumer
	}
	pending, err := s.redis.XPendingExt(ctx, args).Result()
	if err != nil {
		if err == redis.Nil || isNoGroup(err) {
			return nil, nil
		}
		return nil, faults.Connection(err, "pending on %s", topic)
	}

	entries := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// PendingCount returns the size of the group's pending entries list. A
// group that does not exist yet simply has nothing pending.
func (s *Stream) PendingCount(ctx context.Context, topic, group string) (int64, error) {
	p, err := s.redis.XPending(ctx, topic, group).Result()
	if err != nil {
		if err == redis.Nil || isNoGroup(err) {
			return 0, nil
		}
		return 0, faults.Connection(err, "pending count on %s", topic)
	}
	return p.Count, nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// AutoClaim transfers entries idle longer than minIdle to consumer,
// preserving their stream IDs.
func (s *Stream) AutoClaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, faults.Connection(err, "autoclaim on %s", topic)
	}

	var entries []Entry
	for _, msg := range msgs {
		entry, err := decodeEntry(msg)
		if err != nil {
			s.logger.Error("dropping undecodable claimed entry",
				zap.String("stream_id", msg.ID), zap.Error(err))
			_ = s.Ack(ctx, topic, group, msg.ID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeadLetter appends the entry to the topic's DLQ stream and indexes it by
// failure time.
func (s *Stream) DeadLetter(ctx context.Context, topic string, dead DeadEntry) (string, error) {
	if dead.FailedAt.IsZero() {
		dead.FailedAt = time.Now().UTC()
	}
	if dead.OriginalQueue == "" {
		dead.OriginalQueue = topic
	}

	data, err := json.Marshal(dead.Envelope)
	if err != nil {
		return "", faults.Internal(err, "marshal DLQ envelope")
	}
	meta, _ := json.Marshal(dead.Metadata)

	values := map[string]interface{}{
		"data":               string(data),
		"error":              dead.ErrorText,
		"error_category":     string(dead.ErrorCategory),
		"failed_at":          dead.FailedAt.Unix(),
		"original_stream_id": dead.OriginalStreamID,
		"original_queue":     dead.OriginalQueue,
		"retry_count":        dead.RetryCount,
		"message_type":       string(dead.MessageKind),
		"source":             dead.Source,
		"metadata":           string(meta),
	}

	id, err := s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQTopic(topic),
		Values: values,
	}).Result()
	if err != nil {
		return "", faults.External(err, "publish to %s failed", DLQTopic(topic))
	}

	if err := s.redis.ZAdd(ctx, dlqIndexTopic(topic), redis.Z{
		Score:  float64(dead.FailedAt.Unix()),
		Member: id,
	}).Err(); err != nil {
		s.logger.Warn("failed to index DLQ entry", zap.String("dlq_id", id), zap.Error(err))
	}
	return id, nil
}

func (s *Stream) Len(ctx context.Context, topic string) (int64, error) {
	n, err := s.redis.XLen(ctx, topic).Result()
	if err != nil && err != redis.Nil {
		return 0, faults.Connection(err, "length of %s", topic)
	}
	return n, nil
}

// Trim bounds the topic with approximate MAXLEN trimming.
func (s *Stream) Trim(ctx context.Context, topic string, maxLen int64) error {
	if err := s.redis.XTrimMaxLenApprox(ctx, topic, maxLen, 0).Err(); err != nil {
		return faults.Connection(err, "trim %s", topic)
	}
	return nil
}

func decodeEntry(msg redis.XMessage) (Entry, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s has no data field", msg.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	return Entry{
		ID:            msg.ID,
		Envelope:      env,
		DeliveryCount: int64(env.RetryCount) + 1,
	}, nil
}

func parseIntField(values map[string]interface{}, key string) int {
	switch v := values[key].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int64:
		return int(v)
	default:
		return 0
	}
}
