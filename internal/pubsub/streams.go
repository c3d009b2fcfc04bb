package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxStreamLen caps each replay stream
const maxStreamLen = 1000

// StreamEvent represents an event stored in Redis Streams
type StreamEvent struct {
	Channel   string                 `json:"channel"`
	Sequence  int64                  `json:"seq"`
	Event     map[string]interface{} `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
}

// Streams keeps a bounded, sequenced history per channel for WebSocket replay
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{rdb: rdb, log: log}
}

func streamKey(channel string) string { return "stream:" + channel }

// PublishEvent appends an event and returns its per-channel sequence number
func (s *Streams) PublishEvent(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, "seq:"+channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: maxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"seq":  seq,
			"ts":   time.Now().UTC().Format(time.RFC3339Nano),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}
	return seq, nil
}

// GetLastSequence returns the last sequence a connection acknowledged on a channel
func (s *Streams) GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// AcknowledgeSequence records the last sequence a connection processed
func (s *Streams) AcknowledgeSequence(ctx context.Context, channel, connectionID string, seq int64) error {
	if err := s.rdb.Set(ctx, fmt.Sprintf("ack:%s:%s", channel, connectionID), seq, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// ReplayEvents returns up to limit events with a sequence greater than sinceSeq, oldest first
func (s *Streams) ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.rdb.XRevRangeN(ctx, streamKey(channel), "+", "-", maxStreamLen).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]StreamEvent, 0, limit)
	for i := len(msgs) - 1; i >= 0; i-- {
		ev, ok := decodeStreamMessage(channel, msgs[i].Values)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("id", msgs[i].ID))
			continue
		}
		if ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
		if int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

func decodeStreamMessage(channel string, values map[string]interface{}) (StreamEvent, bool) {
	data, _ := values["data"].(string)
	seqRaw, _ := values["seq"].(string)
	seq, err := strconv.ParseInt(seqRaw, 10, 64)
	if err != nil || data == "" {
		return StreamEvent{}, false
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return StreamEvent{}, false
	}
	ts, _ := values["ts"].(string)
	t, _ := time.Parse(time.RFC3339Nano, ts)
	return StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: t}, true
}
