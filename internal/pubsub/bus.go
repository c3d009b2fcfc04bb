package pubsub

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const AdminChannel = "admin"

// Bus fans dashboard events out to Redis pub/sub, Redis streams and local WebSocket clients.
// Without a Redis client only local WebSocket delivery happens.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	wsHub   WSHub
	streams *Streams
	local   atomic.Int64
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	b := &Bus{rdb: rdb, log: log}
	if rdb != nil {
		b.streams = NewStreams(rdb, log)
	}
	return b
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// Streams returns the replay store, or nil without Redis
func (b *Bus) Streams() *Streams {
	return b.streams
}

// PublishUser publishes an event to a user's channel
func (b *Bus) PublishUser(userID string, event map[string]interface{}) error {
	return b.Publish("user:"+userID, event)
}

// PublishCheck publishes an event to an external check call's channel
func (b *Bus) PublishCheck(callID string, event map[string]interface{}) error {
	return b.Publish("check:"+callID, event)
}

// PublishAdmin publishes an event to the dashboard-wide channel
func (b *Bus) PublishAdmin(event map[string]interface{}) error {
	return b.Publish(AdminChannel, event)
}

// Publish publishes an event to a channel
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	ctx := context.Background()
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var seq int64
	if b.rdb != nil {
		if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
			b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
			return err
		}
		seq, err = b.streams.PublishEvent(ctx, channel, event)
		if err != nil {
			// Live delivery already happened; replay just misses this event.
			b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
		}
	} else {
		seq = b.local.Add(1)
	}

	if b.wsHub != nil {
		withSeq := make(map[string]interface{}, len(event)+1)
		for k, v := range event {
			withSeq[k] = v
		}
		withSeq["seq"] = seq
		b.wsHub.Publish(channel, withSeq)
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq))
	return nil
}
