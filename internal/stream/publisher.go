package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/audio-bridge/internal/transport"
	"github.com/redis/go-redis/v9"
)

const streamEventChannel = "stream:%s:events"

// StreamEvent is the shape published to the per-stream redis channel for
// external observers.
type StreamEvent struct {
	StreamID  string    `json:"stream_id"`
	SessionID string    `json:"session_id,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher mirrors stream lifecycle notifications onto redis pub/sub.
// A nil client disables publishing entirely.
type EventPublisher struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewEventPublisher(client *redis.Client, log *slog.Logger) *EventPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &EventPublisher{
		redis: client,
		log:   log.With("component", "event_publisher"),
	}
}

func (p *EventPublisher) Enabled() bool {
	return p != nil && p.redis != nil
}

func (p *EventPublisher) Publish(ctx context.Context, n transport.Notification) {
	if !p.Enabled() {
		return
	}

	event := StreamEvent{
		StreamID:  n.StreamID,
		SessionID: n.SessionID,
		Event:     string(n.Event),
		Detail:    n.Detail,
		Timestamp: n.Timestamp,
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error("marshal stream event", "error", err)
		return
	}

	channel := fmt.Sprintf(streamEventChannel, n.StreamID)
	if err := p.redis.Publish(ctx, channel, data).Err(); err != nil {
		p.log.Error("publish stream event", "error", err, "stream_id", n.StreamID)
		return
	}
	p.log.Debug("published stream event", "stream_id", n.StreamID, "event", event.Event)
}
