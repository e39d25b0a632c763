package transport

import (
	"context"
	"time"
)

type Codec string

const (
	CodecL16  Codec = "l16"
	CodecULaw Codec = "ulaw"
)

// Encoding returns the media-format label used on the wire.
func (c Codec) Encoding() string {
	if c == CodecULaw {
		return "audio/x-mulaw"
	}
	return "audio/x-l16"
}

// FrameSize returns the byte length of one packetization interval (20ms)
// at the given sample rate.
func (c Codec) FrameSize(sampleRate int) int {
	base := sampleRate / 8000
	if base < 1 {
		base = 1
	}
	if c == CodecULaw {
		return 160 * base
	}
	return 320 * base
}

type Track string

const (
	TrackInbound  Track = "inbound"
	TrackOutbound Track = "outbound"
	TrackBoth     Track = "both"
)

func (t Track) Valid() bool {
	return t == TrackInbound || t == TrackOutbound || t == TrackBoth
}

type MessageType string

const (
	MessageTypeStart MessageType = "start"
	MessageTypeMedia MessageType = "media"
	MessageTypeStop  MessageType = "stop"
)

type NotifyEvent string

const (
	EventConnected         NotifyEvent = "connection_established"
	EventConnectFailed     NotifyEvent = "connection_failed"
	EventConnectionTimeout NotifyEvent = "connection_timeout"
	EventDegraded          NotifyEvent = "connection_degraded"
	EventDropped           NotifyEvent = "connection_dropped"
	EventClosedGracefully  NotifyEvent = "closed_gracefully"
	EventMessage           NotifyEvent = "message_received"
	EventInvalidInput      NotifyEvent = "invalid_stream_input"
	EventHeartbeat         NotifyEvent = "heartbeat"
)

// Terminal reports whether the event ends the transport's life. After a
// terminal notification no reference to the transport may be used.
func (e NotifyEvent) Terminal() bool {
	switch e {
	case EventConnectFailed, EventConnectionTimeout, EventDropped, EventClosedGracefully:
		return true
	}
	return false
}

type Notification struct {
	SessionID string
	StreamID  string
	Event     NotifyEvent
	Detail    string
	Payload   []byte
	Timestamp time.Time
}

// Notifier is implemented by the host and injected at stream creation. It
// is invoked only from the worker that owns the stream's transport, never
// concurrently for the same stream.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }
