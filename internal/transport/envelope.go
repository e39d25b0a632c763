package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// The remote service speaks three message kinds, distinguished by the
// "event" tag and carrying a monotonically increasing sequence number.

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
}

type StartBody struct {
	CallID      string      `json:"callId"`
	StreamID    string      `json:"stream_id"`
	Tracks      []string    `json:"tracks"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

type MediaBody struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Chunk     uint32 `json:"chunk"`
	Payload   string `json:"payload"`
}

type StopBody struct {
	CallID string `json:"callId"`
}

type StartMessage struct {
	SequenceNumber uint64    `json:"sequenceNumber"`
	Event          string    `json:"event"`
	Start          StartBody `json:"start"`
	ExtraHeaders   string    `json:"extra_headers,omitempty"`
}

type MediaMessage struct {
	SequenceNumber uint64    `json:"sequenceNumber"`
	StreamID       string    `json:"stream_id"`
	Event          string    `json:"event"`
	Media          MediaBody `json:"media"`
	ExtraHeaders   string    `json:"extra_headers,omitempty"`
}

type StopMessage struct {
	SequenceNumber uint64   `json:"sequenceNumber"`
	StreamID       string   `json:"stream_id"`
	Event          string   `json:"event"`
	Stop           StopBody `json:"stop"`
	ExtraHeaders   string   `json:"extra_headers,omitempty"`
}

func BuildStart(seq uint64, callID, streamID string, track Track, codec Codec, sampleRate int, extraHeaders string) ([]byte, error) {
	tracks := []string{string(track)}
	if track == TrackBoth {
		tracks = []string{string(TrackInbound), string(TrackOutbound)}
	}
	msg := StartMessage{
		SequenceNumber: seq,
		Event:          string(MessageTypeStart),
		Start: StartBody{
			CallID:   callID,
			StreamID: streamID,
			Tracks:   tracks,
			MediaFormat: MediaFormat{
				Encoding:   codec.Encoding(),
				SampleRate: sampleRate,
			},
		},
		ExtraHeaders: extraHeaders,
	}
	return json.Marshal(msg)
}

func BuildMedia(seq uint64, streamID string, track Track, sendTime int64, chunk uint32, payload []byte, extraHeaders string) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("media message: empty payload")
	}
	msg := MediaMessage{
		SequenceNumber: seq,
		StreamID:       streamID,
		Event:          string(MessageTypeMedia),
		Media: MediaBody{
			Track:     string(track),
			Timestamp: strconv.FormatInt(sendTime, 10),
			Chunk:     chunk,
			Payload:   base64.StdEncoding.EncodeToString(payload),
		},
		ExtraHeaders: extraHeaders,
	}
	return json.Marshal(msg)
}

func BuildStop(seq uint64, callID, streamID, extraHeaders string) ([]byte, error) {
	msg := StopMessage{
		SequenceNumber: seq,
		StreamID:       streamID,
		Event:          string(MessageTypeStop),
		Stop:           StopBody{CallID: callID},
		ExtraHeaders:   extraHeaders,
	}
	return json.Marshal(msg)
}

// Inbound is the loose shape of a message received from the remote side.
// Field layout beyond the type tag and sequence number belongs to the host's
// framing layer; the raw bytes are passed through untouched.
type Inbound struct {
	Event          string `json:"event"`
	SequenceNumber uint64 `json:"sequenceNumber"`

	Raw []byte `json:"-"`
}

func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parse inbound message: %w", err)
	}
	if in.Event == "" {
		return nil, fmt.Errorf("parse inbound message: missing event tag")
	}
	in.Raw = data
	return &in, nil
}
