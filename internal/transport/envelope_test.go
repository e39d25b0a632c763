package transport

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestBuildStart_BothTracks(t *testing.T) {
	data, err := BuildStart(0, "call-1", "stream-1", TrackBoth, CodecL16, 8000, "")
	if err != nil {
		t.Fatalf("BuildStart: %v", err)
	}

	var msg StartMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event != "start" {
		t.Errorf("expected event start, got %q", msg.Event)
	}
	if len(msg.Start.Tracks) != 2 || msg.Start.Tracks[0] != "inbound" || msg.Start.Tracks[1] != "outbound" {
		t.Errorf("expected both tracks expanded, got %v", msg.Start.Tracks)
	}
	if msg.Start.MediaFormat.Encoding != "audio/x-l16" {
		t.Errorf("expected l16 encoding, got %q", msg.Start.MediaFormat.Encoding)
	}
}

func TestBuildMedia_EncodesPayload(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	data, err := BuildMedia(7, "stream-1", TrackInbound, 123456, 4, payload, "")
	if err != nil {
		t.Fatalf("BuildMedia: %v", err)
	}

	var msg MediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.SequenceNumber != 7 {
		t.Errorf("expected sequence 7, got %d", msg.SequenceNumber)
	}
	decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("payload round trip mismatch: %v", decoded)
	}
	if msg.Media.Timestamp != "123456" {
		t.Errorf("expected timestamp 123456, got %q", msg.Media.Timestamp)
	}
}

func TestBuildMedia_EmptyPayload(t *testing.T) {
	if _, err := BuildMedia(0, "stream-1", TrackInbound, 0, 0, nil, ""); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestParseInbound(t *testing.T) {
	in, err := ParseInbound([]byte(`{"event":"playAudio","sequenceNumber":12,"media":{"payload":"AA=="}}`))
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if in.Event != "playAudio" || in.SequenceNumber != 12 {
		t.Errorf("unexpected parse result: %+v", in)
	}
}

func TestParseInbound_Malformed(t *testing.T) {
	if _, err := ParseInbound([]byte(`{"foo":`)); err == nil {
		t.Error("expected error for malformed json")
	}
	if _, err := ParseInbound([]byte(`{"sequenceNumber":1}`)); err == nil {
		t.Error("expected error for missing event tag")
	}
}

func TestCodecFrameSize(t *testing.T) {
	cases := []struct {
		codec Codec
		rate  int
		want  int
	}{
		{CodecL16, 8000, 320},
		{CodecL16, 16000, 640},
		{CodecULaw, 8000, 160},
		{CodecULaw, 16000, 320},
	}
	for _, c := range cases {
		if got := c.codec.FrameSize(c.rate); got != c.want {
			t.Errorf("%s@%d: expected %d, got %d", c.codec, c.rate, c.want, got)
		}
	}
}

func TestNotifyEventTerminal(t *testing.T) {
	terminal := []NotifyEvent{EventConnectFailed, EventConnectionTimeout, EventDropped, EventClosedGracefully}
	for _, e := range terminal {
		if !e.Terminal() {
			t.Errorf("expected %s to be terminal", e)
		}
	}
	if EventConnected.Terminal() || EventMessage.Terminal() || EventDegraded.Terminal() {
		t.Error("non-terminal event reported terminal")
	}
}
