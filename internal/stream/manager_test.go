package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/audio-bridge/internal/adaptive"
	"github.com/eleven-am/audio-bridge/internal/driver"
	"github.com/eleven-am/audio-bridge/internal/shared"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/eleven-am/audio-bridge/internal/transport"
	"github.com/gorilla/websocket"
)

type readItem struct {
	data []byte
	err  error
}

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	inbound chan readItem
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan readItem, 16)}
}

func (c *fakeConn) NextReader() (int, io.Reader, error) {
	item, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	if item.err != nil {
		return 0, nil, item.err
	}
	return websocket.TextMessage, bytes.NewReader(item.data), nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	if messageType == websocket.TextMessage {
		cp := make([]byte, len(data))
		copy(cp, data)
		c.frames = append(c.frames, cp)
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) deliver(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.inbound <- readItem{data: data}
	}
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []transport.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notif transport.Notification) {
	n.mu.Lock()
	n.events = append(n.events, notif)
	n.mu.Unlock()
}

func (n *recordingNotifier) count(event transport.NotifyEvent) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Event == event {
			c++
		}
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	mgr   *Manager
	conns []*fakeConn
	mu    sync.Mutex
}

func (h *harness) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.conns) {
		return nil
	}
	return h.conns[i]
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{}

	policy := supervisor.ReconnectionPolicy{
		MaxAttempts:             3,
		InitialBackoff:          time.Millisecond,
		BackoffMultiplier:       2.0,
		MaxBackoff:              5 * time.Millisecond,
		CircuitBreakerThreshold: 10,
		CircuitBreakerCooldown:  time.Second,
	}
	sup := supervisor.NewWithPolicy(policy, "test", nil)

	d := driver.New(1, sup, nil)
	d.SetDialer(func(context.Context, string, http.Header, string) (driver.Conn, error) {
		c := newFakeConn()
		h.mu.Lock()
		h.conns = append(h.conns, c)
		h.mu.Unlock()
		return c, nil
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start driver: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	h.mgr = NewManager(d, sup, NewEventPublisher(nil, nil), opts, nil)
	return h
}

func startRequest(notifier transport.Notifier) StartRequest {
	return StartRequest{
		SessionID:  "session-1",
		Servers:    []ServerCandidate{{ID: "srv", URL: "ws://remote.example/stream", Weight: 1}},
		Codec:      transport.CodecL16,
		SampleRate: 8000,
		Track:      transport.TrackInbound,
		Notifier:   notifier,
	}
}

func TestStartAssignsHandleAndConnects(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle == "" {
		t.Fatal("empty handle")
	}
	if h.mgr.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.mgr.Count())
	}

	waitFor(t, "connected notification", func() bool {
		return notifier.count(transport.EventConnected) == 1
	})
	waitFor(t, "start frame on the wire", func() bool {
		c := h.conn(0)
		return c != nil && len(c.writtenFrames()) >= 1
	})
}

func TestStartRejectsDuplicateStreamID(t *testing.T) {
	h := newHarness(t, Options{})

	req := startRequest(nil)
	req.StreamID = "fixed"
	if _, err := h.mgr.Start(context.Background(), req); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := h.mgr.Start(context.Background(), req); !errors.Is(err, shared.ErrStreamExists) {
		t.Fatalf("second start: err = %v, want ErrStreamExists", err)
	}
}

func TestStartRejectsInvalidTrack(t *testing.T) {
	h := newHarness(t, Options{})
	req := startRequest(nil)
	req.Track = "sideways"
	if _, err := h.mgr.Start(context.Background(), req); err == nil {
		t.Fatal("invalid track accepted")
	}
}

func TestStopRemovesStreamAfterTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connection", func() bool {
		return notifier.count(transport.EventConnected) == 1
	})

	if err := h.mgr.Stop(handle, "done"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "graceful close", func() bool {
		return notifier.count(transport.EventClosedGracefully) == 1
	})
	waitFor(t, "registry cleanup", func() bool {
		return h.mgr.Count() == 0
	})

	if err := h.mgr.Stop(handle, "again"); !errors.Is(err, shared.ErrStreamNotFound) {
		t.Fatalf("stop after removal: err = %v, want ErrStreamNotFound", err)
	}
}

func TestTimeoutTriggersGracefulShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	req := startRequest(notifier)
	req.TimeoutSecs = 1
	if _, err := h.mgr.Start(context.Background(), req); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connection", func() bool {
		return notifier.count(transport.EventConnected) == 1
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if notifier.count(transport.EventClosedGracefully) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	found := false
	for _, e := range notifier.events {
		if e.Event == transport.EventClosedGracefully {
			found = true
			if e.Detail != "TIMEOUT REACHED" {
				t.Fatalf("close detail = %q, want TIMEOUT REACHED", e.Detail)
			}
		}
	}
	if !found {
		t.Fatal("timeout did not close the stream")
	}
}

func TestSendControlMessageGoesOutBeforeAudio(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start frame", func() bool {
		c := h.conn(0)
		return c != nil && len(c.writtenFrames()) >= 1
	})

	if err := h.mgr.SendControlMessage(handle, `{"event":"mark","name":"cue-1"}`); err != nil {
		t.Fatalf("send control: %v", err)
	}

	waitFor(t, "control frame", func() bool {
		return len(h.conn(0).writtenFrames()) >= 2
	})
	var tagged struct {
		Event string `json:"event"`
	}
	frames := h.conn(0).writtenFrames()
	if err := json.Unmarshal(frames[1], &tagged); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tagged.Event != "mark" {
		t.Fatalf("second frame = %q, want the control message", tagged.Event)
	}
}

func TestWriteAudioFlowsToWire(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start frame", func() bool {
		c := h.conn(0)
		return c != nil && len(c.writtenFrames()) >= 1
	})

	frame := make([]byte, transport.CodecL16.FrameSize(8000))
	if err := h.mgr.WriteAudio(handle, transport.TrackInbound, frame); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	waitFor(t, "media frame", func() bool {
		return len(h.conn(0).writtenFrames()) >= 2
	})
	var media transport.MediaMessage
	if err := json.Unmarshal(h.conn(0).writtenFrames()[1], &media); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if media.Event != "media" || media.Media.Track != "inbound" {
		t.Fatalf("media frame = %+v", media)
	}
}

func TestPauseDropsAudio(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start frame", func() bool {
		c := h.conn(0)
		return c != nil && len(c.writtenFrames()) >= 1
	})

	if err := h.mgr.Pause(handle); err != nil {
		t.Fatalf("pause: %v", err)
	}
	frame := make([]byte, transport.CodecL16.FrameSize(8000))
	if err := h.mgr.WriteAudio(handle, transport.TrackInbound, frame); err != nil {
		t.Fatalf("write audio while paused: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(h.conn(0).writtenFrames()); got != 1 {
		t.Fatalf("frames while paused = %d, want the start frame only", got)
	}

	if err := h.mgr.Resume(handle); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := h.mgr.WriteAudio(handle, transport.TrackInbound, frame); err != nil {
		t.Fatalf("write audio after resume: %v", err)
	}
	waitFor(t, "media after resume", func() bool {
		return len(h.conn(0).writtenFrames()) >= 2
	})
}

func TestInboundGapRequestsRetransmission(t *testing.T) {
	h := newHarness(t, Options{RecoveryStrategy: "retransmit"})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "start frame", func() bool {
		c := h.conn(0)
		return c != nil && len(c.writtenFrames()) >= 1
	})

	h.conn(0).deliver([]byte(`{"event":"media","sequenceNumber":5}`))
	waitFor(t, "first inbound", func() bool {
		return notifier.count(transport.EventMessage) == 1
	})
	h.conn(0).deliver([]byte(`{"event":"media","sequenceNumber":10}`))
	waitFor(t, "second inbound", func() bool {
		return notifier.count(transport.EventMessage) == 2
	})

	waitFor(t, "retransmission accounting", func() bool {
		st, err := h.mgr.Stats(handle)
		return err == nil && st.Recovery.PacketsLost == 4
	})
	st, err := h.mgr.Stats(handle)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Recovery.RetransmissionsRequested != 4 {
		t.Fatalf("retransmissions = %d, want 4 for gap [6,7,8,9]", st.Recovery.RetransmissionsRequested)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connection", func() bool {
		return notifier.count(transport.EventConnected) == 1
	})

	st, err := h.mgr.Stats(handle)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.StreamID != handle || st.SessionID != "session-1" {
		t.Fatalf("identity fields wrong: %+v", st)
	}
	if st.Transport.State != "connected" {
		t.Fatalf("transport state = %q, want connected", st.Transport.State)
	}
	if u := st.Transport.QueueStats.Utilization; u < 0 || u > 1 {
		t.Fatalf("utilization = %f, want [0,1]", u)
	}

	all := h.mgr.StatsAll()
	if len(all) != 1 {
		t.Fatalf("StatsAll len = %d, want 1", len(all))
	}

	if _, err := h.mgr.Stats("missing"); !errors.Is(err, shared.ErrStreamNotFound) {
		t.Fatalf("missing stats err = %v, want ErrStreamNotFound", err)
	}
}

func TestReportNetworkConditionRaisesJitterDelay(t *testing.T) {
	h := newHarness(t, Options{JitterInitialMs: 60, JitterMaxMs: 500})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "connection", func() bool {
		return notifier.count(transport.EventConnected) == 1
	})

	before, _ := h.mgr.Stats(handle)
	err = h.mgr.ReportNetworkCondition(handle, adaptive.NetworkCondition{
		Latency: 250 * time.Millisecond,
		Jitter:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	after, _ := h.mgr.Stats(handle)
	if after.Delay <= before.Delay {
		t.Fatalf("jitter delay = %v, want growth beyond %v", after.Delay, before.Delay)
	}
	if after.Delay != 150*time.Millisecond {
		t.Fatalf("jitter delay = %v, want 150ms (jitter * 1.5)", after.Delay)
	}

	if err := h.mgr.ReportNetworkCondition("missing", adaptive.NetworkCondition{}); !errors.Is(err, shared.ErrStreamNotFound) {
		t.Fatalf("missing stream err = %v, want ErrStreamNotFound", err)
	}
}

func TestConcealMissingInterpolates(t *testing.T) {
	h := newHarness(t, Options{RecoveryStrategy: "interpolation"})
	notifier := &recordingNotifier{}

	handle, err := h.mgr.Start(context.Background(), startRequest(notifier))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	frame, ok := h.mgr.ConcealMissing(handle, []byte{0, 100}, []byte{200, 0, 50})
	if !ok {
		t.Fatal("no concealment produced")
	}
	want := []byte{100, 50, 25}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %v, want %v", frame, want)
	}

	st, err := h.mgr.Stats(handle)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Recovery.InterpolationsPerformed != 1 {
		t.Fatalf("interpolations = %d, want 1", st.Recovery.InterpolationsPerformed)
	}

	if _, ok := h.mgr.ConcealMissing("missing", nil, nil); ok {
		t.Fatal("concealment for unknown stream")
	}
}

func TestHeartbeatNotifies(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 30 * time.Millisecond})
	notifier := &recordingNotifier{}

	if _, err := h.mgr.Start(context.Background(), startRequest(notifier)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "heartbeat", func() bool {
		return notifier.count(transport.EventHeartbeat) >= 2
	})
}
