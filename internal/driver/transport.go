package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/adaptive"
	"github.com/eleven-am/audio-bridge/internal/audio"
	"github.com/eleven-am/audio-bridge/internal/shared"
	"github.com/eleven-am/audio-bridge/internal/transport"
	"github.com/looplab/fsm"
)

const (
	stateIdle          = "idle"
	stateConnecting    = "connecting"
	stateConnected     = "connected"
	stateReconnecting  = "reconnecting"
	stateDisconnecting = "disconnecting"
	stateDisconnected  = "disconnected"
	stateFailed        = "failed"
)

const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventRetry       = "retry"
	eventDrain       = "drain"
	eventClosed      = "closed"
	eventFail        = "fail"
)

// shutdownDeadline is the hard cap on a graceful drain before the
// transport closes regardless of buffered audio.
const shutdownDeadline = 60 * time.Second

// prioEvent is the admission priority for out-of-band event messages.
const prioEvent = adaptive.PriorityHigh

// TransportConfig is the immutable per-stream setup captured at start time.
// ServerIDs names the stream's candidate endpoints in the supervisor; an
// empty list dials from the whole registered pool.
type TransportConfig struct {
	StreamID      string
	SessionID     string
	ServerIDs     []string
	Codec         transport.Codec
	SampleRate    int
	Track         transport.Track
	Bidirectional bool
	Subprotocol   string
	Username      string
	Password      string
	ExtraHeaders  string
	BufferSeconds int
	MaxMessageLen int
	QueueConfig   adaptive.Config
}

// StreamTransport is one stream's live connection. Its socket state belongs
// exclusively to the worker that accepted it; other goroutines interact
// with it only through the driver's enqueue-and-wake surface and the
// per-transport mutex guarding counters and flags.
type StreamTransport struct {
	cfg      TransportConfig
	log      *slog.Logger
	notifier transport.Notifier
	machine  *fsm.FSM

	// worker-owned, touched only on the owning worker goroutine
	conn     Conn
	workerID int

	mu               sync.Mutex
	seq              uint64
	mediaChunk       uint32
	attempts         int
	startSent        bool
	stopSent         bool
	graceful         bool
	gracefulReason   string
	gracefulAt       time.Time
	paused           bool
	invalidInputSeen bool
	retryTimer       *time.Timer
	serverID         string

	inboundBuf  *audio.ChunkBuffer
	outboundBuf *audio.ChunkBuffer
	nextTrack   transport.Track

	queue *adaptive.Buffer

	connectedOnce sync.Once
	terminalOnce  sync.Once
}

func NewStreamTransport(cfg TransportConfig, notifier transport.Notifier, log *slog.Logger) *StreamTransport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = 10
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 512 * 1024
	}
	if cfg.QueueConfig.MaxSizeBytes <= 0 {
		cfg.QueueConfig = adaptive.Balanced()
	}

	t := &StreamTransport{
		cfg:       cfg,
		log:       log.With("component", "stream_transport", "stream_id", cfg.StreamID),
		notifier:  notifier,
		nextTrack: transport.TrackInbound,
	}

	chunkSize := cfg.Codec.FrameSize(cfg.SampleRate)
	capacity := chunkSize * 50 * cfg.BufferSeconds
	timeStep := 20 * time.Millisecond
	switch cfg.Track {
	case transport.TrackInbound:
		t.inboundBuf = audio.NewChunkBuffer(cfg.StreamID, capacity, chunkSize, timeStep)
	case transport.TrackOutbound:
		t.outboundBuf = audio.NewChunkBuffer(cfg.StreamID, capacity, chunkSize, timeStep)
	case transport.TrackBoth:
		t.inboundBuf = audio.NewChunkBuffer(cfg.StreamID, capacity, chunkSize, timeStep)
		t.outboundBuf = audio.NewChunkBuffer(cfg.StreamID, capacity, chunkSize, timeStep)
	}

	t.queue = adaptive.NewBuffer(cfg.StreamID, cfg.QueueConfig, nil, log)

	t.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventDial, Src: []string{stateIdle, stateReconnecting}, Dst: stateConnecting},
			{Name: eventEstablished, Src: []string{stateConnecting}, Dst: stateConnected},
			{Name: eventRetry, Src: []string{stateConnecting, stateConnected}, Dst: stateReconnecting},
			{Name: eventDrain, Src: []string{stateConnected}, Dst: stateDisconnecting},
			{Name: eventClosed, Src: []string{stateConnected, stateDisconnecting}, Dst: stateDisconnected},
			{Name: eventFail, Src: []string{stateIdle, stateConnecting, stateConnected, stateReconnecting, stateDisconnecting}, Dst: stateFailed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				t.log.Debug("transport state change", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return t
}

func (t *StreamTransport) StreamID() string { return t.cfg.StreamID }

func (t *StreamTransport) State() string { return t.machine.Current() }

func (t *StreamTransport) transition(event string) error {
	if err := t.machine.Event(context.Background(), event); err != nil {
		return shared.ErrInvalidState
	}
	return nil
}

// Terminal reports whether the transport has reached a state no worker may
// act on anymore.
func (t *StreamTransport) Terminal() bool {
	switch t.machine.Current() {
	case stateDisconnected, stateFailed:
		return true
	}
	return false
}

func (t *StreamTransport) nextSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq
}

func (t *StreamTransport) nextMediaChunk() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mediaChunk++
	return t.mediaChunk
}

func (t *StreamTransport) startSentFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startSent
}

func (t *StreamTransport) markStartSent() {
	t.mu.Lock()
	t.startSent = true
	t.mu.Unlock()
}

func (t *StreamTransport) stopSentFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopSent
}

func (t *StreamTransport) markStopSent() {
	t.mu.Lock()
	t.stopSent = true
	t.mu.Unlock()
}

// WriteAudio admits one frame into the buffer for the given track. Frames
// arriving while paused are silently discarded.
func (t *StreamTransport) WriteAudio(track transport.Track, frame []byte) error {
	t.mu.Lock()
	paused := t.paused
	t.mu.Unlock()
	if paused {
		return nil
	}

	buf := t.bufferFor(track)
	if buf == nil {
		return shared.ErrNotBidirectional
	}
	return buf.Write(frame)
}

func (t *StreamTransport) bufferFor(track transport.Track) *audio.ChunkBuffer {
	switch track {
	case transport.TrackInbound:
		return t.inboundBuf
	case transport.TrackOutbound:
		return t.outboundBuf
	}
	return nil
}

// QueueEvent admits one out-of-band event message for transmission ahead
// of audio. Admission failures surface as typed errors for the caller to
// count.
func (t *StreamTransport) QueueEvent(payload []byte, priority adaptive.Priority) error {
	return t.queue.Enqueue(&adaptive.Message{
		Priority:  priority,
		Data:      payload,
		Timestamp: time.Now(),
		StreamID:  t.cfg.StreamID,
	})
}

// SweepExpired drops queued event messages whose deadline passed. Safe to
// call from any goroutine; the manager runs it on its heartbeat tick.
func (t *StreamTransport) SweepExpired() int {
	return t.queue.SweepExpired()
}

// UpdateNetworkCondition feeds a measured network sample into the queue's
// size adaptation.
func (t *StreamTransport) UpdateNetworkCondition(cond adaptive.NetworkCondition) {
	t.queue.UpdateNetworkCondition(cond)
}

func (t *StreamTransport) SetPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

func (t *StreamTransport) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// BeginGracefulShutdown marks the transport for drain-then-close. The
// worker finishes flushing buffered audio before sending the close
// control message, bounded by the hard deadline.
func (t *StreamTransport) BeginGracefulShutdown(reason string) {
	t.mu.Lock()
	if !t.graceful {
		t.graceful = true
		t.gracefulReason = reason
		t.gracefulAt = time.Now()
	}
	t.mu.Unlock()
}

func (t *StreamTransport) closeReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gracefulReason
}

func (t *StreamTransport) gracefulState() (active bool, overdue bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.graceful {
		return false, false
	}
	return true, time.Since(t.gracefulAt) > shutdownDeadline
}

func (t *StreamTransport) buffersDrained() bool {
	if t.inboundBuf != nil && t.inboundBuf.HasData() {
		return false
	}
	if t.outboundBuf != nil && t.outboundBuf.HasData() {
		return false
	}
	return true
}

// nextAudio picks the next chunk to transmit, alternating tracks when both
// directions share the connection.
func (t *StreamTransport) nextAudio() (transport.Track, *audio.ChunkBuffer, []byte, bool) {
	if t.cfg.Track != transport.TrackBoth {
		buf := t.bufferFor(t.cfg.Track)
		if buf == nil {
			return "", nil, nil, false
		}
		chunk, ok := buf.ReadChunk()
		return t.cfg.Track, buf, chunk, ok
	}

	t.mu.Lock()
	first := t.nextTrack
	t.mu.Unlock()

	order := []transport.Track{first, other(first)}
	for _, track := range order {
		buf := t.bufferFor(track)
		if chunk, ok := buf.ReadChunk(); ok {
			t.mu.Lock()
			t.nextTrack = other(track)
			t.mu.Unlock()
			return track, buf, chunk, true
		}
	}
	return "", nil, nil, false
}

func other(track transport.Track) transport.Track {
	if track == transport.TrackInbound {
		return transport.TrackOutbound
	}
	return transport.TrackInbound
}

// notifyConnected fires the one-shot connection-established notification.
func (t *StreamTransport) notifyConnected(ctx context.Context) {
	t.connectedOnce.Do(func() {
		t.notify(ctx, transport.EventConnected, "", nil)
	})
}

// notifyTerminal fires exactly one terminal notification over the
// transport's whole life, whatever path got it there.
func (t *StreamTransport) notifyTerminal(ctx context.Context, event transport.NotifyEvent, detail string) {
	t.terminalOnce.Do(func() {
		t.notify(ctx, event, detail, nil)
	})
}

func (t *StreamTransport) notify(ctx context.Context, event transport.NotifyEvent, detail string, payload []byte) {
	if t.notifier == nil {
		return
	}
	t.notifier.Notify(ctx, transport.Notification{
		SessionID: t.cfg.SessionID,
		StreamID:  t.cfg.StreamID,
		Event:     event,
		Detail:    detail,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// markInvalidInput reports whether this is the first malformed inbound
// message; later ones are suppressed to avoid flooding the host.
func (t *StreamTransport) markInvalidInput() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.invalidInputSeen {
		return false
	}
	t.invalidInputSeen = true
	return true
}

func (t *StreamTransport) setRetryTimer(timer *time.Timer) {
	t.mu.Lock()
	if t.retryTimer != nil {
		t.retryTimer.Stop()
	}
	t.retryTimer = timer
	t.mu.Unlock()
}

// cancelRetry invalidates a pending reconnect timer on explicit close.
func (t *StreamTransport) cancelRetry() {
	t.mu.Lock()
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.mu.Unlock()
}

// teardown releases buffer consumers and the event queue. Only the owning
// worker calls this, after the terminal notification.
func (t *StreamTransport) teardown() {
	t.cancelRetry()
	t.queue.Close()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// TransportStats is the per-transport slice of the stream statistics
// snapshot.
type TransportStats struct {
	State             string
	Attempts          int
	SequenceNumber    uint64
	QueueDepth        int
	QueueStats        adaptive.Stats
	InboundBuffered   int
	OutboundBuffered  int
	InboundUtilized   float64
	OutboundUtilized  float64
	TransmittedChunks uint32
	GeneratedChunks   uint32
	GracefulShutdown  bool
}

func (t *StreamTransport) Stats() TransportStats {
	t.mu.Lock()
	seq := t.seq
	attempts := t.attempts
	graceful := t.graceful
	t.mu.Unlock()

	st := TransportStats{
		State:            t.machine.Current(),
		Attempts:         attempts,
		SequenceNumber:   seq,
		QueueDepth:       t.queue.Len(),
		QueueStats:       t.queue.Stats(),
		GracefulShutdown: graceful,
	}
	if t.inboundBuf != nil {
		st.InboundBuffered = t.inboundBuf.Len()
		st.InboundUtilized = t.inboundBuf.Utilization()
		st.TransmittedChunks += t.inboundBuf.TransmittedChunks()
		st.GeneratedChunks += t.inboundBuf.GeneratedChunks()
	}
	if t.outboundBuf != nil {
		st.OutboundBuffered = t.outboundBuf.Len()
		st.OutboundUtilized = t.outboundBuf.Utilization()
		st.TransmittedChunks += t.outboundBuf.TransmittedChunks()
		st.GeneratedChunks += t.outboundBuf.GeneratedChunks()
	}
	return st
}
