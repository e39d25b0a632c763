package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/adaptive"
	"github.com/eleven-am/audio-bridge/internal/driver"
	"github.com/eleven-am/audio-bridge/internal/jitter"
	"github.com/eleven-am/audio-bridge/internal/recovery"
	"github.com/eleven-am/audio-bridge/internal/shared"
	"github.com/eleven-am/audio-bridge/internal/supervisor"
	"github.com/eleven-am/audio-bridge/internal/transport"
	"github.com/google/uuid"
)

const defaultHeartbeatInterval = 60 * time.Second

// ServerCandidate is one remote endpoint offered at stream start.
type ServerCandidate struct {
	ID     string
	URL    string
	Weight int
}

// StartRequest captures everything the host provides when starting a
// stream.
type StartRequest struct {
	StreamID      string
	SessionID     string
	Servers       []ServerCandidate
	Codec         transport.Codec
	SampleRate    int
	Track         transport.Track
	Bidirectional bool
	TimeoutSecs   int
	Username      string
	Password      string
	Subprotocol   string
	ExtraHeaders  string
	BufferSeconds int
	Profile       string
	Notifier      transport.Notifier
}

// Options tunes manager-wide behavior.
type Options struct {
	HeartbeatInterval time.Duration
	RecoveryStrategy  recovery.Strategy
	JitterInitialMs   int
	JitterMaxMs       int
}

type stream struct {
	id        string
	sessionID string
	tr        *driver.StreamTransport
	jit       *jitter.Compensator
	notifier  transport.Notifier
	createdAt time.Time

	mu      sync.Mutex
	lastSeq uint64
	timeout *time.Timer
	hbStop  chan struct{}
}

// Manager is the host-facing surface: it owns the stream registry and
// translates start/stop/pause/shutdown calls into driver submissions. The
// registry lock covers structural changes only; per-stream state is
// guarded by each stream's own lock so unrelated streams never contend.
type Manager struct {
	drv  *driver.Driver
	sup  *supervisor.Supervisor
	pub  *EventPublisher
	rec  *recovery.Engine
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	streams map[string]*stream
}

func NewManager(drv *driver.Driver, sup *supervisor.Supervisor, pub *EventPublisher, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.RecoveryStrategy == "" {
		opts.RecoveryStrategy = recovery.StrategyInterpolation
	}
	if opts.JitterInitialMs <= 0 {
		opts.JitterInitialMs = 60
	}
	if opts.JitterMaxMs <= 0 {
		opts.JitterMaxMs = 500
	}

	m := &Manager{
		drv:     drv,
		sup:     sup,
		pub:     pub,
		opts:    opts,
		log:     log.With("component", "stream_manager"),
		streams: make(map[string]*stream),
	}
	m.rec = recovery.NewEngine(opts.RecoveryStrategy, retransmitFunc(retransmitRequest(m)), log)
	return m
}

// retransmitFunc adapts the manager into the recovery engine's requester:
// retransmission requests go out as out-of-band event messages.
type retransmitFunc func(streamID string, sequences []uint32) error

func (f retransmitFunc) RequestRetransmit(streamID string, sequences []uint32) error {
	return f(streamID, sequences)
}

func retransmitRequest(m *Manager) func(string, []uint32) error {
	return func(streamID string, sequences []uint32) error {
		payload, err := json.Marshal(map[string]any{
			"event":     "retransmit",
			"sequences": sequences,
		})
		if err != nil {
			return err
		}
		return m.SendControlMessage(streamID, string(payload))
	}
}

// Start creates a stream transport, registers the server candidates and
// submits the first connect. The returned handle identifies the stream in
// every other call.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if !req.Track.Valid() {
		return "", fmt.Errorf("start stream: invalid track %q", req.Track)
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 8000
	}
	if req.Codec == "" {
		req.Codec = transport.CodecL16
	}

	id := req.StreamID
	if id == "" {
		id = uuid.NewString()
	}

	candidates := make([]string, 0, len(req.Servers))
	for _, srv := range req.Servers {
		if err := m.sup.AddServer(srv.ID, srv.URL, srv.Weight); err != nil && err != shared.ErrServerExists {
			return "", fmt.Errorf("start stream: %w", err)
		}
		candidates = append(candidates, srv.ID)
	}

	cfg := driver.TransportConfig{
		StreamID:      id,
		SessionID:     req.SessionID,
		ServerIDs:     candidates,
		Codec:         req.Codec,
		SampleRate:    req.SampleRate,
		Track:         req.Track,
		Bidirectional: req.Bidirectional,
		Subprotocol:   req.Subprotocol,
		Username:      req.Username,
		Password:      req.Password,
		ExtraHeaders:  req.ExtraHeaders,
		BufferSeconds: req.BufferSeconds,
		QueueConfig:   adaptive.ProfileByName(req.Profile),
	}

	s := &stream{
		id:        id,
		sessionID: req.SessionID,
		notifier:  req.Notifier,
		createdAt: time.Now(),
		hbStop:    make(chan struct{}),
		jit: jitter.NewCompensator(
			time.Duration(m.opts.JitterInitialMs)*time.Millisecond,
			time.Duration(m.opts.JitterMaxMs)*time.Millisecond,
			256,
		),
	}
	s.tr = driver.NewStreamTransport(cfg, transport.NotifierFunc(func(nctx context.Context, n transport.Notification) {
		m.dispatch(nctx, s, n)
	}), m.log)

	m.mu.Lock()
	if _, exists := m.streams[id]; exists {
		m.mu.Unlock()
		return "", shared.ErrStreamExists
	}
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.drv.Connect(s.tr); err != nil {
		m.remove(id)
		return "", fmt.Errorf("start stream: %w", err)
	}

	if req.TimeoutSecs > 0 {
		s.mu.Lock()
		s.timeout = time.AfterFunc(time.Duration(req.TimeoutSecs)*time.Second, func() {
			m.log.Info("stream timeout reached", "stream_id", id)
			_ = m.GracefulShutdown(id, "TIMEOUT REACHED")
		})
		s.mu.Unlock()
	}
	go m.heartbeatLoop(s)

	m.log.Info("stream started",
		"stream_id", id, "session_id", req.SessionID,
		"codec", string(req.Codec), "track", string(req.Track), "sample_rate", req.SampleRate)
	return id, nil
}

// dispatch fans one transport notification out to the host notifier and
// the redis publisher, and keeps the registry consistent on terminal
// events. It runs on the owning worker only.
func (m *Manager) dispatch(ctx context.Context, s *stream, n transport.Notification) {
	if n.Event == transport.EventMessage {
		m.trackInbound(s, n)
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, n)
	}
	m.pub.Publish(ctx, n)

	if n.Event.Terminal() {
		m.remove(s.id)
		m.log.Info("stream ended", "stream_id", s.id, "event", string(n.Event))
	}
}

// trackInbound feeds sequence accounting into loss recovery and the
// jitter compensator.
func (m *Manager) trackInbound(s *stream, n transport.Notification) {
	in, err := transport.ParseInbound(n.Payload)
	if err != nil || in.SequenceNumber == 0 {
		return
	}

	s.mu.Lock()
	last := s.lastSeq
	if in.SequenceNumber > s.lastSeq {
		s.lastSeq = in.SequenceNumber
	}
	s.mu.Unlock()

	if last > 0 && in.SequenceNumber > last+1 {
		missing := m.rec.DetectMissing(s.id, uint32(last), uint32(in.SequenceNumber))
		m.rec.RequestRetransmission(s.id, missing)
	}
	s.jit.Add(jitter.Packet{
		Sequence:  uint32(in.SequenceNumber),
		Timestamp: n.Timestamp,
		Payload:   n.Payload,
	})
}

func (m *Manager) heartbeatLoop(s *stream) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.hbStop:
			return
		case <-ticker.C:
			if n := s.tr.SweepExpired(); n > 0 {
				m.log.Debug("expired messages swept", "stream_id", s.id, "count", n)
			}
			n := transport.Notification{
				SessionID: s.sessionID,
				StreamID:  s.id,
				Event:     transport.EventHeartbeat,
				Timestamp: time.Now(),
			}
			if s.notifier != nil {
				s.notifier.Notify(context.Background(), n)
			}
			m.pub.Publish(context.Background(), n)
		}
	}
}

func (m *Manager) get(handle string) (*stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[handle]
	if !ok {
		return nil, shared.ErrStreamNotFound
	}
	return s, nil
}

func (m *Manager) remove(handle string) {
	m.mu.Lock()
	s, ok := m.streams[handle]
	if ok {
		delete(m.streams, handle)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	select {
	case <-s.hbStop:
	default:
		close(s.hbStop)
	}
	s.mu.Unlock()

	m.rec.Forget(handle)
}

// Stop requests an orderly close: buffered audio is flushed, the stop
// message is sent, then the connection closes.
func (m *Manager) Stop(handle, reason string) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	s.tr.BeginGracefulShutdown(reason)
	return m.drv.RequestDisconnect(s.tr)
}

// GracefulShutdown marks the stream for drain-then-close; the worker keeps
// transmitting until the buffers empty or the hard deadline passes.
func (m *Manager) GracefulShutdown(handle, reason string) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	s.tr.BeginGracefulShutdown(reason)
	return m.drv.RequestWrite(s.tr)
}

func (m *Manager) Pause(handle string) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	s.tr.SetPaused(true)
	return nil
}

func (m *Manager) Resume(handle string) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	s.tr.SetPaused(false)
	return m.drv.RequestWrite(s.tr)
}

// SendControlMessage queues one out-of-band event message ahead of audio.
func (m *Manager) SendControlMessage(handle, text string) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	if err := s.tr.QueueEvent([]byte(text), adaptive.PriorityHigh); err != nil {
		return fmt.Errorf("send control message: %w", err)
	}
	return m.drv.RequestWrite(s.tr)
}

// WriteAudio admits one encoded frame and signals the worker.
func (m *Manager) WriteAudio(handle string, track transport.Track, frame []byte) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	if err := s.tr.WriteAudio(track, frame); err != nil {
		return err
	}
	return m.drv.RequestWrite(s.tr)
}

// ReportNetworkCondition feeds a measured sample into the stream's
// adaptive machinery: the outbound queue resizes toward the observed
// latency and loss, and the jitter target delay tracks the observed
// jitter.
func (m *Manager) ReportNetworkCondition(handle string, cond adaptive.NetworkCondition) error {
	s, err := m.get(handle)
	if err != nil {
		return err
	}
	if cond.MeasuredAt.IsZero() {
		cond.MeasuredAt = time.Now()
	}
	s.tr.UpdateNetworkCondition(cond)
	if cond.Jitter > 0 {
		s.jit.AdaptToJitter(cond.Jitter)
	}
	return nil
}

// ConcealMissing synthesizes a replacement for one lost frame from its
// decoded neighbors, according to the configured recovery strategy. Returns
// false when the strategy performs no concealment.
func (m *Manager) ConcealMissing(handle string, previous, next []byte) ([]byte, bool) {
	if _, err := m.get(handle); err != nil {
		return nil, false
	}
	if frame, ok := m.rec.Interpolate(handle, previous, next); ok {
		return frame, true
	}
	size := len(previous)
	if len(next) > size {
		size = len(next)
	}
	return m.rec.Silence(handle, size)
}

// NextInbound pops the next playable inbound packet once it has aged past
// the jitter target delay.
func (m *Manager) NextInbound(handle string) ([]byte, error) {
	s, err := m.get(handle)
	if err != nil {
		return nil, err
	}
	p, ok := s.jit.NextPacket()
	if !ok {
		return nil, nil
	}
	return p.Payload, nil
}

// StreamStats is the full per-stream statistics snapshot.
type StreamStats struct {
	StreamID  string
	SessionID string
	Uptime    time.Duration
	Transport driver.TransportStats
	Jitter    jitter.Stats
	Delay     time.Duration
	Recovery  recovery.Stats
}

func (m *Manager) Stats(handle string) (StreamStats, error) {
	s, err := m.get(handle)
	if err != nil {
		return StreamStats{}, err
	}
	return StreamStats{
		StreamID:  s.id,
		SessionID: s.sessionID,
		Uptime:    time.Since(s.createdAt),
		Transport: s.tr.Stats(),
		Jitter:    s.jit.Stats(),
		Delay:     s.jit.CurrentDelay(),
		Recovery:  m.rec.StreamStats(s.id),
	}, nil
}

func (m *Manager) StatsAll() []StreamStats {
	m.mu.RLock()
	handles := make([]string, 0, len(m.streams))
	for id := range m.streams {
		handles = append(handles, id)
	}
	m.mu.RUnlock()

	out := make([]StreamStats, 0, len(handles))
	for _, h := range handles {
		if st, err := m.Stats(h); err == nil {
			out = append(out, st)
		}
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Close stops every active stream. Used on daemon shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	handles := make([]string, 0, len(m.streams))
	for id := range m.streams {
		handles = append(handles, id)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		if err := m.Stop(h, "shutting down"); err != nil && err != shared.ErrStreamNotFound {
			m.log.Warn("stop on shutdown failed", "stream_id", h, "error", err)
		}
	}
	return nil
}
