package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/shared"
	"github.com/eleven-am/audio-bridge/internal/transport"
	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the worker needs. Tests and
// embedding hosts supply their own through SetDialer.
type Conn interface {
	NextReader() (int, io.Reader, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	Close() error
}

// DialFunc opens a connection to a remote endpoint. The default uses a
// gorilla dialer; tests inject their own.
type DialFunc func(ctx context.Context, url string, header http.Header, subprotocol string) (Conn, error)

func gorillaDial(ctx context.Context, url string, header http.Header, subprotocol string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type dialResult struct {
	t        *StreamTransport
	conn     Conn
	serverID string
	latency  time.Duration
	err      error
}

type readMessage struct {
	t    *StreamTransport
	data []byte
}

type readError struct {
	t   *StreamTransport
	err error
}

// worker is one reactor: a single goroutine that owns the live socket
// state of every transport assigned to it. Cross-goroutine submission is
// enqueue-and-wake only.
type worker struct {
	id   int
	drv  *Driver
	log  *slog.Logger
	dial DialFunc

	mu           sync.Mutex
	connectQ     []*StreamTransport
	disconnectQ  []*StreamTransport
	writeQ       []*StreamTransport
	writePending map[string]struct{}

	wake  chan struct{}
	inbox chan any

	owned map[string]*StreamTransport
}

func newWorker(id int, drv *Driver, log *slog.Logger) *worker {
	return &worker{
		id:           id,
		drv:          drv,
		log:          log.With("component", "driver_worker", "worker_id", id),
		dial:         gorillaDial,
		writePending: make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		inbox:        make(chan any, 256),
		owned:        make(map[string]*StreamTransport),
	}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) enqueueConnect(t *StreamTransport) {
	w.mu.Lock()
	w.connectQ = append(w.connectQ, t)
	w.mu.Unlock()
	w.signal()
}

func (w *worker) enqueueDisconnect(t *StreamTransport) {
	w.mu.Lock()
	w.disconnectQ = append(w.disconnectQ, t)
	w.mu.Unlock()
	w.signal()
}

func (w *worker) enqueueWrite(t *StreamTransport) {
	w.mu.Lock()
	if _, dup := w.writePending[t.cfg.StreamID]; dup {
		w.mu.Unlock()
		return
	}
	w.writePending[t.cfg.StreamID] = struct{}{}
	w.writeQ = append(w.writeQ, t)
	w.mu.Unlock()
	w.signal()
}

func (w *worker) post(ev any) {
	select {
	case w.inbox <- ev:
	default:
		// Inbox saturation means the reactor is stalled; dropping read
		// events here degrades the stream rather than deadlocking it.
		w.log.Warn("worker inbox full, dropping event")
	}
}

func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.shutdown(ctx)
			return nil
		case <-w.wake:
			w.drainQueues(ctx)
		case ev := <-w.inbox:
			w.handleInbox(ctx, ev)
		}
	}
}

// drainQueues processes pending submissions: connects first, then
// disconnects, then writable signals.
func (w *worker) drainQueues(ctx context.Context) {
	w.mu.Lock()
	connects := w.connectQ
	w.connectQ = nil
	disconnects := w.disconnectQ
	w.disconnectQ = nil
	writes := w.writeQ
	w.writeQ = nil
	for _, t := range writes {
		delete(w.writePending, t.cfg.StreamID)
	}
	w.mu.Unlock()

	for _, t := range connects {
		w.processConnect(ctx, t)
	}
	for _, t := range disconnects {
		w.processDisconnect(ctx, t)
	}
	for _, t := range writes {
		if t.State() == stateConnected {
			w.handleWritable(ctx, t)
		}
	}
}

func (w *worker) processConnect(ctx context.Context, t *StreamTransport) {
	if t.Terminal() {
		return
	}
	// Only idle and reconnecting transports may start a dial.
	if err := t.transition(eventDial); err != nil {
		w.log.Debug("connect ignored in state", "stream_id", t.cfg.StreamID, "state", t.State())
		return
	}
	w.owned[t.cfg.StreamID] = t

	srv, err := w.drv.sup.SelectServer(t.cfg.ServerIDs...)
	if err != nil {
		w.post(dialResult{t: t, err: err})
		return
	}
	t.mu.Lock()
	t.serverID = srv.ID
	t.mu.Unlock()

	header := http.Header{}
	if t.cfg.Username != "" || t.cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(t.cfg.Username + ":" + t.cfg.Password))
		header.Set("Authorization", "Basic "+cred)
	}

	url := srv.URL
	serverID := srv.ID
	go func() {
		started := time.Now()
		conn, dialErr := w.dial(ctx, url, header, t.cfg.Subprotocol)
		w.post(dialResult{t: t, conn: conn, serverID: serverID, latency: time.Since(started), err: dialErr})
	}()
}

func (w *worker) processDisconnect(ctx context.Context, t *StreamTransport) {
	if t.Terminal() {
		return
	}
	if t.State() == stateConnected {
		if err := t.transition(eventDrain); err != nil {
			return
		}
	}
	if t.State() != stateDisconnecting {
		// Never got a connection up; nothing to flush.
		_ = t.transition(eventFail)
		w.finish(ctx, t, transport.EventClosedGracefully, t.closeReason())
		return
	}
	// One more writable opportunity to flush the close handshake.
	w.sendStopAndClose(ctx, t)
}

func (w *worker) handleInbox(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case dialResult:
		w.handleDialResult(ctx, e)
	case readMessage:
		w.handleRead(ctx, e.t, e.data)
	case readError:
		w.handleTransportError(ctx, e.t, e.err)
	}
}

func (w *worker) handleDialResult(ctx context.Context, res dialResult) {
	t := res.t
	if t.Terminal() {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}

	if res.err != nil {
		if res.serverID != "" {
			w.drv.sup.RecordFailure(res.serverID, res.err)
		}
		failEvent := transport.EventConnectFailed
		if isTimeout(res.err) {
			failEvent = transport.EventConnectionTimeout
		}
		w.retryOrFail(ctx, t, failEvent, res.err)
		return
	}

	t.conn = res.conn
	t.conn.SetReadLimit(int64(t.cfg.MaxMessageLen))
	if err := t.transition(eventEstablished); err != nil {
		_ = res.conn.Close()
		return
	}
	// A fresh connection restores the full reconnect allowance and restarts
	// backoff at the initial delay on the next outage.
	t.mu.Lock()
	t.attempts = 0
	t.mu.Unlock()
	w.drv.sup.RecordSuccess(res.serverID, res.latency)
	t.notifyConnected(ctx)
	w.log.Info("transport connected", "stream_id", t.cfg.StreamID, "server_id", res.serverID)

	go w.readPump(t, res.conn)
	w.enqueueWrite(t)
}

// retryOrFail drives a failed dial or a lost connection into either a
// scheduled reconnect or the terminal failed state.
func (w *worker) retryOrFail(ctx context.Context, t *StreamTransport, failEvent transport.NotifyEvent, cause error) {
	t.mu.Lock()
	t.attempts++
	attempts := t.attempts
	t.mu.Unlock()

	policy := w.drv.sup.Policy()
	if policy.Exhausted(attempts) || errors.Is(cause, shared.ErrCircuitOpen) || errors.Is(cause, shared.ErrNoServers) {
		_ = t.transition(eventFail)
		detail := ""
		if cause != nil {
			detail = cause.Error()
		}
		w.finish(ctx, t, failEvent, detail)
		return
	}

	if err := t.transition(eventRetry); err != nil {
		return
	}
	t.notify(ctx, transport.EventDegraded, "reconnecting", nil)

	delay := policy.Backoff(attempts - 1)
	w.log.Warn("transport retry scheduled",
		"stream_id", t.cfg.StreamID, "attempt", attempts, "delay", delay, "error", cause)
	timer := time.AfterFunc(delay, func() {
		if !t.Terminal() {
			w.enqueueConnect(t)
		}
	})
	t.setRetryTimer(timer)
}

func (w *worker) readPump(t *StreamTransport, conn Conn) {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			w.post(readError{t: t, err: err})
			return
		}
		data, err := readBounded(r, t.cfg.MaxMessageLen)
		if errors.Is(err, shared.ErrMessageTooLarge) {
			w.log.Warn("inbound message exceeds reassembly bound, discarded",
				"stream_id", t.cfg.StreamID, "limit", t.cfg.MaxMessageLen)
			continue
		}
		if err != nil {
			w.post(readError{t: t, err: err})
			return
		}
		w.post(readMessage{t: t, data: data})
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readBounded reassembles one logical message up to max bytes. Oversized
// messages are drained and reported, not fatal.
func readBounded(r io.Reader, max int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > max {
		_, _ = io.Copy(io.Discard, r)
		return nil, shared.ErrMessageTooLarge
	}
	return data, nil
}

func (w *worker) handleRead(ctx context.Context, t *StreamTransport, data []byte) {
	if t.Terminal() {
		return
	}
	in, err := transport.ParseInbound(data)
	if err != nil {
		if t.markInvalidInput() {
			t.notify(ctx, transport.EventInvalidInput, err.Error(), nil)
			_ = t.QueueEvent([]byte(`{"event":"incorrectPayload"}`), prioEvent)
			w.enqueueWrite(t)
		}
		return
	}
	t.notify(ctx, transport.EventMessage, in.Event, in.Raw)
}

// handleTransportError funnels socket errors into the state machine. A
// close during graceful shutdown completes it; anything else triggers the
// reconnect loop.
func (w *worker) handleTransportError(ctx context.Context, t *StreamTransport, cause error) {
	if t.Terminal() || t.State() == stateReconnecting {
		return
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	graceful, _ := t.gracefulState()
	if graceful || t.State() == stateDisconnecting {
		_ = t.transition(eventClosed)
		w.finish(ctx, t, transport.EventClosedGracefully, t.closeReason())
		return
	}
	w.retryOrFail(ctx, t, transport.EventDropped, cause)
}

// handleWritable is the per-writable-slot priority ladder: shutdown
// deadline, one event message, the start message, the stop message once
// drained, then exactly one audio chunk.
func (w *worker) handleWritable(ctx context.Context, t *StreamTransport) {
	if t.Terminal() || t.conn == nil {
		return
	}

	graceful, overdue := t.gracefulState()
	if graceful && overdue {
		if t.State() == stateConnected {
			_ = t.transition(eventDrain)
		}
		w.sendStopAndClose(ctx, t)
		return
	}

	if msg, ok := t.queue.TryDequeue(); ok {
		// Event messages never share a write slot with audio.
		if err := t.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			w.handleTransportError(ctx, t, err)
			return
		}
		w.enqueueWrite(t)
		return
	}

	if !t.startSentFlag() {
		data, err := transport.BuildStart(t.nextSeq(), t.cfg.SessionID, t.cfg.StreamID,
			t.cfg.Track, t.cfg.Codec, t.cfg.SampleRate, t.cfg.ExtraHeaders)
		if err != nil {
			w.log.Error("start message build failed", "stream_id", t.cfg.StreamID, "error", err)
			return
		}
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			w.handleTransportError(ctx, t, err)
			return
		}
		t.markStartSent()
		w.enqueueWrite(t)
		return
	}

	if graceful && t.buffersDrained() {
		if t.State() == stateConnected {
			_ = t.transition(eventDrain)
		}
		w.sendStopAndClose(ctx, t)
		return
	}

	track, buf, chunk, ok := t.nextAudio()
	if !ok {
		return
	}
	data, err := transport.BuildMedia(t.nextSeq(), t.cfg.StreamID, track,
		buf.LastSendMicros(), t.nextMediaChunk(), chunk, t.cfg.ExtraHeaders)
	if err != nil {
		w.log.Error("media message build failed", "stream_id", t.cfg.StreamID, "error", err)
		return
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.handleTransportError(ctx, t, err)
		return
	}
	if !t.buffersDrained() || t.queue.Len() > 0 {
		w.enqueueWrite(t)
	}
}

// sendStopAndClose flushes the close control message and finalizes the
// transport.
func (w *worker) sendStopAndClose(ctx context.Context, t *StreamTransport) {
	if t.conn != nil && t.startSentFlag() && !t.stopSentFlag() {
		data, err := transport.BuildStop(t.nextSeq(), t.cfg.SessionID, t.cfg.StreamID, t.cfg.ExtraHeaders)
		if err == nil {
			if werr := t.conn.WriteMessage(websocket.TextMessage, data); werr == nil {
				t.markStopSent()
			}
		}
	}
	if t.conn != nil {
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = t.transition(eventClosed)
	w.finish(ctx, t, transport.EventClosedGracefully, t.closeReason())
}

// finish fires the terminal notification and deletes the transport. After
// this returns no goroutine may dereference it.
func (w *worker) finish(ctx context.Context, t *StreamTransport, event transport.NotifyEvent, detail string) {
	t.notifyTerminal(ctx, event, detail)
	t.teardown()
	delete(w.owned, t.cfg.StreamID)
	w.mu.Lock()
	delete(w.writePending, t.cfg.StreamID)
	w.mu.Unlock()
	w.log.Info("transport finished", "stream_id", t.cfg.StreamID, "event", string(event))
}

// shutdown drops every owned transport when the driver stops.
func (w *worker) shutdown(ctx context.Context) {
	w.mu.Lock()
	w.connectQ = nil
	w.disconnectQ = nil
	w.writeQ = nil
	w.mu.Unlock()

	for _, t := range w.owned {
		_ = t.transition(eventFail)
		w.finish(ctx, t, transport.EventDropped, "driver stopped")
	}
}
