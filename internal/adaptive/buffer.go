package adaptive

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/shared"
	"golang.org/x/time/rate"
)

type State string

const (
	StateNormal     State = "normal"
	StateUnderrun   State = "underrun"
	StateOverrun    State = "overrun"
	StateAdapting   State = "adapting"
	StateRecovering State = "recovering"
	StateDraining   State = "draining"
)

// StateChangeFunc receives buffer health transitions. It is called without
// the buffer lock held.
type StateChangeFunc func(streamID string, old, new State)

type Stats struct {
	CurrentBytes     int
	MessageCount     int
	MaxSizeReached   int
	CurrentLatency   time.Duration
	AverageLatency   time.Duration
	TotalMessages    uint64
	DroppedMessages  uint64
	ExpiredMessages  uint64
	UnderrunEvents   uint64
	OverrunEvents    uint64
	AdaptationEvents uint64
	PacketLossRate   float64
	RecommendedSize  int
	Utilization      float64
}

// Buffer is the per-stream admission-controlled priority queue with health
// tracking and network-driven size adaptation.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	streamID string
	cfg      Config
	log      *slog.Logger

	queue        messageHeap
	currentBytes int
	currentSize  int
	state        State
	closed       bool

	limiter   *rate.Limiter
	network   NetworkCondition
	adaptive  bool
	lastAdapt time.Time
	orderSeq  uint64

	stats    Stats
	onChange StateChangeFunc

	now func() time.Time
}

func NewBuffer(streamID string, cfg Config, onChange StateChangeFunc, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg = Balanced()
	}
	b := &Buffer{
		streamID:    streamID,
		cfg:         cfg,
		log:         log.With("component", "adaptive_buffer", "stream_id", streamID),
		currentSize: cfg.InitialSizeBytes,
		state:       StateNormal,
		adaptive:    true,
		onChange:    onChange,
		now:         time.Now,
		network: NetworkCondition{
			BandwidthKbps: 1000,
			Latency:       100 * time.Millisecond,
			Jitter:        10 * time.Millisecond,
			Stable:        true,
		},
	}
	b.cond = sync.NewCond(&b.mu)
	if cfg.FlowControl == FlowControlTokenBucket || cfg.FlowControl == FlowControlAdaptiveRate {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.TokenBucketRate), cfg.TokenBucketCapacity)
	}
	return b
}

// Enqueue admits a message or rejects it without side effects beyond the
// drop statistics. Admission order: deadline, capacity vs priority, rate
// limit.
func (b *Buffer) Enqueue(msg *Message) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return shared.ErrBufferClosed
	}

	now := b.now()
	if msg.Expired(now) {
		b.stats.DroppedMessages++
		b.stats.ExpiredMessages++
		b.mu.Unlock()
		return shared.ErrDeadlineExpired
	}

	if b.currentBytes >= b.cfg.MaxSizeBytes && msg.Priority > PriorityHigh {
		b.stats.DroppedMessages++
		b.mu.Unlock()
		return shared.ErrBufferFull
	}

	if b.limiter != nil && !b.limiter.AllowN(now, tokensFor(msg.Size())) {
		b.stats.DroppedMessages++
		b.mu.Unlock()
		return shared.ErrRateLimited
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.order = b.orderSeq
	b.orderSeq++

	heap.Push(&b.queue, msg)
	b.currentBytes += msg.Size()
	b.stats.TotalMessages++
	b.updateStatsLocked(now)
	transition := b.checkConditionsLocked()

	b.cond.Broadcast()
	b.mu.Unlock()

	b.fire(transition)
	return nil
}

// Dequeue blocks until a message is available, the timeout elapses, or the
// buffer is torn down. A zero timeout blocks indefinitely.
func (b *Buffer) Dequeue(timeout time.Duration) (*Message, error) {
	b.mu.Lock()

	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = b.now().Add(timeout)
		timer = time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}

	for len(b.queue) == 0 && !b.closed {
		if timeout > 0 && !b.now().Before(deadline) {
			b.mu.Unlock()
			return nil, shared.ErrDequeueTimeout
		}
		b.cond.Wait()
	}

	if b.closed {
		b.mu.Unlock()
		return nil, shared.ErrBufferClosed
	}

	msg := heap.Pop(&b.queue).(*Message)
	b.currentBytes -= msg.Size()
	b.updateStatsLocked(b.now())
	transition := b.checkConditionsLocked()
	b.mu.Unlock()

	b.fire(transition)
	return msg, nil
}

// TryDequeue pops the next message without blocking. The reactor write
// path uses this; Dequeue is for consumers that can afford to wait.
func (b *Buffer) TryDequeue() (*Message, bool) {
	b.mu.Lock()
	if b.closed || len(b.queue) == 0 {
		b.mu.Unlock()
		return nil, false
	}
	msg := heap.Pop(&b.queue).(*Message)
	b.currentBytes -= msg.Size()
	b.updateStatsLocked(b.now())
	transition := b.checkConditionsLocked()
	b.mu.Unlock()

	b.fire(transition)
	return msg, true
}

// Peek returns the next message without removing it.
func (b *Buffer) Peek() (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	return b.queue[0], true
}

// Flush drains the queue, keeping only messages at or above minPriority.
// The buffer is left in the draining state.
func (b *Buffer) Flush(minPriority Priority) int {
	b.mu.Lock()

	var kept messageHeap
	dropped := 0
	bytes := 0
	for len(b.queue) > 0 {
		msg := heap.Pop(&b.queue).(*Message)
		if msg.Priority <= minPriority {
			kept = append(kept, msg)
			bytes += msg.Size()
		} else {
			dropped++
			b.stats.DroppedMessages++
		}
	}
	heap.Init(&kept)
	b.queue = kept
	b.currentBytes = bytes

	old := b.state
	b.state = StateDraining
	b.updateStatsLocked(b.now())
	b.mu.Unlock()

	if old != StateDraining {
		b.fire(&stateTransition{old: old, new: StateDraining})
	}
	return dropped
}

// Close tears the buffer down and wakes every blocked consumer.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// UpdateNetworkCondition records a measurement and, when adaptation is
// enabled, immediately attempts a size adaptation.
func (b *Buffer) UpdateNetworkCondition(cond NetworkCondition) {
	b.mu.Lock()
	b.network = cond
	b.stats.PacketLossRate = cond.PacketLossRate

	var transition *stateTransition
	if cond.PacketLossRate > b.cfg.MaxPacketLossRate && b.state != StateRecovering {
		old := b.state
		b.state = StateRecovering
		transition = &stateTransition{old: old, new: StateRecovering}
	}
	adaptTransition := (*stateTransition)(nil)
	if b.adaptive {
		adaptTransition = b.adaptLocked()
	}
	b.mu.Unlock()

	b.fire(transition)
	b.fire(adaptTransition)
}

// Adapt recomputes the target size from the latest network measurement.
// Invoking it more often than the adaptation interval is a no-op.
func (b *Buffer) Adapt() bool {
	b.mu.Lock()
	transition := b.adaptLocked()
	b.mu.Unlock()
	b.fire(transition)
	return transition != nil
}

// adaptLocked must be called with b.mu held.
func (b *Buffer) adaptLocked() *stateTransition {
	now := b.now()
	if !b.lastAdapt.IsZero() && now.Sub(b.lastAdapt) < b.cfg.AdaptationInterval {
		return nil
	}

	optimal := b.optimalSizeLocked()
	if optimal == b.currentSize {
		return nil
	}

	old := b.state
	b.state = StateAdapting
	b.currentSize = optimal
	b.stats.AdaptationEvents++
	b.lastAdapt = now
	b.log.Debug("buffer size adapted", "size_bytes", optimal)
	if old == StateAdapting {
		return nil
	}
	return &stateTransition{old: old, new: StateAdapting}
}

// optimalSizeLocked grows the buffer for high latency and measured loss,
// clamped to the configured bounds.
func (b *Buffer) optimalSizeLocked() int {
	size := float64(b.currentSize)
	if b.network.Latency > 200*time.Millisecond {
		size *= 1.5
	}
	if b.network.PacketLossRate > 0.01 {
		size *= 1.0 + b.network.PacketLossRate*2.0
	}
	if min := float64(b.cfg.MinSizeBytes); size < min {
		size = min
	}
	if max := float64(b.cfg.MaxSizeBytes); size > max {
		size = max
	}
	return int(size)
}

// SweepExpired drops messages whose deadline has passed.
func (b *Buffer) SweepExpired() int {
	b.mu.Lock()

	now := b.now()
	var kept messageHeap
	removed := 0
	bytes := 0
	for len(b.queue) > 0 {
		msg := heap.Pop(&b.queue).(*Message)
		if msg.Expired(now) {
			removed++
			b.stats.ExpiredMessages++
			b.stats.DroppedMessages++
			continue
		}
		kept = append(kept, msg)
		bytes += msg.Size()
	}
	heap.Init(&kept)
	b.queue = kept
	b.currentBytes = bytes
	b.updateStatsLocked(now)
	transition := b.checkConditionsLocked()
	b.mu.Unlock()

	b.fire(transition)
	return removed
}

func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) SetAdaptive(enabled bool) {
	b.mu.Lock()
	b.adaptive = enabled
	b.mu.Unlock()
}

func (b *Buffer) Adaptive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adaptive
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Utilization is current bytes over the configured maximum, in [0,1].
func (b *Buffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.utilizationLocked()
}

func (b *Buffer) utilizationLocked() float64 {
	if b.cfg.MaxSizeBytes <= 0 {
		return 0
	}
	u := float64(b.currentBytes) / float64(b.cfg.MaxSizeBytes)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// RecommendedSize is the size adaptation would pick right now.
func (b *Buffer) RecommendedSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.optimalSizeLocked()
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.CurrentBytes = b.currentBytes
	st.MessageCount = len(b.queue)
	st.RecommendedSize = b.optimalSizeLocked()
	st.Utilization = b.utilizationLocked()
	return st
}

type stateTransition struct {
	old State
	new State
}

func (b *Buffer) fire(t *stateTransition) {
	if t == nil || b.onChange == nil || t.old == t.new {
		return
	}
	b.onChange(b.streamID, t.old, t.new)
}

// updateStatsLocked must be called with b.mu held.
func (b *Buffer) updateStatsLocked(now time.Time) {
	b.stats.CurrentBytes = b.currentBytes
	b.stats.MessageCount = len(b.queue)
	if b.currentBytes > b.stats.MaxSizeReached {
		b.stats.MaxSizeReached = b.currentBytes
	}
	if len(b.queue) > 0 {
		latency := now.Sub(b.queue[0].Timestamp)
		if latency < 0 {
			latency = 0
		}
		b.stats.CurrentLatency = latency
		b.stats.AverageLatency = time.Duration(float64(b.stats.AverageLatency)*0.9 + float64(latency)*0.1)
	}
}

// checkConditionsLocked recomputes the queue-derived health state and must
// be called with b.mu held. Draining, adapting and recovering are explicit
// states; they are not inferred from queue contents here.
func (b *Buffer) checkConditionsLocked() *stateTransition {
	old := b.state
	var next State
	switch {
	case len(b.queue) == 0:
		next = StateUnderrun
	case b.currentBytes > b.cfg.MaxSizeBytes:
		next = StateOverrun
	default:
		next = StateNormal
	}
	if next == old {
		return nil
	}
	if next == StateUnderrun {
		b.stats.UnderrunEvents++
	}
	if next == StateOverrun {
		b.stats.OverrunEvents++
	}
	b.state = next
	return &stateTransition{old: old, new: next}
}

// tokensFor charges one token per started KB, minimum one.
func tokensFor(size int) int {
	n := (size + 1023) / 1024
	if n < 1 {
		n = 1
	}
	return n
}
