package recovery

import (
	"log/slog"
	"sync"
)

type Strategy string

const (
	StrategyNone          Strategy = "none"
	StrategyRetransmit    Strategy = "retransmit"
	StrategyInterpolation Strategy = "interpolation"
	StrategySilence       Strategy = "silence"
)

type Stats struct {
	PacketsLost              uint64
	PacketsRecovered         uint64
	RetransmissionsRequested uint64
	InterpolationsPerformed  uint64
}

// RecoveryRate is the fraction of lost packets that were compensated for.
func (s Stats) RecoveryRate() float64 {
	if s.PacketsLost == 0 {
		return 0
	}
	return float64(s.PacketsRecovered) / float64(s.PacketsLost)
}

// RetransmitRequester is provided by the transport layer; the engine only
// counts requests, delivery is not guaranteed here.
type RetransmitRequester interface {
	RequestRetransmit(streamID string, sequences []uint32) error
}

// Engine detects sequence gaps and compensates for missing audio according
// to the configured strategy.
type Engine struct {
	strategy  Strategy
	requester RetransmitRequester
	log       *slog.Logger

	mu    sync.Mutex
	stats map[string]*Stats
}

func NewEngine(strategy Strategy, requester RetransmitRequester, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		strategy:  strategy,
		requester: requester,
		log:       log.With("component", "recovery"),
		stats:     make(map[string]*Stats),
	}
}

func (e *Engine) Strategy() Strategy { return e.strategy }

// DetectMissing returns every sequence number strictly between lastSeq and
// currentSeq. Pure gap calculation; repeated calls with the same arguments
// return the same result, though each call counts the gap as lost packets.
func (e *Engine) DetectMissing(streamID string, lastSeq, currentSeq uint32) []uint32 {
	var missing []uint32
	for seq := lastSeq + 1; seq < currentSeq; seq++ {
		missing = append(missing, seq)
	}

	if len(missing) > 0 {
		e.mu.Lock()
		e.streamStats(streamID).PacketsLost += uint64(len(missing))
		e.mu.Unlock()
	}
	return missing
}

// RequestRetransmission issues a retransmission request when the strategy
// allows it. The request is counted regardless of delivery.
func (e *Engine) RequestRetransmission(streamID string, sequences []uint32) bool {
	e.mu.Lock()
	e.streamStats(streamID).RetransmissionsRequested += uint64(len(sequences))
	e.mu.Unlock()

	if e.strategy != StrategyRetransmit {
		return false
	}
	if e.requester != nil {
		if err := e.requester.RequestRetransmit(streamID, sequences); err != nil {
			e.log.Warn("retransmission request failed", "stream_id", streamID, "error", err)
		}
	}
	return true
}

// Interpolate synthesizes a replacement frame by byte-wise averaging of the
// neighboring frames. The result is sized to the longer input; the shorter
// one is zero padded.
func (e *Engine) Interpolate(streamID string, previous, next []byte) ([]byte, bool) {
	if e.strategy != StrategyInterpolation {
		return nil, false
	}

	size := len(previous)
	if len(next) > size {
		size = len(next)
	}
	frame := make([]byte, size)
	for i := 0; i < size; i++ {
		var prev, nxt byte
		if i < len(previous) {
			prev = previous[i]
		}
		if i < len(next) {
			nxt = next[i]
		}
		frame[i] = byte((int(prev) + int(nxt)) / 2)
	}

	e.mu.Lock()
	st := e.streamStats(streamID)
	st.InterpolationsPerformed++
	st.PacketsRecovered++
	e.mu.Unlock()
	return frame, true
}

// Silence returns a zeroed frame of the given size when silence insertion is
// configured.
func (e *Engine) Silence(streamID string, size int) ([]byte, bool) {
	if e.strategy != StrategySilence || size <= 0 {
		return nil, false
	}
	e.mu.Lock()
	e.streamStats(streamID).PacketsRecovered++
	e.mu.Unlock()
	return make([]byte, size), true
}

func (e *Engine) StreamStats(streamID string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stats[streamID]; ok {
		return *st
	}
	return Stats{}
}

func (e *Engine) Forget(streamID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.stats, streamID)
}

// streamStats must be called with e.mu held.
func (e *Engine) streamStats(streamID string) *Stats {
	st, ok := e.stats[streamID]
	if !ok {
		st = &Stats{}
		e.stats[streamID] = st
	}
	return st
}
