package adaptive

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/audio-bridge/internal/shared"
)

func testConfig() Config {
	cfg := Balanced()
	cfg.FlowControl = FlowControlNone
	cfg.MaxSizeBytes = 1024
	cfg.MinSizeBytes = 256
	cfg.InitialSizeBytes = 512
	return cfg
}

func msgWith(priority Priority, size int) *Message {
	return &Message{
		Priority:  priority,
		Data:      make([]byte, size),
		Timestamp: time.Now(),
	}
}

func TestBufferPriorityOrdering(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)
	defer b.Close()

	base := time.Now()
	enqueue := func(p Priority, offset time.Duration) {
		m := msgWith(p, 10)
		m.Timestamp = base.Add(offset)
		if err := b.Enqueue(m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	enqueue(PriorityBulk, 0)
	enqueue(PriorityNormal, time.Millisecond)
	enqueue(PriorityCritical, 2*time.Millisecond)
	enqueue(PriorityNormal, 3*time.Millisecond)
	enqueue(PriorityHigh, 4*time.Millisecond)

	want := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityNormal, PriorityBulk}
	var prev time.Time
	for i, p := range want {
		m, err := b.Dequeue(time.Second)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if m.Priority != p {
			t.Fatalf("dequeue %d: priority = %v, want %v", i, m.Priority, p)
		}
		if m.Priority == PriorityNormal {
			if !prev.IsZero() && m.Timestamp.Before(prev) {
				t.Fatal("equal-priority messages out of timestamp order")
			}
			prev = m.Timestamp
		}
	}
}

func TestBufferCapacityAdmission(t *testing.T) {
	cfg := testConfig()
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	if err := b.Enqueue(msgWith(PriorityNormal, cfg.MaxSizeBytes-1)); err != nil {
		t.Fatalf("below capacity rejected: %v", err)
	}

	// One byte short of capacity, so one more normal message is admitted.
	if err := b.Enqueue(msgWith(PriorityNormal, 10)); err != nil {
		t.Fatalf("at boundary rejected: %v", err)
	}

	// Now at or over capacity. Normal and below are refused, critical and
	// high still get through.
	if err := b.Enqueue(msgWith(PriorityNormal, 10)); !errors.Is(err, shared.ErrBufferFull) {
		t.Fatalf("over capacity normal: err = %v, want ErrBufferFull", err)
	}
	if err := b.Enqueue(msgWith(PriorityBulk, 10)); !errors.Is(err, shared.ErrBufferFull) {
		t.Fatalf("over capacity bulk: err = %v, want ErrBufferFull", err)
	}
	if err := b.Enqueue(msgWith(PriorityCritical, 10)); err != nil {
		t.Fatalf("over capacity critical rejected: %v", err)
	}
	if err := b.Enqueue(msgWith(PriorityHigh, 10)); err != nil {
		t.Fatalf("over capacity high rejected: %v", err)
	}
}

func TestBufferExpiredDeadlineRejected(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)
	defer b.Close()

	m := msgWith(PriorityCritical, 10)
	m.Deadline = time.Now().Add(-time.Second)
	if err := b.Enqueue(m); !errors.Is(err, shared.ErrDeadlineExpired) {
		t.Fatalf("err = %v, want ErrDeadlineExpired", err)
	}
	if got := b.Stats().DroppedMessages; got != 1 {
		t.Fatalf("DroppedMessages = %d, want 1", got)
	}
}

func TestBufferDequeueTimeout(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)
	defer b.Close()

	start := time.Now()
	_, err := b.Dequeue(50 * time.Millisecond)
	if !errors.Is(err, shared.ErrDequeueTimeout) {
		t.Fatalf("err = %v, want ErrDequeueTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned after %v, timeout not honored", elapsed)
	}
}

func TestBufferCloseWakesBlockedDequeue(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, shared.ErrBufferClosed) {
			t.Fatalf("err = %v, want ErrBufferClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue not woken by close")
	}

	if err := b.Enqueue(msgWith(PriorityNormal, 10)); !errors.Is(err, shared.ErrBufferClosed) {
		t.Fatalf("enqueue after close: err = %v, want ErrBufferClosed", err)
	}
}

func TestBufferRateLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.FlowControl = FlowControlTokenBucket
	cfg.TokenBucketRate = 1
	cfg.TokenBucketCapacity = 2
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	// Two 1KB messages drain the bucket, the third is throttled.
	if err := b.Enqueue(msgWith(PriorityNormal, 100)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := b.Enqueue(msgWith(PriorityNormal, 100)); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := b.Enqueue(msgWith(PriorityNormal, 100)); !errors.Is(err, shared.ErrRateLimited) {
		t.Fatalf("third: err = %v, want ErrRateLimited", err)
	}
}

func TestBufferAdaptGrowsOnLatency(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptationInterval = 0
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	b.UpdateNetworkCondition(NetworkCondition{
		Latency:    300 * time.Millisecond,
		MeasuredAt: time.Now(),
	})

	want := int(float64(cfg.InitialSizeBytes) * 1.5)
	if want > cfg.MaxSizeBytes {
		want = cfg.MaxSizeBytes
	}
	if got := b.RecommendedSize(); got != want {
		t.Fatalf("RecommendedSize = %d, want %d", got, want)
	}
}

func TestBufferAdaptClampedToBounds(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptationInterval = 0
	cfg.InitialSizeBytes = cfg.MaxSizeBytes
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	b.UpdateNetworkCondition(NetworkCondition{
		Latency:        400 * time.Millisecond,
		PacketLossRate: 0.2,
		MeasuredAt:     time.Now(),
	})
	if got := b.RecommendedSize(); got != cfg.MaxSizeBytes {
		t.Fatalf("RecommendedSize = %d, want clamp at %d", got, cfg.MaxSizeBytes)
	}
}

func TestBufferAdaptReportsAdaptingState(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptationInterval = 0
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	b.UpdateNetworkCondition(NetworkCondition{
		Latency:    300 * time.Millisecond,
		MeasuredAt: time.Now(),
	})
	if got := b.State(); got != StateAdapting {
		t.Fatalf("state = %v after size adaptation, want adapting", got)
	}

	// Adapting is transient; the next queue operation recomputes the
	// queue-derived state.
	if err := b.Enqueue(msgWith(PriorityNormal, 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := b.State(); got != StateNormal {
		t.Fatalf("state = %v after enqueue, want normal", got)
	}
}

func TestBufferAdaptIntervalGate(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptationInterval = time.Hour
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	b.UpdateNetworkCondition(NetworkCondition{Latency: 300 * time.Millisecond})
	first := b.Stats().AdaptationEvents
	if first != 1 {
		t.Fatalf("AdaptationEvents = %d, want 1", first)
	}

	// Within the interval further measurements do not adapt again.
	b.UpdateNetworkCondition(NetworkCondition{Latency: 500 * time.Millisecond})
	if got := b.Stats().AdaptationEvents; got != first {
		t.Fatalf("AdaptationEvents = %d, want %d", got, first)
	}
}

func TestBufferStateTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	onChange := func(streamID string, old, new State) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	}

	cfg := testConfig()
	b := NewBuffer("s1", cfg, onChange, nil)
	defer b.Close()

	if err := b.Enqueue(msgWith(PriorityCritical, cfg.MaxSizeBytes+100)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := b.State(); got != StateOverrun {
		t.Fatalf("state = %v, want overrun", got)
	}

	if _, err := b.Dequeue(time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got := b.State(); got != StateUnderrun {
		t.Fatalf("state = %v, want underrun", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 {
		t.Fatalf("transitions = %v, want overrun then underrun", transitions)
	}
	if transitions[0] != StateOverrun || transitions[len(transitions)-1] != StateUnderrun {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestBufferFlushKeepsHighPriority(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)
	defer b.Close()

	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityBulk} {
		if err := b.Enqueue(msgWith(p, 10)); err != nil {
			t.Fatalf("enqueue %v: %v", p, err)
		}
	}

	dropped := b.Flush(PriorityHigh)
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if got := b.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	if got := b.State(); got != StateDraining {
		t.Fatalf("state = %v, want draining", got)
	}
}

func TestBufferSweepExpired(t *testing.T) {
	b := NewBuffer("s1", testConfig(), nil, nil)
	defer b.Close()

	live := msgWith(PriorityNormal, 10)
	stale := msgWith(PriorityNormal, 10)
	stale.Deadline = time.Now().Add(10 * time.Millisecond)
	if err := b.Enqueue(live); err != nil {
		t.Fatalf("enqueue live: %v", err)
	}
	if err := b.Enqueue(stale); err != nil {
		t.Fatalf("enqueue stale: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if removed := b.SweepExpired(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got := b.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestBufferUtilizationBounded(t *testing.T) {
	cfg := testConfig()
	b := NewBuffer("s1", cfg, nil, nil)
	defer b.Close()

	if got := b.Utilization(); got != 0 {
		t.Fatalf("empty utilization = %f, want 0", got)
	}
	if err := b.Enqueue(msgWith(PriorityCritical, cfg.MaxSizeBytes*2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := b.Utilization(); got != 1 {
		t.Fatalf("overfull utilization = %f, want clamp to 1", got)
	}
}
