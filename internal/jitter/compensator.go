package jitter

import (
	"container/heap"
	"sync"
	"time"
)

// Packet is one unit of received audio awaiting playout.
type Packet struct {
	Sequence  uint32
	Timestamp time.Time
	Payload   []byte
}

type Stats struct {
	CurrentJitter time.Duration
	MaxJitter     time.Duration
	BufferDelay   time.Duration
	LatePackets   uint64
	EarlyPackets  uint64
	Duplicates    uint64
	Depth         int
}

type packetHeap []Packet

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	if h[i].Sequence != h[j].Sequence {
		return h[i].Sequence < h[j].Sequence
	}
	return h[i].Timestamp.Before(h[j].Timestamp)
}
func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) { *h = append(*h, x.(Packet)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Compensator absorbs arrival-time variance before playback by holding
// packets until their age reaches the target delay. The target only ever
// grows with observed jitter; it does not decay when jitter subsides.
type Compensator struct {
	mu sync.Mutex

	packets     packetHeap
	maxSize     int
	targetDelay time.Duration
	maxDelay    time.Duration
	lastPlayed  uint32
	anyPlayed   bool
	stats       Stats

	now func() time.Time
}

func NewCompensator(initialDelay, maxDelay time.Duration, maxSize int) *Compensator {
	if initialDelay <= 0 {
		initialDelay = 60 * time.Millisecond
	}
	if maxDelay < initialDelay {
		maxDelay = 200 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 512
	}
	return &Compensator{
		targetDelay: initialDelay,
		maxDelay:    maxDelay,
		maxSize:     maxSize,
		stats:       Stats{BufferDelay: initialDelay},
		now:         time.Now,
	}
}

// Add inserts a packet in sequence order. Duplicates of already-played
// sequences are dropped and counted.
func (c *Compensator) Add(p Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.anyPlayed && p.Sequence <= c.lastPlayed {
		c.stats.Duplicates++
		c.stats.LatePackets++
		return false
	}
	if len(c.packets) >= c.maxSize {
		c.stats.LatePackets++
		return false
	}
	heap.Push(&c.packets, p)
	return true
}

// NextPacket pops the lowest-sequence packet once it has aged past the
// target delay, enforcing a fixed playout lag.
func (c *Compensator) NextPacket() (Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.packets) == 0 {
		return Packet{}, false
	}
	top := c.packets[0]
	if !c.shouldPlay(top) {
		c.stats.EarlyPackets++
		return Packet{}, false
	}
	p := heap.Pop(&c.packets).(Packet)
	c.lastPlayed = p.Sequence
	c.anyPlayed = true
	return p, true
}

// shouldPlay must be called with c.mu held.
func (c *Compensator) shouldPlay(p Packet) bool {
	return c.now().Sub(p.Timestamp) >= c.targetDelay
}

// AdaptToJitter raises the target delay when measured jitter approaches it.
// Adaptation is asymmetric on purpose: delay never decreases automatically.
func (c *Compensator) AdaptToJitter(measured time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.CurrentJitter = measured
	if measured > c.stats.MaxJitter {
		c.stats.MaxJitter = measured
	}

	if measured > c.targetDelay*8/10 {
		next := measured + measured/2
		if next > c.maxDelay {
			next = c.maxDelay
		}
		if next > c.targetDelay {
			c.targetDelay = next
			c.stats.BufferDelay = next
		}
	}
}

func (c *Compensator) CurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetDelay
}

func (c *Compensator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *Compensator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Depth = len(c.packets)
	return st
}
