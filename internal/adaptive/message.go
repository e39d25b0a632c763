package adaptive

import "time"

// Priority orders outbound messages; lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota // control messages, must be delivered
	PriorityHigh                     // real-time audio
	PriorityNormal                   // standard audio
	PriorityLow                      // background data, statistics
	PriorityBulk                     // non-time-sensitive transfers
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBulk:
		return "bulk"
	}
	return "unknown"
}

type Message struct {
	Sequence   uint32
	Priority   Priority
	Data       []byte
	Timestamp  time.Time
	Deadline   time.Time
	RetryCount int
	StreamID   string
	Metadata   map[string]string

	// insertion order, assigned on enqueue to keep equal-timestamp
	// messages FIFO within a priority tier
	order uint64
}

func (m *Message) Size() int { return len(m.Data) }

func (m *Message) Expired(now time.Time) bool {
	return !m.Deadline.IsZero() && m.Deadline.Before(now)
}

// messageHeap orders strictly by priority, ties broken by earlier timestamp.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].Timestamp.Equal(h[j].Timestamp) {
		return h[i].Timestamp.Before(h[j].Timestamp)
	}
	return h[i].order < h[j].order
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
