package audio

import (
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/shared"
)

// ChunkBuffer is a fixed-chunk ring buffer holding encoded audio awaiting
// transmission or pending decode. Timestamps advance by a fixed step per
// chunk so the send clock stays monotonic regardless of wall-clock jitter.
type ChunkBuffer struct {
	mu sync.Mutex

	streamID  string
	data      []byte
	head      int
	length    int
	capacity  int
	chunkSize int

	timeStep      time.Duration
	startTime     time.Time
	generatedTime time.Time
	lastSendTime  time.Time

	generatedChunks   uint32
	transmittedChunks uint32
}

func NewChunkBuffer(streamID string, capacity, chunkSize int, timeStep time.Duration) *ChunkBuffer {
	if chunkSize <= 0 {
		chunkSize = 320
	}
	if capacity < chunkSize {
		capacity = chunkSize
	}
	now := time.Now()
	return &ChunkBuffer{
		streamID:      streamID,
		data:          make([]byte, capacity),
		capacity:      capacity,
		chunkSize:     chunkSize,
		timeStep:      timeStep,
		startTime:     now,
		generatedTime: now,
		lastSendTime:  now,
	}
}

// Write appends exactly one chunk. A refused write leaves the buffer state
// untouched.
func (b *ChunkBuffer) Write(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) != b.chunkSize {
		return shared.ErrMessageTooLarge
	}
	if b.length+b.chunkSize > b.capacity {
		return shared.ErrBufferFull
	}

	tail := (b.head + b.length) % b.capacity
	n := copy(b.data[tail:], chunk)
	if n < len(chunk) {
		copy(b.data, chunk[n:])
	}
	b.length += b.chunkSize
	b.generatedTime = b.generatedTime.Add(b.timeStep)
	b.generatedChunks++
	return nil
}

// ReadChunk removes and returns one chunk, or false when less than a full
// chunk is buffered.
func (b *ChunkBuffer) ReadChunk() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.length < b.chunkSize {
		return nil, false
	}

	chunk := make([]byte, b.chunkSize)
	n := copy(chunk, b.data[b.head:])
	if n < b.chunkSize {
		copy(chunk[n:], b.data)
	}
	b.head = (b.head + b.chunkSize) % b.capacity
	b.length -= b.chunkSize
	b.lastSendTime = b.lastSendTime.Add(b.timeStep)
	b.transmittedChunks++
	return chunk, true
}

func (b *ChunkBuffer) HasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length > 0
}

func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

func (b *ChunkBuffer) Capacity() int    { return b.capacity }
func (b *ChunkBuffer) ChunkSize() int   { return b.chunkSize }
func (b *ChunkBuffer) StreamID() string { return b.streamID }

// LastSendMicros is the reconstructed send clock carried in media messages.
func (b *ChunkBuffer) LastSendMicros() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSendTime.UnixMicro()
}

func (b *ChunkBuffer) TransmittedChunks() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transmittedChunks
}

func (b *ChunkBuffer) GeneratedChunks() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generatedChunks
}

// Utilization is current usage over capacity, always within [0,1].
func (b *ChunkBuffer) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity == 0 {
		return 0
	}
	return float64(b.length) / float64(b.capacity)
}
