package ptysession

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultBufferChunks is the default number of output chunks retained.
const DefaultBufferChunks = 4000

// ChunkBuffer is a thread-safe ring of output chunks. When full the oldest
// chunk is overwritten.
type ChunkBuffer struct {
	mu     sync.RWMutex
	chunks []string
	size   int
	head   int
	count  int
}

// NewChunkBuffer creates a ChunkBuffer holding at most size chunks.
func NewChunkBuffer(size int) *ChunkBuffer {
	if size <= 0 {
		size = DefaultBufferChunks
	}
	return &ChunkBuffer{
		chunks: make([]string, size),
		size:   size,
	}
}

// Write appends a chunk, evicting the oldest one when full.
func (b *ChunkBuffer) Write(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks[b.head] = chunk
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Chunks returns a copy of the stored chunks in chronological order.
func (b *ChunkBuffer) Chunks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, b.count)
	start := (b.head - b.count + b.size) % b.size
	for i := 0; i < b.count; i++ {
		out[i] = b.chunks[(start+i)%b.size]
	}
	return out
}

// Tail returns the last maxChars runes of the joined buffer.
func (b *ChunkBuffer) Tail(maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Walk backwards and only join what is needed.
	var parts []string
	runes := 0
	for i := 0; i < b.count && runes < maxChars; i++ {
		c := b.chunks[(b.head-1-i+2*b.size)%b.size]
		parts = append(parts, c)
		runes += utf8.RuneCountInString(c)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	joined := strings.Join(parts, "")
	if runes <= maxChars {
		return joined
	}
	skip := runes - maxChars
	for i := range joined {
		if skip == 0 {
			return joined[i:]
		}
		skip--
	}
	return ""
}

// Len returns the number of stored chunks.
func (b *ChunkBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity.
func (b *ChunkBuffer) Cap() int {
	return b.size
}

// Clear drops all chunks.
func (b *ChunkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = make([]string, b.size)
	b.head = 0
	b.count = 0
}
