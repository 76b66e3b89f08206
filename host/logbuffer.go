package host

import (
	"sync"

	"github.com/reglet-dev/plugos/domain/entities"
)

// DefaultLogBufferSize is the number of log entries a sandbox retains.
const DefaultLogBufferSize = 100

// LogBuffer keeps the most recent log entries, oldest first.
// It is safe for concurrent use.
type LogBuffer struct {
	entries []entities.LogEntry
	start   int
	size    int
	mu      sync.Mutex
}

// NewLogBuffer creates a buffer holding at most capacity entries.
// A capacity below one is treated as one.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{entries: make([]entities.LogEntry, capacity)}
}

// Append adds an entry, evicting the oldest one when full.
func (b *LogBuffer) Append(entry entities.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.entries) {
		b.entries[(b.start+b.size)%len(b.entries)] = entry
		b.size++
		return
	}
	b.entries[b.start] = entry
	b.start = (b.start + 1) % len(b.entries)
}

// Entries returns a copy of the retained entries in arrival order.
func (b *LogBuffer) Entries() []entities.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]entities.LogEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of retained entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the maximum number of retained entries.
func (b *LogBuffer) Cap() int {
	return len(b.entries)
}
