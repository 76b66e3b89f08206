package hostfuncs

import (
	"sync"
)

// DefaultStderrLimit caps the diagnostic output kept from a plugin process.
const DefaultStderrLimit = 64 * 1024

// BoundedBuffer is an io.Writer that keeps only the last limit bytes
// written to it. It is used to capture a worker's stderr so that the
// tail (usually the crash report) survives arbitrarily chatty output.
// It is safe for concurrent use.
type BoundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
	mu        sync.Mutex
}

// NewBoundedBuffer creates a new BoundedBuffer with the specified limit.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	if limit < 1 {
		limit = 1
	}
	return &BoundedBuffer{limit: limit}
}

// Write implements io.Writer. It never fails and always reports len(p).
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.limit {
		b.truncated = b.truncated || len(b.buf) > 0 || len(p) > b.limit
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}

	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.truncated = true
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// String returns the retained bytes as a string.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the number of retained bytes.
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether older bytes were discarded.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Reset clears the buffer and the truncated flag.
func (b *BoundedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
	b.truncated = false
}
