package hostfuncs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		writes    []string
		want      string
		limit     int
		truncated bool
	}{
		{name: "under limit", limit: 10, writes: []string{"abc", "de"}, want: "abcde"},
		{name: "exact limit", limit: 5, writes: []string{"abcde"}, want: "abcde"},
		{name: "keeps tail across writes", limit: 5, writes: []string{"abc", "defg"}, want: "cdefg", truncated: true},
		{name: "single oversized write", limit: 4, writes: []string{"abcdefgh"}, want: "efgh", truncated: true},
		{name: "oversized after content", limit: 4, writes: []string{"x", "abcd"}, want: "abcd", truncated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBoundedBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				assert.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, b.String())
			assert.Equal(t, len(tt.want), b.Len())
			assert.Equal(t, tt.truncated, b.Truncated())
		})
	}
}

func TestBoundedBuffer_Reset(t *testing.T) {
	b := NewBoundedBuffer(3)
	_, _ = b.Write([]byte(strings.Repeat("x", 10)))
	assert.True(t, b.Truncated())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Truncated())
}
