package logger

import (
	"context"
	"fmt"
	"sync"
)

// RepeatFilter aggregates identical error messages: the first Limit
// occurrences of a message are logged, then a single suppression notice,
// then nothing until Reset is called.
type RepeatFilter struct {
	// limit is how many identical messages pass before suppression starts.
	limit int
	// seen counts occurrences per rendered message.
	seen map[string]int
	// mu protects seen.
	mu sync.Mutex
}

// NewRepeatFilter creates a filter passing limit copies of each message.
func NewRepeatFilter(limit int) *RepeatFilter {
	if limit < 1 {
		limit = 1
	}

	return &RepeatFilter{
		limit: limit,
		seen:  make(map[string]int),
	}
}

// Errorf logs a formatted error unless it has been repeated too often.
// It reports whether the message was written.
func (f *RepeatFilter) Errorf(ctx context.Context, format string, args ...any) bool {
	msg := fmt.Sprintf(format, args...)

	f.mu.Lock()
	f.seen[msg]++
	count := f.seen[msg]
	f.mu.Unlock()

	switch {
	case count <= f.limit:
		Error(ctx, msg)

		return true
	case count == f.limit+1:
		Warnf(ctx, "suppressing repeats of: %s", msg)

		return false
	default:
		return false
	}
}

// Reset forgets every counted message, typically after a recovery.
func (f *RepeatFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.seen)
}
