package journal

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries the in-process ring retains, and
// the default window for Recent when n <= 0.
const DefaultCapacity = 100

// Memory is a fixed-capacity in-process Recorder. Once full, each new entry
// overwrites the oldest one.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	pos     int
	full    bool
}

var _ Recorder = (*Memory)(nil)

// NewMemory returns a ring holding up to capacity entries. A capacity <= 0
// uses DefaultCapacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{entries: make([]Entry, capacity)}
}

// Record implements [Recorder]. It never fails.
func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.pos] = e
	m.pos++
	if m.pos >= len(m.entries) {
		m.pos = 0
		m.full = true
	}
	return nil
}

// Recent implements [Recorder], returning up to n retained entries newest
// first.
func (m *Memory) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.pos
	if m.full {
		total = len(m.entries)
	}
	if n <= 0 || n > total {
		n = total
	}
	out := make([]Entry, 0, n)
	for i := range n {
		idx := m.pos - 1 - i
		if idx < 0 {
			idx += len(m.entries)
		}
		out = append(out, m.entries[idx])
	}
	return out, nil
}

// Close implements [Recorder] and is a no-op.
func (m *Memory) Close() error { return nil }
