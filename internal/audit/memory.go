package audit

import (
	"context"
	"sync"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

// MemorySink keeps the most recent events in a fixed-size ring.
type MemorySink struct {
	mu     sync.RWMutex
	buf    []schema.SecurityEvent
	next   int
	filled bool
}

// NewMemorySink creates a ring holding capacity events.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{buf: make([]schema.SecurityEvent, capacity)}
}

func (m *MemorySink) Record(_ context.Context, ev schema.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = ev
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.filled = true
	}
	return nil
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (m *MemorySink) Recent(n int) []schema.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.filled {
		size = len(m.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]schema.SecurityEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out
}

// Len returns the number of retained events.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.filled {
		return len(m.buf)
	}
	return m.next
}
