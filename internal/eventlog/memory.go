package eventlog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Log. Readers share a read lock and only copy out entries,
// so they never block each other and hold off appenders for the copy only.
type Memory[T any] struct {
	mu      sync.RWMutex
	entries []Entry[T]
	now     func() time.Time
}

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{now: time.Now}
}

func (m *Memory[T]) Append(_ context.Context, payload T) (Entry[T], error) {
	ts := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := Entry[T]{
		Index:     len(m.entries),
		Payload:   payload,
		Timestamp: ts,
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *Memory[T]) ReadFrom(_ context.Context, cursor int) ([]Entry[T], error) {
	start := normalize(cursor) + 1

	m.mu.RLock()
	defer m.mu.RUnlock()

	if start >= len(m.entries) {
		return []Entry[T]{}, nil
	}

	out := make([]Entry[T], len(m.entries)-start)
	copy(out, m.entries[start:])
	return out, nil
}
