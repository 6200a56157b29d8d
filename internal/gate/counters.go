package gate

import (
	"context"
	"sync"
	"time"
)

// CounterStore keeps per-scope call counts for fixed time windows.
type CounterStore interface {
	// Count returns the calls recorded for scope in the window starting at start.
	Count(ctx context.Context, scope string, start time.Time) (uint64, error)

	// Incr records one call for scope in the window starting at start and
	// returns the new count. ttl bounds how long the window is kept.
	Incr(ctx context.Context, scope string, start time.Time, ttl time.Duration) (uint64, error)

	// Decr gives back one call taken by Incr in the same window. A window
	// that has already expired is left alone.
	Decr(ctx context.Context, scope string, start time.Time) error
}

type windowCount struct {
	start time.Time
	calls uint64
}

// MemoryCounters is a process-local CounterStore. A scope's count resets
// when a call lands in a newer window.
type MemoryCounters struct {
	counts map[string]*windowCount
	mu     sync.Mutex
}

// NewMemoryCounters creates an empty counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]*windowCount)}
}

func (m *MemoryCounters) Count(ctx context.Context, scope string, start time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[scope]
	if !ok || !c.start.Equal(start) {
		return 0, nil
	}
	return c.calls, nil
}

func (m *MemoryCounters) Incr(ctx context.Context, scope string, start time.Time, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[scope]
	if !ok || c.start.Before(start) {
		c = &windowCount{start: start}
		m.counts[scope] = c
	}
	c.calls++
	return c.calls, nil
}

func (m *MemoryCounters) Decr(ctx context.Context, scope string, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[scope]
	if ok && c.start.Equal(start) && c.calls > 0 {
		c.calls--
	}
	return nil
}

// Key helpers
func userScope(user string) string {
	return "user:" + user
}

const globalScope = "global"
