package emitter

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
)

// MemoryBus is an append-only in-process event log. Each consumer keeps its
// own offset and reads with Read.
type MemoryBus struct {
	events  []*domain.Event
	changed chan struct{}
	mu      sync.RWMutex
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{changed: make(chan struct{})}
}

// Emit appends a copy of event to the log.
func (b *MemoryBus) Emit(ctx context.Context, event *domain.Event) error {
	return b.EmitBatch(ctx, []*domain.Event{event})
}

// EmitBatch appends copies of events to the log in order.
func (b *MemoryBus) EmitBatch(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now()

	b.mu.Lock()
	for _, ev := range events {
		Stamp(ev, now)
		cp := *ev
		cp.Asset = ev.Asset.Clone()
		cp.Metadata = maps.Clone(ev.Metadata)
		b.events = append(b.events, &cp)
		metrics.EventsEmittedTotal.WithLabelValues(string(ev.Type), "memory").Inc()
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Read returns up to limit events starting at offset.
func (b *MemoryBus) Read(offset uint64, limit int) []*domain.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := uint64(len(b.events))
	if offset >= n {
		return nil
	}
	end := n
	if limit > 0 && offset+uint64(limit) < n {
		end = offset + uint64(limit)
	}
	out := make([]*domain.Event, 0, end-offset)
	for _, ev := range b.events[offset:end] {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

// Head returns the offset the next event will get.
func (b *MemoryBus) Head() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.events))
}

// Changed returns a channel that is closed on the next append.
func (b *MemoryBus) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

func (b *MemoryBus) Close() error { return nil }
