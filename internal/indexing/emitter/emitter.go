package emitter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// Emitter defines the outbound notification interface every component
// publishes to. Consumers read from the sink on their own schedule.
type Emitter interface {
	// Emit sends a single event
	Emit(ctx context.Context, event *domain.Event) error

	// EmitBatch sends multiple events
	EmitBatch(ctx context.Context, events []*domain.Event) error

	// Close closes the emitter connection
	Close() error
}

// Stamp fills in the event id and timestamp when they are missing.
func Stamp(event *domain.Event, now time.Time) *domain.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	return event
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, *domain.Event) error { return nil }

func (Nop) EmitBatch(context.Context, []*domain.Event) error { return nil }

func (Nop) Close() error { return nil }
