package emitter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// Fanout sends every event to a primary emitter and a list of secondary ones.
// Only primary failures are returned; secondary failures are logged.
type Fanout struct {
	primary     Emitter
	secondaries []Emitter
	log         *slog.Logger
}

// NewFanout creates a fan-out emitter.
func NewFanout(primary Emitter, secondaries ...Emitter) *Fanout {
	return &Fanout{
		primary:     primary,
		secondaries: secondaries,
		log:         slog.Default().With("component", "fanout"),
	}
}

func (f *Fanout) Emit(ctx context.Context, event *domain.Event) error {
	return f.EmitBatch(ctx, []*domain.Event{event})
}

func (f *Fanout) EmitBatch(ctx context.Context, events []*domain.Event) error {
	if err := f.primary.EmitBatch(ctx, events); err != nil {
		return err
	}
	for _, s := range f.secondaries {
		if err := s.EmitBatch(ctx, events); err != nil {
			f.log.Warn("Secondary emitter failed", "events", len(events), "error", err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	errs := []error{f.primary.Close()}
	for _, s := range f.secondaries {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
