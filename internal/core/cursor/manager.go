package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist.
	ErrCursorNotFound = storage.ErrCursorNotFound

	// ErrOffsetMismatch is returned when a batch does not start at the stored offset.
	ErrOffsetMismatch = errors.New("cursor offset mismatch")

	// ErrCursorPaused is returned when trying to advance a paused cursor.
	ErrCursorPaused = errors.New("cursor is paused")
)

// MetaPauseReason is the metadata key holding why a cursor was paused.
const MetaPauseReason = "pause_reason"

// Manager handles cursor operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor for a consumer.
	Get(ctx context.Context, consumer string) (*domain.Cursor, error)

	// Initialize creates a new cursor at a starting offset.
	Initialize(ctx context.Context, consumer string, startOffset uint64) (*domain.Cursor, error)

	// Ensure returns the existing cursor or initializes one at offset 0.
	Ensure(ctx context.Context, consumer string) (*domain.Cursor, error)

	// Advance moves the cursor from the offset a batch was read at to the
	// offset after it.
	Advance(ctx context.Context, consumer string, from, to uint64) error

	// SetState transitions cursor to new state (validates transition).
	SetState(ctx context.Context, consumer string, newState State, reason string) error

	// Pause pauses consumption.
	Pause(ctx context.Context, consumer string, reason string) error

	// Resume resumes consumption.
	Resume(ctx context.Context, consumer string) error

	// Reset moves the cursor to offset and clears its throughput window.
	Reset(ctx context.Context, consumer string, offset uint64) error

	// GetLag returns events between the cursor and the log head.
	GetLag(ctx context.Context, consumer string, head uint64) (int64, error)

	// SetMetadata updates cursor metadata. A nil value removes the key.
	SetMetadata(ctx context.Context, consumer string, key string, value any) error

	// GetMetrics returns throughput metrics for a consumer.
	GetMetrics(consumer string) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(consumer string, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.CursorRepository
	mu            sync.RWMutex
	stateCallback func(string, Transition)
	collector     map[string]*MetricsCollector
}

// Get retrieves the current cursor for a consumer.
func (m *DefaultManager) Get(ctx context.Context, consumer string) (*domain.Cursor, error) {
	return m.repo.Get(ctx, consumer)
}

// Initialize creates a new cursor at a starting offset.
func (m *DefaultManager) Initialize(
	ctx context.Context,
	consumer string,
	startOffset uint64,
) (*domain.Cursor, error) {
	cursor := &domain.Cursor{
		Consumer:  consumer,
		Offset:    startOffset,
		UpdatedAt: time.Now(),
		State:     domain.CursorStateInit,
		Metadata:  make(map[string]any),
	}

	if err := m.repo.Save(ctx, cursor); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}

	m.mu.Lock()
	m.collector[consumer] = NewMetricsCollector(100)
	m.mu.Unlock()

	return cursor, nil
}

// Ensure returns the stored cursor, creating one at offset 0 on first use.
func (m *DefaultManager) Ensure(ctx context.Context, consumer string) (*domain.Cursor, error) {
	cursor, err := m.repo.Get(ctx, consumer)
	if err == nil {
		m.mu.Lock()
		if _, ok := m.collector[consumer]; !ok {
			m.collector[consumer] = NewMetricsCollector(100)
		}
		m.mu.Unlock()
		return cursor, nil
	}
	if !errors.Is(err, ErrCursorNotFound) {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return m.Initialize(ctx, consumer, 0)
}

// Advance moves the cursor forward after a batch was handled.
func (m *DefaultManager) Advance(ctx context.Context, consumer string, from, to uint64) error {
	cursor, err := m.repo.Get(ctx, consumer)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State == domain.CursorStatePaused {
		return ErrCursorPaused
	}

	// Re-delivery of a batch that was already committed.
	if cursor.Offset == to && from <= to {
		return nil
	}

	if cursor.Offset != from || to < from {
		return fmt.Errorf("%w: cursor at %d, batch %d..%d", ErrOffsetMismatch, cursor.Offset, from, to)
	}

	if err := m.repo.UpdateOffset(ctx, consumer, to); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collector[consumer]; ok {
		collector.RecordBatch(to, int(to-from), time.Now())
	}
	m.mu.Unlock()

	return nil
}

// SetState transitions cursor to a new state.
func (m *DefaultManager) SetState(
	ctx context.Context,
	consumer string,
	newState State,
	reason string,
) error {
	cursor, err := m.repo.Get(ctx, consumer)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor.State == newState {
		return nil
	}

	if !CanTransition(cursor.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cursor.State,
			newState,
		)
	}

	transition := NewTransition(cursor.State, newState, reason)

	if err := m.repo.UpdateState(ctx, consumer, newState); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collector[consumer]; ok {
		collector.RecordTransition(transition)
	}
	callback := m.stateCallback
	m.mu.Unlock()

	if callback != nil {
		callback(consumer, transition)
	}

	return nil
}

// Pause pauses consumption and keeps the reason in the cursor metadata.
func (m *DefaultManager) Pause(ctx context.Context, consumer string, reason string) error {
	if err := m.SetState(ctx, consumer, domain.CursorStatePaused, reason); err != nil {
		return err
	}
	return m.SetMetadata(ctx, consumer, MetaPauseReason, reason)
}

// Resume resumes consumption.
func (m *DefaultManager) Resume(ctx context.Context, consumer string) error {
	cursor, err := m.repo.Get(ctx, consumer)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State != domain.CursorStatePaused {
		return fmt.Errorf("cursor is not paused, current state: %s", cursor.State)
	}

	if err := m.SetState(ctx, consumer, domain.CursorStateRunning, "manual resume"); err != nil {
		return err
	}
	return m.SetMetadata(ctx, consumer, MetaPauseReason, nil)
}

// Reset moves the cursor to offset. Throughput collected before the reset
// no longer describes the log position, so it is dropped.
func (m *DefaultManager) Reset(ctx context.Context, consumer string, offset uint64) error {
	if _, err := m.repo.Get(ctx, consumer); err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if err := m.repo.UpdateOffset(ctx, consumer, offset); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	m.mu.Lock()
	if collector, ok := m.collector[consumer]; ok {
		collector.Reset()
	}
	m.mu.Unlock()
	return nil
}

// GetLag returns how many events the consumer is behind the head.
func (m *DefaultManager) GetLag(ctx context.Context, consumer string, head uint64) (int64, error) {
	cursor, err := m.repo.Get(ctx, consumer)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	return int64(head) - int64(cursor.Offset), nil
}

// SetMetadata updates cursor metadata.
func (m *DefaultManager) SetMetadata(
	ctx context.Context,
	consumer string,
	key string,
	value any,
) error {
	cursor, err := m.repo.Get(ctx, consumer)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.Metadata == nil {
		cursor.Metadata = make(map[string]any)
	}
	if value == nil {
		delete(cursor.Metadata, key)
	} else {
		cursor.Metadata[key] = value
	}

	return m.repo.Save(ctx, cursor)
}

// GetMetrics returns throughput metrics for a consumer.
func (m *DefaultManager) GetMetrics(consumer string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.collector[consumer]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(consumer string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}
