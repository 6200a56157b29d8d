package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockCursorRepo struct {
	mu      sync.RWMutex
	cursors map[string]*domain.Cursor
}

func newMockCursorRepo() *mockCursorRepo {
	return &mockCursorRepo{
		cursors: make(map[string]*domain.Cursor),
	}
}

func (r *mockCursorRepo) Get(ctx context.Context, consumer string) (*domain.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cursor, ok := r.cursors[consumer]
	if !ok {
		return nil, ErrCursorNotFound
	}
	c := *cursor
	return &c, nil
}

func (r *mockCursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *cursor
	c.UpdatedAt = time.Now()
	r.cursors[cursor.Consumer] = &c
	return nil
}

func (r *mockCursorRepo) UpdateOffset(ctx context.Context, consumer string, offset uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, ok := r.cursors[consumer]
	if !ok {
		return ErrCursorNotFound
	}
	cursor.Offset = offset
	cursor.UpdatedAt = time.Now()
	return nil
}

func (r *mockCursorRepo) UpdateState(ctx context.Context, consumer string, state domain.CursorState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, ok := r.cursors[consumer]
	if !ok {
		return ErrCursorNotFound
	}
	cursor.State = state
	cursor.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		to       State
		expected bool
	}{
		{"init to running", domain.CursorStateInit, domain.CursorStateRunning, true},
		{"init to paused", domain.CursorStateInit, domain.CursorStatePaused, true},
		{"running to paused", domain.CursorStateRunning, domain.CursorStatePaused, true},
		{"running to init", domain.CursorStateRunning, domain.CursorStateInit, false},
		{"paused to running", domain.CursorStatePaused, domain.CursorStateRunning, true},
		{"paused to init", domain.CursorStatePaused, domain.CursorStateInit, false},
		{"unknown state", "rewinding", domain.CursorStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTransitionIsValid(t *testing.T) {
	valid := NewTransition(domain.CursorStateRunning, domain.CursorStatePaused, "maintenance")
	if !valid.IsValid() {
		t.Error("expected transition running->paused to be valid")
	}

	invalid := NewTransition(domain.CursorStatePaused, domain.CursorStateInit, "unexpected")
	if invalid.IsValid() {
		t.Error("expected transition paused->init to be invalid")
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestManagerEnsure(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	cursor, err := manager.Ensure(ctx, "ledger-ingest")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if cursor.Offset != 0 || cursor.State != domain.CursorStateInit {
		t.Errorf("expected fresh cursor at 0/init, got %d/%s", cursor.Offset, cursor.State)
	}

	_ = repo.UpdateOffset(ctx, "ledger-ingest", 42)

	cursor, err = manager.Ensure(ctx, "ledger-ingest")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if cursor.Offset != 42 {
		t.Errorf("expected existing cursor at 42, got %d", cursor.Offset)
	}
}

func TestManagerAdvance(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	if _, err := manager.Initialize(ctx, "ledger-ingest", 10); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start")

	if err := manager.Advance(ctx, "ledger-ingest", 10, 15); err != nil {
		t.Errorf("Advance 10..15 failed: %v", err)
	}

	cursor, _ := manager.Get(ctx, "ledger-ingest")
	if cursor.Offset != 15 {
		t.Errorf("expected offset 15, got %d", cursor.Offset)
	}

	// Same batch committed twice is a no-op.
	if err := manager.Advance(ctx, "ledger-ingest", 10, 15); err != nil {
		t.Errorf("repeated Advance failed: %v", err)
	}
}

func TestManagerAdvance_OffsetMismatch(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
	}{
		{"batch read ahead of cursor", 12, 20},
		{"batch read behind cursor", 5, 8},
		{"backwards batch", 10, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockCursorRepo()
			manager := NewManager(repo)
			ctx := context.Background()
			_, _ = manager.Initialize(ctx, "ledger-ingest", 10)

			err := manager.Advance(ctx, "ledger-ingest", tt.from, tt.to)
			if !errors.Is(err, ErrOffsetMismatch) {
				t.Errorf("expected ErrOffsetMismatch, got: %v", err)
			}
		})
	}
}

func TestManagerAdvance_PausedCursor(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	_, _ = manager.Initialize(ctx, "ledger-ingest", 0)
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start")
	_ = manager.Pause(ctx, "ledger-ingest", "maintenance")

	err := manager.Advance(ctx, "ledger-ingest", 0, 1)
	if err != ErrCursorPaused {
		t.Errorf("expected ErrCursorPaused, got: %v", err)
	}

	if err := manager.Resume(ctx, "ledger-ingest"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := manager.Advance(ctx, "ledger-ingest", 0, 1); err != nil {
		t.Errorf("Advance after resume failed: %v", err)
	}
}

func TestManagerStateCallback(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	var transitions []Transition
	manager.SetStateChangeCallback(func(consumer string, t Transition) {
		transitions = append(transitions, t)
	})

	_, _ = manager.Initialize(ctx, "ledger-ingest", 0)
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start")
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start again")
	_ = manager.Pause(ctx, "ledger-ingest", "maintenance")

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[1].To != StatePaused || transitions[1].Reason != "maintenance" {
		t.Errorf("unexpected transition: %+v", transitions[1])
	}

	err := manager.SetState(ctx, "ledger-ingest", StateInit, "reset")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got: %v", err)
	}
}

func TestManagerGetLag(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	_, _ = manager.Initialize(ctx, "ledger-ingest", 1000)

	lag, err := manager.GetLag(ctx, "ledger-ingest", 1100)
	if err != nil {
		t.Fatalf("GetLag failed: %v", err)
	}
	if lag != 100 {
		t.Errorf("expected lag 100, got %d", lag)
	}
}

func TestManagerSetMetadata(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	_, _ = manager.Initialize(ctx, "ledger-ingest", 0)
	if err := manager.SetMetadata(ctx, "ledger-ingest", "last_error", "timeout"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}

	cursor, _ := manager.Get(ctx, "ledger-ingest")
	if cursor.Metadata["last_error"] != "timeout" {
		t.Errorf("expected metadata to be stored, got %v", cursor.Metadata)
	}
}

func TestManagerPauseReason(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	_, _ = manager.Initialize(ctx, "ledger-ingest", 0)
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start")
	if err := manager.Pause(ctx, "ledger-ingest", "store migration"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	cursor, _ := manager.Get(ctx, "ledger-ingest")
	if cursor.Metadata[MetaPauseReason] != "store migration" {
		t.Errorf("expected pause reason in metadata, got %v", cursor.Metadata)
	}

	if err := manager.Resume(ctx, "ledger-ingest"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	cursor, _ = manager.Get(ctx, "ledger-ingest")
	if _, ok := cursor.Metadata[MetaPauseReason]; ok {
		t.Errorf("expected pause reason cleared, got %v", cursor.Metadata)
	}

	m := manager.GetMetrics("ledger-ingest")
	if len(m.StateHistory) != 3 || m.LastPausedAt == nil {
		t.Errorf("unexpected state history: %+v", m)
	}
}

func TestManagerReset(t *testing.T) {
	repo := newMockCursorRepo()
	manager := NewManager(repo)
	ctx := context.Background()

	if err := manager.Reset(ctx, "ledger-ingest", 5); !errors.Is(err, ErrCursorNotFound) {
		t.Errorf("expected ErrCursorNotFound, got: %v", err)
	}

	_, _ = manager.Initialize(ctx, "ledger-ingest", 0)
	_ = manager.SetState(ctx, "ledger-ingest", StateRunning, "start")
	_ = manager.Advance(ctx, "ledger-ingest", 0, 10)
	_ = manager.Advance(ctx, "ledger-ingest", 10, 20)

	if err := manager.Reset(ctx, "ledger-ingest", 5); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	cursor, _ := manager.Get(ctx, "ledger-ingest")
	if cursor.Offset != 5 {
		t.Errorf("expected offset 5, got %d", cursor.Offset)
	}
	m := manager.GetMetrics("ledger-ingest")
	if m.EventsPerSecond != 0 || len(m.StateHistory) != 0 {
		t.Errorf("expected cleared metrics, got %+v", m)
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(10)

	now := time.Now()
	for i := 0; i < 5; i++ {
		mc.RecordBatch(uint64(10*(i+1)), 10, now.Add(time.Duration(i)*time.Second))
	}

	metrics := mc.GetMetrics()

	if metrics.EventsPerSecond < 9 || metrics.EventsPerSecond > 11 {
		t.Errorf("expected ~10 events/sec, got %f", metrics.EventsPerSecond)
	}
	if metrics.AverageBatchTime != time.Second {
		t.Errorf("expected 1s per batch, got %s", metrics.AverageBatchTime)
	}
}

func TestMetricsCollector_TransitionTracking(t *testing.T) {
	mc := NewMetricsCollector(10)

	mc.RecordTransition(NewTransition(domain.CursorStateInit, domain.CursorStateRunning, "start"))
	mc.RecordTransition(NewTransition(domain.CursorStateRunning, domain.CursorStatePaused, "maintenance"))

	metrics := mc.GetMetrics()

	if len(metrics.StateHistory) != 2 {
		t.Errorf("expected 2 transitions, got %d", len(metrics.StateHistory))
	}
	if metrics.LastPausedAt == nil {
		t.Error("expected LastPausedAt to be set")
	}
}
