// Package cursor tracks how far each event consumer has read the event log.
//
// # Purpose
//
// The cursor is the consumer's bookmark in the append-only event log:
//   - Offset: the next event offset the consumer will read
//   - State: control behavior (running, paused)
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	INIT → RUNNING → PAUSED → RUNNING (valid)
//	PAUSED → INIT (invalid)
//
// Batch Check - Advance(from, to) fails with ErrOffsetMismatch when the
// stored offset is not the offset the batch was read from, so two workers
// sharing a consumer name cannot silently skip events.
//
// Atomic Updates - The cursor only advances AFTER a batch is fully handled.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	c, _ := manager.Ensure(ctx, "ledger-ingest")
//	manager.SetState(ctx, "ledger-ingest", cursor.StateRunning, "ingester started")
//
//	events := bus.Read(c.Offset, 100)
//	// ... handle events ...
//	manager.Advance(ctx, "ledger-ingest", c.Offset, c.Offset+uint64(len(events)))
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Core Manager implementation with batch checks
//   - metrics.go - Throughput metrics (events/sec, state history)
package cursor

import (
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// =============================================================================
// Re-exported types from domain package
// =============================================================================

// Cursor represents the read position of a consumer.
type Cursor = domain.Cursor

// CursorState represents the current state of the cursor.
type CursorState = domain.CursorState

// State constants re-exported for convenience.
const (
	StateInit    = domain.CursorStateInit
	StateRunning = domain.CursorStateRunning
	StatePaused  = domain.CursorStatePaused
)

// =============================================================================
// Constructor functions
// =============================================================================

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:      repo,
		collector: make(map[string]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		batches:     make([]batchRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
