package domain

import "time"

// Cursor is a consumer's read position in the event log.
type Cursor struct {
	Consumer  string
	Offset    uint64 // next event offset to read
	State     CursorState
	UpdatedAt time.Time
	Metadata  map[string]any
}

type CursorState string

const (
	CursorStateInit    CursorState = "init"
	CursorStateRunning CursorState = "running"
	CursorStatePaused  CursorState = "paused"
)
