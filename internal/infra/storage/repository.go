package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a primary key is already stored
	ErrAlreadyExists = errors.New("already exists")

	// ErrDuplicateKey is returned when a ledger dedupe key was already consumed
	ErrDuplicateKey = errors.New("dedupe key already consumed")

	// ErrConflict is returned when a compare-and-set precondition fails
	ErrConflict = errors.New("concurrent modification")

	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")
)

// Scope identifies one contract on one chain. The same address on another
// chain is a different scope.
type Scope struct {
	Selector domain.Selector
	Contract common.Address
}

// ReceivedTransferRepository handles destination-side transfer records
type ReceivedTransferRepository interface {
	// Create stores a new RECEIVED record. Returns ErrAlreadyExists for a known message id.
	Create(ctx context.Context, t *domain.ReceivedTransfer) error

	// Get retrieves a record by message id
	Get(ctx context.Context, messageID common.Hash) (*domain.ReceivedTransfer, error)

	// UpdateStatus moves a record from one status to another.
	// Returns ErrConflict if the stored status is not from.
	// Moving into PROCESSING increments the attempt counter.
	UpdateStatus(
		ctx context.Context,
		messageID common.Hash,
		from, to domain.TransferStatus,
		reason string,
		at time.Time,
	) error

	// Count returns the number of records received by scope
	Count(ctx context.Context, scope Scope) (int, error)

	// Last returns the most recently received record for scope
	Last(ctx context.Context, scope Scope) (*domain.ReceivedTransfer, error)

	// ListByStatus pages through records of scope in a given status, oldest first
	ListByStatus(
		ctx context.Context,
		scope Scope,
		status domain.TransferStatus,
		offset, limit int,
	) ([]*domain.ReceivedTransfer, error)

	// CountByStatus returns the number of records of scope in a given status
	CountByStatus(ctx context.Context, scope Scope, status domain.TransferStatus) (int, error)
}

// SentTransferRepository handles source-side transfer records
type SentTransferRepository interface {
	// Create stores a dispatched transfer. Returns ErrAlreadyExists for a known message id.
	Create(ctx context.Context, t *domain.SentTransfer) error

	// Get retrieves a record by message id
	Get(ctx context.Context, messageID common.Hash) (*domain.SentTransfer, error)

	// Count returns the number of transfers dispatched by scope
	Count(ctx context.Context, scope Scope) (int, error)
}

// OrderRepository handles automated orders
type OrderRepository interface {
	// Create assigns the next order id and stores the order
	Create(ctx context.Context, o *domain.Order) error

	// Get retrieves an order by id
	Get(ctx context.Context, id uint64) (*domain.Order, error)

	// Update overwrites a stored order
	Update(ctx context.Context, o *domain.Order) error

	// ListActive returns up to limit ACTIVE orders with id > afterID, ordered by id
	ListActive(ctx context.Context, afterID uint64, limit int) ([]*domain.Order, error)

	// ListByOwner pages through an owner's orders ordered by id
	ListByOwner(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error)

	// Count returns the total number of orders
	Count(ctx context.Context) (int, error)
}

// LedgerRepository handles the append-only record ledger
type LedgerRepository interface {
	// Append assigns ids and stores all records in one atomic step.
	// Returns ErrDuplicateKey if any dedupe key is already stored; nothing is written then.
	Append(ctx context.Context, records []*domain.Record) error

	// Get retrieves a record by id
	Get(ctx context.Context, id uint64) (*domain.Record, error)

	// ListByUser pages through a user's records ordered by id
	ListByUser(ctx context.Context, user common.Address, offset, limit int) ([]*domain.Record, error)

	// CountByUser returns the number of records of a user
	CountByUser(ctx context.Context, user common.Address) (int, error)

	// KeyExists reports whether a dedupe key has been consumed
	KeyExists(ctx context.Context, key common.Hash) (bool, error)

	// Count returns the total number of records
	Count(ctx context.Context) (int, error)

	// GetProfile retrieves a wallet's profile
	GetProfile(ctx context.Context, wallet common.Address) (*domain.Profile, error)

	// SaveProfile stores p if the stored version is p.Version-1 (or absent for version 1).
	// Returns ErrConflict otherwise.
	SaveProfile(ctx context.Context, p *domain.Profile) error
}

// IncidentRepository handles the security gate's incident log
type IncidentRepository interface {
	// Append assigns the next sequence and stores the incident
	Append(ctx context.Context, inc *domain.Incident) error

	// Recent returns up to limit incidents, newest first
	Recent(ctx context.Context, limit int) ([]*domain.Incident, error)

	// List pages through incidents, oldest first
	List(ctx context.Context, offset, limit int) ([]*domain.Incident, error)

	// Count returns the number of incidents
	Count(ctx context.Context) (int, error)
}

// CursorRepository handles event-consumer cursors
type CursorRepository interface {
	// Get retrieves the cursor for a consumer
	Get(ctx context.Context, consumer string) (*domain.Cursor, error)

	// Save saves/updates the cursor
	Save(ctx context.Context, cursor *domain.Cursor) error

	// UpdateOffset moves the cursor to a new offset
	UpdateOffset(ctx context.Context, consumer string, offset uint64) error

	// UpdateState updates cursor state
	UpdateState(ctx context.Context, consumer string, state domain.CursorState) error
}
