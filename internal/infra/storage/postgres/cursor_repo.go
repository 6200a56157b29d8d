package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	Consumer  string    `db:"consumer"`
	Offset    uint64    `db:"offset"`
	State     string    `db:"state"`
	Metadata  []byte    `db:"metadata"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Save saves a cursor to the database.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	meta, err := json.Marshal(cursor.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor metadata: %w", err)
	}
	if cursor.Metadata == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO cursors (consumer, "offset", state, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (consumer) DO UPDATE SET
			"offset" = EXCLUDED."offset",
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query, cursor.Consumer, int64(cursor.Offset), string(cursor.State), meta, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Get retrieves a cursor by consumer name.
func (r *CursorRepo) Get(ctx context.Context, consumer string) (*domain.Cursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row,
		`SELECT consumer, "offset", state, metadata, updated_at FROM cursors WHERE consumer = $1`, consumer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	c := &domain.Cursor{
		Consumer:  row.Consumer,
		Offset:    row.Offset,
		State:     domain.CursorState(row.State),
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cursor metadata: %w", err)
		}
	}
	return c, nil
}

// UpdateOffset moves the cursor.
func (r *CursorRepo) UpdateOffset(ctx context.Context, consumer string, offset uint64) error {
	return r.exec(ctx,
		`UPDATE cursors SET "offset" = $2, updated_at = $3 WHERE consumer = $1`,
		consumer, int64(offset), time.Now(),
	)
}

// UpdateState updates cursor state.
func (r *CursorRepo) UpdateState(ctx context.Context, consumer string, state domain.CursorState) error {
	return r.exec(ctx,
		`UPDATE cursors SET state = $2, updated_at = $3 WHERE consumer = $1`,
		consumer, string(state), time.Now(),
	)
}

func (r *CursorRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}
