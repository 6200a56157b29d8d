package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// IncidentRepo implements storage.IncidentRepository using PostgreSQL.
type IncidentRepo struct {
	db *DB
}

// NewIncidentRepo creates a new PostgreSQL incident repository.
func NewIncidentRepo(db *DB) *IncidentRepo {
	return &IncidentRepo{db: db}
}

type incidentRow struct {
	Sequence  uint64    `db:"sequence"`
	ID        string    `db:"id"`
	Actor     string    `db:"actor"`
	Feature   string    `db:"feature"`
	Reason    string    `db:"reason"`
	Reference string    `db:"reference"`
	Mode      string    `db:"mode"`
	Blocked   bool      `db:"blocked"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *incidentRow) toDomain() *domain.Incident {
	return &domain.Incident{
		ID:        r.ID,
		Sequence:  r.Sequence,
		Actor:     common.HexToAddress(r.Actor),
		Feature:   common.HexToAddress(r.Feature),
		Reason:    domain.IncidentReason(r.Reason),
		Reference: r.Reference,
		Mode:      domain.EnforcementMode(r.Mode),
		Blocked:   r.Blocked,
		Timestamp: r.CreatedAt,
	}
}

// Append stores an incident and assigns its sequence.
func (r *IncidentRepo) Append(ctx context.Context, inc *domain.Incident) error {
	query := `
		INSERT INTO incidents (id, actor, feature, reason, reference, mode, blocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence
	`
	err := r.db.QueryRowxContext(ctx, query,
		inc.ID, inc.Actor.Hex(), inc.Feature.Hex(), string(inc.Reason), inc.Reference,
		string(inc.Mode), inc.Blocked, inc.Timestamp,
	).Scan(&inc.Sequence)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// Recent returns the newest incidents first.
func (r *IncidentRepo) Recent(ctx context.Context, limit int) ([]*domain.Incident, error) {
	return r.list(ctx, `SELECT * FROM incidents ORDER BY sequence DESC LIMIT $1`, limit)
}

// List pages through incidents oldest first.
func (r *IncidentRepo) List(ctx context.Context, offset, limit int) ([]*domain.Incident, error) {
	return r.list(ctx, `SELECT * FROM incidents ORDER BY sequence ASC OFFSET $1 LIMIT $2`, offset, limit)
}

func (r *IncidentRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Incident, error) {
	var rows []incidentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	out := make([]*domain.Incident, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// Count returns the number of incidents.
func (r *IncidentRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM incidents`)
	return n, err
}
