package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// LedgerRepo implements storage.LedgerRepository using PostgreSQL.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates a new PostgreSQL ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

type recordRow struct {
	ID           uint64    `db:"id"`
	DedupeKey    string    `db:"dedupe_key"`
	User         string    `db:"user_address"`
	Selector     string    `db:"selector"`
	Source       string    `db:"source"`
	Counterparty string    `db:"counterparty"`
	Status       string    `db:"status"`
	Feature      string    `db:"feature"`
	MessageID    string    `db:"message_id"`
	OrderID      uint64    `db:"order_id"`
	Token        string    `db:"token"`
	Amount       string    `db:"amount"`
	ActionHash   string    `db:"action_hash"`
	MetadataHash string    `db:"metadata_hash"`
	OccurredAt   time.Time `db:"occurred_at"`
	RecordedAt   time.Time `db:"recorded_at"`
}

const recordColumnsSQL = `
	id, dedupe_key, user_address, selector::text AS selector, source, counterparty, status,
	feature, message_id, order_id, token, amount::text AS amount, action_hash, metadata_hash,
	occurred_at, recorded_at`

func (r *recordRow) toDomain() (*domain.Record, error) {
	sel, err := parseSelector(r.Selector)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	cols := domain.RecordColumns{
		Feature:    domain.FeatureType(r.Feature),
		MessageID:  parseHash(r.MessageID),
		OrderID:    r.OrderID,
		Amount:     amount,
		ActionHash: parseHash(r.ActionHash),
	}
	if r.Token != "" {
		cols.Token = common.HexToAddress(r.Token)
	}
	detail, err := cols.Detail()
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", r.ID, err)
	}
	return &domain.Record{
		ID: r.ID,
		RecordInput: domain.RecordInput{
			User:         common.HexToAddress(r.User),
			Selector:     sel,
			Source:       common.HexToAddress(r.Source),
			Counterparty: common.HexToAddress(r.Counterparty),
			Status:       domain.RecordStatus(r.Status),
			OccurredAt:   r.OccurredAt,
			MetadataHash: parseHash(r.MetadataHash),
			Detail:       detail,
		},
		DedupeKey:  common.HexToHash(r.DedupeKey),
		RecordedAt: r.RecordedAt,
	}, nil
}

// Append stores all records in one transaction.
func (r *LedgerRepo) Append(ctx context.Context, records []*domain.Record) error {
	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.AppendRecords(ctx, records); err != nil {
		return err
	}
	return uow.Commit()
}

// Get retrieves a record by id.
func (r *LedgerRepo) Get(ctx context.Context, id uint64) (*domain.Record, error) {
	var row recordRow
	err := r.db.GetContext(ctx, &row, `SELECT `+recordColumnsSQL+` FROM ledger_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: record %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return row.toDomain()
}

// ListByUser pages through a user's records in id order.
func (r *LedgerRepo) ListByUser(ctx context.Context, user common.Address, offset, limit int) ([]*domain.Record, error) {
	var rows []recordRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+recordColumnsSQL+` FROM ledger_records
		WHERE user_address = $1 ORDER BY id OFFSET $2 LIMIT $3`,
		user.Hex(), offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]*domain.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountByUser returns the number of records of a user.
func (r *LedgerRepo) CountByUser(ctx context.Context, user common.Address) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_records WHERE user_address = $1`, user.Hex())
	return n, err
}

// KeyExists reports whether a dedupe key is stored.
func (r *LedgerRepo) KeyExists(ctx context.Context, key common.Hash) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM ledger_records WHERE dedupe_key = $1)`, key.Hex())
	return exists, err
}

// Count returns the number of records.
func (r *LedgerRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ledger_records`)
	return n, err
}

type profileRow struct {
	Wallet     string    `db:"wallet"`
	Commitment string    `db:"commitment"`
	Version    uint64    `db:"version"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// GetProfile retrieves a wallet profile.
func (r *LedgerRepo) GetProfile(ctx context.Context, wallet common.Address) (*domain.Profile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row,
		`SELECT wallet, commitment, version, updated_at FROM profiles WHERE wallet = $1`, wallet.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", storage.ErrNotFound, wallet.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &domain.Profile{
		Wallet:     common.HexToAddress(row.Wallet),
		Commitment: common.HexToHash(row.Commitment),
		Version:    row.Version,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

// SaveProfile writes p if it is exactly one version ahead of the stored
// profile (or version 1 for a new wallet).
func (r *LedgerRepo) SaveProfile(ctx context.Context, p *domain.Profile) error {
	return saveProfile(ctx, r.db, p)
}

const (
	insertProfileQuery = `
		INSERT INTO profiles (wallet, commitment, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet) DO NOTHING
	`
	updateProfileQuery = `
		UPDATE profiles
		SET commitment = $2, version = $3, updated_at = $4
		WHERE wallet = $1 AND version = $3 - 1
	`
)

func saveProfile(ctx context.Context, db sqlx.ExecerContext, p *domain.Profile) error {
	query := updateProfileQuery
	if p.Version == 1 {
		query = insertProfileQuery
	}
	res, err := db.ExecContext(ctx, query, p.Wallet.Hex(), p.Commitment.Hex(), int64(p.Version), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: profile %s version %d", storage.ErrConflict, p.Wallet.Hex(), p.Version)
	}
	return nil
}
