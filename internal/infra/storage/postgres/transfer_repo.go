package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// -----------------------------------------------------------------------------
// Received transfers
// -----------------------------------------------------------------------------

// ReceivedRepo implements storage.ReceivedTransferRepository using PostgreSQL.
type ReceivedRepo struct {
	db *DB
}

// NewReceivedRepo creates a new PostgreSQL received transfer repository.
func NewReceivedRepo(db *DB) *ReceivedRepo {
	return &ReceivedRepo{db: db}
}

type receivedRow struct {
	MessageID     string         `db:"message_id"`
	Dest          string         `db:"dest"`
	Source        string         `db:"source"`
	Sender        string         `db:"sender"`
	Receiver      string         `db:"receiver"`
	Origin        string         `db:"origin"`
	Recipient     string         `db:"recipient"`
	Token         sql.NullString `db:"token"`
	Amount        sql.NullString `db:"amount"`
	Action        string         `db:"action"`
	Data          []byte         `db:"data"`
	Deadline      sql.NullTime   `db:"deadline"`
	Status        string         `db:"status"`
	FailureReason string         `db:"failure_reason"`
	Attempts      int            `db:"attempts"`
	ReceivedAt    time.Time      `db:"received_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const receivedColumns = `
	message_id, dest::text AS dest, source::text AS source, sender, receiver, origin, recipient,
	token, amount::text AS amount, action, data, deadline, status, failure_reason, attempts,
	received_at, updated_at`

func (r *receivedRow) toDomain() (*domain.ReceivedTransfer, error) {
	dest, err := parseSelector(r.Dest)
	if err != nil {
		return nil, err
	}
	source, err := parseSelector(r.Source)
	if err != nil {
		return nil, err
	}
	asset, err := assetFromColumns(r.Token, r.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.ReceivedTransfer{
		MessageID:     common.HexToHash(r.MessageID),
		Dest:          dest,
		Source:        source,
		Sender:        common.HexToAddress(r.Sender),
		Receiver:      common.HexToAddress(r.Receiver),
		Origin:        common.HexToAddress(r.Origin),
		Recipient:     common.HexToAddress(r.Recipient),
		Asset:         asset,
		Action:        r.Action,
		Data:          r.Data,
		Deadline:      timeOrZero(r.Deadline),
		Status:        domain.TransferStatus(r.Status),
		FailureReason: r.FailureReason,
		Attempts:      r.Attempts,
		ReceivedAt:    r.ReceivedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// Create stores a new record.
func (r *ReceivedRepo) Create(ctx context.Context, t *domain.ReceivedTransfer) error {
	token, amount := assetColumns(t.Asset)
	query := `
		INSERT INTO received_transfers (
			message_id, dest, source, sender, receiver, origin, recipient, token, amount,
			action, data, deadline, status, failure_reason, attempts, received_at, updated_at
		) VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.MessageID.Hex(), selectorText(t.Dest), selectorText(t.Source),
		t.Sender.Hex(), t.Receiver.Hex(), t.Origin.Hex(), t.Recipient.Hex(),
		token, amount, t.Action, t.Data, nullTime(t.Deadline),
		string(t.Status), t.FailureReason, t.Attempts, t.ReceivedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, t.MessageID.Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to save received transfer: %w", err)
	}
	return nil
}

// Get retrieves a record by message id.
func (r *ReceivedRepo) Get(ctx context.Context, id common.Hash) (*domain.ReceivedTransfer, error) {
	var row receivedRow
	err := r.db.GetContext(ctx, &row, `SELECT `+receivedColumns+` FROM received_transfers WHERE message_id = $1`, id.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", storage.ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get received transfer: %w", err)
	}
	return row.toDomain()
}

// UpdateStatus moves a record between statuses with a compare-and-set on
// the current status.
func (r *ReceivedRepo) UpdateStatus(
	ctx context.Context,
	id common.Hash,
	from, to domain.TransferStatus,
	reason string,
	at time.Time,
) error {
	query := `
		UPDATE received_transfers
		SET status = $3,
			failure_reason = $4,
			updated_at = $5,
			attempts = attempts + CASE WHEN $3 = 'PROCESSING' THEN 1 ELSE 0 END
		WHERE message_id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, query, id.Hex(), string(from), string(to), reason, at)
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: message %s is %s, expected %s", storage.ErrConflict, id.Hex(), current.Status, from)
}

// Count returns the number of records received by scope.
func (r *ReceivedRepo) Count(ctx context.Context, scope storage.Scope) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM received_transfers WHERE dest = $1::numeric AND receiver = $2`,
		selectorText(scope.Selector), scope.Contract.Hex(),
	)
	return n, err
}

// Last returns the most recently received record for scope.
func (r *ReceivedRepo) Last(ctx context.Context, scope storage.Scope) (*domain.ReceivedTransfer, error) {
	var row receivedRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+receivedColumns+` FROM received_transfers
		WHERE dest = $1::numeric AND receiver = $2
		ORDER BY seq DESC LIMIT 1`,
		selectorText(scope.Selector), scope.Contract.Hex(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last transfer: %w", err)
	}
	return row.toDomain()
}

// ListByStatus pages through records in a status, oldest first.
func (r *ReceivedRepo) ListByStatus(
	ctx context.Context,
	scope storage.Scope,
	status domain.TransferStatus,
	offset, limit int,
) ([]*domain.ReceivedTransfer, error) {
	var rows []receivedRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+receivedColumns+` FROM received_transfers
		WHERE dest = $1::numeric AND receiver = $2 AND status = $3
		ORDER BY seq ASC OFFSET $4 LIMIT $5`,
		selectorText(scope.Selector), scope.Contract.Hex(), string(status), offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	out := make([]*domain.ReceivedTransfer, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CountByStatus returns the number of records of scope in a status.
func (r *ReceivedRepo) CountByStatus(ctx context.Context, scope storage.Scope, status domain.TransferStatus) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM received_transfers WHERE dest = $1::numeric AND receiver = $2 AND status = $3`,
		selectorText(scope.Selector), scope.Contract.Hex(), string(status),
	)
	return n, err
}

// -----------------------------------------------------------------------------
// Sent transfers
// -----------------------------------------------------------------------------

// SentRepo implements storage.SentTransferRepository using PostgreSQL.
type SentRepo struct {
	db *DB
}

// NewSentRepo creates a new PostgreSQL sent transfer repository.
func NewSentRepo(db *DB) *SentRepo {
	return &SentRepo{db: db}
}

type sentRow struct {
	MessageID string         `db:"message_id"`
	Source    string         `db:"source"`
	Dest      string         `db:"dest"`
	Sender    string         `db:"sender"`
	Receiver  string         `db:"receiver"`
	Origin    string         `db:"origin"`
	Recipient string         `db:"recipient"`
	Token     sql.NullString `db:"token"`
	Amount    sql.NullString `db:"amount"`
	Action    string         `db:"action"`
	FeeToken  string         `db:"fee_token"`
	Fee       string         `db:"fee"`
	SentAt    time.Time      `db:"sent_at"`
}

func (r *sentRow) toDomain() (*domain.SentTransfer, error) {
	source, err := parseSelector(r.Source)
	if err != nil {
		return nil, err
	}
	dest, err := parseSelector(r.Dest)
	if err != nil {
		return nil, err
	}
	asset, err := assetFromColumns(r.Token, r.Amount)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount(r.Fee)
	if err != nil {
		return nil, err
	}
	return &domain.SentTransfer{
		MessageID: common.HexToHash(r.MessageID),
		Source:    source,
		Dest:      dest,
		Sender:    common.HexToAddress(r.Sender),
		Receiver:  common.HexToAddress(r.Receiver),
		Origin:    common.HexToAddress(r.Origin),
		Recipient: common.HexToAddress(r.Recipient),
		Asset:     asset,
		Action:    r.Action,
		FeeToken:  common.HexToAddress(r.FeeToken),
		Fee:       fee,
		SentAt:    r.SentAt,
	}, nil
}

// Create stores a dispatched transfer.
func (r *SentRepo) Create(ctx context.Context, t *domain.SentTransfer) error {
	token, amount := assetColumns(t.Asset)
	query := `
		INSERT INTO sent_transfers (
			message_id, source, dest, sender, receiver, origin, recipient,
			token, amount, action, fee_token, fee, sent_at
		) VALUES ($1, $2::numeric, $3::numeric, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12::numeric, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.MessageID.Hex(), selectorText(t.Source), selectorText(t.Dest),
		t.Sender.Hex(), t.Receiver.Hex(), t.Origin.Hex(), t.Recipient.Hex(),
		token, amount, t.Action, t.FeeToken.Hex(), amountText(t.Fee), t.SentAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: message %s", storage.ErrAlreadyExists, t.MessageID.Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to save sent transfer: %w", err)
	}
	return nil
}

// Get retrieves a record by message id.
func (r *SentRepo) Get(ctx context.Context, id common.Hash) (*domain.SentTransfer, error) {
	var row sentRow
	err := r.db.GetContext(ctx, &row, `
		SELECT message_id, source::text AS source, dest::text AS dest, sender, receiver, origin,
			recipient, token, amount::text AS amount, action, fee_token, fee::text AS fee, sent_at
		FROM sent_transfers WHERE message_id = $1`, id.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", storage.ErrNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sent transfer: %w", err)
	}
	return row.toDomain()
}

// Count returns the number of transfers dispatched by scope.
func (r *SentRepo) Count(ctx context.Context, scope storage.Scope) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sent_transfers WHERE source = $1::numeric AND sender = $2`,
		selectorText(scope.Selector), scope.Contract.Hex(),
	)
	return n, err
}
