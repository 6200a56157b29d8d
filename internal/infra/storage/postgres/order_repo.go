package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// OrderRepo implements storage.OrderRepository using PostgreSQL.
type OrderRepo struct {
	db *DB
}

// NewOrderRepo creates a new PostgreSQL order repository.
func NewOrderRepo(db *DB) *OrderRepo {
	return &OrderRepo{db: db}
}

type orderRow struct {
	ID            uint64         `db:"id"`
	Owner         string         `db:"owner"`
	Trigger       []byte         `db:"trigger"`
	Dest          string         `db:"dest"`
	Receiver      string         `db:"receiver"`
	Recipient     string         `db:"recipient"`
	Token         sql.NullString `db:"token"`
	Amount        sql.NullString `db:"amount"`
	Action        string         `db:"action"`
	Data          []byte         `db:"data"`
	Recurring     bool           `db:"recurring"`
	MaxExecutions uint64         `db:"max_executions"`
	Deadline      sql.NullTime   `db:"deadline"`
	Executions    uint64         `db:"executions"`
	LastExecution sql.NullTime   `db:"last_execution"`
	LastMessageID string         `db:"last_message_id"`
	Paused        bool           `db:"paused"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const orderColumns = `
	id, owner, trigger, dest::text AS dest, receiver, recipient, token, amount::text AS amount,
	action, data, recurring, max_executions, deadline, executions, last_execution,
	last_message_id, paused, status, created_at, updated_at`

func (r *orderRow) toDomain() (*domain.Order, error) {
	var trigger domain.Trigger
	if err := json.Unmarshal(r.Trigger, &trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger of order %d: %w", r.ID, err)
	}
	dest, err := parseSelector(r.Dest)
	if err != nil {
		return nil, err
	}
	asset, err := assetFromColumns(r.Token, r.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.Order{
		ID:            r.ID,
		Owner:         common.HexToAddress(r.Owner),
		Trigger:       trigger,
		Dest:          dest,
		Receiver:      common.HexToAddress(r.Receiver),
		Recipient:     common.HexToAddress(r.Recipient),
		Asset:         asset,
		Action:        r.Action,
		Data:          r.Data,
		Recurring:     r.Recurring,
		MaxExecutions: r.MaxExecutions,
		Deadline:      timeOrZero(r.Deadline),
		Executions:    r.Executions,
		LastExecution: timeOrZero(r.LastExecution),
		LastMessageID: parseHash(r.LastMessageID),
		Paused:        r.Paused,
		Status:        domain.OrderStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// Create stores an order and assigns its id.
func (r *OrderRepo) Create(ctx context.Context, o *domain.Order) error {
	trigger, err := json.Marshal(o.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	token, amount := assetColumns(o.Asset)

	query := `
		INSERT INTO orders (
			owner, trigger, dest, receiver, recipient, token, amount, action, data, recurring,
			max_executions, deadline, executions, last_execution, last_message_id, paused,
			status, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id
	`
	return r.db.QueryRowxContext(ctx, query,
		o.Owner.Hex(), trigger, selectorText(o.Dest), o.Receiver.Hex(), o.Recipient.Hex(),
		token, amount, o.Action, o.Data, o.Recurring, o.MaxExecutions, nullTime(o.Deadline),
		o.Executions, nullTime(o.LastExecution), hashText(o.LastMessageID), o.Paused,
		string(o.Status), o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
}

// Get retrieves an order by id.
func (r *OrderRepo) Get(ctx context.Context, id uint64) (*domain.Order, error) {
	var row orderRow
	err := r.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return row.toDomain()
}

// Update overwrites the mutable fields of an order.
func (r *OrderRepo) Update(ctx context.Context, o *domain.Order) error {
	query := `
		UPDATE orders
		SET executions = $2, last_execution = $3, last_message_id = $4,
			paused = $5, status = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		o.ID, o.Executions, nullTime(o.LastExecution), hashText(o.LastMessageID),
		o.Paused, string(o.Status), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: order %d", storage.ErrNotFound, o.ID)
	}
	return nil
}

// ListActive returns ACTIVE orders after afterID in id order.
func (r *OrderRepo) ListActive(ctx context.Context, afterID uint64, limit int) ([]*domain.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = 'ACTIVE' AND id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
}

// ListByOwner pages through an owner's orders.
func (r *OrderRepo) ListByOwner(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE owner = $1 ORDER BY id OFFSET $2 LIMIT $3`,
		owner.Hex(), offset, limit,
	)
}

func (r *OrderRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	var rows []orderRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Count returns the total number of orders.
func (r *OrderRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`)
	return n, err
}
