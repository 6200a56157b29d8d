package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

// UnitOfWork bundles persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	db *DB
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{db: db, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// recordColumns is the column-major form of a record batch for unnest.
type recordColumns struct {
	keys, users, selectors, sources, counterparties []string
	statuses, features, messageIDs                  []string
	orderIDs                                        []int64
	tokens, amounts, actionHashes, metadataHashes   []string
	occurredAts, recordedAts                        []string
}

func newRecordColumns(records []*domain.Record) (*recordColumns, error) {
	n := len(records)
	c := &recordColumns{
		keys: make([]string, n), users: make([]string, n), selectors: make([]string, n),
		sources: make([]string, n), counterparties: make([]string, n), statuses: make([]string, n),
		features: make([]string, n), messageIDs: make([]string, n), orderIDs: make([]int64, n),
		tokens: make([]string, n), amounts: make([]string, n), actionHashes: make([]string, n),
		metadataHashes: make([]string, n), occurredAts: make([]string, n), recordedAts: make([]string, n),
	}
	for i, rec := range records {
		flat, err := domain.FlattenDetail(rec.Detail)
		if err != nil {
			return nil, err
		}
		c.keys[i] = rec.DedupeKey.Hex()
		c.users[i] = rec.User.Hex()
		c.selectors[i] = selectorText(rec.Selector)
		c.sources[i] = rec.Source.Hex()
		c.counterparties[i] = rec.Counterparty.Hex()
		c.statuses[i] = string(rec.Status)
		c.features[i] = string(flat.Feature)
		c.messageIDs[i] = hashText(flat.MessageID)
		c.orderIDs[i] = int64(flat.OrderID)
		if flat.Token != (common.Address{}) {
			c.tokens[i] = flat.Token.Hex()
		}
		c.amounts[i] = amountText(flat.Amount)
		c.actionHashes[i] = hashText(flat.ActionHash)
		c.metadataHashes[i] = hashText(rec.MetadataHash)
		c.occurredAts[i] = rec.OccurredAt.UTC().Format(timestampLayout)
		c.recordedAts[i] = rec.RecordedAt.UTC().Format(timestampLayout)
	}
	return c, nil
}

const timestampLayout = "2006-01-02 15:04:05.999999999Z07:00"

// AppendRecords inserts a record batch with one multi-row INSERT and
// assigns the generated ids. A consumed dedupe key fails the statement.
func (u *UnitOfWork) AppendRecords(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	c, err := newRecordColumns(records)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ledger_records (
			dedupe_key, user_address, selector, source, counterparty, status, feature,
			message_id, order_id, token, amount, action_hash, metadata_hash, occurred_at, recorded_at
		)
		SELECT
			dedupe_key, user_address, selector, source, counterparty, status, feature,
			message_id, order_id, token, amount, action_hash, metadata_hash, occurred_at, recorded_at
		FROM unnest(
			$1::text[], $2::text[], $3::numeric[], $4::text[], $5::text[], $6::text[], $7::text[],
			$8::text[], $9::bigint[], $10::text[], $11::numeric[], $12::text[], $13::text[],
			$14::timestamptz[], $15::timestamptz[]
		) WITH ORDINALITY AS t(
			dedupe_key, user_address, selector, source, counterparty, status, feature,
			message_id, order_id, token, amount, action_hash, metadata_hash, occurred_at, recorded_at, ord
		)
		ORDER BY ord
		RETURNING id, dedupe_key
	`

	metrics.DBBatchSize.WithLabelValues("append_records").Observe(float64(len(records)))

	rows, err := u.tx.QueryxContext(ctx, query,
		pq.Array(c.keys), pq.Array(c.users), pq.Array(c.selectors), pq.Array(c.sources),
		pq.Array(c.counterparties), pq.Array(c.statuses), pq.Array(c.features),
		pq.Array(c.messageIDs), pq.Array(c.orderIDs), pq.Array(c.tokens), pq.Array(c.amounts),
		pq.Array(c.actionHashes), pq.Array(c.metadataHashes), pq.Array(c.occurredAts),
		pq.Array(c.recordedAts),
	)
	if err != nil {
		return recordInsertError(err)
	}
	defer rows.Close()

	ids := make(map[string]uint64, len(records))
	for rows.Next() {
		var (
			id  uint64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return fmt.Errorf("failed to scan record id: %w", err)
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return recordInsertError(err)
	}

	for _, rec := range records {
		rec.ID = ids[rec.DedupeKey.Hex()]
	}
	return nil
}

func recordInsertError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
	}
	return fmt.Errorf("failed to insert records: %w", err)
}
