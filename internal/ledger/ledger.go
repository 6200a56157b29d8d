// Package ledger is the idempotent, append-only record ledger that indexers
// write normalized events into. Every dedupe key is consumed at most once
// and records are never changed after they are appended.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

var (
	// ErrKeyUsed means the dedupe key was consumed before. Replaying
	// indexers should treat it as already handled.
	ErrKeyUsed = errors.New("dedupe key already used")

	// ErrInvalidInput is returned for malformed records or keys.
	ErrInvalidInput = errors.New("invalid ledger input")

	// ErrBatchSize is returned for empty, oversized or mismatched batches.
	ErrBatchSize = errors.New("invalid batch size")

	// ErrNotWallet is returned when someone other than the wallet updates
	// its profile.
	ErrNotWallet = errors.New("caller is not the profile wallet")
)

const (
	DefaultMaxBatch    = 100
	DefaultMaxPageSize = 100
)

// Config holds ledger limits.
type Config struct {
	MaxBatch    int `yaml:"max_batch"`
	MaxPageSize int `yaml:"max_page_size"`
}

// Ledger is the record ledger service.
type Ledger struct {
	cfg  Config
	acl  *access.Controller
	repo storage.LedgerRepository
	now  func() time.Time
	log  *slog.Logger
	mu   sync.Mutex
}

// New creates a ledger.
func New(cfg Config, acl *access.Controller, repo storage.LedgerRepository) *Ledger {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	return &Ledger{
		cfg:  cfg,
		acl:  acl,
		repo: repo,
		now:  time.Now,
		log:  slog.Default().With("component", "ledger"),
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// AppendRecord stores one record under key and returns its id.
func (l *Ledger) AppendRecord(
	ctx context.Context,
	caller common.Address,
	in domain.RecordInput,
	key common.Hash,
) (uint64, error) {
	ids, err := l.append(ctx, caller, []domain.RecordInput{in}, []common.Hash{key})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AppendRecordsBatch stores all records or none. A consumed key, or a key
// repeated inside the batch, rejects the whole batch.
func (l *Ledger) AppendRecordsBatch(
	ctx context.Context,
	caller common.Address,
	inputs []domain.RecordInput,
	keys []common.Hash,
) ([]uint64, error) {
	if len(inputs) != len(keys) {
		return nil, fmt.Errorf("%w: %d inputs, %d keys", ErrBatchSize, len(inputs), len(keys))
	}
	if len(inputs) == 0 || len(inputs) > l.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrBatchSize, len(inputs), l.cfg.MaxBatch)
	}
	return l.append(ctx, caller, inputs, keys)
}

func (l *Ledger) append(
	ctx context.Context,
	caller common.Address,
	inputs []domain.RecordInput,
	keys []common.Hash,
) ([]uint64, error) {
	if err := l.acl.RequireRole(access.RoleLedgerWriter, caller); err != nil {
		return nil, err
	}

	now := l.now()
	records := make([]*domain.Record, len(inputs))
	for i, in := range inputs {
		if err := validate(in, keys[i]); err != nil {
			metrics.LedgerAppendsTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if in.OccurredAt.IsZero() {
			in.OccurredAt = now
		}
		records[i] = &domain.Record{RecordInput: in, DedupeKey: keys[i], RecordedAt: now}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	metrics.DBBatchSize.WithLabelValues("ledger_append").Observe(float64(len(records)))
	if err := l.repo.Append(ctx, records); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			metrics.LedgerAppendsTotal.WithLabelValues("duplicate").Add(float64(len(records)))
			return nil, fmt.Errorf("%w: %w", ErrKeyUsed, err)
		}
		metrics.LedgerAppendsTotal.WithLabelValues("error").Add(float64(len(records)))
		return nil, fmt.Errorf("failed to append records: %w", err)
	}

	ids := make([]uint64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	metrics.LedgerAppendsTotal.WithLabelValues("appended").Add(float64(len(records)))
	l.log.Debug("Records appended", "count", len(records), "first_id", ids[0])
	return ids, nil
}

func validate(in domain.RecordInput, key common.Hash) error {
	switch {
	case key == (common.Hash{}):
		return fmt.Errorf("%w: zero dedupe key", ErrInvalidInput)
	case in.User == (common.Address{}):
		return fmt.Errorf("%w: zero user", ErrInvalidInput)
	case !in.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidInput, in.Status)
	}
	if _, err := domain.FlattenDetail(in.Detail); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// UpdateProfileCommitment replaces the wallet's commitment and returns the
// new version. Only the wallet itself may call it.
func (l *Ledger) UpdateProfileCommitment(
	ctx context.Context,
	caller, wallet common.Address,
	commitment common.Hash,
) (uint64, error) {
	if caller != wallet {
		return 0, fmt.Errorf("%w: %s", ErrNotWallet, caller.Hex())
	}
	if wallet == (common.Address{}) || commitment == (common.Hash{}) {
		return 0, fmt.Errorf("%w: zero wallet or commitment", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.Profile(ctx, wallet)
	if err != nil {
		return 0, err
	}
	next := &domain.Profile{
		Wallet:     wallet,
		Commitment: commitment,
		Version:    current.Version + 1,
		UpdatedAt:  l.now(),
	}
	if err := l.repo.SaveProfile(ctx, next); err != nil {
		return 0, fmt.Errorf("failed to save profile: %w", err)
	}
	return next.Version, nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Record looks up a record by id.
func (l *Ledger) Record(ctx context.Context, id uint64) (*domain.Record, error) {
	return l.repo.Get(ctx, id)
}

// UserRecords pages through a user's records in id order. limit is capped
// at the configured page size.
func (l *Ledger) UserRecords(ctx context.Context, user common.Address, offset, limit int) ([]*domain.Record, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	if limit <= 0 || limit > l.cfg.MaxPageSize {
		limit = l.cfg.MaxPageSize
	}
	return l.repo.ListByUser(ctx, user, offset, limit)
}

// UserRecordCount returns the number of records of a user.
func (l *Ledger) UserRecordCount(ctx context.Context, user common.Address) (int, error) {
	return l.repo.CountByUser(ctx, user)
}

// Profile returns a wallet's profile; version 0 means it was never set.
func (l *Ledger) Profile(ctx context.Context, wallet common.Address) (*domain.Profile, error) {
	p, err := l.repo.GetProfile(ctx, wallet)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Profile{Wallet: wallet}, nil
	}
	return p, err
}

// IsKeyUsed reports whether a dedupe key was consumed.
func (l *Ledger) IsKeyUsed(ctx context.Context, key common.Hash) (bool, error) {
	return l.repo.KeyExists(ctx, key)
}

// TotalRecords returns the number of records in the ledger.
func (l *Ledger) TotalRecords(ctx context.Context) (int, error) {
	return l.repo.Count(ctx)
}
