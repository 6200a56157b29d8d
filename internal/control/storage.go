package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/crosslane/internal/core/config"
	"github.com/vietddude/crosslane/internal/gate"
	redisclient "github.com/vietddude/crosslane/internal/infra/redis"
	"github.com/vietddude/crosslane/internal/infra/storage"
	"github.com/vietddude/crosslane/internal/infra/storage/memory"
	"github.com/vietddude/crosslane/internal/infra/storage/postgres"
)

// repositories is the storage selected by configuration.
type repositories struct {
	received  storage.ReceivedTransferRepository
	sent      storage.SentTransferRepository
	orders    storage.OrderRepository
	ledger    storage.LedgerRepository
	incidents storage.IncidentRepository
	cursors   storage.CursorRepository
	counters  gate.CounterStore

	db    *postgres.DB
	redis *redisclient.Client
}

// openStorage picks PostgreSQL when a database URL is set and memory
// otherwise. Redis, when configured, holds the gate counters and the
// ingest cursor so several processes can share them.
func openStorage(ctx context.Context, cfg *config.AppConfig) (*repositories, error) {
	r := &repositories{}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		r.db = db
		r.received = postgres.NewReceivedRepo(db)
		r.sent = postgres.NewSentRepo(db)
		r.orders = postgres.NewOrderRepo(db)
		r.ledger = postgres.NewLedgerRepo(db)
		r.incidents = postgres.NewIncidentRepo(db)
		r.cursors = postgres.NewCursorRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		r.received = memory.NewReceivedRepo(store)
		r.sent = memory.NewSentRepo(store)
		r.orders = memory.NewOrderRepo(store)
		r.ledger = memory.NewLedgerRepo(store)
		r.incidents = memory.NewIncidentRepo(store)
		r.cursors = memory.NewCursorRepo(store)
		slog.Info("Using Memory storage")
	}

	r.counters = gate.NewMemoryCounters()
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			r.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		r.redis = client
		r.counters = redisclient.NewRateCounters(client)
		r.cursors = redisclient.NewCursorStore(client)
		slog.Info("Using Redis for rate counters and cursors")
	}
	return r, nil
}

func (r *repositories) close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}
}
