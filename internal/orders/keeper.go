package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Keeper drives the engine on a fixed interval, standing in for an
// external automation network.
type Keeper struct {
	engine   *Engine
	caller   common.Address // holds the automation role
	interval time.Duration
	log      *slog.Logger
}

// NewKeeper creates a keeper.
func NewKeeper(engine *Engine, caller common.Address, interval time.Duration) *Keeper {
	return &Keeper{
		engine:   engine,
		caller:   caller,
		interval: max(interval, time.Second),
		log:      slog.Default().With("component", "keeper"),
	}
}

// Start runs the keeper loop until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.log.Info("Keeper started", "interval", k.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick runs one check/perform round.
func (k *Keeper) Tick(ctx context.Context) []Result {
	needed, ids, err := k.engine.CheckUpkeep(ctx)
	if err != nil {
		k.log.Error("Upkeep check failed", "error", err)
		return nil
	}
	if !needed {
		return nil
	}

	results, err := k.engine.PerformUpkeep(ctx, k.caller, ids)
	if err != nil {
		k.log.Error("Upkeep failed", "orders", len(ids), "error", err)
		return nil
	}

	executed := 0
	for _, r := range results {
		if r.Executed {
			executed++
		}
	}
	k.log.Info("Upkeep performed", "orders", len(ids), "executed", executed)
	return results
}
