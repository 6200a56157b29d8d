// Package ingest turns the event log into ledger records. The ingester
// reads from its own cursor, appends one batch at a time and only then
// moves the cursor, so a crash replays at most one batch, which the
// ledger's dedupe keys absorb.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/metrics"
	"github.com/vietddude/crosslane/internal/ledger"
)

const (
	DefaultConsumer     = "ledger-ingest"
	DefaultBatchSize    = 100
	DefaultPollInterval = 2 * time.Second
	DefaultMaxRetries   = 5
)

// Config controls the ingester.
type Config struct {
	Consumer            string        `yaml:"consumer"`
	BatchSize           int           `yaml:"batch_size"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxRetries          uint64        `yaml:"max_retries"`
	RecordSkippedOrders bool          `yaml:"record_skipped_orders"`
}

// Source is the event log the ingester consumes.
type Source interface {
	Read(offset uint64, limit int) []*domain.Event
	Head() uint64
	Changed() <-chan struct{}
}

// Appender is the ledger write surface.
type Appender interface {
	AppendRecord(ctx context.Context, caller common.Address, in domain.RecordInput, key common.Hash) (uint64, error)
	AppendRecordsBatch(
		ctx context.Context,
		caller common.Address,
		inputs []domain.RecordInput,
		keys []common.Hash,
	) ([]uint64, error)
}

// Stats summarizes one batch.
type Stats struct {
	Read     int
	Appended int
	Replayed int
	Ignored  int
	Invalid  int
}

// Ingester is the event → ledger normalizer.
type Ingester struct {
	cfg     Config
	source  Source
	ledger  Appender
	cursors cursor.Manager
	writer  common.Address
	mapper  Mapper
	backoff func() retry.Backoff
	log     *slog.Logger
}

// New creates an ingester that appends as writer, which must hold the
// ledger writer role.
func New(cfg Config, source Source, l Appender, cursors cursor.Manager, writer common.Address) *Ingester {
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	i := &Ingester{
		cfg:     cfg,
		source:  source,
		ledger:  l,
		cursors: cursors,
		writer:  writer,
		mapper:  Mapper{RecordSkippedOrders: cfg.RecordSkippedOrders},
		log:     slog.Default().With("component", "ingest", "consumer", cfg.Consumer),
	}
	i.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(i.cfg.MaxRetries, retry.NewExponential(100*time.Millisecond))
	}
	cursors.SetStateChangeCallback(i.onStateChange)
	return i
}

// onStateChange logs cursor transitions and mirrors the paused flag.
func (i *Ingester) onStateChange(consumer string, t cursor.Transition) {
	paused := 0.0
	if t.To == cursor.StatePaused {
		paused = 1
		i.log.Warn("Ingester paused", "from", t.From, "reason", t.Reason)
	} else {
		i.log.Info("Ingester state changed", "from", t.From, "to", t.To, "reason", t.Reason)
	}
	metrics.IngestPaused.WithLabelValues(consumer).Set(paused)
}

// Consumer returns the cursor name.
func (i *Ingester) Consumer() string {
	return i.cfg.Consumer
}

// Start consumes until ctx is cancelled.
func (i *Ingester) Start(ctx context.Context) error {
	if _, err := i.cursors.Ensure(ctx, i.cfg.Consumer); err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	if err := i.cursors.SetState(ctx, i.cfg.Consumer, cursor.StateRunning, "ingester started"); err != nil {
		return err
	}
	i.log.Info("Ingester started", "batch_size", i.cfg.BatchSize)

	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		changed := i.source.Changed()
		stats, err := i.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			i.log.Error("Ingest batch failed", "error", err)
		}
		if err == nil && stats.Read == i.cfg.BatchSize {
			// More events are waiting.
			continue
		}

		select {
		case <-ctx.Done():
			i.log.Info("Ingester stopped")
			return nil
		case <-changed:
		case <-ticker.C:
		}
	}
}

// RunOnce handles one batch from the cursor and advances it.
func (i *Ingester) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	cur, err := i.cursors.Ensure(ctx, i.cfg.Consumer)
	if err != nil {
		return stats, fmt.Errorf("failed to load cursor: %w", err)
	}
	if cur.State == cursor.StatePaused {
		return stats, nil
	}

	events := i.source.Read(cur.Offset, i.cfg.BatchSize)
	stats.Read = len(events)
	if len(events) > 0 {
		inputs := make([]domain.RecordInput, 0, len(events))
		keys := make([]common.Hash, 0, len(events))
		for _, ev := range events {
			in, key, ok := i.mapper.Map(ev)
			if !ok {
				stats.Ignored++
				continue
			}
			inputs = append(inputs, in)
			keys = append(keys, key)
		}

		if err := i.appendAll(ctx, inputs, keys, &stats); err != nil {
			return stats, err
		}

		next := cur.Offset + uint64(len(events))
		if err := i.cursors.Advance(ctx, i.cfg.Consumer, cur.Offset, next); err != nil {
			return stats, fmt.Errorf("failed to advance cursor: %w", err)
		}
		i.log.Debug("Batch ingested",
			"from", cur.Offset,
			"to", next,
			"appended", stats.Appended,
			"replayed", stats.Replayed,
			"ignored", stats.Ignored,
		)
	}

	metrics.IngestedEventsTotal.WithLabelValues("appended").Add(float64(stats.Appended))
	metrics.IngestedEventsTotal.WithLabelValues("replayed").Add(float64(stats.Replayed))
	metrics.IngestedEventsTotal.WithLabelValues("ignored").Add(float64(stats.Ignored))
	metrics.IngestedEventsTotal.WithLabelValues("invalid").Add(float64(stats.Invalid))
	if lag, err := i.Lag(ctx); err == nil {
		metrics.IngestLag.WithLabelValues(i.cfg.Consumer).Set(float64(lag))
	}
	metrics.IngestThroughput.WithLabelValues(i.cfg.Consumer).Set(i.Throughput().EventsPerSecond)
	return stats, nil
}

// appendAll tries the whole batch first. A consumed key means part of the
// batch was written before a restart, so it falls back to one record at a
// time and counts consumed keys as handled.
func (i *Ingester) appendAll(ctx context.Context, inputs []domain.RecordInput, keys []common.Hash, stats *Stats) error {
	if len(inputs) == 0 {
		return nil
	}

	err := i.withRetry(ctx, func(ctx context.Context) error {
		_, err := i.ledger.AppendRecordsBatch(ctx, i.writer, inputs, keys)
		return err
	})
	switch {
	case err == nil:
		stats.Appended += len(inputs)
		return nil
	case errors.Is(err, ledger.ErrKeyUsed), errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrBatchSize):
	default:
		return fmt.Errorf("failed to append batch: %w", err)
	}

	for n, in := range inputs {
		err := i.withRetry(ctx, func(ctx context.Context) error {
			_, err := i.ledger.AppendRecord(ctx, i.writer, in, keys[n])
			return err
		})
		switch {
		case err == nil:
			stats.Appended++
		case errors.Is(err, ledger.ErrKeyUsed):
			stats.Replayed++
		case errors.Is(err, ledger.ErrInvalidInput):
			stats.Invalid++
			i.log.Warn("Dropping invalid record", "key", keys[n].Hex(), "error", err)
		default:
			return fmt.Errorf("failed to append record %s: %w", keys[n].Hex(), err)
		}
	}
	return nil
}

// withRetry retries store failures. Ledger rejections and missing roles
// are final.
func (i *Ingester) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, i.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || isFinal(err) {
			return err
		}
		i.log.Warn("Ledger append failed, retrying", "error", err)
		return retry.RetryableError(err)
	})
}

func isFinal(err error) bool {
	return errors.Is(err, ledger.ErrKeyUsed) ||
		errors.Is(err, ledger.ErrInvalidInput) ||
		errors.Is(err, ledger.ErrBatchSize) ||
		errors.Is(err, access.ErrMissingRole) ||
		errors.Is(err, context.Canceled)
}

// Lag returns how many events the ingester is behind the log head.
func (i *Ingester) Lag(ctx context.Context) (int64, error) {
	return i.cursors.GetLag(ctx, i.cfg.Consumer, i.source.Head())
}

// Cursor returns the stored cursor.
func (i *Ingester) Cursor(ctx context.Context) (*domain.Cursor, error) {
	return i.cursors.Get(ctx, i.cfg.Consumer)
}

// Throughput returns the recent batch rate and state history.
func (i *Ingester) Throughput() cursor.Metrics {
	return i.cursors.GetMetrics(i.cfg.Consumer)
}

// Pause stops consumption until Resume.
func (i *Ingester) Pause(ctx context.Context, reason string) error {
	return i.cursors.Pause(ctx, i.cfg.Consumer, reason)
}

// Resume continues consumption.
func (i *Ingester) Resume(ctx context.Context) error {
	return i.cursors.Resume(ctx, i.cfg.Consumer)
}
