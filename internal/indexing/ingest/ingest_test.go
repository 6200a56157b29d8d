package ingest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/cursor"
	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/indexing/emitter"
	"github.com/vietddude/crosslane/internal/infra/storage/memory"
	"github.com/vietddude/crosslane/internal/ledger"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	indexer  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sender   = common.HexToAddress("0x0000000000000000000000000000000000005e0d")
	msgID    = crypto.Keccak256Hash([]byte("message-1"))
	baseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	bus     *emitter.MemoryBus
	ledger  *ledger.Ledger
	cursors *memory.CursorRepo
	ing     *Ingester
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	acl := access.NewController(owner)
	require.NoError(t, acl.Grant(owner, access.RoleLedgerWriter, indexer))

	store := memory.NewMemoryStorage()
	h := &harness{
		bus:     emitter.NewMemoryBus(),
		ledger:  ledger.New(ledger.Config{}, acl, memory.NewLedgerRepo(store)),
		cursors: memory.NewCursorRepo(store),
	}
	h.ing = New(cfg, h.bus, h.ledger, cursor.NewManager(h.cursors), indexer)
	h.ing.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	}
	return h
}

func (h *harness) emit(t *testing.T, events ...*domain.Event) {
	t.Helper()
	require.NoError(t, h.bus.EmitBatch(context.Background(), events))
}

func (h *harness) total(t *testing.T) int {
	t.Helper()
	n, err := h.ledger.TotalRecords(context.Background())
	require.NoError(t, err)
	return n
}

func transferEvent(typ domain.EventType, seq uint64) *domain.Event {
	return &domain.Event{
		Type:         typ,
		Selector:     100,
		Peer:         200,
		Contract:     sender,
		MessageID:    msgID,
		Account:      alice,
		Counterparty: bob,
		Asset:        &domain.TokenAmount{Token: usdc, Amount: big.NewInt(25)},
		Sequence:     seq,
		OccurredAt:   baseTime,
	}
}

func orderEvent(typ domain.EventType, id, seq uint64, at time.Time, reason string) *domain.Event {
	return &domain.Event{
		Type:       typ,
		Selector:   100,
		Contract:   sender,
		OrderID:    id,
		Account:    alice,
		Reason:     reason,
		Sequence:   seq,
		OccurredAt: at,
	}
}

// =============================================================================
// Mapping
// =============================================================================

func TestMapper_StatusAndDetail(t *testing.T) {
	tests := []struct {
		name       string
		event      *domain.Event
		wantOK     bool
		wantStatus domain.RecordStatus
		wantDetail domain.FeatureType
	}{
		{"sent token", transferEvent(domain.EventTransferSent, 0), true, domain.RecordSent, domain.FeatureTokenTransfer},
		{"received", transferEvent(domain.EventTransferReceived, 0), true, domain.RecordReceived, domain.FeatureTokenTransfer},
		{"processed", transferEvent(domain.EventTransferProcessed, 1), true, domain.RecordProcessed, domain.FeatureTokenTransfer},
		{"action requested", func() *domain.Event {
			ev := transferEvent(domain.EventActionRequested, 1)
			ev.Action = "swap"
			return ev
		}(), true, domain.RecordPendingAction, domain.FeatureActionTransfer},
		{"message failed", func() *domain.Event {
			ev := transferEvent(domain.EventTransferFailed, 1)
			ev.Asset = nil
			return ev
		}(), true, domain.RecordFailed, domain.FeatureMessage},
		{"retry requested", transferEvent(domain.EventRetryRequested, 1), true, domain.RecordRetry, domain.FeatureTokenTransfer},
		{"recovered", transferEvent(domain.EventFundsRecovered, 1), true, domain.RecordRecovered, domain.FeatureTokenTransfer},
		{"order created", orderEvent(domain.EventOrderCreated, 7, 0, baseTime, ""), true, domain.RecordCreated, domain.FeatureAutomatedOrder},
		{"order executed", orderEvent(domain.EventOrderExecuted, 7, 1, baseTime, ""), true, domain.RecordSent, domain.FeatureAutomatedOrder},
		{"retry completed", transferEvent(domain.EventRetryCompleted, 2), false, "", ""},
		{"order cancelled", orderEvent(domain.EventOrderCancelled, 7, 0, baseTime, ""), false, "", ""},
		{"order skipped", orderEvent(domain.EventOrderSkipped, 7, 0, baseTime, "paused"), false, "", ""},
		{"incident", &domain.Event{Type: domain.EventIncidentLogged, Account: alice}, false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, key, ok := Mapper{}.Map(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantStatus, in.Status)
			assert.Equal(t, tt.wantDetail, in.Feature())
			assert.Equal(t, alice, in.User)
			assert.Equal(t, sender, in.Source)
			assert.NotEqual(t, common.Hash{}, key)
		})
	}
}

func TestDedupeKey(t *testing.T) {
	first := transferEvent(domain.EventTransferFailed, 1)
	again := transferEvent(domain.EventTransferFailed, 1)
	again.ID = "different-event-id"
	retried := transferEvent(domain.EventTransferFailed, 2)
	otherChain := transferEvent(domain.EventTransferFailed, 1)
	otherChain.Selector = 200
	processed := transferEvent(domain.EventTransferProcessed, 1)

	assert.Equal(t, DedupeKey(first), DedupeKey(again))
	assert.NotEqual(t, DedupeKey(first), DedupeKey(retried))
	assert.NotEqual(t, DedupeKey(first), DedupeKey(otherChain))
	assert.NotEqual(t, DedupeKey(first), DedupeKey(processed))

	skipA := orderEvent(domain.EventOrderSkipped, 3, 0, baseTime, "paused")
	skipB := orderEvent(domain.EventOrderSkipped, 3, 0, baseTime.Add(time.Minute), "paused")
	assert.NotEqual(t, DedupeKey(skipA), DedupeKey(skipB))
}

// =============================================================================
// Ingester
// =============================================================================

func TestRunOnce_AppendsAndAdvances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	h.emit(t,
		transferEvent(domain.EventTransferSent, 0),
		transferEvent(domain.EventTransferReceived, 0),
		transferEvent(domain.EventTransferProcessed, 1),
		orderEvent(domain.EventOrderCancelled, 1, 0, baseTime, ""),
		&domain.Event{Type: domain.EventSystemPaused, Account: owner},
	)

	stats, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Read: 5, Appended: 3, Ignored: 2}, stats)
	assert.Equal(t, 3, h.total(t))

	cur, err := h.cursors.Get(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur.Offset)

	lag, err := h.ing.Lag(ctx)
	require.NoError(t, err)
	assert.Zero(t, lag)

	recs, err := h.ledger.UserRecords(ctx, alice, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, domain.RecordSent, recs[0].Status)
	assert.Equal(t, domain.RecordProcessed, recs[2].Status)

	stats, err = h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Read)
}

func TestRunOnce_ReplayIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 2})

	h.emit(t,
		transferEvent(domain.EventTransferSent, 0),
		transferEvent(domain.EventTransferReceived, 0),
		transferEvent(domain.EventTransferProcessed, 1),
	)

	_, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	_, err = h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.total(t))

	// Simulate a crash that lost the cursor after the first append.
	require.NoError(t, h.cursors.UpdateOffset(ctx, DefaultConsumer, 1))

	stats, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)
	assert.Zero(t, stats.Appended)
	assert.Equal(t, 3, h.total(t))

	cur, err := h.cursors.Get(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cur.Offset)
}

func TestRunOnce_SkippedOrderPolicy(t *testing.T) {
	tests := []struct {
		name      string
		record    bool
		wantTotal int
	}{
		{"skips stay off the ledger", false, 1},
		{"skips recorded as failed", true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{RecordSkippedOrders: tt.record})

			h.emit(t,
				orderEvent(domain.EventOrderCreated, 1, 0, baseTime, ""),
				orderEvent(domain.EventOrderSkipped, 1, 0, baseTime.Add(time.Minute), "paused"),
				orderEvent(domain.EventOrderSkipped, 1, 0, baseTime.Add(2*time.Minute), "paused"),
			)

			_, err := h.ing.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, h.total(t))

			if tt.record {
				rec, err := h.ledger.Record(ctx, 2)
				require.NoError(t, err)
				assert.Equal(t, domain.RecordFailed, rec.Status)
				assert.Equal(t, crypto.Keccak256Hash([]byte("paused")), rec.MetadataHash)
				detail, ok := rec.Detail.(domain.OrderDetail)
				require.True(t, ok)
				assert.Equal(t, uint64(1), detail.OrderID)
			}
		})
	}
}

func TestRunOnce_InvalidEventIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	anonymous := transferEvent(domain.EventTransferSent, 0)
	anonymous.Account = common.Address{}
	h.emit(t, anonymous, transferEvent(domain.EventTransferReceived, 0))

	stats, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Invalid)
	assert.Equal(t, 1, stats.Appended)

	cur, err := h.cursors.Get(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Offset)
}

func TestRunOnce_CursorHeldOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.ing.writer = bob // no ledger writer role

	h.emit(t, transferEvent(domain.EventTransferSent, 0))

	_, err := h.ing.RunOnce(ctx)
	assert.ErrorIs(t, err, access.ErrMissingRole)

	cur, err := h.cursors.Get(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Zero(t, cur.Offset)
}

func TestRunOnce_PausedCursorReadsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.emit(t, transferEvent(domain.EventTransferSent, 0))

	_, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, h.ing.Pause(ctx, "maintenance"))

	h.emit(t, transferEvent(domain.EventTransferReceived, 0))
	stats, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Read)

	require.NoError(t, h.ing.Resume(ctx))
	stats, err = h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Appended)
}

func TestPause_StateIsVisible(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.emit(t, transferEvent(domain.EventTransferSent, 0))
	_, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, h.ing.Pause(ctx, "store migration"))

	cur, err := h.ing.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, cursor.StatePaused, cur.State)
	assert.Equal(t, "store migration", cur.Metadata[cursor.MetaPauseReason])

	history := h.ing.Throughput().StateHistory
	require.Len(t, history, 1)
	assert.Equal(t, cursor.StatePaused, history[0].To)
	assert.Equal(t, "store migration", history[0].Reason)

	require.NoError(t, h.ing.Resume(ctx))
	cur, err = h.ing.Cursor(ctx)
	require.NoError(t, err)
	assert.NotContains(t, cur.Metadata, cursor.MetaPauseReason)
	assert.Len(t, h.ing.Throughput().StateHistory, 2)
}

// flakyLedger fails the first n calls with a store error.
type flakyLedger struct {
	*ledger.Ledger
	mu    sync.Mutex
	fails int
}

func (f *flakyLedger) AppendRecordsBatch(
	ctx context.Context,
	caller common.Address,
	inputs []domain.RecordInput,
	keys []common.Hash,
) ([]uint64, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Ledger.AppendRecordsBatch(ctx, caller, inputs, keys)
}

func TestRunOnce_RetriesStoreErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	flaky := &flakyLedger{Ledger: h.ledger, fails: 2}
	h.ing.ledger = flaky

	h.emit(t, transferEvent(domain.EventTransferSent, 0))

	stats, err := h.ing.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Appended)
	assert.Zero(t, flaky.fails)

	flaky.fails = 10
	h.emit(t, transferEvent(domain.EventTransferReceived, 0))
	_, err = h.ing.RunOnce(ctx)
	assert.ErrorContains(t, err, "connection reset")
}

func TestStart_ConsumesNewEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, Config{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- h.ing.Start(ctx) }()

	h.emit(t, transferEvent(domain.EventTransferSent, 0))
	require.Eventually(t, func() bool { return h.total(t) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.emit(t, transferEvent(domain.EventTransferReceived, 0))
	require.Eventually(t, func() bool { return h.total(t) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingester did not stop")
	}
}
