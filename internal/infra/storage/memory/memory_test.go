package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
)

var (
	receiverAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestReceivedRepo_StatusConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewReceivedRepo(NewMemoryStorage())
	id := common.HexToHash("0x01")

	require.NoError(t, repo.Create(ctx, &domain.ReceivedTransfer{
		MessageID: id, Dest: 7, Receiver: receiverAddr, Status: domain.TransferReceived,
	}))
	err := repo.Create(ctx, &domain.ReceivedTransfer{MessageID: id})
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists))

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, repo.UpdateStatus(ctx, id, domain.TransferReceived, domain.TransferProcessing, "", now))

	// Stale expected status is rejected.
	err = repo.UpdateStatus(ctx, id, domain.TransferReceived, domain.TransferProcessing, "", now)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Returned values are copies.
	got.Status = domain.TransferFailed
	again, _ := repo.Get(ctx, id)
	assert.Equal(t, domain.TransferProcessing, again.Status)

	scope := storage.Scope{Selector: 7, Contract: receiverAddr}
	n, _ := repo.CountByStatus(ctx, scope, domain.TransferProcessing)
	assert.Equal(t, 1, n)
	n, _ = repo.Count(ctx, storage.Scope{Selector: 8, Contract: receiverAddr})
	assert.Equal(t, 0, n)
}

func TestLedgerRepo_AppendIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepo(NewMemoryStorage())

	rec := func(key string) *domain.Record {
		return &domain.Record{
			RecordInput: domain.RecordInput{User: alice},
			DedupeKey:   common.HexToHash(key),
		}
	}

	require.NoError(t, repo.Append(ctx, []*domain.Record{rec("0x01"), rec("0x02")}))

	err := repo.Append(ctx, []*domain.Record{rec("0x03"), rec("0x01")})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))
	err = repo.Append(ctx, []*domain.Record{rec("0x04"), rec("0x04")})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	n, _ := repo.Count(ctx)
	assert.Equal(t, 2, n)
	exists, _ := repo.KeyExists(ctx, common.HexToHash("0x03"))
	assert.False(t, exists)

	got, err := repo.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x02"), got.DedupeKey)
	_, err = repo.Get(ctx, 3)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	page, _ := repo.ListByUser(ctx, alice, 1, 10)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(2), page[0].ID)
}

func TestLedgerRepo_ProfileVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepo(NewMemoryStorage())

	require.NoError(t, repo.SaveProfile(ctx, &domain.Profile{Wallet: alice, Version: 1}))
	err := repo.SaveProfile(ctx, &domain.Profile{Wallet: alice, Version: 1})
	assert.True(t, errors.Is(err, storage.ErrConflict))
	require.NoError(t, repo.SaveProfile(ctx, &domain.Profile{Wallet: alice, Version: 2}))

	p, err := repo.GetProfile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Version)
}

func TestIncidentRepo_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewIncidentRepo(NewMemoryStorage())
	for range 3 {
		require.NoError(t, repo.Append(ctx, &domain.Incident{}))
	}

	recent, _ := repo.Recent(ctx, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].Sequence)
	assert.Equal(t, uint64(2), recent[1].Sequence)

	all, _ := repo.Recent(ctx, 10)
	assert.Len(t, all, 3)
}

func TestCursorRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewCursorRepo(NewMemoryStorage())

	_, err := repo.Get(ctx, "ledger")
	assert.Equal(t, storage.ErrCursorNotFound, err)
	assert.Equal(t, storage.ErrCursorNotFound, repo.UpdateOffset(ctx, "ledger", 1))

	require.NoError(t, repo.Save(ctx, &domain.Cursor{Consumer: "ledger", State: domain.CursorStateInit}))
	require.NoError(t, repo.UpdateOffset(ctx, "ledger", 42))
	require.NoError(t, repo.UpdateState(ctx, "ledger", domain.CursorStatePaused))

	c, err := repo.Get(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.Offset)
	assert.Equal(t, domain.CursorStatePaused, c.State)
}
