package topology

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/core/access"
	"github.com/vietddude/crosslane/internal/core/domain"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(access.NewController(owner))
	require.NoError(t, r.AddChain(owner, domain.Chain{ID: 1, Selector: 100, Name: "ethereum", Active: true}))
	require.NoError(t, r.AddChain(owner, domain.Chain{ID: 137, Selector: 200, Name: "polygon", Active: true}))
	return r
}

func TestRegistry_ChainUniqueness(t *testing.T) {
	r := newTestRegistry(t)

	err := r.AddChain(owner, domain.Chain{ID: 1, Selector: 300})
	assert.ErrorIs(t, err, ErrDuplicateChain)

	err = r.AddChain(owner, domain.Chain{ID: 10, Selector: 100})
	assert.ErrorIs(t, err, ErrDuplicateSelector)

	err = r.AddChain(common.HexToAddress("0x02"), domain.Chain{ID: 10, Selector: 300})
	assert.ErrorIs(t, err, access.ErrNotOwner)

	c, err := r.ChainBySelector(200)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainID(137), c.ID)
	assert.Len(t, r.Chains(true), 2)
}

func TestRegistry_TokenTransferableNeedsActiveLane(t *testing.T) {
	r := newTestRegistry(t)

	err := r.SetLaneToken(owner, domain.LaneToken{Source: 100, Dest: 200, SourceToken: token, Active: true})
	assert.ErrorIs(t, err, ErrLaneNotFound)

	require.NoError(t, r.SetLane(owner, domain.Lane{Source: 100, Dest: 200, Active: false}))
	require.NoError(t, r.SetLaneToken(owner, domain.LaneToken{
		Source: 100, Dest: 200, SourceToken: token, Symbol: "USDC", Decimals: 6, Active: true,
	}))

	assert.False(t, r.IsTokenTransferable(100, 200, token), "inactive lane must block the token")

	require.NoError(t, r.SetLane(owner, domain.Lane{Source: 100, Dest: 200, Active: true}))
	assert.True(t, r.IsTokenTransferable(100, 200, token))
	assert.False(t, r.IsTokenTransferable(200, 100, token), "lanes are directed")

	require.NoError(t, r.SetChainActive(owner, 137, false))
	assert.False(t, r.IsTokenTransferable(100, 200, token), "inactive chain must block the lane")

	lt, err := r.LaneToken(100, 200, token)
	require.NoError(t, err)
	assert.Equal(t, domain.HashSymbol("USDC"), lt.SymbolHash)

	second := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	require.NoError(t, r.SetLaneToken(owner, domain.LaneToken{Source: 100, Dest: 200, SourceToken: second, Active: true}))
	listed := r.LaneTokens(100, 200)
	require.Len(t, listed, 2)
	assert.Equal(t, second, listed[0].SourceToken)
	assert.Empty(t, r.LaneTokens(200, 100))
}

func TestRegistry_ResolveService(t *testing.T) {
	r := newTestRegistry(t)
	gate := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	_, err := r.ResolveService(100, domain.ServiceSecurityGate)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	require.NoError(t, r.SetService(owner, domain.ServiceBinding{
		Selector: 100, Key: domain.ServiceSecurityGate, Address: gate, Active: false,
	}))
	_, err = r.ResolveService(100, domain.ServiceSecurityGate)
	assert.True(t, errors.Is(err, ErrServiceInactive))

	require.NoError(t, r.SetService(owner, domain.ServiceBinding{
		Selector: 100, Key: domain.ServiceSecurityGate, Address: gate, Active: true,
	}))
	got, err := r.ResolveService(100, domain.ServiceSecurityGate)
	require.NoError(t, err)
	assert.Equal(t, gate, got)
	assert.Len(t, r.Services(100), 1)
}
