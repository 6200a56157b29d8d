package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/crosslane/internal/orders"
	"github.com/vietddude/crosslane/internal/verifier"
)

// fakeBackend answers eth_call by method selector.
type fakeBackend struct {
	code     map[common.Address][]byte
	outputs  map[string][]byte
	balances map[common.Address]*big.Int
	callErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		code:     make(map[common.Address][]byte),
		outputs:  make(map[string][]byte),
		balances: make(map[common.Address]*big.Int),
	}
}

func (f *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.outputs[string(msg.Data[:4])], nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeBackend) set(t *testing.T, contract abi.ABI, method string, values ...any) {
	t.Helper()
	m := contract.Methods[method]
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	f.outputs[string(m.ID)] = out
}

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestAdapter_HasCode(t *testing.T) {
	backend := newFakeBackend()
	backend.code[token] = []byte{0x60, 0x80}
	a := NewAdapter(1, backend)

	ok, err := a.HasCode(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.HasCode(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_Metadata(t *testing.T) {
	backend := newFakeBackend()
	backend.set(t, erc20ABI, "name", "Wrapped Ether")
	backend.set(t, erc20ABI, "symbol", "WETH")
	backend.set(t, erc20ABI, "decimals", uint8(18))
	backend.set(t, erc20ABI, "totalSupply", big.NewInt(1_000_000))
	a := NewAdapter(1, backend)

	md, err := a.Metadata(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "Wrapped Ether", md.Name)
	assert.Equal(t, "WETH", md.Symbol)
	assert.Equal(t, uint8(18), md.Decimals)
	assert.Equal(t, 0, md.TotalSupply.Cmp(big.NewInt(1_000_000)))
}

func TestAdapter_MetadataMissing(t *testing.T) {
	backend := newFakeBackend()
	backend.set(t, erc20ABI, "name", "Half Token")
	a := NewAdapter(1, backend)

	_, err := a.Metadata(context.Background(), token)
	assert.ErrorIs(t, err, verifier.ErrMetadataMissing)
}

func TestAdapter_LatestPrice(t *testing.T) {
	updated := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name     string
		decimals uint8
		answer   *big.Int
		want     *big.Int
		wantErr  error
	}{
		{
			name:     "eight decimals scaled up",
			decimals: 8,
			answer:   big.NewInt(185025000000),
			want:     mustBig("1850250000000000000000"),
		},
		{
			name:     "twenty decimals scaled down",
			decimals: 20,
			answer:   mustBig("200000000000000000000"),
			want:     mustBig("2000000000000000000"),
		},
		{
			name:     "negative answer",
			decimals: 8,
			answer:   big.NewInt(-1),
			wantErr:  ErrInvalidAnswer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.set(t, aggregatorABI, "decimals", tt.decimals)
			backend.set(t, aggregatorABI, "latestRoundData",
				big.NewInt(1), tt.answer, big.NewInt(updated.Unix()), big.NewInt(updated.Unix()), big.NewInt(1))
			a := NewAdapter(1, backend)

			price, err := a.LatestPrice(context.Background(), token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, price.Value.Cmp(tt.want), "got %s", price.Value)
			assert.True(t, price.UpdatedAt.Equal(updated))
		})
	}
}

func TestAdapter_LatestPriceUnknownFeed(t *testing.T) {
	a := NewAdapter(1, newFakeBackend())

	_, err := a.LatestPrice(context.Background(), token)
	assert.ErrorIs(t, err, orders.ErrFeedNotFound)
}

func TestAdapter_BalanceOf(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	backend := newFakeBackend()
	backend.balances[owner] = big.NewInt(42)
	backend.set(t, erc20ABI, "balanceOf", big.NewInt(7))
	a := NewAdapter(1, backend)

	native, err := a.BalanceOf(context.Background(), owner, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), native.Int64())

	erc20, err := a.BalanceOf(context.Background(), owner, token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), erc20.Int64())
}

func TestAdapter_CallError(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = errors.New("connection refused")
	a := NewAdapter(1, backend)

	_, err := a.BalanceOf(context.Background(), token, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestScale(t *testing.T) {
	assert.Equal(t, int64(1500), scale(big.NewInt(15), 1, 3).Int64())
	assert.Equal(t, int64(15), scale(big.NewInt(1500), 3, 1).Int64())
	assert.Equal(t, int64(9), scale(big.NewInt(9), 4, 4).Int64())
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}
