// Package evm reads token, oracle and balance facts from EVM chains with
// go-ethereum. One Adapter serves one chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/orders"
	"github.com/vietddude/crosslane/internal/verifier"
)

const erc20JSON = `[
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

const aggregatorJSON = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]}
]`

var (
	erc20ABI      = mustParseABI(erc20JSON)
	aggregatorABI = mustParseABI(aggregatorJSON)

	// ErrInvalidAnswer is returned for non-positive oracle answers.
	ErrInvalidAnswer = errors.New("invalid oracle answer")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Adapter implements verifier.TokenInspector, orders.PriceFeed and a
// single-chain balance reader.
type Adapter struct {
	selector domain.Selector
	backend  Backend
	timeout  time.Duration
	log      *slog.Logger
}

// Dial connects to an EVM RPC endpoint.
func Dial(ctx context.Context, selector domain.Selector, url string) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", selector, err)
	}
	return NewAdapter(selector, client), nil
}

// NewAdapter wraps a backend.
func NewAdapter(selector domain.Selector, backend Backend) *Adapter {
	return &Adapter{
		selector: selector,
		backend:  backend,
		timeout:  10 * time.Second,
		log:      slog.Default().With("component", "evm", "selector", selector),
	}
}

// Selector returns the chain this adapter reads.
func (a *Adapter) Selector() domain.Selector {
	return a.selector
}

// HasCode reports whether a contract is deployed at token.
func (a *Adapter) HasCode(ctx context.Context, token common.Address) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	code, err := a.backend.CodeAt(ctx, token, nil)
	if err != nil {
		return false, fmt.Errorf("eth_getCode failed: %w", err)
	}
	return len(code) > 0, nil
}

// Metadata reads the ERC-20 metadata surface concurrently. A call that
// reverts or returns nothing means the surface is missing.
func (a *Adapter) Metadata(ctx context.Context, token common.Address) (verifier.TokenMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		md     verifier.TokenMetadata
		supply *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.call(gctx, token, erc20ABI, "name", &md.Name) })
	g.Go(func() error { return a.call(gctx, token, erc20ABI, "symbol", &md.Symbol) })
	g.Go(func() error { return a.call(gctx, token, erc20ABI, "decimals", &md.Decimals) })
	g.Go(func() error { return a.call(gctx, token, erc20ABI, "totalSupply", &supply) })
	if err := g.Wait(); err != nil {
		return verifier.TokenMetadata{}, err
	}
	md.TotalSupply = supply
	return md, nil
}

// LatestPrice reads a Chainlink-style aggregator and scales the answer
// to orders.PriceDecimals.
func (a *Adapter) LatestPrice(ctx context.Context, feed common.Address) (orders.Price, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var decimals uint8
	if err := a.call(ctx, feed, aggregatorABI, "decimals", &decimals); err != nil {
		return orders.Price{}, fmt.Errorf("%w: %w", orders.ErrFeedNotFound, err)
	}

	out, err := a.callRaw(ctx, feed, aggregatorABI, "latestRoundData")
	if err != nil {
		return orders.Price{}, fmt.Errorf("%w: %w", orders.ErrFeedNotFound, err)
	}
	values, err := aggregatorABI.Unpack("latestRoundData", out)
	if err != nil || len(values) != 5 {
		return orders.Price{}, fmt.Errorf("failed to decode latestRoundData: %w", err)
	}
	answer, _ := values[1].(*big.Int)
	updatedAt, _ := values[3].(*big.Int)
	if answer == nil || answer.Sign() <= 0 || updatedAt == nil {
		a.log.Warn("oracle returned invalid answer", "feed", feed.Hex(), "answer", answer)
		return orders.Price{}, fmt.Errorf("%w: feed %s", ErrInvalidAnswer, feed.Hex())
	}

	return orders.Price{
		Value:     scale(answer, decimals, orders.PriceDecimals),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

// BalanceOf returns the native balance for the zero token address and the
// ERC-20 balance otherwise.
func (a *Adapter) BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if token == (common.Address{}) {
		bal, err := a.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("eth_getBalance failed: %w", err)
		}
		return bal, nil
	}

	var bal *big.Int
	if err := a.call(ctx, token, erc20ABI, "balanceOf", &bal, owner); err != nil {
		return nil, err
	}
	return bal, nil
}

func (a *Adapter) callRaw(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]byte, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		if strings.Contains(err.Error(), "execution reverted") {
			return nil, fmt.Errorf("%w: %s reverted", verifier.ErrMetadataMissing, method)
		}
		return nil, fmt.Errorf("eth_call %s failed: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no data", verifier.ErrMetadataMissing, method)
	}
	return out, nil
}

func (a *Adapter) call(ctx context.Context, to common.Address, contract abi.ABI, method string, dst any, args ...any) error {
	out, err := a.callRaw(ctx, to, contract, method, args...)
	if err != nil {
		return err
	}
	if err := contract.UnpackIntoInterface(dst, method, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", method, err)
	}
	return nil
}

// scale converts v from `from` decimals to `to` decimals.
func scale(v *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case from < to:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	}
	return out
}
