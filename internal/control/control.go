// Package control builds every component from configuration and runs them.
package control

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/chain"
	"github.com/vietddude/crosslane/internal/orders"
	"github.com/vietddude/crosslane/internal/verifier"
)

// chainBalances reads balances from chain adapters where one is configured
// and from the custody book otherwise.
type chainBalances struct {
	chains *chain.Registry
	book   orders.BalanceReader
}

func (b chainBalances) BalanceOf(ctx context.Context, sel domain.Selector, owner, token common.Address) (*big.Int, error) {
	bal, err := b.chains.BalanceOf(ctx, sel, owner, token)
	if errors.Is(err, chain.ErrUnknownChain) {
		return b.book.BalanceOf(ctx, sel, owner, token)
	}
	return bal, err
}

// fallbackFeeds tries each feed in order and returns the first hit.
type fallbackFeeds []orders.PriceFeed

func (f fallbackFeeds) LatestPrice(ctx context.Context, feed common.Address) (orders.Price, error) {
	var lastErr error = orders.ErrFeedNotFound
	for _, src := range f {
		p, err := src.LatestPrice(ctx, feed)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return orders.Price{}, lastErr
}

// fallbackInspector prefers the chain inspector and falls back to the
// statically configured metadata when the chain has none.
type fallbackInspector struct {
	primary  verifier.TokenInspector
	fallback *verifier.StaticInspector
}

func (f fallbackInspector) HasCode(ctx context.Context, token common.Address) (bool, error) {
	ok, err := f.primary.HasCode(ctx, token)
	if err == nil && ok {
		return true, nil
	}
	return f.fallback.HasCode(ctx, token)
}

func (f fallbackInspector) Metadata(ctx context.Context, token common.Address) (verifier.TokenMetadata, error) {
	md, err := f.primary.Metadata(ctx, token)
	if err == nil {
		return md, nil
	}
	if fb, fbErr := f.fallback.Metadata(ctx, token); fbErr == nil {
		return fb, nil
	}
	return md, err
}
