package orders

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/funds"
)

// PriceDecimals is the fixed-point precision of every Price value.
const PriceDecimals = 18

var ErrFeedNotFound = errors.New("price feed not found")

// Price is a feed reading normalized to PriceDecimals.
type Price struct {
	Value     *big.Int
	UpdatedAt time.Time
}

// PriceFeed reads the latest value of an oracle feed.
type PriceFeed interface {
	LatestPrice(ctx context.Context, feed common.Address) (Price, error)
}

// BalanceReader reads an account's token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, sel domain.Selector, owner, token common.Address) (*big.Int, error)
}

// ParsePrice converts a decimal string such as "1850.25" to an
// 18-decimal fixed-point value.
func ParsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid price %q: negative", s)
	}
	return d.Shift(PriceDecimals).BigInt(), nil
}

// FormatPrice renders an 18-decimal fixed-point value as a decimal string.
func FormatPrice(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -PriceDecimals).String()
}

// StaticFeeds is a PriceFeed whose values are set by the operator, for
// chains without an oracle.
type StaticFeeds struct {
	prices map[common.Address]Price
	now    func() time.Time
	mu     sync.RWMutex
}

// NewStaticFeeds creates an empty feed set.
func NewStaticFeeds() *StaticFeeds {
	return &StaticFeeds{prices: make(map[common.Address]Price), now: time.Now}
}

// Set stores a decimal price for feed, stamped with the current time.
func (s *StaticFeeds) Set(feed common.Address, value string) error {
	v, err := ParsePrice(value)
	if err != nil {
		return err
	}
	s.SetPrice(feed, Price{Value: v, UpdatedAt: s.now()})
	return nil
}

// SetPrice stores a raw reading.
func (s *StaticFeeds) SetPrice(feed common.Address, p Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[feed] = Price{Value: new(big.Int).Set(p.Value), UpdatedAt: p.UpdatedAt}
}

func (s *StaticFeeds) LatestPrice(ctx context.Context, feed common.Address) (Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[feed]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feed.Hex())
	}
	return Price{Value: new(big.Int).Set(p.Value), UpdatedAt: p.UpdatedAt}, nil
}

// BookBalances reads balances from a custody book.
type BookBalances struct {
	Book funds.Book
}

func (b BookBalances) BalanceOf(ctx context.Context, sel domain.Selector, owner, token common.Address) (*big.Int, error) {
	return b.Book.Balance(ctx, funds.Account{Selector: sel, Address: owner}, token)
}
