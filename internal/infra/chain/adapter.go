package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
)

// ErrUnknownChain is returned when no adapter is registered for a selector.
var ErrUnknownChain = errors.New("no adapter for chain")

// Adapter defines the chain-level read interface used by the order keeper
// and the token verifier.
type Adapter interface {
	// Selector returns the chain this adapter reads.
	Selector() domain.Selector

	// BalanceOf returns the native balance for the zero token, ERC-20 otherwise.
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
}

// Registry dispatches reads to per-chain adapters. It satisfies
// orders.BalanceReader.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Selector]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Selector]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its selector.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Selector()] = a
}

// Get returns the adapter for sel.
func (r *Registry) Get(sel domain.Selector) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sel]
	return a, ok
}

// Selectors lists registered chains.
func (r *Registry) Selectors() []domain.Selector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Selector, 0, len(r.adapters))
	for sel := range r.adapters {
		out = append(out, sel)
	}
	return out
}

func (r *Registry) BalanceOf(ctx context.Context, sel domain.Selector, owner, token common.Address) (*big.Int, error) {
	a, ok := r.Get(sel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, sel)
	}
	return a.BalanceOf(ctx, owner, token)
}
