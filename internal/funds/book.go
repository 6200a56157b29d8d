// Package funds keeps custody balances per chain, account and token.
package funds

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/crosslane/internal/core/domain"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Account is a holder on one chain. The same address on two chains is two
// accounts.
type Account struct {
	Selector domain.Selector
	Address  common.Address
}

func (a Account) String() string {
	return fmt.Sprintf("%s@%s", a.Address.Hex(), a.Selector)
}

// Book moves balances between accounts. Use domain.NativeToken for the
// chain's native asset.
type Book interface {
	Balance(ctx context.Context, acct Account, token common.Address) (*big.Int, error)
	Credit(ctx context.Context, acct Account, token common.Address, amount *big.Int) error
	Debit(ctx context.Context, acct Account, token common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to Account, token common.Address, amount *big.Int) error
}

type balanceKey struct {
	acct  Account
	token common.Address
}

// MemoryBook is an in-process Book.
type MemoryBook struct {
	balances map[balanceKey]*big.Int
	mu       sync.Mutex
}

// NewMemoryBook creates an empty book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{balances: make(map[balanceKey]*big.Int)}
}

func (b *MemoryBook) Balance(ctx context.Context, acct Account, token common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[balanceKey{acct, token}]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *MemoryBook) Credit(ctx context.Context, acct Account, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(balanceKey{acct, token}, amount)
	return nil
}

func (b *MemoryBook) Debit(ctx context.Context, acct Account, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub(balanceKey{acct, token}, amount)
}

// Transfer moves amount from one account to another in one step.
func (b *MemoryBook) Transfer(ctx context.Context, from, to Account, token common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sub(balanceKey{from, token}, amount); err != nil {
		return err
	}
	b.add(balanceKey{to, token}, amount)
	return nil
}

func (b *MemoryBook) add(k balanceKey, amount *big.Int) {
	bal, ok := b.balances[k]
	if !ok {
		bal = new(big.Int)
		b.balances[k] = bal
	}
	bal.Add(bal, amount)
}

func (b *MemoryBook) sub(k balanceKey, amount *big.Int) error {
	bal, ok := b.balances[k]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(bal)
		}
		return fmt.Errorf("%w: %s has %s of %s, needs %s", ErrInsufficientFunds, k.acct, have, k.token.Hex(), amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
