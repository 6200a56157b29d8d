package funds

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice = Account{Selector: 1, Address: common.HexToAddress("0xa11ce")}
	bob   = Account{Selector: 1, Address: common.HexToAddress("0xb0b")}
)

func TestMemoryBook_Transfer(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBook()

	if err := b.Credit(ctx, alice, usdc, big.NewInt(100)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := b.Transfer(ctx, alice, bob, usdc, big.NewInt(40)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	tests := []struct {
		acct Account
		want int64
	}{
		{alice, 60},
		{bob, 40},
		{Account{Selector: 2, Address: alice.Address}, 0},
	}
	for _, tt := range tests {
		got, _ := b.Balance(ctx, tt.acct, usdc)
		if got.Cmp(big.NewInt(tt.want)) != 0 {
			t.Errorf("%s: expected %d, got %s", tt.acct, tt.want, got)
		}
	}
}

func TestMemoryBook_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBook()
	_ = b.Credit(ctx, alice, usdc, big.NewInt(10))

	if err := b.Debit(ctx, alice, usdc, big.NewInt(11)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := b.Transfer(ctx, bob, alice, usdc, big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := b.Credit(ctx, alice, usdc, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	got, _ := b.Balance(ctx, alice, usdc)
	if got.Int64() != 10 {
		t.Errorf("balance changed on failed debit: %s", got)
	}
}
