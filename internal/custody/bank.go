// Package custody provides token-account backends for the engine's
// Custody collaborator.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	fpmath "MiniPerps/internal/math"
)

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrUnknownAccount    = errors.New("custody: unknown account")
)

// MemoryBank is an in-process token ledger. House accounts (the treasury)
// can always pay out: trading profit is paid from the house, not from
// other depositors. Other accounts start with OpeningBalance the first
// time they are seen, 0 by default.
type MemoryBank struct {
	mu             sync.Mutex
	balances       map[string]uint64
	house          map[string]bool
	openingBalance uint64
	transfers      int
}

func NewMemoryBank(openingBalance uint64, house ...string) *MemoryBank {
	b := &MemoryBank{
		balances:       make(map[string]uint64),
		house:          make(map[string]bool),
		openingBalance: openingBalance,
	}
	for _, h := range house {
		b.house[h] = true
	}
	return b
}

func (b *MemoryBank) account(name string) uint64 {
	bal, ok := b.balances[name]
	if !ok && !b.house[name] {
		bal = b.openingBalance
		b.balances[name] = bal
	}
	return bal
}

// Transfer moves amount from one account to another.
func (b *MemoryBank) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from == "" || to == "" {
		return ErrUnknownAccount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.account(from)
	dst := b.account(to)
	if !b.house[from] && src < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from, src, amount, ErrInsufficientFunds)
	}
	next, err := fpmath.CheckedAdd(dst, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}

	if b.house[from] {
		b.balances[from] = fpmath.SaturatingSub(src, amount)
	} else {
		b.balances[from] = src - amount
	}
	b.balances[to] = next
	b.transfers++
	return nil
}

// Mint credits amount to account.
func (b *MemoryBank) Mint(account string, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := fpmath.CheckedAdd(b.account(account), amount)
	if err != nil {
		return err
	}
	b.balances[account] = next
	return nil
}

// Balance returns the account's balance.
func (b *MemoryBank) Balance(account string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account(account)
}

// Transfers returns the number of successful transfers.
func (b *MemoryBank) Transfers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transfers
}
