// internal/state/vault.go
package state

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"

	"github.com/google/uuid"
)

// CollateralVault holds one owner's collateral accounting. The funds
// themselves sit in the treasury; the vault is the claim on them.
//
// Invariant: LockedMargin <= DepositedAmount.
type CollateralVault struct {
	Owner           uuid.UUID `json:"owner"`
	DepositedAmount uint64    `json:"deposited_amount"` // quote scale
	LockedMargin    uint64    `json:"locked_margin"`    // quote scale
}

// NewCollateralVault returns an empty vault for owner.
func NewCollateralVault(owner uuid.UUID) *CollateralVault {
	return &CollateralVault{Owner: owner}
}

// Clone returns an independent copy.
func (v *CollateralVault) Clone() *CollateralVault {
	c := *v
	return &c
}

// Available returns collateral not locked as margin.
func (v *CollateralVault) Available() (uint64, error) {
	return fpmath.CheckedSub(v.DepositedAmount, v.LockedMargin)
}

// Deposit credits amount.
func (v *CollateralVault) Deposit(amount uint64) error {
	if amount == 0 {
		return perrors.ErrZeroAmount
	}
	return v.Credit(amount)
}

// Withdraw debits amount from the unlocked portion.
func (v *CollateralVault) Withdraw(amount uint64) error {
	if amount == 0 {
		return perrors.ErrZeroAmount
	}
	available, err := v.Available()
	if err != nil {
		return err
	}
	if amount > available {
		return perrors.ErrInsufficientBalance
	}
	v.DepositedAmount -= amount
	return nil
}

// Credit adds amount without the zero check. Used for PnL and fees.
func (v *CollateralVault) Credit(amount uint64) error {
	next, err := fpmath.CheckedAdd(v.DepositedAmount, amount)
	if err != nil {
		return err
	}
	v.DepositedAmount = next
	return nil
}

// Debit removes up to amount, clamping at zero. Settlement only: a loss
// never takes more than the vault holds.
func (v *CollateralVault) Debit(amount uint64) error {
	v.DepositedAmount = fpmath.SaturatingSub(v.DepositedAmount, amount)
	if v.LockedMargin > v.DepositedAmount {
		return perrors.ErrMathOverflow
	}
	return nil
}

// Lock reserves amount as margin.
func (v *CollateralVault) Lock(amount uint64) error {
	available, err := v.Available()
	if err != nil {
		return err
	}
	if amount > available {
		return perrors.ErrInsufficientMargin
	}
	v.LockedMargin += amount
	return nil
}

// Unlock releases amount of margin.
func (v *CollateralVault) Unlock(amount uint64) error {
	next, err := fpmath.CheckedSub(v.LockedMargin, amount)
	if err != nil {
		return err
	}
	v.LockedMargin = next
	return nil
}

// CanonicalBytes for deterministic hashing
func (v *CollateralVault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, v.Owner[:]...)
	buf = appendUint64LE(buf, v.DepositedAmount)
	buf = appendUint64LE(buf, v.LockedMargin)
	return buf
}
