// internal/event/deposit.go
package event

import "github.com/google/uuid"

// CollateralDeposited records collateral moved from the owner to the treasury.
type CollateralDeposited struct {
	Account      uuid.UUID `json:"owner"`
	Amount       uint64    `json:"amount"` // quote scale
	NewDeposited uint64    `json:"new_deposited"`
}

func (d *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}

func (d *CollateralDeposited) Owner() uuid.UUID {
	return d.Account
}
