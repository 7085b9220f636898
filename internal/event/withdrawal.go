package event

import "github.com/google/uuid"

// CollateralWithdrawn records collateral returned from the treasury.
type CollateralWithdrawn struct {
	Account      uuid.UUID `json:"owner"`
	Amount       uint64    `json:"amount"`
	NewDeposited uint64    `json:"new_deposited"`
}

func (w *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

func (w *CollateralWithdrawn) Owner() uuid.UUID {
	return w.Account
}
