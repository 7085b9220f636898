// internal/event/liquidation.go
package event

import "github.com/google/uuid"

// PositionLiquidated is a keeper-initiated close below maintenance margin.
type PositionLiquidated struct {
	Account           uuid.UUID `json:"owner"`
	PositionID        uint64    `json:"position_id"`
	Liquidator        uuid.UUID `json:"liquidator"`
	Direction         string    `json:"direction"`
	Size              uint64    `json:"size"`
	EntryPrice        uint64    `json:"entry_price"`
	ExitPrice         uint64    `json:"exit_price"`
	PnL               int64     `json:"pnl"`
	MarginRatioBps    uint64    `json:"margin_ratio_bps"`
	Fee               uint64    `json:"fee"`
	Remaining         uint64    `json:"remaining"` // returned to the owner
	Settled           int64     `json:"settled"`
	CumulativeFunding int64     `json:"cumulative_funding"`
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (l *PositionLiquidated) Owner() uuid.UUID {
	return l.Account
}
