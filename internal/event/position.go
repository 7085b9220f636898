// internal/event/position.go
package event

import "github.com/google/uuid"

// PositionOpened is emitted when margin is locked against a new position.
type PositionOpened struct {
	Account    uuid.UUID `json:"owner"`
	PositionID uint64    `json:"position_id"`
	Direction  string    `json:"direction"`
	Size       uint64    `json:"size"`        // size scale
	EntryPrice uint64    `json:"entry_price"` // price scale
	Leverage   uint64    `json:"leverage"`
	Margin     uint64    `json:"margin"`
	Notional   uint64    `json:"notional"`
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) Owner() uuid.UUID {
	return p.Account
}

// PositionClosed is an owner-initiated close at the oracle price.
type PositionClosed struct {
	Account           uuid.UUID `json:"owner"`
	PositionID        uint64    `json:"position_id"`
	Direction         string    `json:"direction"`
	Size              uint64    `json:"size"`
	EntryPrice        uint64    `json:"entry_price"`
	ExitPrice         uint64    `json:"exit_price"`
	PnL               int64     `json:"pnl"`
	Settled           int64     `json:"settled"` // signed change to deposited amount
	MarginReleased    uint64    `json:"margin_released"`
	CumulativeFunding int64     `json:"cumulative_funding"`
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) Owner() uuid.UUID {
	return p.Account
}
