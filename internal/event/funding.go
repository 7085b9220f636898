package event

import "github.com/google/uuid"

// FundingApplied is one protocol-wide funding settlement.
type FundingApplied struct {
	Rate                       int64  `json:"rate"` // funding rate scale, signed
	LongOI                     uint64 `json:"long_oi"`
	ShortOI                    uint64 `json:"short_oi"`
	CumulativeFundingRateLong  string `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort string `json:"cumulative_funding_rate_short"`
	MarkPrice                  uint64 `json:"mark_price"`
	Elapsed                    int64  `json:"elapsed"`
	Timestamp                  int64  `json:"timestamp"`
}

func (f *FundingApplied) EventType() EventType {
	return EventTypeFundingApplied
}

func (f *FundingApplied) Owner() uuid.UUID {
	return uuid.Nil
}

// FundingAccrued is funding booked onto a single position.
type FundingAccrued struct {
	Account           uuid.UUID `json:"owner"`
	PositionID        uint64    `json:"position_id"`
	Rate              int64     `json:"rate"`
	Payment           int64     `json:"payment"` // positive = position pays
	CumulativeFunding int64     `json:"cumulative_funding"`
}

func (f *FundingAccrued) EventType() EventType {
	return EventTypeFundingAccrued
}

func (f *FundingAccrued) Owner() uuid.UUID {
	return f.Account
}
