// internal/state/protocol.go
package state

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"

	"github.com/google/uuid"
)

// Protocol is the singleton ledger: authority, open interest, funding
// accumulators and risk parameters.
//
// Invariant: CumulativeFundingRateLong == -CumulativeFundingRateShort.
type Protocol struct {
	Authority                  uuid.UUID     `json:"authority"`
	CollateralAsset            string        `json:"collateral_asset"`
	Treasury                   string        `json:"treasury"`
	TotalLongOI                uint64        `json:"total_long_oi"`
	TotalShortOI               uint64        `json:"total_short_oi"`
	LastFundingTime            int64         `json:"last_funding_time"`
	CumulativeFundingRateLong  fpmath.Int128 `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort fpmath.Int128 `json:"cumulative_funding_rate_short"`
	LastFundingRate            int64         `json:"last_funding_rate"`
	MaxLeverage                uint64        `json:"max_leverage"`
	MaintenanceMarginBps       uint64        `json:"maintenance_margin_bps"`
	LiquidationFeeBps          uint64        `json:"liquidation_fee_bps"`
	NextPositionID             uint64        `json:"next_position_id"`
	IsPaused                   bool          `json:"is_paused"`
}

// NewProtocol returns a protocol with default risk parameters and funding
// clock starting at now.
func NewProtocol(authority uuid.UUID, collateralAsset, treasury string, now int64) *Protocol {
	p := &Protocol{
		Authority:       authority,
		CollateralAsset: collateralAsset,
		Treasury:        treasury,
		LastFundingTime: now,
	}
	p.SetRiskParams(DefaultRiskParams())
	return p
}

func (p *Protocol) Clone() *Protocol {
	c := *p
	return &c
}

// RiskParams returns the current risk parameters.
func (p *Protocol) RiskParams() RiskParams {
	return RiskParams{
		MaxLeverage:          p.MaxLeverage,
		MaintenanceMarginBps: p.MaintenanceMarginBps,
		LiquidationFeeBps:    p.LiquidationFeeBps,
	}
}

func (p *Protocol) SetRiskParams(rp RiskParams) {
	p.MaxLeverage = rp.MaxLeverage
	p.MaintenanceMarginBps = rp.MaintenanceMarginBps
	p.LiquidationFeeBps = rp.LiquidationFeeBps
}

// IsAuthority reports whether caller may run privileged operations.
func (p *Protocol) IsAuthority(caller uuid.UUID) bool {
	return caller != uuid.Nil && caller == p.Authority
}

// AddOpenInterest adds notional to one side.
func (p *Protocol) AddOpenInterest(d Direction, notional uint64) error {
	var err error
	switch d {
	case DirectionLong:
		p.TotalLongOI, err = fpmath.CheckedAdd(p.TotalLongOI, notional)
	case DirectionShort:
		p.TotalShortOI, err = fpmath.CheckedAdd(p.TotalShortOI, notional)
	default:
		err = perrors.ErrInvalidParameter
	}
	return err
}

// RemoveOpenInterest subtracts notional from one side, clamping at zero.
func (p *Protocol) RemoveOpenInterest(d Direction, notional uint64) {
	switch d {
	case DirectionLong:
		p.TotalLongOI = fpmath.SaturatingSub(p.TotalLongOI, notional)
	case DirectionShort:
		p.TotalShortOI = fpmath.SaturatingSub(p.TotalShortOI, notional)
	}
}

// AccumulateFunding adds rate to the long accumulator and subtracts it from
// the short one. On error the protocol is unchanged.
func (p *Protocol) AccumulateFunding(rate int64, now int64) error {
	long, err := p.CumulativeFundingRateLong.AddInt64(rate)
	if err != nil {
		return err
	}
	short, err := p.CumulativeFundingRateShort.SubInt64(rate)
	if err != nil {
		return err
	}
	p.CumulativeFundingRateLong = long
	p.CumulativeFundingRateShort = short
	p.LastFundingRate = rate
	p.LastFundingTime = now
	return nil
}

// FundingMirrored reports whether the accumulators are exact negations.
func (p *Protocol) FundingMirrored() bool {
	neg, err := p.CumulativeFundingRateShort.Neg()
	if err != nil {
		return false
	}
	return p.CumulativeFundingRateLong.Equal(neg)
}

// CanonicalBytes for deterministic hashing
func (p *Protocol) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, p.Authority[:]...)

	// collateral_asset, treasury (length-prefixed)
	buf = append(buf, byte(len(p.CollateralAsset)))
	buf = append(buf, []byte(p.CollateralAsset)...)
	buf = append(buf, byte(len(p.Treasury)))
	buf = append(buf, []byte(p.Treasury)...)

	buf = appendUint64LE(buf, p.TotalLongOI)
	buf = appendUint64LE(buf, p.TotalShortOI)
	buf = appendInt64LE(buf, p.LastFundingTime)
	long := p.CumulativeFundingRateLong.Bytes()
	buf = append(buf, long[:]...)
	short := p.CumulativeFundingRateShort.Bytes()
	buf = append(buf, short[:]...)
	buf = appendInt64LE(buf, p.LastFundingRate)
	buf = appendUint64LE(buf, p.MaxLeverage)
	buf = appendUint64LE(buf, p.MaintenanceMarginBps)
	buf = appendUint64LE(buf, p.LiquidationFeeBps)
	buf = appendUint64LE(buf, p.NextPositionID)
	buf = appendBool(buf, p.IsPaused)

	return buf
}
