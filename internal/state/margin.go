package state

import (
	fpmath "MiniPerps/internal/math"
)

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

func (ms MarginStatus) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

// PositionHealth is a point-in-time margin view of an open position.
type PositionHealth struct {
	MarkPrice        uint64       `json:"mark_price"`
	UnrealizedPnL    int64        `json:"unrealized_pnl"`
	MarginRatioBps   uint64       `json:"margin_ratio_bps"`
	LiquidationPrice uint64       `json:"liquidation_price"`
	PendingFunding   int64        `json:"pending_funding"`
	Status           MarginStatus `json:"status"`
}

// ComputePositionHealth marks pos at price. The position is liquidatable
// strictly below the maintenance ratio and at risk below twice it.
func ComputePositionHealth(pos *Position, price uint64, maintenanceBps uint64, fundingRate int64, now int64) (*PositionHealth, error) {
	sign := pos.Direction.SideSign()

	pnl, err := fpmath.ComputePnL(sign, pos.Size, pos.EntryPrice, price)
	if err != nil {
		return nil, err
	}
	ratio, err := fpmath.ComputeMarginRatio(pos.Margin, pnl, pos.Size, price)
	if err != nil {
		return nil, err
	}
	liq, err := fpmath.ComputeLiquidationPrice(sign, pos.EntryPrice, pos.Margin, pos.Size)
	if err != nil {
		return nil, err
	}
	var pending int64
	if elapsed := now - pos.LastFundingTime; elapsed > 0 {
		pending = fpmath.SaturatingFundingPayment(pos.Size, sign, fundingRate, elapsed)
	}

	status := MarginStatusHealthy
	switch {
	case ratio < maintenanceBps:
		status = MarginStatusLiquidatable
	case ratio < 2*maintenanceBps:
		status = MarginStatusAtRisk
	}

	return &PositionHealth{
		MarkPrice:        price,
		UnrealizedPnL:    pnl,
		MarginRatioBps:   ratio,
		LiquidationPrice: liq,
		PendingFunding:   pending,
		Status:           status,
	}, nil
}
