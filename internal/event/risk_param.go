package event

import "github.com/google/uuid"

// ProtocolInitialized is the first event of every log.
type ProtocolInitialized struct {
	Authority            uuid.UUID `json:"authority"`
	CollateralAsset      string    `json:"collateral_asset"`
	MaxLeverage          uint64    `json:"max_leverage"`
	MaintenanceMarginBps uint64    `json:"maintenance_margin_bps"`
	LiquidationFeeBps    uint64    `json:"liquidation_fee_bps"`
}

func (p *ProtocolInitialized) EventType() EventType {
	return EventTypeProtocolInitialized
}

func (p *ProtocolInitialized) Owner() uuid.UUID {
	return uuid.Nil
}

// RiskParamsUpdated records an authority change to margin requirements.
type RiskParamsUpdated struct {
	MaxLeverage          uint64 `json:"max_leverage"`
	MaintenanceMarginBps uint64 `json:"maintenance_margin_bps"`
	LiquidationFeeBps    uint64 `json:"liquidation_fee_bps"`
}

func (r *RiskParamsUpdated) EventType() EventType {
	return EventTypeRiskParamsUpdated
}

func (r *RiskParamsUpdated) Owner() uuid.UUID {
	return uuid.Nil
}

// PauseChanged records the authority pausing or resuming new positions.
type PauseChanged struct {
	Paused bool `json:"paused"`
}

func (p *PauseChanged) EventType() EventType {
	return EventTypePauseChanged
}

func (p *PauseChanged) Owner() uuid.UUID {
	return uuid.Nil
}
