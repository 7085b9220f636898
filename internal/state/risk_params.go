package state

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"fmt"
)

// RiskParams are the authority-tunable margin requirements.
type RiskParams struct {
	MaxLeverage          uint64 `json:"max_leverage" yaml:"max_leverage"`
	MaintenanceMarginBps uint64 `json:"maintenance_margin_bps" yaml:"maintenance_margin_bps"`
	LiquidationFeeBps    uint64 `json:"liquidation_fee_bps" yaml:"liquidation_fee_bps"`
}

const (
	DefaultMaxLeverage          uint64 = 50
	DefaultMaintenanceMarginBps uint64 = 500 // 5%
	DefaultLiquidationFeeBps    uint64 = 50  // 0.5%

	// MaxLeverageCeiling bounds what the authority may configure.
	MaxLeverageCeiling uint64 = 100
)

// DefaultRiskParams returns the parameters a fresh protocol starts with.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		MaxLeverage:          DefaultMaxLeverage,
		MaintenanceMarginBps: DefaultMaintenanceMarginBps,
		LiquidationFeeBps:    DefaultLiquidationFeeBps,
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < max_leverage <= ceiling, 0 < mm < 100%, fee < mm.
func ValidateRiskParams(params RiskParams) error {
	if params.MaxLeverage == 0 {
		return fmt.Errorf("max_leverage must be > 0: %w", perrors.ErrInvalidLeverage)
	}
	if params.MaxLeverage > MaxLeverageCeiling {
		return fmt.Errorf("max_leverage must be <= %d, got %d: %w",
			MaxLeverageCeiling, params.MaxLeverage, perrors.ErrMaxLeverageExceeded)
	}
	if params.MaintenanceMarginBps == 0 || params.MaintenanceMarginBps >= fpmath.BPSPrecision {
		return fmt.Errorf("maintenance_margin_bps must be in (0, %d), got %d: %w",
			fpmath.BPSPrecision, params.MaintenanceMarginBps, perrors.ErrInvalidParameter)
	}
	if params.LiquidationFeeBps >= params.MaintenanceMarginBps {
		return fmt.Errorf("liquidation_fee_bps (%d) must be < maintenance_margin_bps (%d): %w",
			params.LiquidationFeeBps, params.MaintenanceMarginBps, perrors.ErrInvalidParameter)
	}
	return nil
}
