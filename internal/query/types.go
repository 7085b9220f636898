package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts are rendered as fixed decimals ("100.000000"): quote and price
// with 6 places, size with 9, rates with 6.

// VaultResponse is an owner's collateral.
type VaultResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Asset        string    `json:"asset"`
	Deposited    string    `json:"deposited"`
	Locked       string    `json:"locked"`
	Available    string    `json:"available"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// HealthResponse is the margin view of an open position at the oracle
// price.
type HealthResponse struct {
	MarkPrice        string `json:"mark_price"`
	UnrealizedPnL    string `json:"unrealized_pnl"`
	MarginRatioBps   uint64 `json:"margin_ratio_bps"`
	LiquidationPrice string `json:"liquidation_price"`
	PendingFunding   string `json:"pending_funding"`
	Status           string `json:"status"`
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	Owner             uuid.UUID       `json:"owner"`
	PositionID        uint64          `json:"position_id"`
	Direction         string          `json:"direction"`
	Size              string          `json:"size"`
	EntryPrice        string          `json:"entry_price"`
	Leverage          uint64          `json:"leverage"`
	Margin            string          `json:"margin"`
	CumulativeFunding string          `json:"cumulative_funding"`
	IsOpen            bool            `json:"is_open"`
	OpenedAt          int64           `json:"opened_at"`
	ClosedAt          int64           `json:"closed_at,omitempty"`
	ClosePrice        string          `json:"close_price,omitempty"`
	RealizedPnL       string          `json:"realized_pnl,omitempty"`
	CloseReason       string          `json:"close_reason,omitempty"`
	Health            *HealthResponse `json:"health,omitempty"`
	// HealthUnavailable carries the error code when an open position could
	// not be marked, e.g. oracle_stale.
	HealthUnavailable string `json:"health_unavailable,omitempty"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// ProtocolResponse is the protocol ledger.
type ProtocolResponse struct {
	Authority                  uuid.UUID `json:"authority"`
	CollateralAsset            string    `json:"collateral_asset"`
	Treasury                   string    `json:"treasury"`
	TotalLongOI                string    `json:"total_long_oi"`
	TotalShortOI               string    `json:"total_short_oi"`
	LastFundingTime            int64     `json:"last_funding_time"`
	LastFundingRate            string    `json:"last_funding_rate"`
	CumulativeFundingRateLong  string    `json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort string    `json:"cumulative_funding_rate_short"`
	MaxLeverage                uint64    `json:"max_leverage"`
	MaintenanceMarginBps       uint64    `json:"maintenance_margin_bps"`
	LiquidationFeeBps          uint64    `json:"liquidation_fee_bps"`
	NextPositionID             uint64    `json:"next_position_id"`
	IsPaused                   bool      `json:"is_paused"`
	AsOfSequence               int64     `json:"as_of_sequence"`
}

// OracleResponse is the latest price sample.
type OracleResponse struct {
	Price        string    `json:"price"`
	Timestamp    int64     `json:"timestamp"`
	AgeSeconds   int64     `json:"age_seconds"`
	Stale        bool      `json:"stale"`
	Authority    uuid.UUID `json:"authority"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FundingHistoryResponse represents one funding settlement.
type FundingHistoryResponse struct {
	Sequence        int64     `json:"sequence"`
	FundingRate     string    `json:"funding_rate"`
	Elapsed         int64     `json:"elapsed"`
	LongOI          string    `json:"long_oi"`
	ShortOI         string    `json:"short_oi"`
	MarkPrice       string    `json:"mark_price"`
	CumulativeLong  string    `json:"cumulative_long"`
	CumulativeShort string    `json:"cumulative_short"`
	AppliedAt       time.Time `json:"applied_at"`
}

// PositionHistoryEntry is a position lifecycle row from the projection.
type PositionHistoryEntry struct {
	PositionID  uint64     `json:"position_id"`
	Direction   string     `json:"direction"`
	Size        string     `json:"size"`
	EntryPrice  string     `json:"entry_price"`
	Leverage    uint64     `json:"leverage"`
	Margin      string     `json:"margin"`
	OpenedSeq   int64      `json:"opened_seq"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedSeq   *int64     `json:"closed_seq,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	ClosePrice  string     `json:"close_price,omitempty"`
	RealizedPnL string     `json:"realized_pnl,omitempty"`
	Liquidator  *uuid.UUID `json:"liquidator,omitempty"`
	Fee         string     `json:"fee,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	AsOfSequence    int64    `json:"as_of_sequence"`
	ChainVerifiedTo int64    `json:"chain_verified_to"`
	ChainBreak      string   `json:"chain_break,omitempty"`
	Violations      []string `json:"violations,omitempty"`
}
