package server

import (
	"MiniPerps/internal/query"
)

// Request and response bodies shared by the HTTP routes and the gRPC
// service. Amounts, sizes and prices are decimal strings ("12.5").

type InitializeRequest struct {
	CollateralAsset string `json:"collateral_asset"`
}

type AmountRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type OpenPositionRequest struct {
	Direction      string `json:"direction"`
	Size           string `json:"size"`
	Leverage       uint64 `json:"leverage"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PositionRequest addresses a position. Owner defaults to the caller.
type PositionRequest struct {
	Owner          string `json:"owner,omitempty"`
	PositionID     uint64 `json:"position_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r *AmountRequest) setIdempotencyKey(k string)       { r.IdempotencyKey = k }
func (r *OpenPositionRequest) setIdempotencyKey(k string) { r.IdempotencyKey = k }
func (r *PositionRequest) setIdempotencyKey(k string)     { r.IdempotencyKey = k }

type PriceRequest struct {
	Price string `json:"price"`
}

type PausedRequest struct {
	Paused bool `json:"paused"`
}

type RiskParamsRequest struct {
	MaxLeverage          uint64 `json:"max_leverage"`
	MaintenanceMarginBps uint64 `json:"maintenance_margin_bps"`
	LiquidationFeeBps    uint64 `json:"liquidation_fee_bps"`
}

// OwnerRequest addresses an owner. Empty means the caller.
type OwnerRequest struct {
	Owner string `json:"owner,omitempty"`
}

type ListPositionsRequest struct {
	Owner    string `json:"owner,omitempty"`
	OpenOnly bool   `json:"open_only,omitempty"`
}

type HistoryRequest struct {
	Owner  string `json:"owner,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"`
}

type Empty struct{}

// SettlementResponse is the result of a close or a liquidation.
type SettlementResponse struct {
	Position       *query.PositionResponse `json:"position"`
	Vault          *query.VaultResponse    `json:"vault"`
	PnL            string                  `json:"pnl"`
	Settled        string                  `json:"settled"`
	MarginRatioBps uint64                  `json:"margin_ratio_bps"`
	Fee            string                  `json:"fee,omitempty"`
	Remaining      string                  `json:"remaining,omitempty"`
	AsOfSequence   int64                   `json:"as_of_sequence"`
}

// FundingResponse is one applied funding settlement.
type FundingResponse struct {
	Rate            string `json:"rate"`
	Elapsed         int64  `json:"elapsed"`
	LongOI          string `json:"long_oi"`
	ShortOI         string `json:"short_oi"`
	MarkPrice       string `json:"mark_price"`
	CumulativeLong  string `json:"cumulative_long"`
	CumulativeShort string `json:"cumulative_short"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

type PositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

type FundingHistoryResponse struct {
	History []query.FundingHistoryResponse `json:"history"`
}

type PositionHistoryResponse struct {
	History []query.PositionHistoryEntry `json:"history"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
