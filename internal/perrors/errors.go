// Package perrors defines the error taxonomy shared by the engine and its hosts.
package perrors

import "errors"

var (
	ErrInsufficientMargin        = errors.New("insufficient margin")
	ErrMaxLeverageExceeded       = errors.New("max leverage exceeded")
	ErrOracleStale               = errors.New("oracle price is stale")
	ErrOracleInvalidPrice        = errors.New("oracle price is invalid")
	ErrPositionNotLiquidatable   = errors.New("position is not liquidatable")
	ErrPositionNotOpen           = errors.New("position is not open")
	ErrProtocolPaused            = errors.New("protocol is paused")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrMathOverflow              = errors.New("math overflow")
	ErrInvalidParameter          = errors.New("invalid parameter")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrFundingIntervalNotElapsed = errors.New("funding interval not elapsed")
	ErrInvalidLeverage           = errors.New("invalid leverage")
	ErrZeroSize                  = errors.New("size must be greater than zero")
	ErrZeroAmount                = errors.New("amount must be greater than zero")

	ErrNotInitialized     = errors.New("protocol not initialized")
	ErrAlreadyInitialized = errors.New("protocol already initialized")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateRequest   = errors.New("duplicate request")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInsufficientMargin, "insufficient_margin"},
	{ErrMaxLeverageExceeded, "max_leverage_exceeded"},
	{ErrOracleStale, "oracle_stale"},
	{ErrOracleInvalidPrice, "oracle_invalid_price"},
	{ErrPositionNotLiquidatable, "position_not_liquidatable"},
	{ErrPositionNotOpen, "position_not_open"},
	{ErrProtocolPaused, "protocol_paused"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrMathOverflow, "math_overflow"},
	{ErrInvalidParameter, "invalid_parameter"},
	{ErrUnauthorized, "unauthorized"},
	{ErrFundingIntervalNotElapsed, "funding_interval_not_elapsed"},
	{ErrInvalidLeverage, "invalid_leverage"},
	{ErrZeroSize, "zero_size"},
	{ErrZeroAmount, "zero_amount"},
	{ErrNotInitialized, "not_initialized"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrNotFound, "not_found"},
	{ErrDuplicateRequest, "duplicate_request"},
}

// Code returns a stable snake_case identifier for err, "internal" for
// errors outside the taxonomy and "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsDomain reports whether err belongs to the taxonomy. Domain errors are
// caller mistakes or market conditions; anything else is an infrastructure
// failure.
func IsDomain(err error) bool {
	c := Code(err)
	return c != "" && c != "internal"
}
