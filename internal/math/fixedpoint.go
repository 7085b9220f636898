// internal/math/fixedpoint.go
package math

import (
	"MiniPerps/internal/perrors"
	stdmath "math"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// Fixed-point scales
const (
	PricePrecision       uint64 = 1_000_000     // price and quote amounts, 6 decimals
	SizePrecision        uint64 = 1_000_000_000 // base-asset size, 9 decimals
	BPSPrecision         uint64 = 10_000        // basis points
	FundingRatePrecision int64  = 1_000_000     // funding rate, 6 decimals
)

// Timing (seconds)
const (
	MaxOracleStaleness int64 = 30
	FundingInterval    int64 = 3600
)

// DecimalConfig describes a fixed-point scale for display conversion.
type DecimalConfig struct {
	DecimalPrecision int32
	Scale            uint64
}

var (
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: PricePrecision}
	SizeConfig  = DecimalConfig{DecimalPrecision: 9, Scale: SizePrecision}
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: PricePrecision}
	RateConfig  = DecimalConfig{DecimalPrecision: 6, Scale: uint64(FundingRatePrecision)}
)

// pooled big.Int for signed wide intermediates
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

var (
	minInt64 = big.NewInt(-1 << 63)
	maxInt64 = big.NewInt(1<<63 - 1)
)

// toInt64 narrows a wide intermediate, failing instead of truncating.
func toInt64(v *big.Int) (int64, error) {
	if v.Cmp(minInt64) < 0 || v.Cmp(maxInt64) > 0 {
		return 0, perrors.ErrMathOverflow
	}
	return v.Int64(), nil
}

// clampInt64 narrows v, saturating at the int64 bounds.
func clampInt64(v *big.Int) int64 {
	switch {
	case v.Cmp(minInt64) < 0:
		return stdmath.MinInt64
	case v.Cmp(maxInt64) > 0:
		return stdmath.MaxInt64
	}
	return v.Int64()
}

// CheckedAdd returns a+b or ErrMathOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, perrors.ErrMathOverflow
	}
	return s, nil
}

// CheckedSub returns a-b or ErrMathOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, perrors.ErrMathOverflow
	}
	return a - b, nil
}

// SaturatingSub returns a-b clamped at zero. Only settlement clamps use it.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// CheckedAddInt64 returns a+b or ErrMathOverflow.
func CheckedAddInt64(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, perrors.ErrMathOverflow
	}
	return s, nil
}

// SaturatingAddInt64 returns a+b clamped to the int64 range.
func SaturatingAddInt64(a, b int64) int64 {
	s := a + b
	switch {
	case b > 0 && s < a:
		return stdmath.MaxInt64
	case b < 0 && s > a:
		return stdmath.MinInt64
	}
	return s
}

// MulDiv computes a*b/d with a 256-bit intermediate, truncating.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, perrors.ErrMathOverflow
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d),
	)
	if overflow || !z.IsUint64() {
		return 0, perrors.ErrMathOverflow
	}
	return z.Uint64(), nil
}

// Notional returns size*price/SizePrecision in quote units.
func Notional(size, price uint64) (uint64, error) {
	return MulDiv(size, price, SizePrecision)
}

// BpsOf returns amount*bps/BPSPrecision.
func BpsOf(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BPSPrecision)
}

// AbsInt64 returns |v| as an unsigned magnitude. Defined for MinInt64.
func AbsInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
