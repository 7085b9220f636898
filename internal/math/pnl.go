package math

import (
	"MiniPerps/internal/perrors"
	"math/big"
)

func checkSideSign(sideSign int64) error {
	if sideSign != 1 && sideSign != -1 {
		return perrors.ErrInvalidParameter
	}
	return nil
}

// ComputePnL returns the signed PnL of size units entered at entryPrice and
// marked at currentPrice, in quote units. sideSign is +1 for long, -1 for short.
//
//	pnl = sideSign * (current - entry) * size / SizePrecision
func ComputePnL(sideSign int64, size, entryPrice, currentPrice uint64) (int64, error) {
	if err := checkSideSign(sideSign); err != nil {
		return 0, err
	}

	diff := getInt()
	defer putInt(diff)
	diff.SetUint64(currentPrice)
	entry := getInt()
	defer putInt(entry)
	entry.SetUint64(entryPrice)
	diff.Sub(diff, entry)
	if sideSign < 0 {
		diff.Neg(diff)
	}

	raw := getInt()
	defer putInt(raw)
	raw.SetUint64(size)
	raw.Mul(raw, diff)

	// Quo truncates toward zero
	raw.Quo(raw, new(big.Int).SetUint64(SizePrecision))
	return toInt64(raw)
}

// ComputeMarginRatio returns (margin + pnl) * BPSPrecision / notional in
// basis points, where notional is marked at currentPrice. A non-positive
// effective margin or a zero notional yields 0.
func ComputeMarginRatio(margin uint64, pnl int64, size, currentPrice uint64) (uint64, error) {
	effective := getInt()
	defer putInt(effective)
	effective.SetUint64(margin)
	effective.Add(effective, big.NewInt(pnl))
	if effective.Sign() <= 0 {
		return 0, nil
	}

	notional, err := Notional(size, currentPrice)
	if err != nil {
		return 0, err
	}
	if notional == 0 {
		return 0, nil
	}

	// margin+pnl can exceed uint64 only if margin does, which it cannot
	if !effective.IsUint64() {
		return 0, perrors.ErrMathOverflow
	}
	return MulDiv(effective.Uint64(), BPSPrecision, notional)
}

// ComputeLiquidationPrice returns the mark at which losses consume the whole
// margin. Longs floor at zero.
func ComputeLiquidationPrice(sideSign int64, entryPrice, margin, size uint64) (uint64, error) {
	if err := checkSideSign(sideSign); err != nil {
		return 0, err
	}
	perUnit, err := MulDiv(margin, SizePrecision, size)
	if err != nil {
		return 0, err
	}
	if sideSign > 0 {
		return SaturatingSub(entryPrice, perUnit), nil
	}
	return CheckedAdd(entryPrice, perUnit)
}
