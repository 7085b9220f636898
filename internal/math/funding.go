// internal/math/funding.go
package math

import (
	"math/big"
)

// ComputeFundingRate returns the open-interest imbalance rate
//
//	rate = (longOI - shortOI) * FundingRatePrecision / (longOI + shortOI)
//
// Positive means longs pay shorts. Zero when there is no open interest.
func ComputeFundingRate(longOI, shortOI uint64) (int64, error) {
	total := getInt()
	defer putInt(total)
	total.SetUint64(longOI)
	total.Add(total, new(big.Int).SetUint64(shortOI))
	if total.Sign() == 0 {
		return 0, nil
	}

	diff := getInt()
	defer putInt(diff)
	diff.SetUint64(longOI)
	diff.Sub(diff, new(big.Int).SetUint64(shortOI))
	diff.Mul(diff, big.NewInt(FundingRatePrecision))
	diff.Quo(diff, total)

	return toInt64(diff)
}

// ComputeFundingPayment returns the funding a position of size owes over
// elapsed seconds at rate. Positive = position pays, negative = receives.
//
//	payment = size * sideSign*rate * elapsed / (FundingInterval * FundingRatePrecision)
func ComputeFundingPayment(size uint64, sideSign int64, rate int64, elapsed int64) (int64, error) {
	if rate == 0 || elapsed == 0 {
		return 0, nil
	}
	if err := checkSideSign(sideSign); err != nil {
		return 0, err
	}

	payment := getInt()
	defer putInt(payment)
	fundingPayment(payment, size, sideSign, rate, elapsed)
	return toInt64(payment)
}

// SaturatingFundingPayment is ComputeFundingPayment clamped to the int64
// range. An invalid side sign yields 0.
func SaturatingFundingPayment(size uint64, sideSign int64, rate int64, elapsed int64) int64 {
	if rate == 0 || elapsed == 0 || checkSideSign(sideSign) != nil {
		return 0
	}

	payment := getInt()
	defer putInt(payment)
	fundingPayment(payment, size, sideSign, rate, elapsed)
	return clampInt64(payment)
}

func fundingPayment(z *big.Int, size uint64, sideSign int64, rate int64, elapsed int64) {
	z.SetUint64(size)
	z.Mul(z, big.NewInt(rate))
	if sideSign < 0 {
		z.Neg(z)
	}
	z.Mul(z, big.NewInt(elapsed))
	z.Quo(z, big.NewInt(FundingInterval*FundingRatePrecision))
}
