package math

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ToDecimal converts a fixed-point magnitude to a decimal for display.
func (c DecimalConfig) ToDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromUint64(v).Shift(-c.DecimalPrecision)
}

// ToDecimalSigned converts a signed fixed-point value to a decimal.
func (c DecimalConfig) ToDecimalSigned(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Shift(-c.DecimalPrecision)
}

// Format renders v with exactly DecimalPrecision decimals.
func (c DecimalConfig) Format(v uint64) string {
	return c.ToDecimal(v).StringFixed(c.DecimalPrecision)
}

// FormatSigned renders a signed v with exactly DecimalPrecision decimals.
func (c DecimalConfig) FormatSigned(v int64) string {
	return c.ToDecimalSigned(v).StringFixed(c.DecimalPrecision)
}

// maxDecimalInput bounds Parse input; the widest uint64 amount with
// fraction digits fits well inside it.
const maxDecimalInput = 40

// Parse converts a plain decimal string ("105.25") into fixed-point units.
// Exponent notation, negative values, more fraction digits than
// DecimalPrecision and values beyond uint64 are rejected.
func (c DecimalConfig) Parse(s string) (uint64, bool) {
	if s == "" || len(s) > maxDecimalInput || strings.ContainsAny(s, "eE") {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return 0, false
	}
	scaled := d.Shift(c.DecimalPrecision)
	if !scaled.IsInteger() {
		return 0, false
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, false
	}
	return bi.Uint64(), true
}

// FormatInt128 renders a wide signed accumulator with DecimalPrecision
// decimals.
func (c DecimalConfig) FormatInt128(v Int128) string {
	return decimal.NewFromBigInt(v.big(), -c.DecimalPrecision).StringFixed(c.DecimalPrecision)
}
