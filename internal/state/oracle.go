package state

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"

	"github.com/google/uuid"
)

// PriceOracle is the latest price sample for the instrument. Only the
// designated authority writes it; no history is kept.
type PriceOracle struct {
	Price     uint64    `json:"price"`     // price scale, 6 decimals
	Timestamp int64     `json:"timestamp"` // unix seconds
	Authority uuid.UUID `json:"authority"`
}

func (o *PriceOracle) Clone() *PriceOracle {
	c := *o
	return &c
}

// SetPrice records a new sample. Authority is checked by the caller.
func (o *PriceOracle) SetPrice(price uint64, now int64) error {
	if price == 0 {
		return perrors.ErrInvalidParameter
	}
	o.Price = price
	o.Timestamp = now
	return nil
}

// Validate returns the price if the sample is fresh and non-zero.
func (o *PriceOracle) Validate(now int64) (uint64, error) {
	if now-o.Timestamp > fpmath.MaxOracleStaleness {
		return 0, perrors.ErrOracleStale
	}
	if o.Price == 0 {
		return 0, perrors.ErrOracleInvalidPrice
	}
	return o.Price, nil
}

// CanonicalBytes for deterministic hashing
func (o *PriceOracle) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = appendUint64LE(buf, o.Price)
	buf = appendInt64LE(buf, o.Timestamp)
	buf = append(buf, o.Authority[:]...)
	return buf
}
