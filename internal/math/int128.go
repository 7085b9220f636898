package math

import (
	"MiniPerps/internal/perrors"
	"encoding/json"
	"fmt"
	"math/big"
)

var (
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
)

// Int128 is an immutable signed 128-bit accumulator. The zero value is 0.
// Operations that leave the 128-bit range fail with ErrMathOverflow.
type Int128 struct {
	v *big.Int
}

// NewInt128 returns x as an Int128.
func NewInt128(x int64) Int128 {
	return Int128{v: big.NewInt(x)}
}

// ParseInt128 parses a base-10 string.
func ParseInt128(s string) (Int128, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int128{}, fmt.Errorf("parse int128 %q: %w", s, perrors.ErrInvalidParameter)
	}
	return fromBig(v)
}

func fromBig(v *big.Int) (Int128, error) {
	if v.Cmp(minInt128) < 0 || v.Cmp(maxInt128) > 0 {
		return Int128{}, perrors.ErrMathOverflow
	}
	return Int128{v: v}, nil
}

func (a Int128) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// AddInt64 returns a+x.
func (a Int128) AddInt64(x int64) (Int128, error) {
	return fromBig(new(big.Int).Add(a.big(), big.NewInt(x)))
}

// SubInt64 returns a-x.
func (a Int128) SubInt64(x int64) (Int128, error) {
	return fromBig(new(big.Int).Sub(a.big(), big.NewInt(x)))
}

// Neg returns -a. Fails for the minimum value.
func (a Int128) Neg() (Int128, error) {
	return fromBig(new(big.Int).Neg(a.big()))
}

func (a Int128) Sign() int { return a.big().Sign() }

func (a Int128) Cmp(b Int128) int { return a.big().Cmp(b.big()) }

func (a Int128) Equal(b Int128) bool { return a.Cmp(b) == 0 }

func (a Int128) String() string { return a.big().String() }

// Bytes returns the 16-byte two's complement little-endian encoding.
func (a Int128) Bytes() [16]byte {
	var out [16]byte
	v := new(big.Int).Set(a.big())
	if v.Sign() < 0 {
		// two's complement: 2^128 + v
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	be := v.Bytes()
	for i := 0; i < len(be) && i < 16; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// MarshalJSON encodes as a decimal string so no precision is lost in JSON
// consumers limited to float64.
func (a Int128) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Int128) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseInt128(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
