// internal/state/position.go
package state

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Direction is the side of a position.
type Direction uint8

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// SideSign returns +1 for long, -1 for short
func (d Direction) SideSign() int64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Valid reports whether d is long or short.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("direction %d: %w", d, perrors.ErrInvalidParameter)
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDirection accepts "long" or "short", case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long":
		return DirectionLong, nil
	case "short":
		return DirectionShort, nil
	default:
		return 0, fmt.Errorf("direction %q: %w", s, perrors.ErrInvalidParameter)
	}
}

// CloseReason records how a position left the open state.
type CloseReason string

const (
	CloseReasonNone       CloseReason = ""
	CloseReasonClosed     CloseReason = "closed"
	CloseReasonLiquidated CloseReason = "liquidated"
)

// PositionKey addresses one position record.
type PositionKey struct {
	Owner      uuid.UUID
	PositionID uint64
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%d", k.Owner, k.PositionID)
}

// Position is one margined exposure. Once IsOpen is false the record is
// terminal and never mutated again.
type Position struct {
	Owner             uuid.UUID   `json:"owner"`
	PositionID        uint64      `json:"position_id"`
	Direction         Direction   `json:"direction"`
	Size              uint64      `json:"size"`        // size scale, 9 decimals
	EntryPrice        uint64      `json:"entry_price"` // price scale, 6 decimals
	Leverage          uint64      `json:"leverage"`
	Margin            uint64      `json:"margin"` // quote scale
	LastFundingTime   int64       `json:"last_funding_time"`
	CumulativeFunding int64       `json:"cumulative_funding"` // positive = owed by the position
	IsOpen            bool        `json:"is_open"`
	OpenedAt          int64       `json:"opened_at"`
	ClosedAt          int64       `json:"closed_at,omitempty"`
	ClosePrice        uint64      `json:"close_price,omitempty"`
	RealizedPnL       int64       `json:"realized_pnl,omitempty"`
	CloseReason       CloseReason `json:"close_reason,omitempty"`
}

// Key returns the store address of p.
func (p *Position) Key() PositionKey {
	return PositionKey{Owner: p.Owner, PositionID: p.PositionID}
}

// Clone returns an independent copy.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// EntryNotional is the notional recorded against open interest.
func (p *Position) EntryNotional() (uint64, error) {
	return fpmath.Notional(p.Size, p.EntryPrice)
}

// AccrueFunding adds the funding owed at rate since LastFundingTime and
// advances the position's funding clock. Returns the accrued amount.
// Accrual is bookkeeping only, so it saturates instead of failing.
func (p *Position) AccrueFunding(rate int64, now int64) (int64, error) {
	if !p.IsOpen {
		return 0, perrors.ErrPositionNotOpen
	}
	elapsed := now - p.LastFundingTime
	if elapsed <= 0 {
		return 0, nil
	}
	payment := fpmath.SaturatingFundingPayment(p.Size, p.Direction.SideSign(), rate, elapsed)
	p.CumulativeFunding = fpmath.SaturatingAddInt64(p.CumulativeFunding, payment)
	p.LastFundingTime = now
	return payment, nil
}

// MarkClosed moves an open position to its terminal state.
func (p *Position) MarkClosed(reason CloseReason, price uint64, pnl int64, now int64) error {
	if !p.IsOpen {
		return perrors.ErrPositionNotOpen
	}
	p.IsOpen = false
	p.CloseReason = reason
	p.ClosePrice = price
	p.RealizedPnL = pnl
	p.ClosedAt = now
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, p.Owner[:]...)
	buf = appendUint64LE(buf, p.PositionID)
	buf = append(buf, byte(p.Direction))
	buf = appendUint64LE(buf, p.Size)
	buf = appendUint64LE(buf, p.EntryPrice)
	buf = appendUint64LE(buf, p.Leverage)
	buf = appendUint64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.LastFundingTime)
	buf = appendInt64LE(buf, p.CumulativeFunding)
	buf = appendBool(buf, p.IsOpen)
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.ClosedAt)
	buf = appendUint64LE(buf, p.ClosePrice)
	buf = appendInt64LE(buf, p.RealizedPnL)

	// close_reason (length-prefixed)
	buf = append(buf, byte(len(p.CloseReason)))
	buf = append(buf, []byte(p.CloseReason)...)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
