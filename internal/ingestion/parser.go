package ingestion

import (
	fpmath "MiniPerps/internal/math"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed marks a message that can never be applied, however often
// it is redelivered.
var ErrMalformed = errors.New("malformed message")

// PriceUpdate is one oracle sample from a price publisher.
type PriceUpdate struct {
	Source    string
	Price     uint64 // price scale
	Sequence  int64
	Timestamp time.Time // publisher clock, informational only
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceJSON accepts the price either as an integer in price units
// (100250000) or as a decimal string ("100.25").
type priceJSON struct {
	Source      string          `json:"source"`
	Price       json.RawMessage `json:"price"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

// ParsePriceUpdate decodes a price message. The source defaults to the last
// token of the subject (perp.oracle.price.<source>).
func ParsePriceUpdate(raw RawEvent) (PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: parse price update: %v", ErrMalformed, err)
	}

	source := strings.TrimSpace(j.Source)
	if source == "" {
		if i := strings.LastIndexByte(raw.Subject, '.'); i >= 0 && i < len(raw.Subject)-1 {
			source = raw.Subject[i+1:]
		}
	}
	if source == "" {
		return PriceUpdate{}, fmt.Errorf("%w: price update without source", ErrMalformed)
	}

	price, err := parsePrice(j.Price)
	if err != nil {
		return PriceUpdate{}, err
	}
	if j.Sequence <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: sequence must be positive, got %d", ErrMalformed, j.Sequence)
	}

	update := PriceUpdate{
		Source:   source,
		Price:    price,
		Sequence: j.Sequence,
	}
	if j.TimestampUs > 0 {
		update.Timestamp = time.UnixMicro(j.TimestampUs)
	}
	return update, nil
}

func parsePrice(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing price", ErrMalformed)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: price: %v", ErrMalformed, err)
		}
		v, ok := fpmath.PriceConfig.Parse(s)
		if !ok {
			return 0, fmt.Errorf("%w: price %q is not a non-negative decimal", ErrMalformed, s)
		}
		return v, nil
	}

	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: price %s: %v", ErrMalformed, raw, err)
	}
	return v, nil
}
