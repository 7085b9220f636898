package core

import (
	"MiniPerps/internal/event"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/store"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// FundingResult is one applied funding settlement.
type FundingResult struct {
	Rate      int64
	Elapsed   int64
	LongOI    uint64
	ShortOI   uint64
	MarkPrice uint64

	CumulativeLong  fpmath.Int128
	CumulativeShort fpmath.Int128
}

// ApplyFunding computes the rate from the open-interest imbalance and adds
// it to the long accumulator, subtracting it from the short one. At most
// one settlement per FundingInterval.
func (e *Engine) ApplyFunding(ctx context.Context) (_ *FundingResult, err error) {
	t := e.begin(opApplyFunding, uuid.Nil)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	elapsed := now - proto.LastFundingTime
	if elapsed < fpmath.FundingInterval {
		return nil, perrors.ErrFundingIntervalNotElapsed
	}
	price, err := e.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}

	rate, err := fpmath.ComputeFundingRate(proto.TotalLongOI, proto.TotalShortOI)
	if err != nil {
		return nil, err
	}
	if err = proto.AccumulateFunding(rate, now); err != nil {
		return nil, err
	}
	if !proto.FundingMirrored() {
		return nil, fmt.Errorf("funding accumulators diverged: %w", perrors.ErrMathOverflow)
	}

	_, err = e.commit(ctx, &store.ChangeSet{Protocol: proto}, &event.FundingApplied{
		Rate:                       rate,
		LongOI:                     proto.TotalLongOI,
		ShortOI:                    proto.TotalShortOI,
		CumulativeFundingRateLong:  proto.CumulativeFundingRateLong.String(),
		CumulativeFundingRateShort: proto.CumulativeFundingRateShort.String(),
		MarkPrice:                  price,
		Elapsed:                    elapsed,
		Timestamp:                  now,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.FundingApplied.Inc()
	}

	return &FundingResult{
		Rate:            rate,
		Elapsed:         elapsed,
		LongOI:          proto.TotalLongOI,
		ShortOI:         proto.TotalShortOI,
		MarkPrice:       price,
		CumulativeLong:  proto.CumulativeFundingRateLong,
		CumulativeShort: proto.CumulativeFundingRateShort,
	}, nil
}
