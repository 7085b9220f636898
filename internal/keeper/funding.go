package keeper

import (
	"MiniPerps/internal/core"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/store"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const fundingKeeper = "funding"

// FundingKeeper applies the protocol funding settlement whenever the
// interval has elapsed, then books the new rate onto every open position.
type FundingKeeper struct {
	exec     Executor
	scanner  store.PositionScanner
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewFundingKeeper(exec Executor, scanner store.PositionScanner, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *FundingKeeper {
	return &FundingKeeper{
		exec:     exec,
		scanner:  scanner,
		interval: interval,
		metrics:  metrics,
		log:      log.With().Str("keeper", fundingKeeper).Logger(),
	}
}

func (k *FundingKeeper) Run(ctx context.Context) error {
	return runEvery(ctx, k.interval, k.log, func(ctx context.Context) {
		if _, err := k.RunOnce(ctx); err != nil && ctx.Err() == nil {
			k.log.Warn().Err(err).Msg("funding pass failed")
		}
	})
}

// RunOnce settles funding if it is due. It returns nil, nil when there was
// nothing to do.
func (k *FundingKeeper) RunOnce(ctx context.Context) (*core.FundingResult, error) {
	var result *core.FundingResult
	err := k.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		r, err := e.ApplyFunding(ctx)
		result = r
		return err
	})
	switch {
	case errors.Is(err, perrors.ErrFundingIntervalNotElapsed), errors.Is(err, perrors.ErrNotInitialized):
		record(k.metrics, fundingKeeper, resultSkipped)
		return nil, nil
	case err != nil:
		recordError(k.metrics, fundingKeeper, err)
		return nil, err
	}
	record(k.metrics, fundingKeeper, resultApplied)

	k.log.Info().
		Str("rate", fpmath.RateConfig.FormatSigned(result.Rate)).
		Int64("elapsed", result.Elapsed).
		Str("long_oi", fpmath.QuoteConfig.Format(result.LongOI)).
		Str("short_oi", fpmath.QuoteConfig.Format(result.ShortOI)).
		Msg("funding applied")

	if err := k.accrueAll(ctx); err != nil {
		return result, err
	}
	return result, nil
}

func (k *FundingKeeper) accrueAll(ctx context.Context) error {
	open, err := k.scanner.OpenPositions(ctx)
	if err != nil {
		return err
	}
	accrued := 0
	for _, pos := range open {
		owner, id := pos.Owner, pos.PositionID
		err := k.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
			_, err := e.AccrueFunding(ctx, owner, id)
			return err
		})
		switch {
		case errors.Is(err, perrors.ErrPositionNotOpen):
			// closed since the scan
		case err != nil:
			recordError(k.metrics, fundingKeeper, err)
			if ctx.Err() != nil {
				return err
			}
			k.log.Warn().Err(err).Str("owner", owner.String()).Uint64("position_id", id).Msg("accrue funding failed")
		default:
			accrued++
		}
	}
	k.log.Debug().Int("positions", accrued).Msg("funding accrued")
	return nil
}
