package keeper

import (
	"MiniPerps/internal/core"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const liquidationKeeper = "liquidation"

// LiquidationKeeper scans open positions and liquidates the ones below
// the maintenance ratio, collecting the fee into its own vault.
type LiquidationKeeper struct {
	exec     Executor
	scanner  store.PositionScanner
	identity uuid.UUID
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewLiquidationKeeper(exec Executor, scanner store.PositionScanner, identity uuid.UUID, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *LiquidationKeeper {
	return &LiquidationKeeper{
		exec:     exec,
		scanner:  scanner,
		identity: identity,
		interval: interval,
		metrics:  metrics,
		log:      log.With().Str("keeper", liquidationKeeper).Logger(),
	}
}

func (k *LiquidationKeeper) Run(ctx context.Context) error {
	return runEvery(ctx, k.interval, k.log, func(ctx context.Context) {
		if _, err := k.RunOnce(ctx); err != nil && ctx.Err() == nil {
			k.log.Warn().Err(err).Msg("liquidation pass failed")
		}
	})
}

// RunOnce checks every open position once and returns how many it
// liquidated. A stale or missing price ends the pass early.
func (k *LiquidationKeeper) RunOnce(ctx context.Context) (int, error) {
	open, err := k.scanner.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	liquidated := 0
	for _, pos := range open {
		s, err := k.tryLiquidate(ctx, pos.Owner, pos.PositionID)
		switch {
		case err == nil && s == nil:
			continue
		case errors.Is(err, perrors.ErrPositionNotOpen), errors.Is(err, perrors.ErrPositionNotLiquidatable):
			continue
		case errors.Is(err, perrors.ErrOracleStale), errors.Is(err, perrors.ErrOracleInvalidPrice), errors.Is(err, perrors.ErrNotInitialized):
			record(k.metrics, liquidationKeeper, resultSkipped)
			return liquidated, nil
		case err != nil:
			recordError(k.metrics, liquidationKeeper, err)
			if ctx.Err() != nil {
				return liquidated, err
			}
			k.log.Warn().Err(err).Str("owner", pos.Owner.String()).Uint64("position_id", pos.PositionID).Msg("liquidation failed")
			continue
		}

		liquidated++
		record(k.metrics, liquidationKeeper, resultApplied)
		k.log.Info().
			Str("owner", pos.Owner.String()).
			Uint64("position_id", pos.PositionID).
			Uint64("margin_ratio_bps", s.MarginRatioBps).
			Str("fee", fpmath.QuoteConfig.Format(s.Fee)).
			Str("pnl", fpmath.QuoteConfig.FormatSigned(s.PnL)).
			Msg("position liquidated")
	}
	return liquidated, nil
}

// tryLiquidate marks the position and liquidates it in the same step, so
// the check and the action see one price. Returns nil, nil if healthy.
func (k *LiquidationKeeper) tryLiquidate(ctx context.Context, owner uuid.UUID, positionID uint64) (*core.Settlement, error) {
	var settlement *core.Settlement
	err := k.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		health, err := e.PositionHealth(ctx, owner, positionID)
		if err != nil {
			return err
		}
		if health.Status != state.MarginStatusLiquidatable {
			return nil
		}
		settlement, err = e.Liquidate(ctx, k.identity, owner, positionID)
		return err
	})
	return settlement, err
}
