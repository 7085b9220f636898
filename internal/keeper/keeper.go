// Package keeper runs the permissionless cranks the protocol relies on:
// periodic funding settlement and liquidation of unhealthy positions.
// Keepers submit through the processor like any other caller.
package keeper

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs an operation on the engine's processor goroutine.
type Executor interface {
	Do(ctx context.Context, requestKey string, op core.Op) error
}

const (
	resultApplied = "applied"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// runEvery calls pass on every tick until ctx is cancelled.
func runEvery(ctx context.Context, interval time.Duration, log zerolog.Logger, pass func(context.Context)) error {
	if interval <= 0 {
		log.Info().Msg("keeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("keeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("keeper stopped")
			return nil
		case <-ticker.C:
			pass(ctx)
		}
	}
}

func record(m *observability.Metrics, keeper, result string) {
	if m != nil {
		m.KeeperRuns.WithLabelValues(keeper, result).Inc()
	}
}

func recordError(m *observability.Metrics, keeper string, err error) {
	if m != nil {
		m.KeeperRuns.WithLabelValues(keeper, resultFailed).Inc()
		m.KeeperErrors.WithLabelValues(keeper, perrors.Code(err)).Inc()
	}
}
