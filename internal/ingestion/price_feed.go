package ingestion

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PriceFeed applies price messages to the oracle as the oracle authority.
//
// Per source, only strictly increasing sequences are applied; stale or
// repeated messages are acked and dropped. A message the engine rejects for
// a domain reason is terminated, an infrastructure failure is nak'd and its
// sequence released so the redelivery can be applied.
type PriceFeed struct {
	proc      *core.Processor
	validator *core.SequenceValidator
	authority uuid.UUID
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewPriceFeed(proc *core.Processor, validator *core.SequenceValidator, authority uuid.UUID, metrics *observability.Metrics, log zerolog.Logger) *PriceFeed {
	if validator == nil {
		validator = core.NewSequenceValidator()
	}
	return &PriceFeed{
		proc:      proc,
		validator: validator,
		authority: authority,
		metrics:   metrics,
		log:       log,
	}
}

// Run consumes in until ctx is cancelled or in closes.
func (pf *PriceFeed) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			pf.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles its delivery.
func (pf *PriceFeed) Handle(ctx context.Context, raw RawEvent) {
	update, err := ParsePriceUpdate(raw)
	if err != nil {
		pf.log.Error().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable price message")
		raw.term()
		return
	}

	previous := pf.validator.LastSequence(update.Source)
	accepted, err := pf.validator.ValidatePriceSequence(update.Source, update.Sequence)
	if err != nil {
		pf.log.Error().Err(err).Str("source", update.Source).Msg("invalid price sequence")
		raw.term()
		return
	}
	if !accepted {
		if pf.metrics != nil {
			pf.metrics.PriceFeedOutOfOrder.Inc()
		}
		pf.log.Debug().
			Str("source", update.Source).
			Int64("sequence", update.Sequence).
			Int64("last", previous).
			Msg("stale price dropped")
		raw.ack()
		return
	}

	key := fmt.Sprintf("price:%s:%d", update.Source, update.Sequence)
	err = pf.proc.Do(ctx, key, func(ctx context.Context, e *core.Engine) error {
		return e.SetPrice(ctx, pf.authority, update.Price)
	})

	switch {
	case err == nil, errors.Is(err, perrors.ErrDuplicateRequest):
		raw.ack()
	case perrors.IsDomain(err):
		pf.log.Warn().Err(err).
			Str("source", update.Source).
			Int64("sequence", update.Sequence).
			Uint64("price", update.Price).
			Msg("price rejected")
		raw.term()
	default:
		pf.validator.Rollback(update.Source, update.Sequence, previous)
		pf.log.Error().Err(err).
			Str("source", update.Source).
			Int64("sequence", update.Sequence).
			Msg("price apply failed, requesting redelivery")
		raw.nak()
	}
}
