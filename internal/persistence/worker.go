package persistence

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the engine's persist channel and batch-writes
// envelopes to perp.event_log. The engine sends on that channel with a
// blocking send, so a slow worker stalls the engine rather than losing a
// committed operation.
//
// Once a batch is durable its outputs are forwarded to Forward (if set),
// e.g. the NATS publisher, so nothing is announced before it is logged.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	forward      chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	forward chan<- core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		forward:      forward,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches incoming outputs and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes; the pending batch is flushed in both cases.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	drain := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("events", len(batch)).Msg("flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drain(context.WithoutCancel(ctx), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				drain(context.WithoutCancel(ctx), "closed")
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				drain(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			drain(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without the
// deadline. A batch is never dropped while the process is alive.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.WithoutCancel(ctx), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Error().Err(err).Int("events", len(batch)).Msg("persistence flush failed")

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	rows := make([]EventRow, 0, len(batch))
	for _, out := range batch {
		row, err := EventRowFromOutput(out)
		if err != nil {
			pw.countError("encode")
			return err
		}
		rows = append(rows, row)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, rows); err != nil {
		pw.countError("write_events")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistEventsWritten.Add(float64(len(rows)))
		pw.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
	}

	if pw.forward != nil {
		for _, out := range batch {
			select {
			case pw.forward <- out:
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
