package projection

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/event"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionWorker maintains read models from committed envelopes:
// funding history and position lifecycle rows in Postgres, and the
// in-memory funding history. The engine feeds it with a non-blocking send,
// so it may miss outputs under load; RebuildProjections restores the
// Postgres tables from the event log.
type ProjectionWorker struct {
	db        *sql.DB // nil disables the Postgres tables
	funding   *FundingHistoryProjection
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, funding *FundingHistoryProjection, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		funding:   funding,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if pw.db != nil {
		seq, err := LoadWatermark(ctx, pw.db)
		if err != nil {
			return fmt.Errorf("load watermark: %w", err)
		}
		pw.lastSeq = seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Apply(ctx, output)
		}
	}
}

// Apply projects one output. Sequences at or below the watermark are
// skipped. Failures are logged; projections are eventually consistent.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) {
	env := output.Envelope
	if env.Sequence <= pw.lastSeq {
		return
	}
	if pw.lastSeq > 0 && env.Sequence > pw.lastSeq+1 {
		pw.log.Warn().
			Int64("from", pw.lastSeq+1).
			Int64("to", env.Sequence-1).
			Msg("projection gap; rebuild from the event log to fill it")
	}

	evt := env.Event
	if evt == nil {
		decoded, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			pw.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("undecodable envelope")
			pw.lastSeq = env.Sequence
			return
		}
		evt = decoded
	}

	if f, ok := evt.(*event.FundingApplied); ok && pw.funding != nil {
		pw.funding.Add(fundingRecord(env.Sequence, env.Timestamp, f))
	}

	if pw.db != nil {
		if err := pw.persist(ctx, env.Sequence, env.Timestamp, evt); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("projection").Inc()
			}
			pw.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
		}
	}

	pw.lastSeq = env.Sequence
}

func (pw *ProjectionWorker) persist(ctx context.Context, seq int64, at time.Time, evt event.Event) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyEvent(ctx, tx, seq, at, evt); err != nil {
		return err
	}
	if err := updateWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func applyEvent(ctx context.Context, tx execer, seq int64, at time.Time, evt event.Event) error {
	switch e := evt.(type) {
	case *event.PositionOpened:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.position_history
				(owner, position_id, direction, size, entry_price, leverage, margin, opened_seq, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (owner, position_id) DO NOTHING
		`, e.Account, numeric(e.PositionID), e.Direction, numeric(e.Size), numeric(e.EntryPrice),
			numeric(e.Leverage), numeric(e.Margin), seq, at)
		if err != nil {
			return fmt.Errorf("position opened: %w", err)
		}

	case *event.PositionClosed:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.position_history
			SET closed_seq = $3, closed_at = $4, close_reason = 'closed', close_price = $5, realized_pnl = $6
			WHERE owner = $1 AND position_id = $2
		`, e.Account, numeric(e.PositionID), seq, at, numeric(e.ExitPrice), e.PnL)
		if err != nil {
			return fmt.Errorf("position closed: %w", err)
		}

	case *event.PositionLiquidated:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.position_history
			SET closed_seq = $3, closed_at = $4, close_reason = 'liquidated', close_price = $5,
			    realized_pnl = $6, liquidator = $7, fee = $8
			WHERE owner = $1 AND position_id = $2
		`, e.Account, numeric(e.PositionID), seq, at, numeric(e.ExitPrice), e.PnL, e.Liquidator, numeric(e.Fee))
		if err != nil {
			return fmt.Errorf("position liquidated: %w", err)
		}

	case *event.FundingApplied:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(sequence, funding_rate, elapsed, long_oi, short_oi, mark_price, cumulative_long, cumulative_short, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, e.Rate, e.Elapsed, numeric(e.LongOI), numeric(e.ShortOI), numeric(e.MarkPrice),
			e.CumulativeFundingRateLong, e.CumulativeFundingRateShort, at)
		if err != nil {
			return fmt.Errorf("funding applied: %w", err)
		}
	}
	return nil
}

func updateWatermark(ctx context.Context, tx execer, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// LoadWatermark returns the last projected sequence, 0 if none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection = $1`, watermarkName,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections truncates the projection tables and replays the
// whole event log into them.
func RebuildProjections(ctx context.Context, db *sql.DB, log zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.position_history`,
		`DELETE FROM projections.watermark WHERE projection = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	const pageSize = 1000
	events := persistence.NewSnapshotManager(db, log)
	var last int64
	for {
		rows, err := events.LoadEventsFrom(ctx, last+1, pageSize)
		if err != nil {
			return last, fmt.Errorf("load events after %d: %w", last, err)
		}
		if len(rows) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return last, err
		}
		for _, row := range rows {
			et, err := event.ParseEventType(row.EventType)
			if err != nil {
				tx.Rollback()
				return last, fmt.Errorf("seq=%d: %w", row.Sequence, err)
			}
			evt, err := event.Decode(et, row.Payload)
			if err != nil {
				tx.Rollback()
				return last, fmt.Errorf("seq=%d: %w", row.Sequence, err)
			}
			if err := applyEvent(ctx, tx, row.Sequence, row.Timestamp, evt); err != nil {
				tx.Rollback()
				return last, fmt.Errorf("seq=%d: %w", row.Sequence, err)
			}
		}
		newest := rows[len(rows)-1].Sequence
		if err := updateWatermark(ctx, tx, newest); err != nil {
			tx.Rollback()
			return last, err
		}
		if err := tx.Commit(); err != nil {
			return last, err
		}
		last = newest

		if len(rows) < pageSize {
			break
		}
	}

	log.Info().Int64("sequence", last).Msg("projection rebuild complete")
	return last, nil
}
