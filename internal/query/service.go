package query

import (
	"MiniPerps/internal/core"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/persistence"
	"MiniPerps/internal/projection"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor runs an operation on the goroutine that owns the engine.
type Executor interface {
	Do(ctx context.Context, requestKey string, op core.Op) error
}

// Source lists records for the multi-record queries.
type Source interface {
	store.PositionScanner
	store.Exporter
}

// QueryService answers read requests. State reads run as operations on
// the processor so every response is a consistent cut at AsOfSequence.
// History comes from the Postgres projection when db is set, otherwise
// from the in-memory funding projection.
type QueryService struct {
	exec    Executor
	source  Source
	db      *sql.DB
	funding *projection.FundingHistoryProjection
	clock   core.Clock
}

func NewQueryService(exec Executor, source Source, db *sql.DB, funding *projection.FundingHistoryProjection, clock core.Clock) *QueryService {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &QueryService{exec: exec, source: source, db: db, funding: funding, clock: clock}
}

// GetVault returns owner's collateral. An owner that never deposited has
// an empty vault.
func (qs *QueryService) GetVault(ctx context.Context, owner uuid.UUID) (*VaultResponse, error) {
	var resp *VaultResponse
	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		proto, err := e.Protocol(ctx)
		if err != nil {
			return err
		}
		vault, err := e.Vault(ctx, owner)
		if err != nil {
			return err
		}
		resp, err = VaultView(vault, proto.CollateralAsset, e.Sequence())
		return err
	})
	return resp, err
}

// GetPosition returns one position. Open positions carry their health at
// the oracle price unless the oracle cannot be used.
func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID, positionID uint64) (*PositionResponse, error) {
	var resp *PositionResponse
	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		pos, err := e.Position(ctx, owner, positionID)
		if err != nil {
			return err
		}
		resp = PositionView(pos, e.Sequence())
		if !pos.IsOpen {
			return nil
		}

		health, err := e.PositionHealth(ctx, owner, positionID)
		switch {
		case errors.Is(err, perrors.ErrOracleStale), errors.Is(err, perrors.ErrOracleInvalidPrice):
			resp.HealthUnavailable = perrors.Code(err)
		case err != nil:
			return err
		default:
			resp.Health = healthResponse(health)
		}
		return nil
	})
	return resp, err
}

// GetPositions lists owner's positions by id, optionally only open ones.
func (qs *QueryService) GetPositions(ctx context.Context, owner uuid.UUID, openOnly bool) ([]PositionResponse, error) {
	result := make([]PositionResponse, 0)
	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		positions, err := qs.source.OwnerPositions(ctx, owner)
		if err != nil {
			return fmt.Errorf("list positions: %w", err)
		}
		for _, pos := range positions {
			if openOnly && !pos.IsOpen {
				continue
			}
			result = append(result, *PositionView(pos, e.Sequence()))
		}
		return nil
	})
	return result, err
}

// GetProtocol returns the protocol ledger.
func (qs *QueryService) GetProtocol(ctx context.Context) (*ProtocolResponse, error) {
	var resp *ProtocolResponse
	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		p, err := e.Protocol(ctx)
		if err != nil {
			return err
		}
		resp = &ProtocolResponse{
			Authority:                  p.Authority,
			CollateralAsset:            p.CollateralAsset,
			Treasury:                   p.Treasury,
			TotalLongOI:                fpmath.QuoteConfig.Format(p.TotalLongOI),
			TotalShortOI:               fpmath.QuoteConfig.Format(p.TotalShortOI),
			LastFundingTime:            p.LastFundingTime,
			LastFundingRate:            fpmath.RateConfig.FormatSigned(p.LastFundingRate),
			CumulativeFundingRateLong:  fpmath.RateConfig.FormatInt128(p.CumulativeFundingRateLong),
			CumulativeFundingRateShort: fpmath.RateConfig.FormatInt128(p.CumulativeFundingRateShort),
			MaxLeverage:                p.MaxLeverage,
			MaintenanceMarginBps:       p.MaintenanceMarginBps,
			LiquidationFeeBps:          p.LiquidationFeeBps,
			NextPositionID:             p.NextPositionID,
			IsPaused:                   p.IsPaused,
			AsOfSequence:               e.Sequence(),
		}
		return nil
	})
	return resp, err
}

// GetOracle returns the latest price and whether it is too old to trade on.
func (qs *QueryService) GetOracle(ctx context.Context) (*OracleResponse, error) {
	var resp *OracleResponse
	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		o, err := e.Oracle(ctx)
		if err != nil {
			return err
		}
		now := qs.clock.Now().Unix()
		_, verr := o.Validate(now)
		resp = &OracleResponse{
			Price:        fpmath.PriceConfig.Format(o.Price),
			Timestamp:    o.Timestamp,
			AgeSeconds:   now - o.Timestamp,
			Stale:        errors.Is(verr, perrors.ErrOracleStale),
			Authority:    o.Authority,
			AsOfSequence: e.Sequence(),
		}
		return nil
	})
	return resp, err
}

// GetFundingHistory returns up to limit settlements, newest first, with
// sequence below before (0 = latest).
func (qs *QueryService) GetFundingHistory(ctx context.Context, limit int, before int64) ([]FundingHistoryResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if qs.db != nil {
		return qs.fundingHistoryDB(ctx, limit, before)
	}

	history := make([]FundingHistoryResponse, 0)
	if qs.funding == nil {
		return history, nil
	}
	for _, rec := range qs.funding.Query(limit, before) {
		h := FundingHistoryResponse{
			Sequence:    rec.Sequence,
			FundingRate: fpmath.RateConfig.FormatSigned(rec.Rate),
			Elapsed:     rec.Elapsed,
			LongOI:      fpmath.QuoteConfig.Format(rec.LongOI),
			ShortOI:     fpmath.QuoteConfig.Format(rec.ShortOI),
			MarkPrice:   fpmath.PriceConfig.Format(rec.MarkPrice),
			AppliedAt:   rec.AppliedAt,
		}
		var err error
		if h.CumulativeLong, err = formatRate(rec.CumulativeLong); err != nil {
			return nil, err
		}
		if h.CumulativeShort, err = formatRate(rec.CumulativeShort); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, nil
}

func (qs *QueryService) fundingHistoryDB(ctx context.Context, limit int, before int64) ([]FundingHistoryResponse, error) {
	query := `
		SELECT sequence, funding_rate, elapsed, long_oi::TEXT, short_oi::TEXT, mark_price::TEXT,
		       cumulative_long::TEXT, cumulative_short::TEXT, applied_at
		FROM projections.funding_history
	`
	args := []interface{}{}
	argIdx := 1

	if before > 0 {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]FundingHistoryResponse, 0)
	for rows.Next() {
		var (
			h                     FundingHistoryResponse
			rate                  int64
			longOI, shortOI, mark string
			cumLong, cumShort     string
		)
		if err := rows.Scan(
			&h.Sequence, &rate, &h.Elapsed, &longOI, &shortOI, &mark,
			&cumLong, &cumShort, &h.AppliedAt,
		); err != nil {
			return nil, err
		}
		h.FundingRate = fpmath.RateConfig.FormatSigned(rate)
		if h.LongOI, err = formatNumeric(fpmath.QuoteConfig, longOI); err != nil {
			return nil, err
		}
		if h.ShortOI, err = formatNumeric(fpmath.QuoteConfig, shortOI); err != nil {
			return nil, err
		}
		if h.MarkPrice, err = formatNumeric(fpmath.PriceConfig, mark); err != nil {
			return nil, err
		}
		if h.CumulativeLong, err = formatRate(cumLong); err != nil {
			return nil, err
		}
		if h.CumulativeShort, err = formatRate(cumShort); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// ErrHistoryUnavailable is returned for history that only the Postgres
// projection keeps.
var ErrHistoryUnavailable = errors.New("query: position history requires the postgres projection")

// GetPositionHistory returns owner's position lifecycle, newest first.
func (qs *QueryService) GetPositionHistory(ctx context.Context, owner uuid.UUID, limit int) ([]PositionHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id::TEXT, direction, size::TEXT, entry_price::TEXT, leverage::TEXT, margin::TEXT,
		       opened_seq, opened_at, closed_seq, closed_at, COALESCE(close_reason, ''),
		       close_price::TEXT, realized_pnl, liquidator, fee::TEXT
		FROM projections.position_history
		WHERE owner = $1
		ORDER BY opened_seq DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]PositionHistoryEntry, 0)
	for rows.Next() {
		var (
			e                                 PositionHistoryEntry
			id, size, entry, leverage, margin string
			closedSeq, pnl                    sql.NullInt64
			closedAt                          sql.NullTime
			closePrice, fee                   sql.NullString
			liquidator                        uuid.NullUUID
		)
		if err := rows.Scan(
			&id, &e.Direction, &size, &entry, &leverage, &margin,
			&e.OpenedSeq, &e.OpenedAt, &closedSeq, &closedAt, &e.CloseReason,
			&closePrice, &pnl, &liquidator, &fee,
		); err != nil {
			return nil, err
		}
		if e.PositionID, err = strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("position_id %q: %w", id, err)
		}
		if e.Leverage, err = strconv.ParseUint(leverage, 10, 64); err != nil {
			return nil, fmt.Errorf("leverage %q: %w", leverage, err)
		}
		if e.Size, err = formatNumeric(fpmath.SizeConfig, size); err != nil {
			return nil, err
		}
		if e.EntryPrice, err = formatNumeric(fpmath.PriceConfig, entry); err != nil {
			return nil, err
		}
		if e.Margin, err = formatNumeric(fpmath.QuoteConfig, margin); err != nil {
			return nil, err
		}
		if closedSeq.Valid {
			seq := closedSeq.Int64
			e.ClosedSeq = &seq
		}
		if closedAt.Valid {
			at := closedAt.Time
			e.ClosedAt = &at
		}
		if closePrice.Valid {
			if e.ClosePrice, err = formatNumeric(fpmath.PriceConfig, closePrice.String); err != nil {
				return nil, err
			}
		}
		if pnl.Valid {
			e.RealizedPnL = fpmath.QuoteConfig.FormatSigned(pnl.Int64)
		}
		if liquidator.Valid {
			id := liquidator.UUID
			e.Liquidator = &id
		}
		if fee.Valid {
			if e.Fee, err = formatNumeric(fpmath.QuoteConfig, fee.String); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the accounting invariants over a consistent cut
// of every record and, with Postgres configured, walks the event log's
// hash chain.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{Violations: make([]string, 0)}

	err := qs.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		dump, err := qs.source.Export(ctx)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		report.AsOfSequence = e.Sequence()
		report.Violations = append(report.Violations, checkRecords(dump)...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if qs.db != nil {
		verified, breakErr := qs.verifyChain(ctx, report.AsOfSequence)
		report.ChainVerifiedTo = verified
		if breakErr != nil {
			if !errors.Is(breakErr, persistence.ErrChainBroken) {
				return nil, breakErr
			}
			report.ChainBreak = breakErr.Error()
		}
	}

	report.IsHealthy = len(report.Violations) == 0 && report.ChainBreak == ""
	return report, nil
}

// checkRecords returns a description of every accounting invariant the
// dump violates.
func checkRecords(dump *store.ChangeSet) []string {
	var violations []string

	lockedByOwner := make(map[uuid.UUID]uint64)
	var longOI, shortOI uint64
	for _, pos := range dump.Positions {
		if !pos.IsOpen {
			continue
		}
		lockedByOwner[pos.Owner] += pos.Margin
		notional, err := pos.EntryNotional()
		if err != nil {
			violations = append(violations, fmt.Sprintf("position %s: notional overflow", pos.Key()))
			continue
		}
		if pos.Direction == state.DirectionLong {
			longOI += notional
		} else {
			shortOI += notional
		}
	}

	for _, v := range dump.Vaults {
		if v.LockedMargin > v.DepositedAmount {
			violations = append(violations, fmt.Sprintf("vault %s: locked %d exceeds deposited %d",
				v.Owner, v.LockedMargin, v.DepositedAmount))
		}
		if want := lockedByOwner[v.Owner]; v.LockedMargin != want {
			violations = append(violations, fmt.Sprintf("vault %s: locked %d, open margin %d",
				v.Owner, v.LockedMargin, want))
		}
		delete(lockedByOwner, v.Owner)
	}
	for owner, margin := range lockedByOwner {
		violations = append(violations, fmt.Sprintf("owner %s: open margin %d without a vault", owner, margin))
	}

	if p := dump.Protocol; p != nil {
		if p.TotalLongOI != longOI {
			violations = append(violations, fmt.Sprintf("long open interest %d, positions sum to %d", p.TotalLongOI, longOI))
		}
		if p.TotalShortOI != shortOI {
			violations = append(violations, fmt.Sprintf("short open interest %d, positions sum to %d", p.TotalShortOI, shortOI))
		}
		if !p.FundingMirrored() {
			violations = append(violations, "cumulative funding accumulators are not mirrored")
		}
	}
	return violations
}

// verifyChain replays the logged hashes from genesis up to upTo. Returns
// the last verified sequence.
func (qs *QueryService) verifyChain(ctx context.Context, upTo int64) (int64, error) {
	const pageSize = 1000
	events := persistence.NewSnapshotManager(qs.db, zerolog.Nop())
	tip := persistence.GenesisTip()

	for tip.Sequence < upTo {
		rows, err := events.LoadEventsFrom(ctx, tip.Sequence+1, pageSize)
		if err != nil {
			return tip.Sequence, fmt.Errorf("load events after %d: %w", tip.Sequence, err)
		}
		if len(rows) == 0 {
			// persistence lags the engine; what is logged is verified
			break
		}
		for _, row := range rows {
			if row.Sequence > upTo {
				return tip.Sequence, nil
			}
			_, next, err := persistence.VerifyLink(tip, row)
			if err != nil {
				return tip.Sequence, err
			}
			tip = next
		}
		if len(rows) < pageSize {
			break
		}
	}
	return tip.Sequence, nil
}

// --- helpers ---

// VaultView renders a vault record.
func VaultView(v *state.CollateralVault, asset string, asOf int64) (*VaultResponse, error) {
	available, err := v.Available()
	if err != nil {
		return nil, err
	}
	return &VaultResponse{
		Owner:        v.Owner,
		Asset:        asset,
		Deposited:    fpmath.QuoteConfig.Format(v.DepositedAmount),
		Locked:       fpmath.QuoteConfig.Format(v.LockedMargin),
		Available:    fpmath.QuoteConfig.Format(available),
		AsOfSequence: asOf,
	}, nil
}

// PositionView renders a position record without health.
func PositionView(pos *state.Position, asOf int64) *PositionResponse {
	r := &PositionResponse{
		Owner:             pos.Owner,
		PositionID:        pos.PositionID,
		Direction:         pos.Direction.String(),
		Size:              fpmath.SizeConfig.Format(pos.Size),
		EntryPrice:        fpmath.PriceConfig.Format(pos.EntryPrice),
		Leverage:          pos.Leverage,
		Margin:            fpmath.QuoteConfig.Format(pos.Margin),
		CumulativeFunding: fpmath.QuoteConfig.FormatSigned(pos.CumulativeFunding),
		IsOpen:            pos.IsOpen,
		OpenedAt:          pos.OpenedAt,
		AsOfSequence:      asOf,
	}
	if !pos.IsOpen {
		r.ClosedAt = pos.ClosedAt
		r.ClosePrice = fpmath.PriceConfig.Format(pos.ClosePrice)
		r.RealizedPnL = fpmath.QuoteConfig.FormatSigned(pos.RealizedPnL)
		r.CloseReason = string(pos.CloseReason)
	}
	return r
}

func healthResponse(h *state.PositionHealth) *HealthResponse {
	return &HealthResponse{
		MarkPrice:        fpmath.PriceConfig.Format(h.MarkPrice),
		UnrealizedPnL:    fpmath.QuoteConfig.FormatSigned(h.UnrealizedPnL),
		MarginRatioBps:   h.MarginRatioBps,
		LiquidationPrice: fpmath.PriceConfig.Format(h.LiquidationPrice),
		PendingFunding:   fpmath.QuoteConfig.FormatSigned(h.PendingFunding),
		Status:           h.Status.String(),
	}
}

func formatRate(raw string) (string, error) {
	v, err := fpmath.ParseInt128(raw)
	if err != nil {
		return "", fmt.Errorf("cumulative rate %q: %w", raw, err)
	}
	return fpmath.RateConfig.FormatInt128(v), nil
}

func formatNumeric(c fpmath.DecimalConfig, raw string) (string, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("numeric %q: %w", raw, err)
	}
	return c.Format(v), nil
}
