package persistence

import (
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// PostgresStore keeps engine records in the perp schema. Every Commit is
// one transaction. uint64 fields travel as decimal strings into NUMERIC(20)
// columns; the funding accumulators use NUMERIC(39).
type PostgresStore struct {
	db *sql.DB
}

var _ store.Backend = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

const protocolColumns = `authority, collateral_asset, treasury, total_long_oi, total_short_oi,
	last_funding_time, cumulative_funding_rate_long, cumulative_funding_rate_short,
	last_funding_rate, max_leverage, maintenance_margin_bps, liquidation_fee_bps,
	next_position_id, is_paused`

func (s *PostgresStore) GetProtocol(ctx context.Context) (*state.Protocol, error) {
	return getProtocol(ctx, s.db)
}

func getProtocol(ctx context.Context, q queryer) (*state.Protocol, error) {
	var (
		p           state.Protocol
		long, short string
	)
	err := q.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM perp.protocol WHERE id = 1`).Scan(
		&p.Authority, &p.CollateralAsset, &p.Treasury, &p.TotalLongOI, &p.TotalShortOI,
		&p.LastFundingTime, &long, &short,
		&p.LastFundingRate, &p.MaxLeverage, &p.MaintenanceMarginBps, &p.LiquidationFeeBps,
		&p.NextPositionID, &p.IsPaused,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select protocol: %w", err)
	}
	if p.CumulativeFundingRateLong, err = fpmath.ParseInt128(long); err != nil {
		return nil, fmt.Errorf("protocol cumulative long: %w", err)
	}
	if p.CumulativeFundingRateShort, err = fpmath.ParseInt128(short); err != nil {
		return nil, fmt.Errorf("protocol cumulative short: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetOracle(ctx context.Context) (*state.PriceOracle, error) {
	return getOracle(ctx, s.db)
}

func getOracle(ctx context.Context, q queryer) (*state.PriceOracle, error) {
	var o state.PriceOracle
	err := q.QueryRowContext(ctx,
		`SELECT price, timestamp, authority FROM perp.oracle WHERE id = 1`,
	).Scan(&o.Price, &o.Timestamp, &o.Authority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select oracle: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) GetVault(ctx context.Context, owner uuid.UUID) (*state.CollateralVault, error) {
	v := state.CollateralVault{Owner: owner}
	err := s.db.QueryRowContext(ctx,
		`SELECT deposited_amount, locked_margin FROM perp.vaults WHERE owner = $1`, owner,
	).Scan(&v.DepositedAmount, &v.LockedMargin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select vault %s: %w", owner, err)
	}
	return &v, nil
}

const positionColumns = `owner, position_id, direction, size, entry_price, leverage, margin,
	last_funding_time, cumulative_funding, is_open, opened_at, closed_at,
	close_price, realized_pnl, close_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*state.Position, error) {
	var (
		p      state.Position
		dir    string
		reason string
	)
	if err := row.Scan(
		&p.Owner, &p.PositionID, &dir, &p.Size, &p.EntryPrice, &p.Leverage, &p.Margin,
		&p.LastFundingTime, &p.CumulativeFunding, &p.IsOpen, &p.OpenedAt, &p.ClosedAt,
		&p.ClosePrice, &p.RealizedPnL, &reason,
	); err != nil {
		return nil, err
	}
	d, err := state.ParseDirection(dir)
	if err != nil {
		return nil, err
	}
	p.Direction = d
	p.CloseReason = state.CloseReason(reason)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key state.PositionKey) (*state.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM perp.positions WHERE owner = $1 AND position_id = $2`,
		key.Owner, numeric(key.PositionID),
	)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select position %s: %w", key, err)
	}
	return p, nil
}

// Commit upserts every record in cs inside one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if p := cs.Protocol; p != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp.protocol (id, `+protocolColumns+`)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				authority = EXCLUDED.authority,
				collateral_asset = EXCLUDED.collateral_asset,
				treasury = EXCLUDED.treasury,
				total_long_oi = EXCLUDED.total_long_oi,
				total_short_oi = EXCLUDED.total_short_oi,
				last_funding_time = EXCLUDED.last_funding_time,
				cumulative_funding_rate_long = EXCLUDED.cumulative_funding_rate_long,
				cumulative_funding_rate_short = EXCLUDED.cumulative_funding_rate_short,
				last_funding_rate = EXCLUDED.last_funding_rate,
				max_leverage = EXCLUDED.max_leverage,
				maintenance_margin_bps = EXCLUDED.maintenance_margin_bps,
				liquidation_fee_bps = EXCLUDED.liquidation_fee_bps,
				next_position_id = EXCLUDED.next_position_id,
				is_paused = EXCLUDED.is_paused`,
			p.Authority, p.CollateralAsset, p.Treasury, numeric(p.TotalLongOI), numeric(p.TotalShortOI),
			p.LastFundingTime, p.CumulativeFundingRateLong.String(), p.CumulativeFundingRateShort.String(),
			p.LastFundingRate, numeric(p.MaxLeverage), numeric(p.MaintenanceMarginBps), numeric(p.LiquidationFeeBps),
			numeric(p.NextPositionID), p.IsPaused,
		); err != nil {
			return fmt.Errorf("upsert protocol: %w", err)
		}
	}

	if o := cs.Oracle; o != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp.oracle (id, price, timestamp, authority) VALUES (1, $1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				price = EXCLUDED.price, timestamp = EXCLUDED.timestamp, authority = EXCLUDED.authority`,
			numeric(o.Price), o.Timestamp, o.Authority,
		); err != nil {
			return fmt.Errorf("upsert oracle: %w", err)
		}
	}

	for _, v := range cs.Vaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp.vaults (owner, deposited_amount, locked_margin) VALUES ($1, $2, $3)
			ON CONFLICT (owner) DO UPDATE SET
				deposited_amount = EXCLUDED.deposited_amount, locked_margin = EXCLUDED.locked_margin`,
			v.Owner, numeric(v.DepositedAmount), numeric(v.LockedMargin),
		); err != nil {
			return fmt.Errorf("upsert vault %s: %w", v.Owner, err)
		}
	}

	for _, p := range cs.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp.positions (`+positionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (owner, position_id) DO UPDATE SET
				direction = EXCLUDED.direction,
				size = EXCLUDED.size,
				entry_price = EXCLUDED.entry_price,
				leverage = EXCLUDED.leverage,
				margin = EXCLUDED.margin,
				last_funding_time = EXCLUDED.last_funding_time,
				cumulative_funding = EXCLUDED.cumulative_funding,
				is_open = EXCLUDED.is_open,
				opened_at = EXCLUDED.opened_at,
				closed_at = EXCLUDED.closed_at,
				close_price = EXCLUDED.close_price,
				realized_pnl = EXCLUDED.realized_pnl,
				close_reason = EXCLUDED.close_reason`,
			p.Owner, numeric(p.PositionID), p.Direction.String(), numeric(p.Size), numeric(p.EntryPrice),
			numeric(p.Leverage), numeric(p.Margin), p.LastFundingTime, p.CumulativeFunding, p.IsOpen,
			p.OpenedAt, p.ClosedAt, numeric(p.ClosePrice), p.RealizedPnL, string(p.CloseReason),
		); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func queryPositions(ctx context.Context, q queryer, where string, args ...interface{}) ([]*state.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM perp.positions `+where+` ORDER BY owner, position_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("select positions: %w", err)
	}
	defer rows.Close()

	out := make([]*state.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]*state.Position, error) {
	return queryPositions(ctx, s.db, `WHERE is_open`)
}

func (s *PostgresStore) OwnerPositions(ctx context.Context, owner uuid.UUID) ([]*state.Position, error) {
	return queryPositions(ctx, s.db, `WHERE owner = $1`, owner)
}

// Export reads every record under one repeatable-read transaction so the
// dump is a consistent cut.
func (s *PostgresStore) Export(ctx context.Context) (*store.ChangeSet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()

	cs := &store.ChangeSet{}
	if cs.Protocol, err = getProtocol(ctx, tx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if cs.Oracle, err = getOracle(ctx, tx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT owner, deposited_amount, locked_margin FROM perp.vaults ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("select vaults: %w", err)
	}
	for rows.Next() {
		var v state.CollateralVault
		if err := rows.Scan(&v.Owner, &v.DepositedAmount, &v.LockedMargin); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		cs.Vaults = append(cs.Vaults, &v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	positions, err := queryPositions(ctx, tx, ``)
	if err != nil {
		return nil, err
	}
	if len(positions) > 0 {
		cs.Positions = positions
	}
	return cs, nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
