package query_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/projection"
	"MiniPerps/internal/query"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"MiniPerps/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usd  = uint64(1_000_000)
	unit = uint64(1_000_000_000)
)

type fixture struct {
	ctx       context.Context
	st        *store.MemoryStore
	clock     *testutil.FakeClock
	proc      *core.Processor
	funding   *projection.FundingHistoryProjection
	qs        *query.QueryService
	authority uuid.UUID
	alice     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		ctx:       context.Background(),
		st:        store.NewMemoryStore(),
		clock:     testutil.NewFakeClock(1_700_000_000),
		funding:   projection.NewFundingHistoryProjection(8),
		authority: uuid.New(),
		alice:     uuid.New(),
	}
	eng := core.NewEngine(f.st, nil, f.clock, core.Options{})
	f.proc = core.NewProcessor(eng, nil, 4, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	f.qs = query.NewQueryService(f.proc, f.st, nil, f.funding, f.clock)

	f.do(t, func(ctx context.Context, e *core.Engine) error {
		if _, err := e.Initialize(ctx, f.authority, "USDC"); err != nil {
			return err
		}
		if err := e.SetPrice(ctx, f.authority, 100*usd); err != nil {
			return err
		}
		_, err := e.Deposit(ctx, f.alice, 1_000*usd)
		return err
	})
	return f
}

func (f *fixture) do(t *testing.T, op core.Op) {
	t.Helper()
	require.NoError(t, f.proc.Do(f.ctx, "", op))
}

func (f *fixture) open(t *testing.T, dir state.Direction, size, leverage uint64) uint64 {
	t.Helper()
	var id uint64
	f.do(t, func(ctx context.Context, e *core.Engine) error {
		pos, err := e.OpenPosition(ctx, f.alice, core.OpenParams{Direction: dir, Size: size, Leverage: leverage})
		if err != nil {
			return err
		}
		id = pos.PositionID
		return nil
	})
	return id
}

func TestQuery_VaultAndProtocol(t *testing.T) {
	f := newFixture(t)
	f.open(t, state.DirectionLong, unit, 5)

	vault, err := f.qs.GetVault(f.ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, "USDC", vault.Asset)
	assert.Equal(t, "1000.000000", vault.Deposited)
	assert.Equal(t, "20.000000", vault.Locked)
	assert.Equal(t, "980.000000", vault.Available)
	assert.Equal(t, int64(4), vault.AsOfSequence)

	empty, err := f.qs.GetVault(f.ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "0.000000", empty.Deposited)

	proto, err := f.qs.GetProtocol(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", proto.TotalLongOI)
	assert.Equal(t, "0.000000", proto.TotalShortOI)
	assert.Equal(t, "0.000000", proto.CumulativeFundingRateLong)
	assert.Equal(t, f.authority, proto.Authority)
	assert.False(t, proto.IsPaused)
}

func TestQuery_PositionHealthAndStaleness(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, state.DirectionLong, unit, 5)

	pos, err := f.qs.GetPosition(f.ctx, f.alice, id)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen)
	assert.Equal(t, "long", pos.Direction)
	assert.Equal(t, "1.000000000", pos.Size)
	require.NotNil(t, pos.Health)
	assert.Equal(t, "100.000000", pos.Health.MarkPrice)
	assert.Equal(t, "0.000000", pos.Health.UnrealizedPnL)
	assert.Equal(t, "Healthy", pos.Health.Status)

	f.clock.Advance(31 * time.Second)

	pos, err = f.qs.GetPosition(f.ctx, f.alice, id)
	require.NoError(t, err)
	assert.Nil(t, pos.Health)
	assert.Equal(t, "oracle_stale", pos.HealthUnavailable)

	oracle, err := f.qs.GetOracle(f.ctx)
	require.NoError(t, err)
	assert.True(t, oracle.Stale)
	assert.Equal(t, int64(31), oracle.AgeSeconds)

	_, err = f.qs.GetPosition(f.ctx, f.alice, 999)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestQuery_PositionsOpenOnly(t *testing.T) {
	f := newFixture(t)
	first := f.open(t, state.DirectionLong, unit, 5)
	second := f.open(t, state.DirectionShort, unit, 10)
	f.do(t, func(ctx context.Context, e *core.Engine) error {
		_, err := e.ClosePosition(ctx, f.alice, first)
		return err
	})

	all, err := f.qs.GetPositions(f.ctx, f.alice, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].PositionID)
	assert.Equal(t, "closed", all[0].CloseReason)
	assert.Equal(t, "0.000000", all[0].RealizedPnL)

	open, err := f.qs.GetPositions(f.ctx, f.alice, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second, open[0].PositionID)

	none, err := f.qs.GetPositions(f.ctx, uuid.New(), false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQuery_FundingHistoryFromMemory(t *testing.T) {
	f := newFixture(t)
	at := time.Unix(1_700_003_600, 0).UTC()
	for seq := int64(1); seq <= 3; seq++ {
		f.funding.Add(projection.FundingRecord{
			Sequence:        seq * 10,
			Rate:            1_500,
			Elapsed:         3600,
			LongOI:          100 * usd,
			MarkPrice:       100 * usd,
			CumulativeLong:  "4500",
			CumulativeShort: "-4500",
			AppliedAt:       at,
		})
	}

	history, err := f.qs.GetFundingHistory(f.ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(30), history[0].Sequence)
	assert.Equal(t, "0.001500", history[0].FundingRate)
	assert.Equal(t, "0.004500", history[0].CumulativeLong)
	assert.Equal(t, "-0.004500", history[0].CumulativeShort)
	assert.Equal(t, "100.000000", history[0].LongOI)

	older, err := f.qs.GetFundingHistory(f.ctx, 10, 20)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, int64(10), older[0].Sequence)

	_, err = f.qs.GetPositionHistory(f.ctx, f.alice, 10)
	assert.ErrorIs(t, err, query.ErrHistoryUnavailable)
}

func TestQuery_VerifyIntegrity(t *testing.T) {
	f := newFixture(t)
	f.open(t, state.DirectionLong, unit, 5)
	f.open(t, state.DirectionShort, 2*unit, 10)

	report, err := f.qs.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, report.Violations)
	assert.Equal(t, int64(5), report.AsOfSequence)

	// locked margin that no open position accounts for
	require.NoError(t, f.st.Commit(f.ctx, &store.ChangeSet{
		Vaults: []*state.CollateralVault{{Owner: f.alice, DepositedAmount: 1_000 * usd, LockedMargin: 500 * usd}},
	}))

	report, err = f.qs.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	require.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0], f.alice.String())
}
