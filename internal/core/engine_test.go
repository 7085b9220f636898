package core_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/custody"
	"MiniPerps/internal/event"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"MiniPerps/internal/testutil"
	"context"
	"errors"
	stdmath "math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usd      = uint64(1_000_000)     // quote and price scale
	unit     = uint64(1_000_000_000) // size scale
	genesis  = int64(1_700_000_000)
	bankSeed = 1_000_000 * usd
)

// flakyStore fails Commit on demand.
type flakyStore struct {
	*store.MemoryStore
	fail error
}

func (s *flakyStore) Commit(ctx context.Context, cs *store.ChangeSet) error {
	if s.fail != nil {
		return s.fail
	}
	return s.MemoryStore.Commit(ctx, cs)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *testutil.FakeClock
	store     *flakyStore
	bank      *custody.MemoryBank
	engine    *core.Engine
	outputs   chan core.CoreOutput
	authority uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     testutil.NewFakeClock(genesis),
		store:     &flakyStore{MemoryStore: store.NewMemoryStore()},
		bank:      custody.NewMemoryBank(bankSeed, core.DefaultTreasury),
		outputs:   make(chan core.CoreOutput, 4096),
		authority: uuid.New(),
	}
	h.engine = core.NewEngine(h.store, h.bank, h.clock, core.Options{PersistChan: h.outputs})

	_, err := h.engine.Initialize(h.ctx, h.authority, "USDC")
	require.NoError(t, err)
	h.setPrice(100 * usd)
	return h
}

func (h *harness) setPrice(price uint64) {
	h.t.Helper()
	require.NoError(h.t, h.engine.SetPrice(h.ctx, h.authority, price))
}

func (h *harness) deposit(owner uuid.UUID, amount uint64) {
	h.t.Helper()
	_, err := h.engine.Deposit(h.ctx, owner, amount)
	require.NoError(h.t, err)
}

func (h *harness) open(owner uuid.UUID, dir state.Direction, size, leverage uint64) *state.Position {
	h.t.Helper()
	pos, err := h.engine.OpenPosition(h.ctx, owner, core.OpenParams{Direction: dir, Size: size, Leverage: leverage})
	require.NoError(h.t, err)
	return pos
}

func (h *harness) vault(owner uuid.UUID) *state.CollateralVault {
	h.t.Helper()
	v, err := h.engine.Vault(h.ctx, owner)
	require.NoError(h.t, err)
	return v
}

func (h *harness) protocol() *state.Protocol {
	h.t.Helper()
	p, err := h.engine.Protocol(h.ctx)
	require.NoError(h.t, err)
	return p
}

func (h *harness) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.outputs:
			out = append(out, o)
		default:
			return out
		}
	}
}

// --- Initialization and admin ---

func TestEngine_RequiresInitialization(t *testing.T) {
	eng := core.NewEngine(store.NewMemoryStore(), nil, testutil.NewFakeClock(genesis), core.Options{})
	ctx := context.Background()

	_, err := eng.Deposit(ctx, uuid.New(), usd)
	assert.ErrorIs(t, err, perrors.ErrNotInitialized)
	assert.ErrorIs(t, eng.SetPrice(ctx, uuid.New(), usd), perrors.ErrNotInitialized)
	_, err = eng.ApplyFunding(ctx)
	assert.ErrorIs(t, err, perrors.ErrNotInitialized)

	_, err = eng.Initialize(ctx, uuid.Nil, "USDC")
	assert.ErrorIs(t, err, perrors.ErrInvalidParameter)
	_, err = eng.Initialize(ctx, uuid.New(), " ")
	assert.ErrorIs(t, err, perrors.ErrInvalidParameter)
}

func TestEngine_Initialize(t *testing.T) {
	h := newHarness(t)

	p := h.protocol()
	assert.Equal(t, h.authority, p.Authority)
	assert.Equal(t, "USDC", p.CollateralAsset)
	assert.Equal(t, core.DefaultTreasury, p.Treasury)
	assert.Equal(t, state.DefaultRiskParams(), p.RiskParams())
	assert.Equal(t, genesis, p.LastFundingTime)
	assert.Equal(t, uint64(0), p.NextPositionID)
	assert.True(t, p.FundingMirrored())

	_, err := h.engine.Initialize(h.ctx, uuid.New(), "USDC")
	assert.ErrorIs(t, err, perrors.ErrAlreadyInitialized)
}

func TestEngine_SetPrice(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.SetPrice(h.ctx, uuid.New(), 5*usd), perrors.ErrUnauthorized)
	assert.ErrorIs(t, h.engine.SetPrice(h.ctx, h.authority, 0), perrors.ErrInvalidParameter)

	h.clock.Advance(7 * time.Second)
	h.setPrice(123 * usd)
	o, err := h.engine.Oracle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 123*usd, o.Price)
	assert.Equal(t, genesis+7, o.Timestamp)
}

func TestEngine_PauseBlocksOpenOnly(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionLong, unit, 10)

	assert.ErrorIs(t, h.engine.SetPaused(h.ctx, alice, true), perrors.ErrUnauthorized)
	require.NoError(t, h.engine.SetPaused(h.ctx, h.authority, true))

	_, err := h.engine.OpenPosition(h.ctx, alice, core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10})
	assert.ErrorIs(t, err, perrors.ErrProtocolPaused)

	_, err = h.engine.ClosePosition(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)
	_, err = h.engine.Withdraw(h.ctx, alice, 10*usd)
	require.NoError(t, err)

	require.NoError(t, h.engine.SetPaused(h.ctx, h.authority, false))
	h.open(alice, state.DirectionShort, unit, 10)
}

func TestEngine_UpdateRiskParams(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)

	bad := state.RiskParams{MaxLeverage: 101, MaintenanceMarginBps: 500, LiquidationFeeBps: 50}
	assert.ErrorIs(t, h.engine.UpdateRiskParams(h.ctx, h.authority, bad), perrors.ErrMaxLeverageExceeded)

	tight := state.RiskParams{MaxLeverage: 5, MaintenanceMarginBps: 1_000, LiquidationFeeBps: 100}
	assert.ErrorIs(t, h.engine.UpdateRiskParams(h.ctx, alice, tight), perrors.ErrUnauthorized)
	require.NoError(t, h.engine.UpdateRiskParams(h.ctx, h.authority, tight))
	assert.Equal(t, tight, h.protocol().RiskParams())

	_, err := h.engine.OpenPosition(h.ctx, alice, core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10})
	assert.ErrorIs(t, err, perrors.ErrInvalidLeverage)
	h.open(alice, state.DirectionLong, unit, 5)
}

// --- Collateral ---

func TestEngine_DepositWithdraw(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	v, err := h.engine.Deposit(h.ctx, alice, 250*usd)
	require.NoError(t, err)
	assert.Equal(t, 250*usd, v.DepositedAmount)
	assert.Equal(t, 250*usd, h.bank.Balance(core.DefaultTreasury))
	assert.Equal(t, bankSeed-250*usd, h.bank.Balance(alice.String()))

	_, err = h.engine.Deposit(h.ctx, alice, 0)
	assert.ErrorIs(t, err, perrors.ErrZeroAmount)

	v, err = h.engine.Withdraw(h.ctx, alice, 50*usd)
	require.NoError(t, err)
	assert.Equal(t, 200*usd, v.DepositedAmount)
	assert.Equal(t, 200*usd, h.bank.Balance(core.DefaultTreasury))
}

func TestEngine_WithdrawWithoutVault(t *testing.T) {
	h := newHarness(t)
	stranger := uuid.New()

	_, err := h.engine.Withdraw(h.ctx, stranger, 0)
	assert.ErrorIs(t, err, perrors.ErrZeroAmount)
	_, err = h.engine.Withdraw(h.ctx, stranger, 1)
	assert.ErrorIs(t, err, perrors.ErrInsufficientBalance)
}

func TestEngine_OverWithdrawScenario(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100*usd)
	h.open(alice, state.DirectionLong, unit, 10) // locks 10 USD

	_, err := h.engine.Withdraw(h.ctx, alice, 95*usd)
	assert.ErrorIs(t, err, perrors.ErrInsufficientBalance)

	v, err := h.engine.Withdraw(h.ctx, alice, 90*usd)
	require.NoError(t, err)
	assert.Equal(t, 10*usd, v.DepositedAmount)
	assert.Equal(t, 10*usd, v.LockedMargin)
}

func TestEngine_CustodyFailureLeavesVaultUntouched(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	_, err := h.engine.Deposit(h.ctx, alice, bankSeed+1)
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)
	assert.Equal(t, uint64(0), h.vault(alice).DepositedAmount)
}

func TestEngine_CommitFailureReversesCustody(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100*usd)
	h.drain()

	diskFull := errors.New("disk full")
	h.store.fail = diskFull

	_, err := h.engine.Deposit(h.ctx, alice, 10*usd)
	assert.ErrorIs(t, err, diskFull)
	_, err = h.engine.Withdraw(h.ctx, alice, 10*usd)
	assert.ErrorIs(t, err, diskFull)

	assert.Equal(t, bankSeed-100*usd, h.bank.Balance(alice.String()))
	assert.Equal(t, 100*usd, h.bank.Balance(core.DefaultTreasury))
	assert.Empty(t, h.drain())

	h.store.fail = nil
	assert.Equal(t, 100*usd, h.vault(alice).DepositedAmount)
}

// --- Positions ---

func TestEngine_DepositOpenScenario(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)

	pos := h.open(alice, state.DirectionLong, unit, 10)
	assert.Equal(t, uint64(0), pos.PositionID)
	assert.Equal(t, 100*usd, pos.EntryPrice)
	assert.Equal(t, 10*usd, pos.Margin)
	assert.Equal(t, genesis, pos.LastFundingTime)
	assert.True(t, pos.IsOpen)

	v := h.vault(alice)
	assert.Equal(t, 1_000*usd, v.DepositedAmount)
	assert.Equal(t, 10*usd, v.LockedMargin)

	p := h.protocol()
	assert.Equal(t, 100*usd, p.TotalLongOI)
	assert.Equal(t, uint64(0), p.TotalShortOI)
	assert.Equal(t, uint64(1), p.NextPositionID)

	second := h.open(alice, state.DirectionShort, 2*unit, 20)
	assert.Equal(t, uint64(1), second.PositionID)
	assert.Equal(t, 200*usd, h.protocol().TotalShortOI)
}

func TestEngine_OpenValidation(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 5*usd)

	tests := []struct {
		name   string
		params core.OpenParams
		want   error
	}{
		{"zero size", core.OpenParams{Direction: state.DirectionLong, Size: 0, Leverage: 10}, perrors.ErrZeroSize},
		{"zero leverage", core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 0}, perrors.ErrInvalidLeverage},
		{"above max leverage", core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 51}, perrors.ErrInvalidLeverage},
		{"bad direction", core.OpenParams{Direction: state.Direction(7), Size: unit, Leverage: 10}, perrors.ErrInvalidParameter},
		{"margin above available", core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10}, perrors.ErrInsufficientMargin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.OpenPosition(h.ctx, alice, tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := h.engine.OpenPosition(h.ctx, uuid.New(), core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10})
	assert.ErrorIs(t, err, perrors.ErrInsufficientMargin, "no vault means nothing available")
}

func TestEngine_OpenRejectsStaleOracle(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)

	h.clock.Advance(time.Duration(fpmath.MaxOracleStaleness) * time.Second)
	h.open(alice, state.DirectionLong, unit, 10)

	h.clock.Advance(time.Second)
	_, err := h.engine.OpenPosition(h.ctx, alice, core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10})
	assert.ErrorIs(t, err, perrors.ErrOracleStale)
}

func TestEngine_OracleNeverSet(t *testing.T) {
	eng := core.NewEngine(store.NewMemoryStore(), nil, testutil.NewFakeClock(genesis), core.Options{})
	ctx := context.Background()
	owner := uuid.New()
	_, err := eng.Initialize(ctx, uuid.New(), "USDC")
	require.NoError(t, err)
	_, err = eng.Deposit(ctx, owner, 100*usd)
	require.NoError(t, err)

	_, err = eng.OpenPosition(ctx, owner, core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 10})
	assert.ErrorIs(t, err, perrors.ErrOracleStale)
}

func TestEngine_ClosePosition(t *testing.T) {
	tests := []struct {
		name        string
		dir         state.Direction
		exit        uint64
		pnl         int64
		settled     int64
		wantBalance uint64
	}{
		{"long profit", state.DirectionLong, 110 * usd, 10_000_000, 10_000_000, 1_010 * usd},
		{"long small loss", state.DirectionLong, 95 * usd, -5_000_000, -5_000_000, 995 * usd},
		{"long loss clamped to margin", state.DirectionLong, 50 * usd, -50_000_000, -10_000_000, 990 * usd},
		{"short profit", state.DirectionShort, 80 * usd, 20_000_000, 20_000_000, 1_020 * usd},
		{"short loss", state.DirectionShort, 104 * usd, -4_000_000, -4_000_000, 996 * usd},
		{"flat", state.DirectionShort, 100 * usd, 0, 0, 1_000 * usd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			alice := uuid.New()
			h.deposit(alice, 1_000*usd)
			pos := h.open(alice, tt.dir, unit, 10)

			h.clock.Advance(10 * time.Second)
			h.setPrice(tt.exit)
			s, err := h.engine.ClosePosition(h.ctx, alice, pos.PositionID)
			require.NoError(t, err)

			assert.Equal(t, tt.pnl, s.PnL)
			assert.Equal(t, tt.settled, s.Settled)
			assert.Equal(t, tt.wantBalance, s.Vault.DepositedAmount)
			assert.Equal(t, uint64(0), s.Vault.LockedMargin)

			assert.False(t, s.Position.IsOpen)
			assert.Equal(t, state.CloseReasonClosed, s.Position.CloseReason)
			assert.Equal(t, tt.exit, s.Position.ClosePrice)
			assert.Equal(t, tt.pnl, s.Position.RealizedPnL)
			assert.Equal(t, genesis+10, s.Position.ClosedAt)

			p := h.protocol()
			assert.Equal(t, uint64(0), p.TotalLongOI)
			assert.Equal(t, uint64(0), p.TotalShortOI)

			_, err = h.engine.ClosePosition(h.ctx, alice, pos.PositionID)
			assert.ErrorIs(t, err, perrors.ErrPositionNotOpen)
		})
	}
}

func TestEngine_CloseUnknownPosition(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionLong, unit, 10)

	_, err := h.engine.ClosePosition(h.ctx, alice, 99)
	assert.ErrorIs(t, err, perrors.ErrPositionNotOpen)
	_, err = h.engine.ClosePosition(h.ctx, bob, pos.PositionID)
	assert.ErrorIs(t, err, perrors.ErrPositionNotOpen, "positions are addressed by owner")

	_, err = h.engine.Position(h.ctx, bob, pos.PositionID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

// --- Liquidation ---

func TestEngine_LiquidationGating(t *testing.T) {
	// long 1 unit at 100, 10x: ratio = (P - 90) * 1e4 / P
	const (
		atMaintenance    = uint64(94_736_843) // ratio 500
		belowMaintenance = uint64(94_736_842) // ratio 499
	)

	h := newHarness(t)
	alice, keeper := uuid.New(), uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionLong, unit, 10)

	h.setPrice(atMaintenance)
	health, err := h.engine.PositionHealth(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), health.MarginRatioBps)
	assert.Equal(t, state.MarginStatusAtRisk, health.Status)

	_, err = h.engine.Liquidate(h.ctx, keeper, alice, pos.PositionID)
	assert.ErrorIs(t, err, perrors.ErrPositionNotLiquidatable)

	h.setPrice(belowMaintenance)
	s, err := h.engine.Liquidate(h.ctx, keeper, alice, pos.PositionID)
	require.NoError(t, err)

	assert.Equal(t, uint64(499), s.MarginRatioBps)
	assert.Equal(t, int64(-5_263_158), s.PnL)
	assert.Equal(t, uint64(50_000), s.Fee)
	assert.Equal(t, uint64(4_686_842), s.Remaining)
	assert.Equal(t, int64(-5_313_158), s.Settled)
	assert.Equal(t, state.CloseReasonLiquidated, s.Position.CloseReason)

	owner := h.vault(alice)
	assert.Equal(t, uint64(994_686_842), owner.DepositedAmount)
	assert.Equal(t, uint64(0), owner.LockedMargin)
	assert.Equal(t, uint64(50_000), h.vault(keeper).DepositedAmount)
	assert.Equal(t, uint64(0), h.protocol().TotalLongOI)

	_, err = h.engine.Liquidate(h.ctx, keeper, alice, pos.PositionID)
	assert.ErrorIs(t, err, perrors.ErrPositionNotOpen)
}

func TestEngine_LiquidationWipesOutMargin(t *testing.T) {
	h := newHarness(t)
	alice, keeper := uuid.New(), uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionShort, unit, 10)

	h.setPrice(150 * usd)
	s, err := h.engine.Liquidate(h.ctx, keeper, alice, pos.PositionID)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), s.Remaining)
	assert.Equal(t, uint64(0), s.MarginRatioBps)
	assert.Equal(t, 990*usd, h.vault(alice).DepositedAmount)
	assert.Equal(t, uint64(50_000), h.vault(keeper).DepositedAmount)
}

func TestEngine_SelfLiquidation(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionLong, unit, 10)

	h.setPrice(92 * usd)
	s, err := h.engine.Liquidate(h.ctx, alice, alice, pos.PositionID)
	require.NoError(t, err)

	// margin 10, pnl -8, fee 0.05: remaining 1.95, then the fee comes back
	assert.Equal(t, uint64(1_950_000), s.Remaining)
	assert.Equal(t, uint64(992_000_000), h.vault(alice).DepositedAmount)
}

func TestEngine_LiquidateRejectsNilLiquidator(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Liquidate(h.ctx, uuid.Nil, uuid.New(), 0)
	assert.ErrorIs(t, err, perrors.ErrInvalidParameter)
}

// --- Funding ---

func TestEngine_EarlyFunding(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1_000*usd)
	h.deposit(bob, 1_000*usd)
	h.open(alice, state.DirectionLong, 3*unit, 10)
	h.open(bob, state.DirectionShort, unit, 10)

	h.clock.Advance(time.Duration(fpmath.FundingInterval) * time.Second)
	h.setPrice(100 * usd)
	_, err := h.engine.ApplyFunding(h.ctx)
	require.NoError(t, err)
	before := h.protocol()
	require.Equal(t, "500000", before.CumulativeFundingRateLong.String())

	h.clock.Advance(time.Duration(fpmath.FundingInterval-1) * time.Second)
	h.setPrice(100 * usd)
	seq := h.engine.Sequence()
	_, err = h.engine.ApplyFunding(h.ctx)
	assert.ErrorIs(t, err, perrors.ErrFundingIntervalNotElapsed)

	after := h.protocol()
	assert.Equal(t, before.CumulativeFundingRateLong, after.CumulativeFundingRateLong)
	assert.Equal(t, before.CumulativeFundingRateShort, after.CumulativeFundingRateShort)
	assert.Equal(t, before.LastFundingTime, after.LastFundingTime)
	assert.Equal(t, before.LastFundingRate, after.LastFundingRate)
	assert.Equal(t, seq, h.engine.Sequence())
}

func TestEngine_ApplyFunding(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1_000*usd)
	h.deposit(bob, 1_000*usd)
	h.open(alice, state.DirectionLong, 3*unit, 10) // 300 long
	h.open(bob, state.DirectionShort, unit, 10)    // 100 short

	h.clock.Advance(time.Duration(fpmath.FundingInterval) * time.Second)
	_, err := h.engine.ApplyFunding(h.ctx)
	assert.ErrorIs(t, err, perrors.ErrOracleStale)

	h.setPrice(100 * usd)
	res, err := h.engine.ApplyFunding(h.ctx)
	require.NoError(t, err)

	// (300-100)/400
	assert.Equal(t, int64(500_000), res.Rate)
	assert.Equal(t, fpmath.FundingInterval, res.Elapsed)
	assert.Equal(t, "500000", res.CumulativeLong.String())
	assert.Equal(t, "-500000", res.CumulativeShort.String())

	p := h.protocol()
	assert.True(t, p.FundingMirrored())
	assert.Equal(t, int64(500_000), p.LastFundingRate)
	assert.Equal(t, genesis+fpmath.FundingInterval, p.LastFundingTime)

	_, err = h.engine.ApplyFunding(h.ctx)
	assert.ErrorIs(t, err, perrors.ErrFundingIntervalNotElapsed)
}

func TestEngine_FundingWithNoOpenInterest(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(2 * time.Duration(fpmath.FundingInterval) * time.Second)
	h.setPrice(100 * usd)

	res, err := h.engine.ApplyFunding(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rate)
	assert.Equal(t, 2*fpmath.FundingInterval, res.Elapsed)
}

func TestEngine_AccrueFunding(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionLong, unit, 10)

	// nothing applied yet
	h.clock.Advance(time.Duration(fpmath.FundingInterval) * time.Second)
	h.setPrice(100 * usd)
	accrued, err := h.engine.AccrueFunding(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), accrued.CumulativeFunding)

	res, err := h.engine.ApplyFunding(h.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(fpmath.FundingRatePrecision), res.Rate, "only longs open")

	h.clock.Advance(1800 * time.Second)
	accrued, err = h.engine.AccrueFunding(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)
	// size * rate * 1800 / (3600 * 1e6)
	assert.Equal(t, int64(500_000_000), accrued.CumulativeFunding)
	assert.Equal(t, genesis+fpmath.FundingInterval+1800, accrued.LastFundingTime)

	// vault balances are untouched by accrual
	assert.Equal(t, 1_000*usd, h.vault(alice).DepositedAmount)

	h.clock.Advance(1800 * time.Second)
	h.setPrice(100 * usd)
	s, err := h.engine.ClosePosition(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), s.Position.CumulativeFunding)
	assert.Equal(t, 1_000*usd, s.Vault.DepositedAmount)
}

func TestEngine_FundingAccrualSaturates(t *testing.T) {
	h := newHarness(t)
	const cheap = 10_000 // 0.01
	alice, bob, keeper := uuid.New(), uuid.New(), uuid.New()
	h.deposit(alice, 600_000*usd)
	h.deposit(bob, 600_000*usd)
	h.setPrice(cheap)
	long := h.open(alice, state.DirectionLong, 1_000_000_000*unit, 20)
	risky := h.open(bob, state.DirectionLong, 1_000_000_000*unit, 20)

	h.clock.Advance(time.Duration(fpmath.FundingInterval) * time.Second)
	h.setPrice(cheap)
	res, err := h.engine.ApplyFunding(h.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(fpmath.FundingRatePrecision), res.Rate)

	// 1e18 * 1e6 * 39600 / 3.6e9 does not fit in int64
	h.clock.Advance(10 * time.Hour)
	h.setPrice(cheap)

	health, err := h.engine.PositionHealth(h.ctx, alice, long.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(stdmath.MaxInt64), health.PendingFunding)

	accrued, err := h.engine.AccrueFunding(h.ctx, alice, long.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(stdmath.MaxInt64), accrued.CumulativeFunding)

	h.clock.Advance(time.Hour)
	h.setPrice(cheap)
	s, err := h.engine.ClosePosition(h.ctx, alice, long.PositionID)
	require.NoError(t, err)
	assert.False(t, s.Position.IsOpen)
	assert.Equal(t, int64(stdmath.MaxInt64), s.Position.CumulativeFunding)
	assert.Equal(t, uint64(0), s.Vault.LockedMargin)
	assert.Equal(t, 600_000*usd, s.Vault.DepositedAmount)

	// 1% drop: ratio ~404 bps
	h.setPrice(9_900)
	liq, err := h.engine.Liquidate(h.ctx, keeper, bob, risky.PositionID)
	require.NoError(t, err)
	assert.False(t, liq.Position.IsOpen)
	assert.Equal(t, uint64(0), h.vault(bob).LockedMargin)
}

// --- Cross-cutting ---

func TestEngine_FailureIsIdempotent(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100*usd)
	h.open(alice, state.DirectionLong, unit, 10)
	h.drain()

	before := snapshot(t, h, alice)
	seq := h.engine.Sequence()

	for i := 0; i < 3; i++ {
		_, err := h.engine.Withdraw(h.ctx, alice, 91*usd)
		assert.ErrorIs(t, err, perrors.ErrInsufficientBalance)
		_, err = h.engine.OpenPosition(h.ctx, alice, core.OpenParams{Direction: state.DirectionLong, Size: 10 * unit, Leverage: 10})
		assert.ErrorIs(t, err, perrors.ErrInsufficientMargin)
		_, err = h.engine.Liquidate(h.ctx, uuid.New(), alice, 0)
		assert.ErrorIs(t, err, perrors.ErrPositionNotLiquidatable)
	}

	assert.Equal(t, before, snapshot(t, h, alice))
	assert.Equal(t, seq, h.engine.Sequence())
	assert.Empty(t, h.drain())
}

func snapshot(t *testing.T, h *harness, owner uuid.UUID) []byte {
	t.Helper()
	cs := &store.ChangeSet{Protocol: h.protocol(), Oracle: mustOracle(t, h)}
	cs.PutVault(h.vault(owner))
	positions, err := h.store.OwnerPositions(h.ctx, owner)
	require.NoError(t, err)
	for _, p := range positions {
		cs.PutPosition(p)
	}
	return cs.CanonicalBytes()
}

func mustOracle(t *testing.T, h *harness) *state.PriceOracle {
	t.Helper()
	o, err := h.engine.Oracle(h.ctx)
	require.NoError(t, err)
	return o
}

func TestEngine_EnvelopesFormHashChain(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1_000*usd)
	pos := h.open(alice, state.DirectionShort, unit, 5)
	_, err := h.engine.ClosePosition(h.ctx, alice, pos.PositionID)
	require.NoError(t, err)

	outputs := h.drain()
	require.Len(t, outputs, 5)

	wantTypes := []event.EventType{
		event.EventTypeProtocolInitialized,
		event.EventTypePriceSet,
		event.EventTypeCollateralDeposited,
		event.EventTypePositionOpened,
		event.EventTypePositionClosed,
	}
	prev := core.GenesisHash()
	for i, out := range outputs {
		env := out.Envelope
		assert.Equal(t, int64(i+1), env.Sequence)
		assert.Equal(t, wantTypes[i], env.EventType)
		assert.Equal(t, prev, env.PrevHash)
		assert.Equal(t, core.ChainHash(prev, env.Sequence, out.StateDelta), env.StateHash)
		assert.Equal(t, out.Records.CanonicalBytes(), out.StateDelta)

		decoded, err := event.Decode(env.EventType, env.Payload)
		require.NoError(t, err)
		assert.Equal(t, env.Event, decoded)
		prev = env.StateHash
	}
	assert.Equal(t, prev, h.engine.StateHash())
	assert.Equal(t, alice, outputs[4].Envelope.Owner)
}

func TestEngine_ResumesChain(t *testing.T) {
	tip := [32]byte{1, 2, 3}
	persist := make(chan core.CoreOutput, 4)
	eng := core.NewEngine(store.NewMemoryStore(), nil, testutil.NewFakeClock(genesis), core.Options{
		StartSequence: 41,
		PrevHash:      &tip,
		PersistChan:   persist,
	})
	_, err := eng.Initialize(context.Background(), uuid.New(), "USDC")
	require.NoError(t, err)

	out := <-persist
	assert.Equal(t, int64(42), out.Envelope.Sequence)
	assert.Equal(t, tip, out.Envelope.PrevHash)
}

func TestEngine_ProjectionDropsWhenFull(t *testing.T) {
	projection := make(chan core.CoreOutput) // unbuffered, never read
	eng := core.NewEngine(store.NewMemoryStore(), nil, testutil.NewFakeClock(genesis), core.Options{
		ProjectionChan: projection,
	})
	_, err := eng.Initialize(context.Background(), uuid.New(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.Sequence())
}
