package core

import (
	"MiniPerps/internal/event"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OpenParams describes a new position.
type OpenParams struct {
	Direction state.Direction
	Size      uint64 // size scale
	Leverage  uint64
}

// Settlement is the outcome of closing or liquidating a position.
type Settlement struct {
	Position *state.Position
	Vault    *state.CollateralVault

	PnL int64
	// Settled is the signed change to the owner's deposited amount.
	Settled        int64
	MarginRatioBps uint64

	// Liquidation only
	Fee       uint64
	Remaining uint64
}

// OpenPosition locks notional/leverage of the owner's collateral as margin
// against a new position entered at the oracle price.
func (e *Engine) OpenPosition(ctx context.Context, owner uuid.UUID, params OpenParams) (pos *state.Position, err error) {
	t := e.begin(opOpenPosition, owner)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	if proto.IsPaused {
		return nil, perrors.ErrProtocolPaused
	}
	if !params.Direction.Valid() {
		return nil, fmt.Errorf("direction: %w", perrors.ErrInvalidParameter)
	}
	if params.Size == 0 {
		return nil, perrors.ErrZeroSize
	}
	if params.Leverage == 0 || params.Leverage > proto.MaxLeverage {
		return nil, perrors.ErrInvalidLeverage
	}

	now := e.now()
	price, err := e.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}

	notional, err := fpmath.Notional(params.Size, price)
	if err != nil {
		return nil, err
	}
	requiredMargin := notional / params.Leverage

	vault, err := e.loadVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err = vault.Lock(requiredMargin); err != nil {
		return nil, err
	}

	id := proto.NextPositionID
	if proto.NextPositionID, err = fpmath.CheckedAdd(id, 1); err != nil {
		return nil, err
	}
	if err = proto.AddOpenInterest(params.Direction, notional); err != nil {
		return nil, err
	}
	t.position(id)

	pos = &state.Position{
		Owner:           owner,
		PositionID:      id,
		Direction:       params.Direction,
		Size:            params.Size,
		EntryPrice:      price,
		Leverage:        params.Leverage,
		Margin:          requiredMargin,
		LastFundingTime: now,
		IsOpen:          true,
		OpenedAt:        now,
	}

	cs := &store.ChangeSet{Protocol: proto}
	cs.PutVault(vault)
	cs.PutPosition(pos)
	_, err = e.commit(ctx, cs, &event.PositionOpened{
		Account:    owner,
		PositionID: id,
		Direction:  params.Direction.String(),
		Size:       params.Size,
		EntryPrice: price,
		Leverage:   params.Leverage,
		Margin:     requiredMargin,
		Notional:   notional,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PositionsOpened.WithLabelValues(params.Direction.String()).Inc()
	}
	return pos.Clone(), nil
}

// ClosePosition settles the owner's position at the oracle price. Profit
// is credited in full; a loss takes at most the position's margin.
func (e *Engine) ClosePosition(ctx context.Context, owner uuid.UUID, positionID uint64) (s *Settlement, err error) {
	t := e.begin(opClosePosition, owner).position(positionID)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadOpenPosition(ctx, state.PositionKey{Owner: owner, PositionID: positionID})
	if err != nil {
		return nil, err
	}

	now := e.now()
	price, err := e.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}

	pnl, err := fpmath.ComputePnL(pos.Direction.SideSign(), pos.Size, pos.EntryPrice, price)
	if err != nil {
		return nil, err
	}
	ratio, err := fpmath.ComputeMarginRatio(pos.Margin, pnl, pos.Size, price)
	if err != nil {
		return nil, err
	}

	vault, err := e.loadVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	before := vault.DepositedAmount
	if err = vault.Unlock(pos.Margin); err != nil {
		return nil, err
	}
	if pnl >= 0 {
		err = vault.Credit(uint64(pnl))
	} else {
		loss := fpmath.AbsInt64(pnl)
		if loss > pos.Margin {
			loss = pos.Margin
		}
		err = vault.Debit(loss)
	}
	if err != nil {
		return nil, err
	}

	if err = e.retire(proto, pos, state.CloseReasonClosed, price, pnl, now); err != nil {
		return nil, err
	}
	settled := signedDelta(before, vault.DepositedAmount)

	cs := &store.ChangeSet{Protocol: proto}
	cs.PutVault(vault)
	cs.PutPosition(pos)
	_, err = e.commit(ctx, cs, &event.PositionClosed{
		Account:           owner,
		PositionID:        positionID,
		Direction:         pos.Direction.String(),
		Size:              pos.Size,
		EntryPrice:        pos.EntryPrice,
		ExitPrice:         price,
		PnL:               pnl,
		Settled:           settled,
		MarginReleased:    pos.Margin,
		CumulativeFunding: pos.CumulativeFunding,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(pos.Direction.String(), string(state.CloseReasonClosed)).Inc()
	}

	return &Settlement{
		Position:       pos.Clone(),
		Vault:          vault.Clone(),
		PnL:            pnl,
		Settled:        settled,
		MarginRatioBps: ratio,
	}, nil
}

// Liquidate closes a position whose margin ratio is strictly below the
// maintenance requirement. The liquidator earns a fee out of the margin;
// whatever is left after losses and the fee stays with the owner.
func (e *Engine) Liquidate(ctx context.Context, liquidator, owner uuid.UUID, positionID uint64) (s *Settlement, err error) {
	t := e.begin(opLiquidate, owner).position(positionID)
	defer func() { e.end(t, err) }()

	if liquidator == uuid.Nil {
		return nil, fmt.Errorf("liquidator: %w", perrors.ErrInvalidParameter)
	}
	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadOpenPosition(ctx, state.PositionKey{Owner: owner, PositionID: positionID})
	if err != nil {
		return nil, err
	}

	now := e.now()
	price, err := e.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}

	pnl, err := fpmath.ComputePnL(pos.Direction.SideSign(), pos.Size, pos.EntryPrice, price)
	if err != nil {
		return nil, err
	}
	ratio, err := fpmath.ComputeMarginRatio(pos.Margin, pnl, pos.Size, price)
	if err != nil {
		return nil, err
	}
	if ratio >= proto.MaintenanceMarginBps {
		return nil, perrors.ErrPositionNotLiquidatable
	}

	fee, err := fpmath.BpsOf(pos.Margin, proto.LiquidationFeeBps)
	if err != nil {
		return nil, err
	}
	var effective uint64
	if pnl >= 0 {
		if effective, err = fpmath.CheckedAdd(pos.Margin, uint64(pnl)); err != nil {
			return nil, err
		}
	} else {
		effective = fpmath.SaturatingSub(pos.Margin, fpmath.AbsInt64(pnl))
	}
	remaining := fpmath.SaturatingSub(effective, fee)

	ownerVault, err := e.loadVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	before := ownerVault.DepositedAmount
	if err = ownerVault.Unlock(pos.Margin); err != nil {
		return nil, err
	}
	if remaining >= pos.Margin {
		err = ownerVault.Credit(remaining - pos.Margin)
	} else {
		err = ownerVault.Debit(pos.Margin - remaining)
	}
	if err != nil {
		return nil, err
	}
	settled := signedDelta(before, ownerVault.DepositedAmount)

	// Self-liquidation credits the fee to the same vault.
	liquidatorVault := ownerVault
	if liquidator != owner {
		if liquidatorVault, err = e.loadVault(ctx, liquidator); err != nil {
			return nil, err
		}
	}
	if err = liquidatorVault.Credit(fee); err != nil {
		return nil, err
	}

	if err = e.retire(proto, pos, state.CloseReasonLiquidated, price, pnl, now); err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{Protocol: proto}
	cs.PutVault(ownerVault)
	cs.PutVault(liquidatorVault)
	cs.PutPosition(pos)
	_, err = e.commit(ctx, cs, &event.PositionLiquidated{
		Account:           owner,
		PositionID:        positionID,
		Liquidator:        liquidator,
		Direction:         pos.Direction.String(),
		Size:              pos.Size,
		EntryPrice:        pos.EntryPrice,
		ExitPrice:         price,
		PnL:               pnl,
		MarginRatioBps:    ratio,
		Fee:               fee,
		Remaining:         remaining,
		Settled:           settled,
		CumulativeFunding: pos.CumulativeFunding,
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(pos.Direction.String(), string(state.CloseReasonLiquidated)).Inc()
		e.metrics.LiquidationFees.Add(float64(fee))
	}

	return &Settlement{
		Position:       pos.Clone(),
		Vault:          ownerVault.Clone(),
		PnL:            pnl,
		Settled:        settled,
		MarginRatioBps: ratio,
		Fee:            fee,
		Remaining:      remaining,
	}, nil
}

// retire books final funding, removes entry notional from open interest
// and marks pos closed.
func (e *Engine) retire(proto *state.Protocol, pos *state.Position, reason state.CloseReason, price uint64, pnl int64, now int64) error {
	if _, err := pos.AccrueFunding(proto.LastFundingRate, now); err != nil {
		return err
	}
	notional, err := pos.EntryNotional()
	if err != nil {
		return err
	}
	proto.RemoveOpenInterest(pos.Direction, notional)
	return pos.MarkClosed(reason, price, pnl, now)
}

// AccrueFunding books funding owed since the position's last accrual at
// the most recently applied rate. Accrued funding is tracked on the
// position only; vault balances are not touched.
func (e *Engine) AccrueFunding(ctx context.Context, owner uuid.UUID, positionID uint64) (pos *state.Position, err error) {
	t := e.begin(opAccrueFunding, owner).position(positionID)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	pos, err = e.loadOpenPosition(ctx, state.PositionKey{Owner: owner, PositionID: positionID})
	if err != nil {
		return nil, err
	}

	now := e.now()
	if now <= pos.LastFundingTime {
		return pos, nil
	}
	rate := proto.LastFundingRate
	payment, err := pos.AccrueFunding(rate, now)
	if err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{}
	cs.PutPosition(pos)
	_, err = e.commit(ctx, cs, &event.FundingAccrued{
		Account:           owner,
		PositionID:        positionID,
		Rate:              rate,
		Payment:           payment,
		CumulativeFunding: pos.CumulativeFunding,
	})
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// Position returns a position record, open or closed.
func (e *Engine) Position(ctx context.Context, owner uuid.UUID, positionID uint64) (*state.Position, error) {
	key := state.PositionKey{Owner: owner, PositionID: positionID}
	pos, err := e.store.GetPosition(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("position %s: %w", key, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", key, err)
	}
	return pos, nil
}

// PositionHealth marks an open position at the current oracle price.
func (e *Engine) PositionHealth(ctx context.Context, owner uuid.UUID, positionID uint64) (*state.PositionHealth, error) {
	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := e.loadOpenPosition(ctx, state.PositionKey{Owner: owner, PositionID: positionID})
	if err != nil {
		return nil, err
	}
	now := e.now()
	price, err := e.freshPrice(ctx, now)
	if err != nil {
		return nil, err
	}
	return state.ComputePositionHealth(pos, price, proto.MaintenanceMarginBps, proto.LastFundingRate, now)
}
