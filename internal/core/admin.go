package core

import (
	"MiniPerps/internal/event"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Initialize creates the protocol singleton with default risk parameters
// and an empty oracle written by authority.
func (e *Engine) Initialize(ctx context.Context, authority uuid.UUID, collateralAsset string) (proto *state.Protocol, err error) {
	t := e.begin(opInitialize, authority)
	defer func() { e.end(t, err) }()

	if authority == uuid.Nil {
		return nil, fmt.Errorf("authority: %w", perrors.ErrInvalidParameter)
	}
	collateralAsset = strings.TrimSpace(collateralAsset)
	if collateralAsset == "" {
		return nil, fmt.Errorf("collateral asset: %w", perrors.ErrInvalidParameter)
	}

	_, err = e.store.GetProtocol(ctx)
	switch {
	case err == nil:
		return nil, perrors.ErrAlreadyInitialized
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load protocol: %w", err)
	}

	now := e.now()
	proto = state.NewProtocol(authority, collateralAsset, e.treasury, now)
	cs := &store.ChangeSet{
		Protocol: proto,
		Oracle:   &state.PriceOracle{Authority: authority},
	}

	evt := &event.ProtocolInitialized{
		Authority:            authority,
		CollateralAsset:      collateralAsset,
		MaxLeverage:          proto.MaxLeverage,
		MaintenanceMarginBps: proto.MaintenanceMarginBps,
		LiquidationFeeBps:    proto.LiquidationFeeBps,
	}
	if _, err = e.commit(ctx, cs, evt); err != nil {
		return nil, err
	}
	return proto.Clone(), nil
}

// SetPrice records a new oracle sample. Only the oracle authority may call it.
func (e *Engine) SetPrice(ctx context.Context, caller uuid.UUID, price uint64) (err error) {
	t := e.begin(opSetPrice, caller)
	defer func() { e.end(t, err) }()

	oracle, err := e.loadOracle(ctx)
	if err != nil {
		return err
	}
	if caller == uuid.Nil || caller != oracle.Authority {
		return perrors.ErrUnauthorized
	}

	now := e.now()
	if err = oracle.SetPrice(price, now); err != nil {
		return fmt.Errorf("price: %w", err)
	}

	_, err = e.commit(ctx, &store.ChangeSet{Oracle: oracle}, &event.PriceSet{
		Price:     price,
		Timestamp: now,
	})
	return err
}

// SetPaused toggles whether new positions may be opened. Closing,
// liquidation and funding are unaffected.
func (e *Engine) SetPaused(ctx context.Context, caller uuid.UUID, paused bool) (err error) {
	t := e.begin(opSetPaused, caller)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return err
	}
	if !proto.IsAuthority(caller) {
		return perrors.ErrUnauthorized
	}

	proto.IsPaused = paused
	_, err = e.commit(ctx, &store.ChangeSet{Protocol: proto}, &event.PauseChanged{Paused: paused})
	return err
}

// UpdateRiskParams replaces the margin requirements. Open positions keep
// their locked margin; the new maintenance ratio applies to them at once.
func (e *Engine) UpdateRiskParams(ctx context.Context, caller uuid.UUID, params state.RiskParams) (err error) {
	t := e.begin(opUpdateRiskParams, caller)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return err
	}
	if !proto.IsAuthority(caller) {
		return perrors.ErrUnauthorized
	}
	if err = state.ValidateRiskParams(params); err != nil {
		return err
	}

	proto.SetRiskParams(params)
	_, err = e.commit(ctx, &store.ChangeSet{Protocol: proto}, &event.RiskParamsUpdated{
		MaxLeverage:          params.MaxLeverage,
		MaintenanceMarginBps: params.MaintenanceMarginBps,
		LiquidationFeeBps:    params.LiquidationFeeBps,
	})
	return err
}

// Protocol returns the protocol singleton.
func (e *Engine) Protocol(ctx context.Context) (*state.Protocol, error) {
	return e.loadProtocol(ctx)
}

// Oracle returns the latest oracle sample without checking freshness.
func (e *Engine) Oracle(ctx context.Context) (*state.PriceOracle, error) {
	return e.loadOracle(ctx)
}
