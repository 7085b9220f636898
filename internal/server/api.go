package server

import (
	"MiniPerps/internal/core"
	fpmath "MiniPerps/internal/math"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/query"
	"MiniPerps/internal/state"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Snapshotter takes a snapshot on demand and returns its sequence.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// RebuildFunc replays the event log into the projections.
type RebuildFunc func(ctx context.Context) (int64, error)

// APIDeps holds all dependencies needed by the API.
type APIDeps struct {
	Exec      query.Executor
	Queries   *query.QueryService
	Snapshots Snapshotter // optional
	Rebuild   RebuildFunc // optional
	Logger    zerolog.Logger
}

// API is the transport-neutral request layer behind the HTTP routes and
// the gRPC service. The caller comes from the context (see CallerFrom);
// writes run on the processor under the caller's idempotency key.
type API struct {
	exec      query.Executor
	queries   *query.QueryService
	snapshots Snapshotter
	rebuild   RebuildFunc
	log       zerolog.Logger
}

func NewAPI(deps APIDeps) *API {
	return &API{
		exec:      deps.Exec,
		queries:   deps.Queries,
		snapshots: deps.Snapshots,
		rebuild:   deps.Rebuild,
		log:       deps.Logger,
	}
}

// --- Authority operations ---

// Initialize creates the protocol with the caller as authority.
func (a *API) Initialize(ctx context.Context, req *InitializeRequest) (*query.ProtocolResponse, error) {
	caller := CallerFrom(ctx)
	err := a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		_, err := e.Initialize(ctx, caller, req.CollateralAsset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a.queries.GetProtocol(ctx)
}

func (a *API) SetPrice(ctx context.Context, req *PriceRequest) (*query.OracleResponse, error) {
	price, err := parseDecimal(fpmath.PriceConfig, "price", req.Price)
	if err != nil {
		return nil, err
	}
	caller := CallerFrom(ctx)
	err = a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		return e.SetPrice(ctx, caller, price)
	})
	if err != nil {
		return nil, err
	}
	return a.queries.GetOracle(ctx)
}

func (a *API) SetPaused(ctx context.Context, req *PausedRequest) (*query.ProtocolResponse, error) {
	caller := CallerFrom(ctx)
	err := a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		return e.SetPaused(ctx, caller, req.Paused)
	})
	if err != nil {
		return nil, err
	}
	return a.queries.GetProtocol(ctx)
}

func (a *API) UpdateRiskParams(ctx context.Context, req *RiskParamsRequest) (*query.ProtocolResponse, error) {
	caller := CallerFrom(ctx)
	params := state.RiskParams{
		MaxLeverage:          req.MaxLeverage,
		MaintenanceMarginBps: req.MaintenanceMarginBps,
		LiquidationFeeBps:    req.LiquidationFeeBps,
	}
	err := a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		return e.UpdateRiskParams(ctx, caller, params)
	})
	if err != nil {
		return nil, err
	}
	return a.queries.GetProtocol(ctx)
}

// --- Collateral ---

func (a *API) Deposit(ctx context.Context, req *AmountRequest) (*query.VaultResponse, error) {
	amount, err := parseDecimal(fpmath.QuoteConfig, "amount", req.Amount)
	if err != nil {
		return nil, err
	}
	caller := CallerFrom(ctx)
	var resp *query.VaultResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		vault, err := e.Deposit(ctx, caller, amount)
		if err != nil {
			return err
		}
		resp, err = a.vaultView(ctx, e, vault)
		return err
	})
	return resp, err
}

func (a *API) Withdraw(ctx context.Context, req *AmountRequest) (*query.VaultResponse, error) {
	amount, err := parseDecimal(fpmath.QuoteConfig, "amount", req.Amount)
	if err != nil {
		return nil, err
	}
	caller := CallerFrom(ctx)
	var resp *query.VaultResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		vault, err := e.Withdraw(ctx, caller, amount)
		if err != nil {
			return err
		}
		resp, err = a.vaultView(ctx, e, vault)
		return err
	})
	return resp, err
}

// --- Positions ---

func (a *API) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*query.PositionResponse, error) {
	dir, err := state.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	size, err := parseDecimal(fpmath.SizeConfig, "size", req.Size)
	if err != nil {
		return nil, err
	}
	caller := CallerFrom(ctx)
	params := core.OpenParams{Direction: dir, Size: size, Leverage: req.Leverage}

	var resp *query.PositionResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		pos, err := e.OpenPosition(ctx, caller, params)
		if err != nil {
			return err
		}
		resp = query.PositionView(pos, e.Sequence())
		return nil
	})
	return resp, err
}

// ClosePosition closes one of the caller's own positions.
func (a *API) ClosePosition(ctx context.Context, req *PositionRequest) (*SettlementResponse, error) {
	caller := CallerFrom(ctx)
	owner, err := ownerOrCaller(req.Owner, caller)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, fmt.Errorf("close position of %s: %w", owner, perrors.ErrUnauthorized)
	}

	var resp *SettlementResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		s, err := e.ClosePosition(ctx, caller, req.PositionID)
		if err != nil {
			return err
		}
		resp, err = a.settlementView(ctx, e, s)
		return err
	})
	return resp, err
}

// Liquidate liquidates another owner's position with the caller as
// liquidator.
func (a *API) Liquidate(ctx context.Context, req *PositionRequest) (*SettlementResponse, error) {
	caller := CallerFrom(ctx)
	owner, err := ownerOrCaller(req.Owner, caller)
	if err != nil {
		return nil, err
	}

	var resp *SettlementResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		s, err := e.Liquidate(ctx, caller, owner, req.PositionID)
		if err != nil {
			return err
		}
		resp, err = a.settlementView(ctx, e, s)
		return err
	})
	return resp, err
}

// AccrueFunding books funding onto a position. Anyone may crank it.
func (a *API) AccrueFunding(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	caller := CallerFrom(ctx)
	owner, err := ownerOrCaller(req.Owner, caller)
	if err != nil {
		return nil, err
	}

	var resp *query.PositionResponse
	err = a.exec.Do(ctx, requestKey(caller, req.IdempotencyKey), func(ctx context.Context, e *core.Engine) error {
		pos, err := e.AccrueFunding(ctx, owner, req.PositionID)
		if err != nil {
			return err
		}
		resp = query.PositionView(pos, e.Sequence())
		return nil
	})
	return resp, err
}

// ApplyFunding runs a protocol funding settlement. Anyone may crank it.
func (a *API) ApplyFunding(ctx context.Context, _ *Empty) (*FundingResponse, error) {
	var resp *FundingResponse
	err := a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		r, err := e.ApplyFunding(ctx)
		if err != nil {
			return err
		}
		resp = &FundingResponse{
			Rate:            fpmath.RateConfig.FormatSigned(r.Rate),
			Elapsed:         r.Elapsed,
			LongOI:          fpmath.QuoteConfig.Format(r.LongOI),
			ShortOI:         fpmath.QuoteConfig.Format(r.ShortOI),
			MarkPrice:       fpmath.PriceConfig.Format(r.MarkPrice),
			CumulativeLong:  fpmath.RateConfig.FormatInt128(r.CumulativeLong),
			CumulativeShort: fpmath.RateConfig.FormatInt128(r.CumulativeShort),
			AsOfSequence:    e.Sequence(),
		}
		return nil
	})
	return resp, err
}

// --- Queries ---

func (a *API) GetVault(ctx context.Context, req *OwnerRequest) (*query.VaultResponse, error) {
	owner, err := ownerOrCaller(req.Owner, CallerFrom(ctx))
	if err != nil {
		return nil, err
	}
	return a.queries.GetVault(ctx, owner)
}

func (a *API) GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error) {
	owner, err := ownerOrCaller(req.Owner, CallerFrom(ctx))
	if err != nil {
		return nil, err
	}
	return a.queries.GetPosition(ctx, owner, req.PositionID)
}

func (a *API) ListPositions(ctx context.Context, req *ListPositionsRequest) (*PositionsResponse, error) {
	owner, err := ownerOrCaller(req.Owner, CallerFrom(ctx))
	if err != nil {
		return nil, err
	}
	positions, err := a.queries.GetPositions(ctx, owner, req.OpenOnly)
	if err != nil {
		return nil, err
	}
	return &PositionsResponse{Positions: positions}, nil
}

func (a *API) GetProtocol(ctx context.Context, _ *Empty) (*query.ProtocolResponse, error) {
	return a.queries.GetProtocol(ctx)
}

func (a *API) GetOracle(ctx context.Context, _ *Empty) (*query.OracleResponse, error) {
	return a.queries.GetOracle(ctx)
}

func (a *API) FundingHistory(ctx context.Context, req *HistoryRequest) (*FundingHistoryResponse, error) {
	history, err := a.queries.GetFundingHistory(ctx, req.Limit, req.Before)
	if err != nil {
		return nil, err
	}
	return &FundingHistoryResponse{History: history}, nil
}

func (a *API) PositionHistory(ctx context.Context, req *HistoryRequest) (*PositionHistoryResponse, error) {
	owner, err := ownerOrCaller(req.Owner, CallerFrom(ctx))
	if err != nil {
		return nil, err
	}
	history, err := a.queries.GetPositionHistory(ctx, owner, req.Limit)
	if err != nil {
		return nil, err
	}
	return &PositionHistoryResponse{History: history}, nil
}

// --- Admin ---

func (a *API) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if err := a.requireAuthority(ctx); err != nil {
		return nil, err
	}
	return a.queries.VerifyIntegrity(ctx)
}

func (a *API) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if err := a.requireAuthority(ctx); err != nil {
		return nil, err
	}
	if a.snapshots == nil {
		return nil, ErrSnapshotsDisabled
	}
	seq, err := a.snapshots.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (a *API) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if err := a.requireAuthority(ctx); err != nil {
		return nil, err
	}
	if a.rebuild == nil {
		return nil, ErrProjectionsDisabled
	}
	last, err := a.rebuild(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Info().Int64("sequence", last).Msg("projections rebuilt")
	return &RebuildResponse{LastSequence: last}, nil
}

// --- helpers ---

func (a *API) requireAuthority(ctx context.Context) error {
	caller := CallerFrom(ctx)
	return a.exec.Do(ctx, "", func(ctx context.Context, e *core.Engine) error {
		proto, err := e.Protocol(ctx)
		if err != nil {
			return err
		}
		if !proto.IsAuthority(caller) {
			return perrors.ErrUnauthorized
		}
		return nil
	})
}

func (a *API) vaultView(ctx context.Context, e *core.Engine, v *state.CollateralVault) (*query.VaultResponse, error) {
	proto, err := e.Protocol(ctx)
	if err != nil {
		return nil, err
	}
	return query.VaultView(v, proto.CollateralAsset, e.Sequence())
}

func (a *API) settlementView(ctx context.Context, e *core.Engine, s *core.Settlement) (*SettlementResponse, error) {
	vault, err := a.vaultView(ctx, e, s.Vault)
	if err != nil {
		return nil, err
	}
	resp := &SettlementResponse{
		Position:       query.PositionView(s.Position, e.Sequence()),
		Vault:          vault,
		PnL:            fpmath.QuoteConfig.FormatSigned(s.PnL),
		Settled:        fpmath.QuoteConfig.FormatSigned(s.Settled),
		MarginRatioBps: s.MarginRatioBps,
		AsOfSequence:   e.Sequence(),
	}
	if s.Position.CloseReason == state.CloseReasonLiquidated {
		resp.Fee = fpmath.QuoteConfig.Format(s.Fee)
		resp.Remaining = fpmath.QuoteConfig.Format(s.Remaining)
	}
	return resp, nil
}

func parseDecimal(c fpmath.DecimalConfig, field, s string) (uint64, error) {
	v, ok := c.Parse(strings.TrimSpace(s))
	if !ok {
		return 0, fmt.Errorf("%s %q: %w", field, s, perrors.ErrInvalidParameter)
	}
	return v, nil
}

func ownerOrCaller(owner string, caller uuid.UUID) (uuid.UUID, error) {
	if owner == "" {
		if caller == uuid.Nil {
			return uuid.Nil, fmt.Errorf("owner: %w", perrors.ErrInvalidParameter)
		}
		return caller, nil
	}
	id, err := uuid.Parse(owner)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("owner %q: %w", owner, perrors.ErrInvalidParameter)
	}
	return id, nil
}
