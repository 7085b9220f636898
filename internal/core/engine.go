package core

import (
	"MiniPerps/internal/event"
	"MiniPerps/internal/observability"
	"MiniPerps/internal/perrors"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTreasury is the custody account holding all deposited collateral.
const DefaultTreasury = "treasury"

// Engine applies protocol operations against a Store. It is synchronous
// and not safe for concurrent use; hosts serialize calls through a
// Processor.
//
// Every operation runs load, validate, compute, commit, emit. A failed
// check returns before Commit, so a rejected operation writes nothing.
type Engine struct {
	store    store.Store
	custody  Custody
	clock    Clock
	hasher   *StateHasher
	sequence int64
	treasury string

	metrics *observability.Metrics
	log     zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed operation.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Records    *store.ChangeSet
	StateDelta []byte
}

// Options configures an Engine. The zero value starts a fresh chain with
// no output channels.
type Options struct {
	// StartSequence is the last committed sequence, 0 for an empty log.
	StartSequence int64
	// PrevHash resumes the state-hash chain; nil means genesis.
	PrevHash *[32]byte
	Treasury string

	Metrics *observability.Metrics
	Logger  *zerolog.Logger

	// PersistChan receives every output with a blocking send.
	PersistChan chan<- CoreOutput
	// ProjectionChan receives outputs best-effort; full means drop.
	ProjectionChan chan<- CoreOutput
}

func NewEngine(st store.Store, custody Custody, clock Clock, opts Options) *Engine {
	hasher := NewStateHasher()
	if opts.PrevHash != nil {
		hasher = NewStateHasherFrom(*opts.PrevHash)
	}
	treasury := opts.Treasury
	if treasury == "" {
		treasury = DefaultTreasury
	}
	if clock == nil {
		clock = SystemClock{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Engine{
		store:          st,
		custody:        custody,
		clock:          clock,
		hasher:         hasher,
		sequence:       opts.StartSequence,
		treasury:       treasury,
		metrics:        opts.Metrics,
		log:            log,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
}

// Sequence returns the last committed sequence.
func (e *Engine) Sequence() int64 {
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

// --- Loaders ---

func (e *Engine) loadProtocol(ctx context.Context) (*state.Protocol, error) {
	p, err := e.store.GetProtocol(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}
	return p, nil
}

func (e *Engine) loadOracle(ctx context.Context) (*state.PriceOracle, error) {
	o, err := e.store.GetOracle(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load oracle: %w", err)
	}
	return o, nil
}

// freshPrice returns the oracle price if it passes staleness and validity.
func (e *Engine) freshPrice(ctx context.Context, now int64) (uint64, error) {
	o, err := e.loadOracle(ctx)
	if err != nil {
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.OracleStaleness.Set(float64(now - o.Timestamp))
	}
	return o.Validate(now)
}

// loadVault is get-or-create: an owner with no record has an empty vault.
func (e *Engine) loadVault(ctx context.Context, owner uuid.UUID) (*state.CollateralVault, error) {
	v, err := e.store.GetVault(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return state.NewCollateralVault(owner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", owner, err)
	}
	return v, nil
}

// loadOpenPosition treats an absent position the same as a closed one.
func (e *Engine) loadOpenPosition(ctx context.Context, key state.PositionKey) (*state.Position, error) {
	p, err := e.store.GetPosition(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.ErrPositionNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", key, err)
	}
	if !p.IsOpen {
		return nil, perrors.ErrPositionNotOpen
	}
	return p, nil
}

// --- Commit and emit ---

// commit writes cs atomically, chains its hash and hands the envelope to
// the output channels. Nothing is emitted if the store rejects the write.
func (e *Engine) commit(ctx context.Context, cs *store.ChangeSet, evt event.Event) (*event.EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, fmt.Errorf("commit %s: %w", evt.EventType(), err)
	}

	digest := cs.CanonicalBytes()
	e.sequence++
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:   e.sequence,
		RequestKey: RequestKeyFrom(ctx),
		EventType:  evt.EventType(),
		Owner:      evt.Owner(),
		Timestamp:  e.clock.Now().UTC(),
		Payload:    payload,
		StateHash:  stateHash,
		PrevHash:   prevHash,
		Event:      evt,
	}
	e.observeRecords(cs)

	output := CoreOutput{
		Envelope:   envelope,
		Records:    cs,
		StateDelta: digest,
	}

	// Persistence: blocking send. The engine stalls until the writer
	// drains so no committed operation goes unlogged.
	if e.persistChan != nil {
		e.persistChan <- output
	}

	// Projections: non-blocking send, drop on full. They rebuild from the
	// event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	return envelope, nil
}

func (e *Engine) observeRecords(cs *store.ChangeSet) {
	if e.metrics == nil {
		return
	}
	if p := cs.Protocol; p != nil {
		e.metrics.OpenInterest.WithLabelValues("long").Set(float64(p.TotalLongOI))
		e.metrics.OpenInterest.WithLabelValues("short").Set(float64(p.TotalShortOI))
		e.metrics.FundingRateLast.Set(float64(p.LastFundingRate))
		paused := 0.0
		if p.IsPaused {
			paused = 1
		}
		e.metrics.ProtocolPaused.Set(paused)
	}
	if o := cs.Oracle; o != nil {
		e.metrics.OraclePrice.Set(float64(o.Price))
	}
	e.metrics.EngineSeq.Set(float64(e.sequence))
}

// --- Operation tracing ---

const (
	opInitialize       = "initialize"
	opSetPrice         = "set_price"
	opSetPaused        = "set_paused"
	opUpdateRiskParams = "update_risk_params"
	opDeposit          = "deposit"
	opWithdraw         = "withdraw"
	opOpenPosition     = "open_position"
	opClosePosition    = "close_position"
	opLiquidate        = "liquidate"
	opApplyFunding     = "apply_funding"
	opAccrueFunding    = "accrue_funding"
)

type opTrace struct {
	op          string
	owner       uuid.UUID
	positionID  uint64
	hasPosition bool
	start       time.Time
}

func (e *Engine) begin(op string, owner uuid.UUID) *opTrace {
	return &opTrace{op: op, owner: owner, start: time.Now()}
}

func (t *opTrace) position(id uint64) *opTrace {
	t.positionID = id
	t.hasPosition = true
	return t
}

// end records the outcome of an operation. Domain rejections log at debug,
// anything else is an infrastructure failure and logs at error.
func (e *Engine) end(t *opTrace, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = e.log.Info().Int64("sequence", e.sequence)
	case perrors.IsDomain(err):
		ev = e.log.Debug().Str("code", perrors.Code(err))
	default:
		ev = e.log.Error().Err(err)
	}
	ev = ev.Str("op", t.op)
	if t.owner != uuid.Nil {
		ev = ev.Str("owner", t.owner.String())
	}
	if t.hasPosition {
		ev = ev.Uint64("position_id", t.positionID)
	}

	if err != nil {
		ev.Msg("operation rejected")
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(t.op, perrors.Code(err)).Inc()
		}
		return
	}

	ev.Msg("operation committed")
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(t.op).Inc()
		e.metrics.OpDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
	}
}

// signedDelta returns after-before as a signed amount.
func signedDelta(before, after uint64) int64 {
	if after >= before {
		return int64(after - before)
	}
	return -int64(before - after)
}
