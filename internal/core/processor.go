package core

import (
	"MiniPerps/internal/perrors"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrProcessorStopped is returned by Do once Run has exited.
var ErrProcessorStopped = errors.New("processor stopped")

// Op is one unit of work against the engine.
type Op func(ctx context.Context, e *Engine) error

type command struct {
	ctx        context.Context
	requestKey string
	op         Op
	taken      chan struct{} // closed when the processor starts cmd
	result     chan error
}

// Processor is the single goroutine that owns the Engine. Callers submit
// operations with Do; each one commits or aborts before the next starts.
type Processor struct {
	engine      *Engine
	idempotency *IdempotencyChecker
	commands    chan command
	done        chan struct{}
	log         zerolog.Logger
}

func NewProcessor(engine *Engine, idempotency *IdempotencyChecker, queueSize int, log zerolog.Logger) *Processor {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Processor{
		engine:      engine,
		idempotency: idempotency,
		commands:    make(chan command, queueSize),
		done:        make(chan struct{}),
		log:         log,
	}
}

// Run drains submitted operations until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.done)
	p.log.Info().Int64("sequence", p.engine.Sequence()).Msg("processor started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Int64("sequence", p.engine.Sequence()).Msg("processor stopped")
			return ctx.Err()
		case cmd := <-p.commands:
			close(cmd.taken)
			cmd.result <- p.execute(cmd)
		}
	}
}

func (p *Processor) execute(cmd command) error {
	// the caller gave up while queued
	if err := cmd.ctx.Err(); err != nil {
		return err
	}

	if cmd.requestKey != "" && p.idempotency != nil && p.idempotency.IsDuplicate(cmd.ctx, cmd.requestKey) {
		return perrors.ErrDuplicateRequest
	}

	if err := cmd.op(WithRequestKey(cmd.ctx, cmd.requestKey), p.engine); err != nil {
		return err
	}

	if cmd.requestKey != "" && p.idempotency != nil {
		p.idempotency.MarkProcessed(cmd.requestKey)
	}
	return nil
}

// Do runs op on the processor goroutine and waits for it. A non-empty
// requestKey that already committed is rejected with ErrDuplicateRequest;
// failed operations do not consume their key. Cancelling ctx abandons a
// queued op; once the processor has started it, Do reports its outcome.
func (p *Processor) Do(ctx context.Context, requestKey string, op Op) error {
	cmd := command{
		ctx:        ctx,
		requestKey: requestKey,
		op:         op,
		taken:      make(chan struct{}),
		result:     make(chan error, 1),
	}

	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrProcessorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-p.done:
		// Run may have exited after taking cmd
		select {
		case err := <-cmd.result:
			return err
		default:
			return ErrProcessorStopped
		}
	case <-ctx.Done():
		select {
		case err := <-cmd.result:
			return err
		case <-cmd.taken:
		default:
			return ctx.Err()
		}
		// started: the op may already have committed
		select {
		case err := <-cmd.result:
			return err
		case <-p.done:
			select {
			case err := <-cmd.result:
				return err
			default:
				return ErrProcessorStopped
			}
		}
	}
}

type requestKeyCtx struct{}

// WithRequestKey attaches the caller's idempotency key to ctx; it ends up
// on the emitted envelope.
func WithRequestKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKeyCtx{}, key)
}

// RequestKeyFrom returns the key attached by WithRequestKey, or "".
func RequestKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(requestKeyCtx{}).(string)
	return key
}
