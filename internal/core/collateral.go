package core

import (
	"MiniPerps/internal/event"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Deposit moves amount from the owner's token account into the treasury
// and credits the owner's vault, creating it on first use.
func (e *Engine) Deposit(ctx context.Context, owner uuid.UUID, amount uint64) (vault *state.CollateralVault, err error) {
	t := e.begin(opDeposit, owner)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	vault, err = e.loadVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err = vault.Deposit(amount); err != nil {
		return nil, err
	}

	from, to := owner.String(), proto.Treasury
	if err = e.transfer(ctx, "in", from, to, amount); err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{}
	cs.PutVault(vault)
	_, err = e.commit(ctx, cs, &event.CollateralDeposited{
		Account:      owner,
		Amount:       amount,
		NewDeposited: vault.DepositedAmount,
	})
	if err != nil {
		e.compensate(ctx, to, from, amount, err)
		return nil, err
	}
	return vault.Clone(), nil
}

// Withdraw returns up to the unlocked balance from the treasury to the
// owner.
func (e *Engine) Withdraw(ctx context.Context, owner uuid.UUID, amount uint64) (vault *state.CollateralVault, err error) {
	t := e.begin(opWithdraw, owner)
	defer func() { e.end(t, err) }()

	proto, err := e.loadProtocol(ctx)
	if err != nil {
		return nil, err
	}
	vault, err = e.loadVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err = vault.Withdraw(amount); err != nil {
		return nil, err
	}

	from, to := proto.Treasury, owner.String()
	if err = e.transfer(ctx, "out", from, to, amount); err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{}
	cs.PutVault(vault)
	_, err = e.commit(ctx, cs, &event.CollateralWithdrawn{
		Account:      owner,
		Amount:       amount,
		NewDeposited: vault.DepositedAmount,
	})
	if err != nil {
		e.compensate(ctx, to, from, amount, err)
		return nil, err
	}
	return vault.Clone(), nil
}

// Vault returns the owner's vault; an owner who never deposited has an
// empty one.
func (e *Engine) Vault(ctx context.Context, owner uuid.UUID) (*state.CollateralVault, error) {
	return e.loadVault(ctx, owner)
}

func (e *Engine) transfer(ctx context.Context, direction, from, to string, amount uint64) error {
	if e.custody == nil {
		return nil
	}
	if err := e.custody.Transfer(ctx, from, to, amount); err != nil {
		if e.metrics != nil {
			e.metrics.CustodyErrors.WithLabelValues(direction).Inc()
		}
		return fmt.Errorf("custody transfer %s->%s: %w", from, to, err)
	}
	return nil
}

// compensate reverses a transfer whose commit failed. The reversal runs
// even if ctx was cancelled.
func (e *Engine) compensate(ctx context.Context, from, to string, amount uint64, cause error) {
	if e.custody == nil {
		return
	}
	if err := e.custody.Transfer(context.WithoutCancel(ctx), from, to, amount); err != nil {
		if e.metrics != nil {
			e.metrics.CustodyErrors.WithLabelValues("compensate").Inc()
		}
		e.log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("from", from).
			Str("to", to).
			Uint64("amount", amount).
			Msg("compensating transfer failed; custody and ledger diverged")
		return
	}
	e.log.Warn().
		AnErr("cause", cause).
		Str("from", from).
		Str("to", to).
		Uint64("amount", amount).
		Msg("commit failed, custody transfer reversed")
}
