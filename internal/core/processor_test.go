package core_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/perrors"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapChecker map[string]bool

func (m mapChecker) IsDuplicate(_ context.Context, key string) (bool, error) {
	return m[key], nil
}

func startProcessor(t *testing.T, h *harness, db core.DBIdempotencyChecker) *core.Processor {
	t.Helper()
	idem := core.NewIdempotencyChecker(16, db, nil, zerolog.Nop())
	p := core.NewProcessor(h.engine, idem, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func TestProcessor_DeduplicatesRequestKeys(t *testing.T) {
	h := newHarness(t)
	p := startProcessor(t, h, nil)
	alice := uuid.New()
	h.drain()

	deposit := func(ctx context.Context, e *core.Engine) error {
		_, err := e.Deposit(ctx, alice, 10*usd)
		return err
	}

	require.NoError(t, p.Do(h.ctx, "alice:dep-1", deposit))
	assert.ErrorIs(t, p.Do(h.ctx, "alice:dep-1", deposit), perrors.ErrDuplicateRequest)
	require.NoError(t, p.Do(h.ctx, "alice:dep-2", deposit))
	require.NoError(t, p.Do(h.ctx, "", deposit))
	require.NoError(t, p.Do(h.ctx, "", deposit))

	assert.Equal(t, 40*usd, h.vault(alice).DepositedAmount)

	outputs := h.drain()
	require.Len(t, outputs, 4)
	assert.Equal(t, "alice:dep-1", outputs[0].Envelope.RequestKey)
	assert.Equal(t, "alice:dep-2", outputs[1].Envelope.RequestKey)
	assert.Empty(t, outputs[2].Envelope.RequestKey)
}

func TestProcessor_FailedOpDoesNotConsumeKey(t *testing.T) {
	h := newHarness(t)
	p := startProcessor(t, h, nil)
	alice := uuid.New()

	withdraw := func(ctx context.Context, e *core.Engine) error {
		_, err := e.Withdraw(ctx, alice, 5*usd)
		return err
	}
	assert.ErrorIs(t, p.Do(h.ctx, "k", withdraw), perrors.ErrInsufficientBalance)

	h.deposit(alice, 5*usd)
	assert.NoError(t, p.Do(h.ctx, "k", withdraw))
}

func TestProcessor_ConsultsDurableTier(t *testing.T) {
	h := newHarness(t)
	p := startProcessor(t, h, mapChecker{"seen-before-restart": true})

	called := false
	err := p.Do(h.ctx, "seen-before-restart", func(context.Context, *core.Engine) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, perrors.ErrDuplicateRequest)
	assert.False(t, called)
}

func TestProcessor_StoppedRejects(t *testing.T) {
	h := newHarness(t)
	p := core.NewProcessor(h.engine, nil, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)

	err := p.Do(context.Background(), "", func(context.Context, *core.Engine) error { return nil })
	assert.ErrorIs(t, err, core.ErrProcessorStopped)
}

func TestProcessor_CallerTimeout(t *testing.T) {
	h := newHarness(t)
	p := startProcessor(t, h, nil)

	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), "", func(context.Context, *core.Engine) error {
			<-release
			return nil
		})
	}()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, "", func(context.Context, *core.Engine) error { return errors.New("should not run") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessor_CancelAfterStartReportsOutcome(t *testing.T) {
	h := newHarness(t)
	p := startProcessor(t, h, nil)
	alice := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	started, release := make(chan struct{}), make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- p.Do(ctx, "alice:dep-1", func(ctx context.Context, e *core.Engine) error {
			close(started)
			<-release
			_, err := e.Deposit(context.Background(), alice, 10*usd)
			return err
		})
	}()

	<-started
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case err := <-result:
		require.NoError(t, err, "the deposit committed")
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
	assert.Equal(t, 10*usd, h.vault(alice).DepositedAmount)

	err := p.Do(context.Background(), "alice:dep-1", func(context.Context, *core.Engine) error { return nil })
	assert.ErrorIs(t, err, perrors.ErrDuplicateRequest)
}
