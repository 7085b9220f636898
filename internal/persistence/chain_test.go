package persistence_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/persistence"
	"MiniPerps/internal/state"
	"MiniPerps/internal/store"
	"MiniPerps/internal/testutil"
	"context"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usd  = uint64(1_000_000)
	unit = uint64(1_000_000_000)
)

// runScenario drives a short session and returns the logged rows plus the
// store they were produced against.
func runScenario(t *testing.T) ([]persistence.EventRow, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	outputs := make(chan core.CoreOutput, 64)
	st := store.NewMemoryStore()
	clock := testutil.NewFakeClock(1_700_000_000)
	eng := core.NewEngine(st, nil, clock, core.Options{PersistChan: outputs})

	authority, alice := uuid.New(), uuid.New()
	_, err := eng.Initialize(ctx, authority, "USDC")
	require.NoError(t, err)
	require.NoError(t, eng.SetPrice(ctx, authority, 100*usd))
	_, err = eng.Deposit(core.WithRequestKey(ctx, "dep-1"), alice, 1_000*usd)
	require.NoError(t, err)
	pos, err := eng.OpenPosition(ctx, alice, core.OpenParams{Direction: state.DirectionLong, Size: unit, Leverage: 5})
	require.NoError(t, err)
	require.NoError(t, eng.SetPrice(ctx, authority, 110*usd))
	_, err = eng.ClosePosition(ctx, alice, pos.PositionID)
	require.NoError(t, err)
	close(outputs)

	var rows []persistence.EventRow
	for out := range outputs {
		row, err := persistence.EventRowFromOutput(out)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 6)
	return rows, st
}

func TestEventRowFromOutput(t *testing.T) {
	rows, _ := runScenario(t)

	assert.Equal(t, "ProtocolInitialized", rows[0].EventType)
	assert.Equal(t, int64(1), rows[0].Sequence)
	assert.Equal(t, "dep-1", rows[2].RequestKey)
	assert.Empty(t, rows[3].RequestKey)
	assert.Len(t, rows[3].StateHash, 32)
	assert.Equal(t, rows[2].StateHash, rows[3].PrevHash)
}

func TestVerifyLink_ReplayReproducesState(t *testing.T) {
	rows, original := runScenario(t)
	ctx := context.Background()

	replica := store.NewMemoryStore()
	tip := persistence.GenesisTip()
	for _, row := range rows {
		cs, next, err := persistence.VerifyLink(tip, row)
		require.NoError(t, err)
		require.NoError(t, replica.Commit(ctx, cs))
		tip = next
	}
	assert.Equal(t, int64(6), tip.Sequence)

	want, err := original.Export(ctx)
	require.NoError(t, err)
	got, err := replica.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.CanonicalBytes(), got.CanonicalBytes())
}

func TestVerifyLink_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rows []persistence.EventRow) []persistence.EventRow
	}{
		{"gap", func(rows []persistence.EventRow) []persistence.EventRow {
			return append(rows[:2], rows[3:]...)
		}},
		{"edited records", func(rows []persistence.EventRow) []persistence.EventRow {
			rows[2].Records = []byte(`{"vaults":[{"owner":"` + uuid.New().String() + `","deposited_amount":1,"locked_margin":0}]}`)
			return rows
		}},
		{"wrong prev hash", func(rows []persistence.EventRow) []persistence.EventRow {
			rows[4].PrevHash = make([]byte, 32)
			return rows
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, _ := runScenario(t)
			rows = tt.mutate(rows)

			tip := persistence.GenesisTip()
			var err error
			for _, row := range rows {
				var next persistence.Tip
				if _, next, err = persistence.VerifyLink(tip, row); err != nil {
					break
				}
				tip = next
			}
			assert.ErrorIs(t, err, persistence.ErrChainBroken)
		})
	}
}

func TestMigrator_PendingOrder(t *testing.T) {
	files := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("SELECT 1")},
		"000002_projections.down.sql": {Data: []byte("SELECT 1")},
		"000001_perp_state.up.sql":    {Data: []byte("SELECT 1")},
		"000001_perp_state.down.sql":  {Data: []byte("SELECT 1")},
		"README.md":                   {Data: []byte("notes")},
	}
	m := persistence.NewMigratorFS(nil, files, zerolog.Nop())

	all, err := m.Pending(map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_perp_state.up.sql", "000002_projections.up.sql"}, all)

	rest, err := m.Pending(map[string]bool{"000001": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"000002_projections.up.sql"}, rest)
}
