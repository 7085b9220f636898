package core_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/observability"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyLRU_EvictsLeastRecent(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	assert.True(t, lru.Contains("a")) // a is now most recent
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, 2, lru.Size())
	assert.Equal(t, int64(1), lru.Evictions())
}

func TestIdempotencyLRU_Warm(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.WarmFromKeys([]string{"old", "mid", "new"})
	assert.False(t, lru.Contains("old"))
	assert.True(t, lru.Contains("new"))
}

type failingChecker struct{}

func (failingChecker) IsDuplicate(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIdempotencyChecker_Tiers(t *testing.T) {
	ctx := context.Background()
	m := observability.NewMetrics(prometheus.NewRegistry())
	ic := core.NewIdempotencyChecker(4, mapChecker{"persisted": true}, m, zerolog.Nop())

	assert.False(t, ic.IsDuplicate(ctx, "fresh"))
	ic.MarkProcessed("fresh")
	assert.True(t, ic.IsDuplicate(ctx, "fresh"))
	assert.True(t, ic.IsDuplicate(ctx, "persisted"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.IdempotencyDuplicates))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DedupLRUSize))
}

func TestIdempotencyChecker_DBOutageTreatsKeyAsNew(t *testing.T) {
	ic := core.NewIdempotencyChecker(4, failingChecker{}, nil, zerolog.Nop())
	assert.False(t, ic.IsDuplicate(context.Background(), "k"))
}
