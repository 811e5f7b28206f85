package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twinCatalog(t *testing.T) *Catalog {
	t.Helper()
	base := Profile{
		CostPerMillionIn:  1,
		CostPerMillionOut: 5,
		MaxContextTokens:  100000,
		Performance:       Performance{Accuracy: 0.9, Reliability: 0.9, Consistency: 0.9, LatencyMs: 1000},
	}
	a, b := base, base
	a.Name, b.Name = "alpha", "beta"
	c, err := NewCatalog(a, b)
	require.NoError(t, err)
	return c
}

func TestSelect_CriticalAuditNoBudgetPicksMostReliable(t *testing.T) {
	t.Parallel()
	cat := DefaultCatalog()
	sel := NewSelector(cat, nil)

	for _, tokens := range []int{100, 5000, 80000} {
		rec := sel.Select(Criteria{Operation: "audit", Priority: PriorityCritical, InputTokens: tokens})
		assert.Equal(t, cat.MostReliable().Name, rec.Model.Name, "tokens=%d", tokens)
	}
}

func TestSelect_CriticalIgnoresCostEvenWhenReliableIsExpensive(t *testing.T) {
	t.Parallel()
	cheap := Profile{
		Name: "cheap", CostPerMillionIn: 0.1, CostPerMillionOut: 0.1, MaxContextTokens: 100000,
		Specializations: []string{"audit"},
		Performance:     Performance{Accuracy: 0.99, Reliability: 0.90, Consistency: 0.99, LatencyMs: 100, QualityTier: TierPremium},
	}
	pricey := Profile{
		Name: "pricey", CostPerMillionIn: 100, CostPerMillionOut: 300, MaxContextTokens: 100000,
		Performance: Performance{Accuracy: 0.5, Reliability: 0.91, Consistency: 0.5, LatencyMs: 9000, QualityTier: TierDraft},
	}
	cat, err := NewCatalog(cheap, pricey)
	require.NoError(t, err)

	rec := NewSelector(cat, nil).Select(Criteria{Operation: "audit", Priority: PriorityCritical, InputTokens: 2000})
	assert.Equal(t, "pricey", rec.Model.Name)
	require.Len(t, rec.Alternates, 1)
	assert.Equal(t, "cheap", rec.Alternates[0].Profile.Name)
}

func TestSelect_LowPriorityFavorsCheapModel(t *testing.T) {
	t.Parallel()
	sel := NewSelector(DefaultCatalog(), nil)
	rec := sel.Select(Criteria{
		Operation:     "dedup",
		InputTokens:   4000,
		Priority:      PriorityLow,
		QualityTarget: TierDraft,
		Complexity:    ComplexitySimple,
	})
	assert.NotEqual(t, "claude-opus-4-6", rec.Model.Name)
	assert.Less(t, rec.EstimatedCostUSD, 0.01)
}

func TestSelect_AlternatesCappedAtThree(t *testing.T) {
	t.Parallel()
	rec := NewSelector(DefaultCatalog(), nil).Select(Criteria{Operation: "organize", InputTokens: 1000})
	assert.LessOrEqual(t, len(rec.Alternates), 3)
	assert.NotEmpty(t, rec.Alternates)
	for _, alt := range rec.Alternates {
		assert.NotEqual(t, rec.Model.Name, alt.Profile.Name)
		assert.LessOrEqual(t, alt.Score, rec.Score)
	}
}

func TestSelect_OversizedInputForcesCompressionCapable(t *testing.T) {
	t.Parallel()
	sel := NewSelector(DefaultCatalog(), nil)
	rec := sel.Select(Criteria{Operation: "organize", InputTokens: 2000000})
	assert.True(t, rec.Model.CompressionCapable)
	assert.True(t, rec.Hints.CompressionNeeded)
}

func TestSelect_ContextFilter(t *testing.T) {
	t.Parallel()
	small := Profile{Name: "small", CostPerMillionIn: 0.1, CostPerMillionOut: 0.1, MaxContextTokens: 10000}
	large := Profile{Name: "large", CostPerMillionIn: 5, CostPerMillionOut: 5, MaxContextTokens: 1000000}
	cat, err := NewCatalog(small, large)
	require.NoError(t, err)

	rec := NewSelector(cat, nil).Select(Criteria{Operation: "organize", InputTokens: 50000, Priority: PriorityLow})
	assert.Equal(t, "large", rec.Model.Name)
	assert.Empty(t, rec.Alternates)
	assert.False(t, rec.Hints.CompressionNeeded)
}

func TestSelect_BudgetPenalty(t *testing.T) {
	t.Parallel()
	cat := DefaultCatalog()
	sel := NewSelector(cat, nil)

	rec := sel.Select(Criteria{Operation: "audit", InputTokens: 10000, BudgetUSD: 0.02})
	assert.LessOrEqual(t, rec.EstimatedCostUSD, 0.02)
	assert.NotEqual(t, "claude-opus-4-6", rec.Model.Name)
}

func TestSelect_HistoryBreaksTie(t *testing.T) {
	t.Parallel()
	cat := twinCatalog(t)
	h := NewHistory()
	for i := 0; i < 10; i++ {
		h.Record("alpha", "organize", false)
		h.Record("beta", "organize", true)
	}

	rec := NewSelector(cat, h).Select(Criteria{Operation: "organize", InputTokens: 500})
	assert.Equal(t, "beta", rec.Model.Name)

	// Without history, ties break by name.
	rec = NewSelector(cat, nil).Select(Criteria{Operation: "organize", InputTokens: 500})
	assert.Equal(t, "alpha", rec.Model.Name)
}

func TestSelect_Hints(t *testing.T) {
	t.Parallel()
	sel := NewSelector(DefaultCatalog(), nil)

	rec := sel.Select(Criteria{Operation: "organize", InputTokens: 200})
	assert.True(t, rec.Hints.CachingRecommended)
	assert.True(t, rec.Hints.BatchingPossible)
	assert.False(t, rec.Hints.CompressionNeeded)
}

func TestSelect_FastSpeedPrefersLowLatency(t *testing.T) {
	t.Parallel()
	slow := Profile{Name: "slow", CostPerMillionIn: 1, CostPerMillionOut: 1, MaxContextTokens: 100000,
		Performance: Performance{Accuracy: 0.9, Reliability: 0.9, LatencyMs: 5000}}
	fast := Profile{Name: "fast", CostPerMillionIn: 1, CostPerMillionOut: 1, MaxContextTokens: 100000,
		Performance: Performance{Accuracy: 0.9, Reliability: 0.9, LatencyMs: 500}}
	cat, err := NewCatalog(slow, fast)
	require.NoError(t, err)

	rec := NewSelector(cat, nil).Select(Criteria{Operation: "organize", InputTokens: 100, Speed: SpeedFast})
	assert.Equal(t, "fast", rec.Model.Name)
}

func TestHistory_Adjustment(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	assert.InDelta(t, 0, h.Adjustment("m", "op"), 1e-9)
	assert.InDelta(t, 0.5, h.SuccessRate("m", "op"), 1e-9)

	for i := 0; i < 10; i++ {
		h.Record("m", "op", true)
	}
	assert.Equal(t, 10, h.Calls("m", "op"))
	assert.InDelta(t, 11.0/12.0, h.SuccessRate("m", "op"), 1e-9)
	adj := h.Adjustment("m", "op")
	assert.Greater(t, adj, 0.0)
	assert.LessOrEqual(t, adj, maxAdjustment)

	for i := 0; i < 100; i++ {
		h.Record("m", "other", false)
	}
	assert.GreaterOrEqual(t, h.Adjustment("m", "other"), -maxAdjustment)
	assert.Less(t, h.Adjustment("m", "other"), -9.0)
}

func TestHistory_NilIsNeutral(t *testing.T) {
	var h *History
	assert.InDelta(t, 0, h.Adjustment("m", "op"), 1e-9)
	assert.Equal(t, 0, h.Calls("m", "op"))
}
