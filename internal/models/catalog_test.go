package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultCatalog(t *testing.T) {
	t.Parallel()
	cat := DefaultCatalog()
	assert.Equal(t, 5, cat.Len())

	p, ok := cat.Get("claude-haiku-4-5-20251001")
	require.True(t, ok)
	assert.Equal(t, "claude", p.Family)

	_, ok = cat.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, "gemini-2.5-flash", cat.Cheapest().Name)
	assert.Equal(t, "claude-opus-4-6", cat.MostAccurate().Name)
	assert.Equal(t, "claude-opus-4-6", cat.MostReliable().Name)
}

func TestNewCatalog_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		profiles []Profile
		wantErr  string
	}{
		{name: "empty", wantErr: "catalog is empty"},
		{name: "no name", profiles: []Profile{{MaxContextTokens: 10}}, wantErr: "without name"},
		{name: "no context", profiles: []Profile{{Name: "x"}}, wantErr: "no context window"},
		{
			name:     "duplicate",
			profiles: []Profile{{Name: "x", MaxContextTokens: 1}, {Name: "x", MaxContextTokens: 1}},
			wantErr:  "duplicate profile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.profiles...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewCatalog_InfersFamilyAndTier(t *testing.T) {
	t.Parallel()
	cat, err := NewCatalog(
		Profile{Name: "gpt-4o-mini", MaxContextTokens: 128000},
		Profile{Name: "claude-x", MaxContextTokens: 1000},
		Profile{Name: "local-llama", MaxContextTokens: 1000},
	)
	require.NoError(t, err)

	p, _ := cat.Get("gpt-4o-mini")
	assert.Equal(t, "gpt", p.Family)
	assert.Equal(t, TierStandard, p.Performance.QualityTier)
	p, _ = cat.Get("claude-x")
	assert.Equal(t, "claude", p.Family)
	p, _ = cat.Get("local-llama")
	assert.Equal(t, "generic", p.Family)
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	doc := `
models:
  - name: tiny
    family: gemini
    cost_per_million_in: 0.1
    cost_per_million_out: 0.4
    max_context_tokens: 32000
    specializations: [dedup]
    performance:
      accuracy: 0.7
      reliability: 0.8
      quality_tier: draft
  - name: big
    cost_per_million_in: 2
    cost_per_million_out: 8
    max_context_tokens: 400000
    compression_capable: true
    performance:
      accuracy: 0.95
      reliability: 0.97
      quality_tier: premium
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Len())

	tiny, ok := cat.Get("tiny")
	require.True(t, ok)
	assert.True(t, tiny.Specializes("DEDUP"))
	assert.Equal(t, TierDraft, tiny.Performance.QualityTier)

	big, _ := cat.Get("big")
	assert.True(t, big.CompressionCapable)
	assert.Equal(t, "generic", big.Family)
}

func TestLoadCatalog_Missing(t *testing.T) {
	t.Parallel()
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCatalog_YAMLRoundTrip(t *testing.T) {
	t.Parallel()
	out, err := yaml.Marshal(DefaultCatalog())
	require.NoError(t, err)

	cat, err := ParseCatalog(out)
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog().All(), cat.All())
}

func TestProfile_EstimateCost(t *testing.T) {
	t.Parallel()
	p := Profile{CostPerMillionIn: 3, CostPerMillionOut: 15}
	assert.InDelta(t, 3.0+1.5, p.EstimateCost(1_000_000, 100_000), 1e-9)
	assert.InDelta(t, 0, p.EstimateCost(0, 0), 1e-9)
}

func TestTierRank(t *testing.T) {
	t.Parallel()
	assert.Less(t, TierRank(TierDraft), TierRank(TierStandard))
	assert.Less(t, TierRank(TierStandard), TierRank(TierPremium))
	assert.Equal(t, TierRank(TierStandard), TierRank("unknown"))
}
