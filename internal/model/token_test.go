package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTokenType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want TokenType
	}{
		{"Color", TokenTypeColor},
		{"colour", TokenTypeColor},
		{"font", TokenTypeTypography},
		{"spacing", TokenTypeSpacing},
		{"elevation", TokenTypeShadow},
		{"border-radius", TokenTypeRadius},
		{"components", TokenTypeComponent},
		{"gradient", TokenTypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseTokenType(tt.in))
		})
	}
}

func TestTokenSetFrom(t *testing.T) {
	t.Parallel()

	set := TokenSetFrom([]TokenItem{
		{ID: "1", Type: TokenTypeColor},
		{ID: "2", Type: TokenTypeColor},
		{ID: "3", Type: TokenTypeSpacing},
		{ID: "4", Type: TokenTypeOther},
	})

	assert.Len(t, set.Colors, 2)
	assert.Len(t, set.Spacing, 1)
	assert.Len(t, set.Components, 1)
	assert.Equal(t, 4, set.Count())
	assert.Equal(t, 3, set.TypesCovered())
	assert.Len(t, set.All(), 4)
}

func TestTokenSet_NilSafe(t *testing.T) {
	t.Parallel()

	var set *TokenSet
	assert.Equal(t, 0, set.Count())
	assert.Equal(t, 0, set.TypesCovered())
	assert.Nil(t, set.All())
}

func TestTokenUsageAdd(t *testing.T) {
	t.Parallel()

	u := TokenUsage{InputTokens: 10, OutputTokens: 5, Cost: 0.01}
	u.Add(TokenUsage{InputTokens: 3, OutputTokens: 2, CacheReadTokens: 7, Cost: 0.02})

	assert.Equal(t, 13, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 7, u.CacheReadTokens)
	assert.InDelta(t, 0.03, u.Cost, 1e-9)
}

func TestTokenItemWeight(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 450.0, TokenItem{UsageCount: 5, Confidence: 90}.Weight())
}
