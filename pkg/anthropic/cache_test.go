package anthropic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks(t *testing.T) {
	text := "You organize extracted design tokens into a design system.\n\n# Site: example.com\n..."

	blocks := BuildCachedSystemBlocks(text)

	require.Len(t, blocks, 1)
	assert.Equal(t, text, blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestSystemBlocks(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantBlocks int
		wantCached bool
	}{
		{name: "empty", text: "", wantBlocks: 0},
		{name: "short prompt not cached", text: "Return JSON only.", wantBlocks: 1},
		{name: "long prompt cached", text: strings.Repeat("rule ", minCacheableChars/5+1), wantBlocks: 1, wantCached: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := SystemBlocks(tt.text)
			require.Len(t, blocks, tt.wantBlocks)
			if tt.wantBlocks == 0 {
				return
			}
			assert.Equal(t, tt.wantCached, blocks[0].CacheControl != nil)
		})
	}
}
