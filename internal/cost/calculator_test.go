package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/models"
)

func testCatalog(t *testing.T) *models.Catalog {
	t.Helper()
	cat, err := models.NewCatalog(
		models.Profile{
			Name: "haiku", CostPerMillionIn: 0.80, CostPerMillionOut: 4.00,
			MaxContextTokens: 200000, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		models.Profile{
			Name: "sonnet", CostPerMillionIn: 3.00, CostPerMillionOut: 15.00,
			MaxContextTokens: 200000, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	)
	require.NoError(t, err)
	return cat
}

func TestUsage(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testCatalog(t))

	tests := []struct {
		name  string
		model string
		usage model.TokenUsage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: model.TokenUsage{
				InputTokens: 500000, OutputTokens: 50000,
				CacheCreationTokens: 200000, CacheReadTokens: 300000,
			},
			// in: 0.5M/1M * 0.80 = 0.40
			// out: 0.05M/1M * 4.00 = 0.20
			// cw: 0.2M/1M * 0.80 * 1.25 = 0.20
			// cr: 0.3M/1M * 0.80 * 0.1 = 0.024
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: model.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			usage: model.TokenUsage{InputTokens: 1000000, OutputTokens: 1000000},
			want:  0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Usage(tt.model, tt.usage)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	calc := NewCalculator(cat)
	p, _ := cat.Get("sonnet")

	assert.InDelta(t, 0.003+0.0015, calc.Estimate(p, 1000, 100), 1e-9)
}
