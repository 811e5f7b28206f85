// Package cost prices AI usage, estimates token volume per model family,
// and compresses oversized payloads before they reach a model.
package cost

import (
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/models"
)

// Calculator computes costs for AI usage against the model catalog.
type Calculator struct {
	catalog *models.Catalog
}

// NewCalculator creates a Calculator backed by the given catalog.
func NewCalculator(catalog *models.Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Usage computes the cost of a completed call. Unknown models cost 0.
func (c *Calculator) Usage(modelName string, u model.TokenUsage) float64 {
	p, ok := c.catalog.Get(modelName)
	if !ok {
		return 0
	}
	return Price(p, u)
}

// Estimate returns the cost of a prospective call.
func (c *Calculator) Estimate(p models.Profile, inputTokens, outputTokens int) float64 {
	return p.EstimateCost(inputTokens, outputTokens)
}

// Price computes the cost of token usage under profile p, including prompt
// cache writes and reads.
func Price(p models.Profile, u model.TokenUsage) float64 {
	inCost := (float64(u.InputTokens) / 1e6) * p.CostPerMillionIn
	outCost := (float64(u.OutputTokens) / 1e6) * p.CostPerMillionOut
	cwCost := (float64(u.CacheCreationTokens) / 1e6) * p.CostPerMillionIn * p.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * p.CostPerMillionIn * p.CacheReadMul

	return inCost + outCost + cwCost + crCost
}
