package models

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Priority levels.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Complexity levels.
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
	ComplexityExtreme  = "extreme"
)

// Speed preferences.
const (
	SpeedNormal = "normal"
	SpeedFast   = "fast"
)

// maxUtilization is the share of a context window an input may fill.
const maxUtilization = 0.9

// Criteria describes the call a model is being chosen for.
type Criteria struct {
	Operation     string  `json:"operation"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens,omitempty"`
	Priority      string  `json:"priority,omitempty"`
	Speed         string  `json:"speed,omitempty"`
	BudgetUSD     float64 `json:"budget_usd,omitempty"` // 0 = no budget
	QualityTarget string  `json:"quality_target,omitempty"`
	Complexity    string  `json:"complexity,omitempty"`
}

// Hints are optimization suggestions for the caller.
type Hints struct {
	CompressionNeeded  bool `json:"compression_needed"`
	BatchingPossible   bool `json:"batching_possible"`
	CachingRecommended bool `json:"caching_recommended"`
}

// Candidate is one scored profile.
type Candidate struct {
	Profile          Profile  `json:"profile"`
	Score            float64  `json:"score"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	Utilization      float64  `json:"utilization"`
	Reasons          []string `json:"reasons,omitempty"`
}

// Recommendation is the selector's answer.
type Recommendation struct {
	Model            Profile     `json:"model"`
	Score            float64     `json:"score"`
	EstimatedCostUSD float64     `json:"estimated_cost_usd"`
	Alternates       []Candidate `json:"alternates,omitempty"`
	Hints            Hints       `json:"hints"`
	Reasons          []string    `json:"reasons,omitempty"`
}

// Selector scores catalog profiles against call criteria.
type Selector struct {
	catalog *Catalog
	history *History
}

// NewSelector creates a Selector. history may be nil.
func NewSelector(catalog *Catalog, history *History) *Selector {
	if history == nil {
		history = NewHistory()
	}
	return &Selector{catalog: catalog, history: history}
}

// Catalog returns the selector's catalog.
func (s *Selector) Catalog() *Catalog { return s.catalog }

// History returns the outcome history feeding the learned adjustment.
func (s *Selector) History() *History { return s.history }

// Select returns the best profile for c with up to three ranked alternates.
func (s *Selector) Select(c Criteria) Recommendation {
	c = normalizeCriteria(c)
	out := expectedOutput(c)

	var pool []Profile
	forced := false
	for _, p := range s.catalog.All() {
		if fits(p, c.InputTokens+out) {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		forced = true
		for _, p := range s.catalog.All() {
			if p.CompressionCapable {
				pool = append(pool, p)
			}
		}
	}
	if len(pool) == 0 {
		// Nothing fits and nothing compresses: every profile is a candidate.
		forced = true
		pool = s.catalog.All()
	}

	maxCost, maxLatency := 0.0, 0
	for _, p := range pool {
		maxCost = math.Max(maxCost, p.EstimateCost(c.InputTokens, out))
		if p.Performance.LatencyMs > maxLatency {
			maxLatency = p.Performance.LatencyMs
		}
	}

	cands := make([]Candidate, 0, len(pool))
	for _, p := range pool {
		cands = append(cands, s.score(p, c, out, maxCost, maxLatency))
	}

	reliabilityFirst := c.Priority == PriorityCritical && c.BudgetUSD <= 0
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if reliabilityFirst && a.Profile.Performance.Reliability != b.Profile.Performance.Reliability {
			return a.Profile.Performance.Reliability > b.Profile.Performance.Reliability
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.EstimatedCostUSD != b.EstimatedCostUSD {
			return a.EstimatedCostUSD < b.EstimatedCostUSD
		}
		return a.Profile.Name < b.Profile.Name
	})

	best := cands[0]
	rec := Recommendation{
		Model:            best.Profile,
		Score:            best.Score,
		EstimatedCostUSD: best.EstimatedCostUSD,
		Reasons:          best.Reasons,
	}
	if reliabilityFirst {
		rec.Reasons = append([]string{"critical priority without budget: most reliable profile"}, rec.Reasons...)
	}
	for i := 1; i < len(cands) && len(rec.Alternates) < 3; i++ {
		rec.Alternates = append(rec.Alternates, cands[i])
	}

	rec.Hints = Hints{
		CompressionNeeded:  forced || best.Utilization > 0.75,
		BatchingPossible:   best.Utilization < 0.1 && c.Priority != PriorityCritical,
		CachingRecommended: cacheable(c.Operation) || best.EstimatedCostUSD >= 0.01,
	}

	zap.L().Debug("models: selected profile",
		zap.String("operation", c.Operation),
		zap.String("model", best.Profile.Name),
		zap.Float64("score", best.Score),
		zap.Float64("estimated_cost_usd", best.EstimatedCostUSD),
		zap.Bool("forced_compression", forced),
	)
	return rec
}

func (s *Selector) score(p Profile, c Criteria, out int, maxCost float64, maxLatency int) Candidate {
	cand := Candidate{
		Profile:          p,
		EstimatedCostUSD: p.EstimateCost(c.InputTokens, out),
		Utilization:      float64(c.InputTokens+out) / float64(p.MaxContextTokens),
	}
	add := func(points float64, reason string) {
		if points == 0 {
			return
		}
		cand.Score += points
		cand.Reasons = append(cand.Reasons, fmt.Sprintf("%s %+.1f", reason, points))
	}

	// Utilization fit.
	switch u := cand.Utilization; {
	case u <= 0.5:
		add(15, "utilization")
	case u <= 0.75:
		add(10, "utilization")
	case u <= maxUtilization:
		add(5, "utilization")
	}

	// Specialization.
	if p.Specializes(c.Operation) {
		add(15, "specialization")
	} else if p.Specializes("general") {
		add(5, "general purpose")
	}

	// Quality-tier-weighted accuracy.
	weight := map[string]float64{TierDraft: 10, TierStandard: 20, TierPremium: 35}[c.QualityTarget]
	add(weight*p.Performance.Accuracy, "accuracy")
	switch diff := TierRank(p.Performance.QualityTier) - TierRank(c.QualityTarget); {
	case diff < 0 && c.QualityTarget == TierPremium:
		add(-10, "below quality target")
	case diff >= 0:
		add(5, "meets quality target")
	}

	costEfficiency := 0.0
	if maxCost > 0 {
		costEfficiency = 1 - cand.EstimatedCostUSD/maxCost
	}

	if c.Priority == PriorityCritical {
		add(40*p.Performance.Reliability, "reliability")
	}
	if c.Priority == PriorityLow {
		add(30*costEfficiency, "cost efficiency")
	}
	if c.Speed == SpeedFast && maxLatency > 0 {
		add(20*(1-float64(p.Performance.LatencyMs)/float64(maxLatency)), "latency")
	}

	if c.BudgetUSD > 0 && cand.EstimatedCostUSD > c.BudgetUSD {
		over := (cand.EstimatedCostUSD - c.BudgetUSD) / c.BudgetUSD
		add(-(30 + math.Min(over*20, 40)), "over budget")
	}

	switch c.Complexity {
	case ComplexityExtreme:
		add(15*p.Performance.Consistency, "consistency")
	case ComplexityComplex:
		add(10*p.Performance.Accuracy, "complexity accuracy")
	case ComplexitySimple:
		add(15*costEfficiency, "simple input cost")
	}

	add(s.history.Adjustment(p.Name, c.Operation), "history")
	return cand
}

func fits(p Profile, tokens int) bool {
	return float64(tokens) <= maxUtilization*float64(p.MaxContextTokens)
}

func expectedOutput(c Criteria) int {
	if c.OutputTokens > 0 {
		return c.OutputTokens
	}
	out := c.InputTokens / 4
	if out < 1024 {
		out = 1024
	}
	if out > 16384 {
		out = 16384
	}
	return out
}

func normalizeCriteria(c Criteria) Criteria {
	c.Operation = strings.ToLower(strings.TrimSpace(c.Operation))
	if c.Operation == "" {
		c.Operation = "default"
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	if c.Speed == "" {
		c.Speed = SpeedNormal
	}
	if c.QualityTarget == "" {
		c.QualityTarget = TierStandard
	}
	if c.Complexity == "" {
		c.Complexity = ComplexityModerate
	}
	if c.InputTokens < 0 {
		c.InputTokens = 0
	}
	return c
}

func cacheable(op string) bool {
	switch op {
	case "organize", "dedup", "audit":
		return true
	}
	return false
}
