package cost

import "github.com/sells-group/designscan/internal/models"

// Optimizer estimates token volume and compresses oversized payloads.
type Optimizer struct {
	counter     *Counter
	summarizeAt int
	insightTopN int
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithInsightTopN sets how many items key-insight extraction keeps per array.
func WithInsightTopN(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.insightTopN = n
		}
	}
}

// WithSummarizeAt sets the array length at which shared fields are hoisted.
func WithSummarizeAt(n int) Option {
	return func(o *Optimizer) {
		if n > 1 {
			o.summarizeAt = n
		}
	}
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(opts ...Option) *Optimizer {
	o := &Optimizer{
		counter:     NewCounter(),
		summarizeAt: defaultSummarizeAt,
		insightTopN: defaultInsightTopN,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CountTokens estimates tokens and input cost of text under profile p.
func (o *Optimizer) CountTokens(text string, p models.Profile) TokenCount {
	return o.counter.Count(text, p)
}

// CacheHits returns how many token counts were served from cache.
func (o *Optimizer) CacheHits() int {
	return o.counter.Hits()
}
