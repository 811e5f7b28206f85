package ai

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/cost"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/pkg/gemini"
)

// GeminiCompleter serves gemini-family models.
type GeminiCompleter struct {
	client gemini.Client
	calc   *cost.Calculator
}

// NewGeminiCompleter wraps a gemini client.
func NewGeminiCompleter(client gemini.Client, calc *cost.Calculator) *GeminiCompleter {
	return &GeminiCompleter{client: client, calc: calc}
}

// Complete implements Completer.
func (g *GeminiCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if g.client == nil {
		return nil, eris.Wrap(ErrNoCompleter, "ai: gemini client not configured")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	start := time.Now()
	resp, err := g.client.Generate(ctx, gemini.GenerateRequest{
		Model:       req.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		JSON:        req.Format == FormatJSON,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ai: complete %s", req.Operation)
	}

	usage := model.TokenUsage{
		InputTokens:     resp.InputTokens - resp.CachedTokens,
		OutputTokens:    resp.OutputTokens,
		CacheReadTokens: resp.CachedTokens,
	}
	if g.calc != nil {
		usage.Cost = g.calc.Usage(req.Model, usage)
	}
	zap.L().Info("cost attribution",
		zap.String("model", resp.Model),
		zap.String("operation", req.Operation),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Int("cache_read_tokens", usage.CacheReadTokens),
		zap.Float64("estimated_cost_usd", usage.Cost),
	)

	return &CompletionResponse{
		Text:      resp.Text,
		Model:     resp.Model,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
