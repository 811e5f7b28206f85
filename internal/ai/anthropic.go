package ai

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/cost"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/pkg/anthropic"
)

const defaultMaxTokens = 4096

const jsonInstruction = "Respond with a single JSON document and no surrounding prose."

// AnthropicCompleter serves claude-family models.
type AnthropicCompleter struct {
	client anthropic.Client
	calc   *cost.Calculator
}

// NewAnthropicCompleter wraps an anthropic client. calc may be nil, in which
// case responses carry no cost.
func NewAnthropicCompleter(client anthropic.Client, calc *cost.Calculator) *AnthropicCompleter {
	return &AnthropicCompleter{client: client, calc: calc}
}

// Complete implements Completer.
func (a *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if a.client == nil {
		return nil, eris.Wrap(ErrNoCompleter, "ai: anthropic client not configured")
	}

	system := req.System
	if req.Format == FormatJSON {
		if system != "" {
			system += "\n\n"
		}
		system += jsonInstruction
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	start := time.Now()
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   int64(maxTokens),
		System:      anthropic.SystemBlocks(system),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ai: complete %s", req.Operation)
	}

	usage := model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
	modelName := resp.Model
	if modelName == "" {
		modelName = req.Model
	}
	if a.calc != nil {
		usage.Cost = a.calc.Usage(req.Model, usage)
	}
	resp.Usage.LogCost(modelName, req.Operation, usage.Cost)

	return &CompletionResponse{
		Text:      resp.Text(),
		Model:     modelName,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
