// Package ai defines the completion and embedding capabilities the
// processing pipeline depends on, plus adapters for concrete vendors.
package ai

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/model"
)

// ErrNoCompleter is returned when no completer can serve a model.
var ErrNoCompleter = eris.New("ai: no completer for model")

// Format hints the shape the caller expects back.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	Operation   string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	Format      Format
}

// CompletionResponse carries the model output and what it cost.
type CompletionResponse struct {
	Text      string
	Model     string
	Usage     model.TokenUsage
	LatencyMs int64
	// Cached is set when the response was served from a response cache
	// and cost nothing.
	Cached bool
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, req)
}

// Temperature returns a pointer to t for CompletionRequest.Temperature.
func Temperature(t float64) *float64 {
	return &t
}
