package gateway

import (
	"context"

	"github.com/sells-group/designscan/internal/ai"
)

type cachingCompleter struct {
	cache *Cache
	next  ai.Completer
}

// Wrap returns a Completer that answers from the cache when it can and
// stores successful responses from next. Cached responses report zero usage.
func (c *Cache) Wrap(next ai.Completer) ai.Completer {
	return &cachingCompleter{cache: c, next: next}
}

func (w *cachingCompleter) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	key := RequestFrom(req)
	if hit, ok := w.cache.Get(key); ok {
		return &ai.CompletionResponse{
			Text:   hit.Payload,
			Model:  req.Model,
			Cached: true,
		}, nil
	}
	resp, err := w.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Text != "" {
		w.cache.Put(key, resp.Text, resp.Usage)
	}
	return resp, nil
}

// RequestFrom maps a completion request to its cache identity. Model,
// system prompt, output format, token limit and temperature scope the entry.
func RequestFrom(req ai.CompletionRequest) Request {
	params := map[string]any{
		"format":     string(req.Format),
		"max_tokens": req.MaxTokens,
	}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	return Request{
		Model:     req.Model,
		Operation: req.Operation,
		System:    req.System,
		Prompt:    req.Prompt,
		Params:    params,
	}
}

