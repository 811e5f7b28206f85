// Package browser defines the browser capability used by extraction
// strategies and a go-rod implementation of it.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

// GotoOptions tunes a navigation.
type GotoOptions struct {
	Timeout    time.Duration
	SettleTime time.Duration
	UserAgent  string
}

// Viewport is a window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// CoverageRange is a used byte range of a stylesheet.
type CoverageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CoverageEntry is the rule usage of one stylesheet.
type CoverageEntry struct {
	StyleSheetID string          `json:"stylesheet_id"`
	URL          string          `json:"url,omitempty"`
	Text         string          `json:"text"`
	Ranges       []CoverageRange `json:"ranges"`
}

// UsedBytes sums the lengths of the used ranges.
func (e CoverageEntry) UsedBytes() int {
	n := 0
	for _, r := range e.Ranges {
		if r.End > r.Start {
			n += r.End - r.Start
		}
	}
	return n
}

// Browser is one page of a controlled browser. Calls are not safe for
// concurrent use; extraction strategies share a Browser sequentially.
type Browser interface {
	Goto(ctx context.Context, url string, opts GotoOptions) error
	// Evaluate runs a JavaScript function expression such as
	// "() => document.title" and returns its JSON-encoded result.
	Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error)
	Hover(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	SetViewport(ctx context.Context, vp Viewport) error
	StartCoverage(ctx context.Context) error
	StopCoverage(ctx context.Context) ([]CoverageEntry, error)
	Close() error
}

// Factory opens a fresh Browser, typically one per scan.
type Factory func(ctx context.Context) (Browser, error)

// EvaluateInto runs script and decodes its result into out.
func EvaluateInto(ctx context.Context, b Browser, out any, script string, args ...any) error {
	raw, err := b.Evaluate(ctx, script, args...)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
