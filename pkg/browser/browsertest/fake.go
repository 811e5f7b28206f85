// Package browsertest provides a scriptable in-memory Browser for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/sells-group/designscan/pkg/browser"
)

// ErrNoScript is returned by Evaluate when no registered marker matches.
var ErrNoScript = errors.New("browsertest: no result for script")

// Fake records calls and answers Evaluate from registered results. A
// result is chosen by the first registered marker contained in the script.
type Fake struct {
	mu sync.Mutex

	markers []string
	results map[string]any
	errs    map[string]error

	GotoErr     error
	HoverErr    error
	ClickErr    error
	Coverage    []browser.CoverageEntry
	CoverageErr error

	Visited   []string
	Hovered   []string
	Clicked   []string
	Viewports []browser.Viewport
	Agents    []string
	Closed    bool
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{results: make(map[string]any), errs: make(map[string]error)}
}

// On registers the value returned for scripts containing marker.
func (f *Fake) On(marker string, result any) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.register(marker)
	f.results[marker] = result
	return f
}

// Fail registers an error returned for scripts containing marker.
func (f *Fake) Fail(marker string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.register(marker)
	f.errs[marker] = err
	return f
}

func (f *Fake) register(marker string) {
	for _, m := range f.markers {
		if m == marker {
			return
		}
	}
	f.markers = append(f.markers, marker)
}

// Factory returns a browser.Factory that always yields f.
func (f *Fake) Factory() browser.Factory {
	return func(context.Context) (browser.Browser, error) { return f, nil }
}

// Goto implements browser.Browser.
func (f *Fake) Goto(ctx context.Context, url string, opts browser.GotoOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Visited = append(f.Visited, url)
	if opts.UserAgent != "" {
		f.Agents = append(f.Agents, opts.UserAgent)
	}
	return f.GotoErr
}

// Evaluate implements browser.Browser.
func (f *Fake) Evaluate(ctx context.Context, script string, _ ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markers {
		if !strings.Contains(script, m) {
			continue
		}
		if err, ok := f.errs[m]; ok {
			return nil, err
		}
		return json.Marshal(f.results[m])
	}
	return nil, ErrNoScript
}

// Hover implements browser.Browser.
func (f *Fake) Hover(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Hovered = append(f.Hovered, selector)
	return f.HoverErr
}

// Click implements browser.Browser.
func (f *Fake) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Clicked = append(f.Clicked, selector)
	return f.ClickErr
}

// SetViewport implements browser.Browser.
func (f *Fake) SetViewport(_ context.Context, vp browser.Viewport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Viewports = append(f.Viewports, vp)
	return nil
}

// StartCoverage implements browser.Browser.
func (f *Fake) StartCoverage(context.Context) error { return nil }

// StopCoverage implements browser.Browser.
func (f *Fake) StopCoverage(context.Context) ([]browser.CoverageEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Coverage, f.CoverageErr
}

// Close implements browser.Browser.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
