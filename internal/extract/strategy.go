package extract

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
	"github.com/sells-group/designscan/pkg/browser"
)

// ErrNoBrowser is returned by browser strategies when no browser is configured
// or it could not be started.
var ErrNoBrowser = eris.New("extract: no browser available")

// Strategy names.
const (
	StrategyStaticCSS      = "static-css"
	StrategyComputedStyles = "computed-styles"
	StrategyCSSVariables   = "css-variables"
	StrategyCoverage       = "coverage"
	StrategyInteractive    = "interactive-states"
	StrategyLayout         = "layout"
	StrategyBrand          = "brand"
	StrategyAccessibility  = "accessibility"
)

// Strategy is one independent technique for pulling style data from a page.
// Extract returns a JSON-serializable value.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, sc *model.ScanContext, env *Env) (any, error)
}

// DefaultStrategies returns the built-in strategies in priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		StaticCSS{},
		ComputedStyles{},
		CSSVariables{},
		Coverage{},
		InteractiveStates{},
		Layout{},
		Brand{},
		Accessibility{},
	}
}

// Env holds the per-scan resources strategies share: one browser page and
// one parsed copy of each fetched document. Locks guard fields only and are
// never held across fetches or browser calls.
type Env struct {
	collector *Collector
	factory   browser.Factory

	mu      sync.Mutex
	b       browser.Browser
	loaded  string
	pages   map[string]*Page
	collect map[string]*Collection
}

// NewEnv creates an Env. factory may be nil when no browser is available.
func NewEnv(collector *Collector, factory browser.Factory) *Env {
	return &Env{
		collector: collector,
		factory:   factory,
		pages:     make(map[string]*Page),
		collect:   make(map[string]*Collection),
	}
}

// Page fetches and parses the scan's page, once per URL and user agent.
func (e *Env) Page(ctx context.Context, sc *model.ScanContext) (*Page, error) {
	if e.collector == nil {
		return nil, eris.New("extract: no fetcher configured")
	}
	key := pageKey(sc)
	e.mu.Lock()
	p, ok := e.pages[key]
	e.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := e.collector.FetchPage(ctx, sc.URL, sc.UserAgent)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.pages[key] = p
	e.mu.Unlock()
	return p, nil
}

// Styles collects every style block of the scan's page, once per URL and
// user agent.
func (e *Env) Styles(ctx context.Context, sc *model.ScanContext) (*Collection, error) {
	key := pageKey(sc)
	e.mu.Lock()
	col, ok := e.collect[key]
	e.mu.Unlock()
	if ok {
		return col, nil
	}
	page, err := e.Page(ctx, sc)
	if err != nil {
		return nil, err
	}
	col, err = e.collector.Collect(ctx, page, sc.UserAgent)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.collect[key] = col
	e.mu.Unlock()
	return col, nil
}

// Browser returns the shared browser navigated to the scan's URL, opening it
// on first use.
func (e *Env) Browser(ctx context.Context, sc *model.ScanContext) (browser.Browser, error) {
	b, loaded, err := e.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}
	if loaded == pageKey(sc) {
		return b, nil
	}
	if err := e.navigate(ctx, b, sc); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload navigates the shared browser again, e.g. after starting coverage.
func (e *Env) Reload(ctx context.Context, sc *model.ScanContext) error {
	e.mu.Lock()
	b := e.b
	e.mu.Unlock()
	if b == nil {
		return ErrNoBrowser
	}
	return e.navigate(ctx, b, sc)
}

func (e *Env) ensureBrowser(ctx context.Context) (browser.Browser, string, error) {
	e.mu.Lock()
	b, loaded := e.b, e.loaded
	e.mu.Unlock()
	if b != nil {
		return b, loaded, nil
	}
	if e.factory == nil {
		return nil, "", ErrNoBrowser
	}
	b, err := e.factory(ctx)
	if err != nil {
		return nil, "", eris.Wrapf(ErrNoBrowser, "extract: open browser: %v", err)
	}
	e.mu.Lock()
	e.b = b
	e.mu.Unlock()
	return b, "", nil
}

func (e *Env) navigate(ctx context.Context, b browser.Browser, sc *model.ScanContext) error {
	e.setLoaded("")
	err := b.Goto(ctx, sc.URL, browser.GotoOptions{
		Timeout:    sc.Timeout,
		SettleTime: sc.Options.SettleTime,
		UserAgent:  sc.UserAgent,
	})
	if err != nil {
		return err
	}
	var html string
	if err := browser.EvaluateInto(ctx, b, &html, blockProbeScript); err == nil {
		if blocked, bt := DetectBlockHTML([]byte(html)); blocked {
			return eris.Wrapf(resilience.NewBlockedError(string(bt)), "extract: page %s", sc.URL)
		}
	} else {
		zap.L().Debug("extract: block probe failed", zap.Error(err))
	}
	e.setLoaded(pageKey(sc))
	return nil
}

func (e *Env) setLoaded(key string) {
	e.mu.Lock()
	e.loaded = key
	e.mu.Unlock()
}

func pageKey(sc *model.ScanContext) string {
	return sc.URL + "|" + sc.UserAgent
}

// Close releases the browser.
func (e *Env) Close() {
	e.mu.Lock()
	b := e.b
	e.b, e.loaded = nil, ""
	e.mu.Unlock()
	if b != nil {
		if err := b.Close(); err != nil {
			zap.L().Debug("extract: close browser", zap.Error(err))
		}
	}
}

// ToData converts a strategy output into the generic result map.
func ToData(v any) (map[string]any, int, error) {
	if v == nil {
		return map[string]any{}, 2, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, 0, eris.Wrap(err, "extract: marshal strategy output")
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, 0, eris.Wrap(err, "extract: strategy output is not an object")
	}
	return out, len(b), nil
}

// Decode converts a result map back into a typed strategy output.
func Decode(data map[string]any, out any) error {
	if data == nil {
		return eris.New("extract: no data")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "extract: marshal data")
	}
	return eris.Wrap(json.Unmarshal(b, out), "extract: decode data")
}
