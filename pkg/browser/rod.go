package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const defaultNavigationTimeout = 30 * time.Second

// Config configures the local Chrome launch.
type Config struct {
	// Bin is the Chrome binary; empty lets the launcher find or download one.
	Bin string
	// ControlURL connects to an already running Chrome instead of launching.
	ControlURL string
	Headless   bool
	NoSandbox  bool
	Stealth    bool
	UserAgent  string
}

// Rod implements Browser over a single go-rod page.
type Rod struct {
	cfg     Config
	browser *rod.Browser
	page    *rod.Page
	lnch    *launcher.Launcher

	coverageOn bool
}

// NewFactory returns a Factory that launches a browser per call.
func NewFactory(cfg Config) Factory {
	return func(ctx context.Context) (Browser, error) {
		return Launch(ctx, cfg)
	}
}

// Launch starts Chrome (or connects to ControlURL) and opens one page.
func Launch(ctx context.Context, cfg Config) (*Rod, error) {
	r := &Rod{cfg: cfg}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		if cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, eris.Wrap(err, "browser: launch")
		}
		controlURL = u
		r.lnch = l
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		r.cleanupLauncher()
		return nil, eris.Wrap(err, "browser: connect")
	}
	r.browser = b

	var (
		page *rod.Page
		err  error
	)
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = r.Close()
		return nil, eris.Wrap(err, "browser: open page")
	}
	r.page = page

	if cfg.UserAgent != "" {
		if err := r.setUserAgent(cfg.UserAgent); err != nil {
			zap.L().Warn("browser: set user agent failed", zap.Error(err))
		}
	}

	zap.L().Debug("browser: page ready",
		zap.Bool("stealth", cfg.Stealth),
		zap.Bool("headless", cfg.Headless),
	)
	return r, nil
}

// Goto navigates and waits for load, then for SettleTime.
func (r *Rod) Goto(ctx context.Context, url string, opts GotoOptions) error {
	if opts.UserAgent != "" {
		if err := r.setUserAgent(opts.UserAgent); err != nil {
			return eris.Wrap(err, "browser: set user agent")
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := r.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	if err := page.WaitLoad(); err != nil {
		zap.L().Warn("browser: wait load timeout", zap.String("url", url), zap.Error(err))
	}

	if opts.SettleTime > 0 {
		select {
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "browser: settle")
		case <-time.After(opts.SettleTime):
		}
	}
	return nil
}

// Evaluate implements Browser.
func (r *Rod) Evaluate(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	res, err := r.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "browser: evaluate")
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "browser: marshal evaluate result")
	}
	return raw, nil
}

// Hover implements Browser.
func (r *Rod) Hover(ctx context.Context, selector string) error {
	el, err := r.page.Context(ctx).Element(selector)
	if err != nil {
		return eris.Wrapf(err, "browser: element %s", selector)
	}
	return eris.Wrapf(el.Hover(), "browser: hover %s", selector)
}

// Click implements Browser.
func (r *Rod) Click(ctx context.Context, selector string) error {
	el, err := r.page.Context(ctx).Element(selector)
	if err != nil {
		return eris.Wrapf(err, "browser: element %s", selector)
	}
	return eris.Wrapf(el.Click(proto.InputMouseButtonLeft, 1), "browser: click %s", selector)
}

// SetViewport implements Browser.
func (r *Rod) SetViewport(ctx context.Context, vp Viewport) error {
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            vp.Width < 768,
	}.Call(r.page.Context(ctx))
	return eris.Wrap(err, "browser: set viewport")
}

// StartCoverage begins CSS rule usage tracking.
func (r *Rod) StartCoverage(ctx context.Context) error {
	page := r.page.Context(ctx)
	if err := (proto.DOMEnable{}).Call(page); err != nil {
		return eris.Wrap(err, "browser: enable dom")
	}
	if err := (proto.CSSEnable{}).Call(page); err != nil {
		return eris.Wrap(err, "browser: enable css")
	}
	if err := (proto.CSSStartRuleUsageTracking{}).Call(page); err != nil {
		return eris.Wrap(err, "browser: start rule usage tracking")
	}
	r.coverageOn = true
	return nil
}

// StopCoverage ends tracking and groups used rule ranges per stylesheet.
func (r *Rod) StopCoverage(ctx context.Context) ([]CoverageEntry, error) {
	if !r.coverageOn {
		return nil, eris.New("browser: coverage not started")
	}
	r.coverageOn = false

	page := r.page.Context(ctx)
	res, err := proto.CSSStopRuleUsageTracking{}.Call(page)
	if err != nil {
		return nil, eris.Wrap(err, "browser: stop rule usage tracking")
	}

	byID := make(map[proto.CSSStyleSheetID]*CoverageEntry)
	var order []proto.CSSStyleSheetID
	for _, u := range res.RuleUsage {
		e, ok := byID[u.StyleSheetID]
		if !ok {
			e = &CoverageEntry{StyleSheetID: string(u.StyleSheetID)}
			byID[u.StyleSheetID] = e
			order = append(order, u.StyleSheetID)
		}
		if u.Used {
			e.Ranges = append(e.Ranges, CoverageRange{Start: int(u.StartOffset), End: int(u.EndOffset)})
		}
	}

	out := make([]CoverageEntry, 0, len(order))
	for _, id := range order {
		e := byID[id]
		text, err := proto.CSSGetStyleSheetText{StyleSheetID: id}.Call(page)
		if err != nil {
			zap.L().Debug("browser: stylesheet text unavailable", zap.String("id", string(id)), zap.Error(err))
		} else {
			e.Text = text.Text
		}
		out = append(out, *e)
	}
	return out, nil
}

// Close closes the page, the browser, and any launched process.
func (r *Rod) Close() error {
	var err error
	if r.page != nil {
		_ = r.page.Close()
		r.page = nil
	}
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	r.cleanupLauncher()
	return eris.Wrap(err, "browser: close")
}

func (r *Rod) setUserAgent(ua string) error {
	return r.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (r *Rod) cleanupLauncher() {
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
}
