package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
	"github.com/sells-group/designscan/pkg/browser"
)

// completedThreshold is the success ratio at or above which a scan is
// completed rather than partial.
const completedThreshold = 0.7

// strategyWeights weight each strategy's contribution to data quality.
var strategyWeights = map[string]float64{
	StrategyStaticCSS:      3,
	StrategyComputedStyles: 3,
	StrategyCSSVariables:   2,
	StrategyCoverage:       2,
	StrategyInteractive:    1.5,
	StrategyLayout:         1.5,
	StrategyBrand:          1,
	StrategyAccessibility:  1,
}

// EngineConfig tunes strategy execution.
type EngineConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase     time.Duration
	StrategyTimeout time.Duration
	ScanTimeout     time.Duration
	UserAgent       string
	Viewports       []model.Viewport
	// Strategies restricts the run to these names, in engine order. Empty
	// runs all registered strategies.
	Strategies []string
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:      2,
		BackoffBase:     time.Second,
		StrategyTimeout: 45 * time.Second,
		ScanTimeout:     5 * time.Minute,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		Viewports:       model.DefaultViewports(),
	}
}

// Engine runs an ordered list of strategies against a page.
type Engine struct {
	cfg        EngineConfig
	strategies []Strategy
	byName     map[string]Strategy
	collector  *Collector
	browsers   browser.Factory
	nowFunc    func() time.Time
}

// New creates an Engine. browsers may be nil, in which case browser
// strategies fail with ErrNoBrowser. With no strategies the defaults are used.
func New(cfg EngineConfig, collector *Collector, browsers browser.Factory, strategies ...Strategy) *Engine {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = 45 * time.Second
	}
	if len(cfg.Viewports) == 0 {
		cfg.Viewports = model.DefaultViewports()
	}

	allowed := make(map[string]bool, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		allowed[strings.TrimSpace(name)] = true
	}
	e := &Engine{
		cfg:       cfg,
		byName:    make(map[string]Strategy, len(strategies)),
		collector: collector,
		browsers:  browsers,
		nowFunc:   time.Now,
	}
	for _, s := range strategies {
		// Every strategy stays addressable for recovery even when filtered
		// out of the default run.
		e.byName[s.Name()] = s
		if len(allowed) == 0 || allowed[s.Name()] {
			e.strategies = append(e.strategies, s)
		}
	}
	return e
}

// Names returns the strategies a full run executes, in order.
func (e *Engine) Names() []string {
	out := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		out[i] = s.Name()
	}
	return out
}

// Strategy returns the named strategy.
func (e *Engine) Strategy(name string) (Strategy, bool) {
	s, ok := e.byName[name]
	return s, ok
}

// NewScanContext validates rawURL and builds a fresh ScanContext for it.
func (e *Engine) NewScanContext(rawURL string, opts model.ScanOptions, onProgress model.ProgressSink) (*model.ScanContext, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("extract: invalid url %q", rawURL)
	}
	return &model.ScanContext{
		ID:        uuid.NewString(),
		URL:       u.String(),
		Domain:    model.DomainOf(u.String()),
		UserAgent: e.cfg.UserAgent,
		Viewports: append([]model.Viewport(nil), e.cfg.Viewports...),
		Options:   opts,
		Timeout:   e.cfg.StrategyTimeout,
		Cache:     model.NewSharedCache(),
		Progress:  onProgress,
	}, nil
}

// RunAll scans rawURL with every enabled strategy using a fresh session.
func (e *Engine) RunAll(ctx context.Context, rawURL string, opts model.ScanOptions, onProgress model.ProgressSink) (*model.ScanResult, error) {
	sc, err := e.NewScanContext(rawURL, opts, onProgress)
	if err != nil {
		return nil, err
	}
	s := e.NewSession()
	defer s.Close()
	return s.RunAll(ctx, sc), nil
}

// Session is one scan's use of the engine. It owns the shared browser and
// fetched documents, and stays usable for recovery after RunAll.
type Session struct {
	engine *Engine
	env    *Env
}

// NewSession opens a session. Close releases its browser.
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, env: NewEnv(e.collector, e.browsers)}
}

// Close releases session resources.
func (s *Session) Close() {
	s.env.Close()
}

// RunAll executes the enabled strategies sequentially. Failures are recorded,
// never fatal; once the scan timeout passes the remaining strategies are
// recorded as timed out.
func (s *Session) RunAll(ctx context.Context, sc *model.ScanContext) *model.ScanResult {
	e := s.engine
	start := e.nowFunc()
	if e.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ScanTimeout)
		defer cancel()
	}

	var plan []Strategy
	for _, st := range e.strategies {
		if c, ok := st.(Conditional); ok && !c.Enabled(sc.Options) {
			continue
		}
		plan = append(plan, st)
	}

	res := &model.ScanResult{ScanID: sc.ID, URL: sc.URL}
	completed := 0
	for i, st := range plan {
		name := st.Name()
		s.emit(sc, start, float64(i)/float64(len(plan))*100, "Running "+name, completed, res.CacheHits)

		var r model.ExtractionResult
		if err := ctx.Err(); err != nil {
			r = failedResult(sc.ID, name, eris.Wrapf(err, "extract: scan aborted before %s", name), 0)
		} else {
			r = s.Run(ctx, name, sc)
		}
		if r.Performance.CacheHit {
			res.CacheHits++
		}
		if r.Success {
			completed++
		}
		res.Results = append(res.Results, r)
	}

	res.Status = ScanStatusOf(res.Results)
	res.DataQuality = DataQuality(res.Results)
	res.DurationMs = e.nowFunc().Sub(start).Milliseconds()
	s.emit(sc, start, 100, "Extraction finished", completed, res.CacheHits)

	zap.L().Info("extract: scan finished",
		zap.String("scan_id", sc.ID),
		zap.String("url", sc.URL),
		zap.String("status", string(res.Status)),
		zap.Float64("data_quality", res.DataQuality),
		zap.Int("strategies", len(res.Results)),
		zap.Int("succeeded", completed),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res
}

func (s *Session) emit(sc *model.ScanContext, start time.Time, pct float64, label string, completed, cacheHits int) {
	if sc.Progress == nil {
		return
	}
	sc.Progress(model.Progress{
		ScanID:                 sc.ID,
		Phase:                  model.PhaseExtraction,
		OverallProgressPercent: pct,
		CurrentStepLabel:       label,
		ElapsedMs:              s.engine.nowFunc().Sub(start).Milliseconds(),
		Metrics: model.ProgressMetrics{
			StrategiesCompleted: completed,
			CacheHits:           cacheHits,
		},
	})
}

// CacheKey is the scan-cache key of a strategy run.
func CacheKey(strategy, pageURL string, opts model.ScanOptions) string {
	return strategy + "|" + pageURL + "|" + opts.Hash()
}

type output struct {
	data map[string]any
	size int
}

// Run executes one strategy by name with caching, retries, a per-attempt
// timeout and panic recovery. It never returns an error; failures are
// described by the result.
func (s *Session) Run(ctx context.Context, name string, sc *model.ScanContext) model.ExtractionResult {
	e := s.engine
	st, ok := e.byName[name]
	if !ok {
		return failedResult(sc.ID, name, eris.Errorf("extract: unknown strategy %q", name), 0)
	}

	key := CacheKey(name, sc.URL, sc.Options)
	if sc.Cache != nil {
		if cached, ok := sc.Cache.Get(key); ok && cached.Success {
			cached.Performance.CacheHit = true
			zap.L().Debug("extract: scan cache hit", zap.String("strategy", name))
			return cached
		}
	}

	start := e.nowFunc()
	retry := resilience.RetryConfig{
		MaxAttempts:    e.cfg.MaxRetries + 1,
		InitialBackoff: e.cfg.BackoffBase,
		MaxBackoff:     max(e.cfg.BackoffBase*16, time.Millisecond),
		Multiplier:     2,
		ShouldRetry:    retryable,
		OnRetry:        resilience.RetryLogger("extract", name),
	}
	out, attempts, err := resilience.Retry(ctx, retry, func(ctx context.Context) (output, error) {
		return s.attempt(ctx, st, sc)
	})
	elapsed := e.nowFunc().Sub(start).Milliseconds()

	if err != nil {
		r := failedResult(sc.ID, name, err, attempts)
		r.Performance.DurationMs = elapsed
		zap.L().Warn("extract: strategy failed",
			zap.String("strategy", name),
			zap.String("url", sc.URL),
			zap.String("error_kind", string(r.ErrorKind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return r
	}

	r := model.ExtractionResult{
		ScanID:       sc.ID,
		StrategyName: name,
		Success:      true,
		Data:         out.data,
		Performance:  model.Performance{DurationMs: elapsed, DataSizeBytes: out.size},
		Attempts:     attempts,
	}
	if sc.Cache != nil {
		sc.Cache.Set(key, r)
	}
	zap.L().Debug("extract: strategy completed",
		zap.String("strategy", name),
		zap.Int64("duration_ms", elapsed),
		zap.Int("bytes", out.size),
		zap.Int("attempts", attempts),
	)
	return r
}

func (s *Session) attempt(ctx context.Context, st Strategy, sc *model.ScanContext) (out output, err error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = s.engine.cfg.StrategyTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("extract: strategy %s panicked: %v", st.Name(), p)
		}
	}()

	v, err := st.Extract(actx, sc, s.env)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = eris.Wrapf(context.DeadlineExceeded, "extract: %s timed out after %s (%v)", st.Name(), timeout, err)
		}
		return output{}, err
	}
	data, size, err := ToData(v)
	if err != nil {
		return output{}, err
	}
	return output{data: data, size: size}, nil
}

// retryable reports whether a strategy error is worth retrying in place.
// Blocks, missing browsers and thin pages are left to recovery rules.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoBrowser) {
		return false
	}
	switch resilience.Classify(err) {
	case model.ErrorKindAntiBot, model.ErrorKindLowYield, model.ErrorKindBrowser:
		return false
	}
	return true
}

func failedResult(scanID, name string, err error, attempts int) model.ExtractionResult {
	kind := resilience.Classify(err)
	if errors.Is(err, ErrNoBrowser) {
		kind = model.ErrorKindBrowser
	}
	return model.ExtractionResult{
		ScanID:       scanID,
		StrategyName: name,
		Error:        err.Error(),
		ErrorKind:    kind,
		Attempts:     attempts,
	}
}

// ScanStatusOf derives the scan status from its results.
func ScanStatusOf(results []model.ExtractionResult) model.ScanStatus {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return model.ScanStatusFailed
	case float64(succeeded)/float64(len(results)) >= completedThreshold:
		return model.ScanStatusCompleted
	default:
		return model.ScanStatusPartial
	}
}

// DataQuality is the weighted share of succeeded strategies, 0–100, over
// the strategies that ran.
func DataQuality(results []model.ExtractionResult) float64 {
	var total, got float64
	for _, r := range results {
		w := StrategyWeight(r.StrategyName)
		total += w
		if r.Success {
			got += w
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * got / total
}

// StrategyWeight returns the data-quality weight of a strategy.
func StrategyWeight(name string) float64 {
	if w, ok := strategyWeights[name]; ok {
		return w
	}
	return 1
}

// Summary renders a one-line description of a scan result.
func Summary(res *model.ScanResult) string {
	return fmt.Sprintf("%s: %s (%d/%d strategies, quality %.0f)",
		res.URL, res.Status, len(res.Succeeded()), len(res.Results), res.DataQuality)
}
