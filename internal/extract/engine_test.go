package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
)

type stubStrategy struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (any, error)
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Extract(ctx context.Context, _ *model.ScanContext, _ *Env) (any, error) {
	n := int(s.calls.Add(1))
	return s.fn(ctx, n)
}

func okStrategy(name string) *stubStrategy {
	return &stubStrategy{name: name, fn: func(context.Context, int) (any, error) {
		return map[string]any{"ok": true}, nil
	}}
}

func failStrategy(name string, err error) *stubStrategy {
	return &stubStrategy{name: name, fn: func(context.Context, int) (any, error) {
		return nil, err
	}}
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:      2,
		StrategyTimeout: time.Second,
		UserAgent:       "test-agent",
	}
}

func TestScanStatusOf(t *testing.T) {
	t.Parallel()

	mk := func(ok ...bool) []model.ExtractionResult {
		out := make([]model.ExtractionResult, len(ok))
		for i, s := range ok {
			out[i] = model.ExtractionResult{Success: s}
		}
		return out
	}
	tests := []struct {
		name    string
		results []model.ExtractionResult
		want    model.ScanStatus
	}{
		{"all succeeded", mk(true, true, true), model.ScanStatusCompleted},
		{"exactly seventy percent", mk(true, true, true, true, true, true, true, false, false, false), model.ScanStatusCompleted},
		{"below threshold", mk(true, true, false), model.ScanStatusPartial},
		{"one of many", mk(true, false, false, false), model.ScanStatusPartial},
		{"none succeeded", mk(false, false), model.ScanStatusFailed},
		{"nothing ran", nil, model.ScanStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ScanStatusOf(tt.results))
		})
	}
}

func TestDataQuality_NormalizedOverRun(t *testing.T) {
	results := []model.ExtractionResult{
		{StrategyName: StrategyStaticCSS, Success: true},
		{StrategyName: StrategyComputedStyles, Success: false},
		{StrategyName: "custom", Success: true},
	}
	// (3 + 1) / (3 + 3 + 1)
	assert.InDelta(t, 400.0/7.0, DataQuality(results), 0.001)
	assert.InDelta(t, 100.0, DataQuality(results[:1]), 0.001)
	assert.Zero(t, DataQuality(nil))
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	flaky := &stubStrategy{name: "flaky", fn: func(_ context.Context, call int) (any, error) {
		if call < 3 {
			return nil, resilience.NewTransientError(errors.New("upstream 503"), 503)
		}
		return map[string]any{"colors": 3}, nil
	}}
	e := New(testEngineConfig(), nil, nil, flaky)
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)

	s := e.NewSession()
	defer s.Close()
	r := s.Run(context.Background(), "flaky", sc)

	assert.True(t, r.Success)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, float64(3), r.Data["colors"])
	assert.Greater(t, r.Performance.DataSizeBytes, 0)
}

func TestEngine_DoesNotRetryPermanentKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind model.ErrorKind
	}{
		{"anti-bot", resilience.NewBlockedError("captcha"), model.ErrorKindAntiBot},
		{"low yield", resilience.NewLowYieldError(1, 3), model.ErrorKindLowYield},
		{"no browser", ErrNoBrowser, model.ErrorKindBrowser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := failStrategy("s", tt.err)
			e := New(testEngineConfig(), nil, nil, st)
			sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
			require.NoError(t, err)

			r := e.NewSession().Run(context.Background(), "s", sc)
			assert.False(t, r.Success)
			assert.Equal(t, tt.kind, r.ErrorKind)
			assert.Equal(t, 1, r.Attempts)
			assert.EqualValues(t, 1, st.calls.Load())
		})
	}
}

func TestEngine_RecoversPanics(t *testing.T) {
	boom := &stubStrategy{name: "boom", fn: func(context.Context, int) (any, error) {
		panic("nil map")
	}}
	cfg := testEngineConfig()
	cfg.MaxRetries = 0
	e := New(cfg, nil, nil, boom)
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)

	r := e.NewSession().Run(context.Background(), "boom", sc)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "panicked")
}

func TestEngine_StrategyTimeout(t *testing.T) {
	slow := &stubStrategy{name: "slow", fn: func(ctx context.Context, _ int) (any, error) {
		<-ctx.Done()
		return nil, errors.New("gave up")
	}}
	cfg := testEngineConfig()
	cfg.MaxRetries = 0
	cfg.StrategyTimeout = 20 * time.Millisecond
	e := New(cfg, nil, nil, slow)
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)

	r := e.NewSession().Run(context.Background(), "slow", sc)
	assert.False(t, r.Success)
	assert.Equal(t, model.ErrorKindTimeout, r.ErrorKind)
}

func TestEngine_ScanCache(t *testing.T) {
	st := okStrategy("static")
	e := New(testEngineConfig(), nil, nil, st)
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)
	s := e.NewSession()

	first := s.Run(context.Background(), "static", sc)
	second := s.Run(context.Background(), "static", sc)
	assert.False(t, first.Performance.CacheHit)
	assert.True(t, second.Performance.CacheHit)
	assert.EqualValues(t, 1, st.calls.Load())

	other := sc.Clone()
	other.Options.IncludeCoverage = true
	third := s.Run(context.Background(), "static", other)
	assert.False(t, third.Performance.CacheHit)
}

func TestEngine_FailuresAreNotCached(t *testing.T) {
	st := failStrategy("s", resilience.NewLowYieldError(0, 1))
	e := New(testEngineConfig(), nil, nil, st)
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)
	s := e.NewSession()

	s.Run(context.Background(), "s", sc)
	s.Run(context.Background(), "s", sc)
	assert.EqualValues(t, 2, st.calls.Load())
}

func TestEngine_UnknownStrategy(t *testing.T) {
	e := New(testEngineConfig(), nil, nil, okStrategy("a"))
	sc, err := e.NewScanContext("https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)
	r := e.NewSession().Run(context.Background(), "nope", sc)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "unknown strategy")
}

func TestEngine_NewScanContextRejectsBadURL(t *testing.T) {
	e := New(testEngineConfig(), nil, nil, okStrategy("a"))
	for _, raw := range []string{"", "ftp://acme.test", "not a url", "https://"} {
		_, err := e.NewScanContext(raw, model.ScanOptions{}, nil)
		assert.Error(t, err, raw)
	}
	sc, err := e.NewScanContext(" https://www.Acme.test/pricing ", model.ScanOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "acme.test", sc.Domain)
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, "test-agent", sc.UserAgent)
	assert.Len(t, sc.Viewports, 3)
}

func TestEngine_StrategyFilterKeepsRecoveryAddressable(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Strategies = []string{"b"}
	e := New(cfg, nil, nil, okStrategy("a"), okStrategy("b"))
	assert.Equal(t, []string{"b"}, e.Names())
	_, ok := e.Strategy("a")
	assert.True(t, ok)
}

func TestEngine_RunAllStatusAndProgress(t *testing.T) {
	e := New(testEngineConfig(), nil, nil,
		okStrategy(StrategyStaticCSS),
		failStrategy(StrategyComputedStyles, ErrNoBrowser),
		okStrategy(StrategyBrand),
	)

	var (
		mu     sync.Mutex
		events []model.Progress
	)
	res, err := e.RunAll(context.Background(), "https://acme.test", model.ScanOptions{}, func(p model.Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	assert.Equal(t, model.ScanStatusPartial, res.Status)
	assert.InDelta(t, 400.0/7.0, res.DataQuality, 0.001)
	assert.Equal(t, []string{StrategyBrand, StrategyStaticCSS}, res.StrategyNames())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, model.PhaseExtraction, events[0].Phase)
	assert.Zero(t, events[0].OverallProgressPercent)
	assert.Equal(t, 100.0, events[3].OverallProgressPercent)
	assert.Equal(t, 2, events[3].Metrics.StrategiesCompleted)
}

func TestEngine_ScanTimeoutAbortsRemaining(t *testing.T) {
	slow := &stubStrategy{name: "slow", fn: func(ctx context.Context, _ int) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	later := okStrategy("later")
	cfg := testEngineConfig()
	cfg.MaxRetries = 0
	cfg.ScanTimeout = 30 * time.Millisecond
	e := New(cfg, nil, nil, slow, later)

	res, err := e.RunAll(context.Background(), "https://acme.test", model.ScanOptions{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, model.ScanStatusFailed, res.Status)
	assert.Equal(t, model.ErrorKindTimeout, res.Results[1].ErrorKind)
	assert.Zero(t, later.calls.Load())
}

func TestEngine_DefaultStrategiesWithoutBrowser(t *testing.T) {
	srv := newSiteServer(t)
	cfg := testEngineConfig()
	cfg.MaxRetries = 0
	e := New(cfg, newTestCollector(), nil)

	res, err := e.RunAll(context.Background(), srv.URL+"/", model.ScanOptions{}, nil)
	require.NoError(t, err)

	byName := make(map[string]model.ExtractionResult)
	for _, r := range res.Results {
		byName[r.StrategyName] = r
	}
	require.Len(t, byName, 6, "coverage and interactive states are opt-in")
	assert.True(t, byName[StrategyStaticCSS].Success)
	assert.True(t, byName[StrategyCSSVariables].Success)
	assert.True(t, byName[StrategyBrand].Success)
	for _, name := range []string{StrategyComputedStyles, StrategyLayout, StrategyAccessibility} {
		assert.False(t, byName[name].Success, name)
		assert.Equal(t, model.ErrorKindBrowser, byName[name].ErrorKind, name)
	}
	assert.Equal(t, model.ScanStatusPartial, res.Status)
	assert.InDelta(t, 100*6/11.5, res.DataQuality, 0.01)
}
