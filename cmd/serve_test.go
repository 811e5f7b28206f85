package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/monitoring"
	"github.com/sells-group/designscan/internal/pipeline"
	"github.com/sells-group/designscan/internal/resilience"
)

type fakeScanner struct {
	mu    sync.Mutex
	calls []model.ScanOptions
	res   *pipeline.Result
}

func (f *fakeScanner) ProcessWebsite(_ context.Context, rawURL string, opts model.ScanOptions, onProgress model.ProgressSink) *pipeline.Result {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if onProgress != nil {
		onProgress(model.Progress{Phase: "extraction", OverallProgressPercent: 40})
		onProgress(model.Progress{Phase: "complete", OverallProgressPercent: 100})
	}
	res := *f.res
	res.URL = rawURL
	return &res
}

func newTestRouter(s scanner) (http.Handler, serverDeps) {
	breakers := resilience.NewStrategyBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	recorder := monitoring.NewRecorder(0)
	deps := serverDeps{
		Scanner:   s,
		Options:   model.ScanOptions{BudgetUSD: 0.5, QualityTarget: "standard", Priority: "normal"},
		Breakers:  breakers,
		Cache:     gateway.New(gateway.DefaultConfig()),
		Recorder:  recorder,
		Collector: monitoring.NewCollector(recorder, nil, breakers, nil),
		Origins:   []string{"https://app.example"},
	}
	return buildRouter(deps), deps
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	t.Parallel()
	h, deps := newTestRouter(nil)

	rr := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body struct {
		Status  string                     `json:"status"`
		Metrics monitoring.MetricsSnapshot `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 24, body.Metrics.LookbackHours)

	deps.Breakers.Get("coverage").RecordFailure()
	rr = do(t, h, http.MethodGet, "/health", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []string{"coverage"}, body.Metrics.OpenBreakers)
}

func TestBuildRouter_HealthWithoutCollector(t *testing.T) {
	t.Parallel()
	rr := do(t, buildRouter(serverDeps{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestBuildRouter_BreakersAndCacheStats(t *testing.T) {
	t.Parallel()
	h, deps := newTestRouter(nil)
	deps.Breakers.Get("static-css")

	rr := do(t, h, http.MethodGet, "/breakers", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	var snaps []resilience.BreakerSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "static-css", snaps[0].Name)
	assert.Equal(t, "closed", snaps[0].State)

	rr = do(t, h, http.MethodGet, "/cache/stats", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	var stats gateway.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Zero(t, stats.Entries)

	empty := buildRouter(serverDeps{})
	assert.JSONEq(t, `[]`, do(t, empty, http.MethodGet, "/breakers", "").Body.String())
	assert.Equal(t, http.StatusOK, do(t, empty, http.MethodGet, "/cache/stats", "").Code)
}

func TestBuildRouter_Scan(t *testing.T) {
	t.Parallel()
	fs := &fakeScanner{res: &pipeline.Result{ScanID: "s1", Success: true, Confidence: 88}}
	h, deps := newTestRouter(fs)

	rr := do(t, h, http.MethodPost, "/scan", `{"url":"https://acme.test","include_coverage":true,"budget_usd":1.5,"priority":"high"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "s1", res.ScanID)
	assert.Equal(t, "https://acme.test", res.URL)
	assert.True(t, res.Success)

	require.Len(t, fs.calls, 1)
	assert.Equal(t, model.ScanOptions{
		IncludeCoverage: true,
		BudgetUSD:       1.5,
		QualityTarget:   "standard",
		Priority:        "high",
	}, fs.calls[0])

	assert.Len(t, deps.Recorder.Since(time.Time{}), 1, "scan is recorded for monitoring")
}

func TestBuildRouter_ScanValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		scanner scanner
		body    string
		code    int
		msg     string
	}{
		{"invalid json", &fakeScanner{}, "not json", http.StatusBadRequest, "invalid request body"},
		{"missing url", &fakeScanner{}, `{}`, http.StatusBadRequest, "url is required"},
		{"no scanner", nil, `{"url":"https://acme.test"}`, http.StatusServiceUnavailable, "scanner not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, _ := newTestRouter(tt.scanner)
			rr := do(t, h, http.MethodPost, "/scan", tt.body)
			assert.Equal(t, tt.code, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.msg)
		})
	}
}

func TestBuildRouter_ScanStream(t *testing.T) {
	t.Parallel()
	fs := &fakeScanner{res: &pipeline.Result{ScanID: "s2", Success: true}}
	h, _ := newTestRouter(fs)

	rr := do(t, h, http.MethodPost, "/scan/stream", `{"url":"https://acme.test"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	var types []string
	var last map[string]json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(rr.Body.Bytes()))
	for sc.Scan() {
		var line map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		var typ string
		require.NoError(t, json.Unmarshal(line["type"], &typ))
		types = append(types, typ)
		last = line
	}
	assert.Equal(t, []string{"progress", "progress", "result"}, types)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(last["result"], &res))
	assert.Equal(t, "s2", res.ScanID)
}

func TestBuildRouter_CORS(t *testing.T) {
	t.Parallel()
	h, _ := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/scan", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
