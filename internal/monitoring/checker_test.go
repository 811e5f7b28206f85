package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/config"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, DLQDepthThreshold: 5, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(NewRecorder(0), fakeDLQ{n: 9}, nil, nil), NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckHealthy(t *testing.T) {
	t.Parallel()
	cfg := config.MonitoringConfig{DLQDepthThreshold: 5}
	checker := NewChecker(NewCollector(NewRecorder(0), fakeDLQ{n: 1}, nil, nil), NewAlerter(cfg), cfg)
	assert.Empty(t, checker.Check(context.Background()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(NewRecorder(0), nil, nil, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	t.Parallel()
	checker := NewChecker(NewCollector(NewRecorder(0), nil, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24, checker.hours)
	assert.Equal(t, 5*time.Minute, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
