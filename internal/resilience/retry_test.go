package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flaky(failures int, err error) (func(context.Context) (string, error), *int) {
	calls := 0
	return func(context.Context) (string, error) {
		calls++
		if calls <= failures {
			return "", err
		}
		return "tokens", nil
	}, &calls
}

func TestRetry(t *testing.T) {
	t.Parallel()
	transient := NewTransientError(errors.New("upstream 503"), 503)
	permanent := errors.New("selector syntax")

	tests := []struct {
		name         string
		cfg          RetryConfig
		failures     int
		err          error
		wantVal      string
		wantAttempts int
		wantErr      error
	}{
		{"first try", RetryConfig{MaxAttempts: 3}, 0, nil, "tokens", 1, nil},
		{"recovers after transient failures", RetryConfig{MaxAttempts: 3}, 2, transient, "tokens", 3, nil},
		{"exhausts attempts", RetryConfig{MaxAttempts: 2}, 5, transient, "", 2, transient},
		{"permanent error stops immediately", RetryConfig{MaxAttempts: 5}, 5, permanent, "", 1, permanent},
		{"custom predicate retries anything", RetryConfig{MaxAttempts: 4, ShouldRetry: func(error) bool { return true }}, 3, permanent, "tokens", 4, nil},
		{"zero attempts defaults to three", RetryConfig{}, 5, transient, "", 3, transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fn, calls := flaky(tt.failures, tt.err)
			val, attempts, err := Retry(context.Background(), tt.cfg, fn)
			assert.Equal(t, tt.wantVal, val)
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantAttempts, *calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetry_OnRetry(t *testing.T) {
	t.Parallel()
	var seen []int
	fn, _ := flaky(2, NewTransientError(errors.New("reset"), 0))
	_, attempts, err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		OnRetry:     func(attempt int, _ error) { seen = append(seen, attempt) },
	}, fn)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetry_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Hour,
		OnRetry:        func(int, error) { cancel() },
	}
	fn, calls := flaky(10, NewTransientError(errors.New("timeout"), 0))

	_, attempts, err := Retry(ctx, cfg, fn)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()
	cfg := applyDefaults(RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 800*time.Millisecond, computeBackoff(3, cfg))
	assert.Equal(t, time.Second, computeBackoff(6, cfg), "capped at MaxBackoff")

	cfg.JitterFraction = 0.5
	seen := map[time.Duration]bool{}
	for range 50 {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestPowerBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		multiplier float64
		attempt    int
		unit       time.Duration
		want       time.Duration
	}{
		{2, 1, time.Second, 0},
		{2, 2, time.Second, 2 * time.Second},
		{2, 3, time.Second, 4 * time.Second},
		{3, 3, time.Second, 9 * time.Second},
		{1.5, 2, time.Second, 1500 * time.Millisecond},
		{0, 4, time.Second, time.Second},
		{2, 5, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PowerBackoff(tt.multiplier, tt.attempt, tt.unit), "multiplier=%v attempt=%d", tt.multiplier, tt.attempt)
	}
}

func TestSleep(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestRetryLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		RetryLogger("extract", "static-css")(1, errors.New("boom"))
	})
}
