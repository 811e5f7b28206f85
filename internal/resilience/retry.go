package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is the per-strategy retry policy. Delays grow as
// InitialBackoff * Multiplier^n, capped at MaxBackoff, with optional jitter.
type RetryConfig struct {
	MaxAttempts    int // total attempts including the first; default 3
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // default 30s
	Multiplier     float64       // default 2
	JitterFraction float64       // 0.5 spreads each delay by +/-50%

	// ShouldRetry decides whether an error is worth another attempt.
	// IsTransient is used when nil.
	ShouldRetry func(err error) bool

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// Retry runs fn until it succeeds, the error is not retryable (ShouldRetry,
// or IsTransient when unset), ctx is done, or MaxAttempts is reached. It also
// reports how many attempts ran.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for n := 1; n <= cfg.MaxAttempts; n++ {
		val, err := fn(ctx)
		if err == nil {
			return val, n, nil
		}
		lastErr = err
		if ctx.Err() != nil || !shouldRetry(err) || n == cfg.MaxAttempts {
			return zero, n, lastErr
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err)
		}
		if Sleep(ctx, computeBackoff(n-1, cfg)) != nil {
			return zero, n, lastErr
		}
	}
	return zero, cfg.MaxAttempts, lastErr
}

// Sleep waits for d or until ctx is done. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PowerBackoff returns multiplier^(attempt-1) units, the delay used before the
// given 1-based attempt by recovery rules.
func PowerBackoff(multiplier float64, attempt int, unit time.Duration) time.Duration {
	if attempt <= 1 || unit <= 0 {
		return 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return time.Duration(float64(unit) * math.Pow(multiplier, float64(attempt-1)))
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff < 0 {
		cfg.InitialBackoff = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
