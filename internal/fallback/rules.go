// Package fallback recovers failed extraction strategies with ordered,
// rule-based alternatives guarded by per-strategy circuit breakers.
package fallback

import (
	"time"

	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
)

// Rule maps a failure signature to a recovery strategy.
type Rule struct {
	Name    string
	Trigger func(model.ExtractionResult) bool
	// RecoveryStrategy is the strategy to run. Empty means the strategy that
	// failed.
	RecoveryStrategy  string
	MaxAttempts       int
	BackoffMultiplier float64
	// Transform adjusts a cloned ScanContext before each 1-based attempt.
	Transform func(sc *model.ScanContext, attempt int)
}

// strategyFor resolves the strategy a rule recovers with.
func (r Rule) strategyFor(failed string) string {
	if r.RecoveryStrategy == "" {
		return failed
	}
	return r.RecoveryStrategy
}

// KindIs triggers on any of the given error kinds.
func KindIs(kinds ...model.ErrorKind) func(model.ExtractionResult) bool {
	return func(r model.ExtractionResult) bool {
		for _, k := range kinds {
			if r.ErrorKind == k {
				return true
			}
		}
		return false
	}
}

// UserAgents are rotated through when a site blocks the default agent.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// RotateUserAgent picks the agent for an attempt.
func RotateUserAgent(sc *model.ScanContext, attempt int) {
	sc.UserAgent = UserAgents[(attempt-1)%len(UserAgents)]
}

const lowYieldSettle = 2 * time.Second

// DefaultRules returns the built-in recovery rules in match order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:              "timeout",
			Trigger:           KindIs(model.ErrorKindTimeout),
			MaxAttempts:       2,
			BackoffMultiplier: 2,
			Transform: func(sc *model.ScanContext, attempt int) {
				sc.Timeout *= time.Duration(1 << attempt)
			},
		},
		{
			Name:              "browser",
			Trigger:           KindIs(model.ErrorKindBrowser),
			RecoveryStrategy:  extract.StrategyStaticCSS,
			MaxAttempts:       1,
			BackoffMultiplier: 1,
		},
		{
			Name:              "network",
			Trigger:           KindIs(model.ErrorKindNetwork),
			RecoveryStrategy:  extract.StrategyStaticCSS,
			MaxAttempts:       3,
			BackoffMultiplier: 2,
		},
		{
			Name:              "anti-bot",
			Trigger:           KindIs(model.ErrorKindAntiBot),
			MaxAttempts:       len(UserAgents),
			BackoffMultiplier: 2,
			Transform:         RotateUserAgent,
		},
		{
			Name:              "rate-limit",
			Trigger:           KindIs(model.ErrorKindRateLimit),
			MaxAttempts:       3,
			BackoffMultiplier: 3,
		},
		{
			Name:              "low-yield",
			Trigger:           KindIs(model.ErrorKindLowYield),
			RecoveryStrategy:  extract.StrategyComputedStyles,
			MaxAttempts:       2,
			BackoffMultiplier: 1.5,
			Transform: func(sc *model.ScanContext, attempt int) {
				settle := max(sc.Options.SettleTime, lowYieldSettle) * time.Duration(attempt+1)
				sc.Options.SettleTime = settle
				sc.Timeout += settle
			},
		},
	}
}
