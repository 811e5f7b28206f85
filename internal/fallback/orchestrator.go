package fallback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
)

// Runner runs one named strategy. *extract.Session implements it.
type Runner interface {
	Run(ctx context.Context, strategy string, sc *model.ScanContext) model.ExtractionResult
}

// Orchestrator applies recovery rules to failed strategy results.
type Orchestrator struct {
	runner      Runner
	rules       []Rule
	breakers    *resilience.StrategyBreakers
	backoffUnit time.Duration
	nowFunc     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRules replaces the default rules.
func WithRules(rules ...Rule) Option {
	return func(o *Orchestrator) { o.rules = rules }
}

// WithBackoffUnit sets the delay unit multiplied by each rule's backoff.
// Zero disables waiting.
func WithBackoffUnit(d time.Duration) Option {
	return func(o *Orchestrator) { o.backoffUnit = d }
}

// New creates an Orchestrator. breakers is shared across scans so a strategy
// that keeps failing is skipped everywhere; nil gets a private registry with
// the default thresholds.
func New(runner Runner, breakers *resilience.StrategyBreakers, opts ...Option) *Orchestrator {
	if breakers == nil {
		breakers = resilience.NewStrategyBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	o := &Orchestrator{
		runner:      runner,
		rules:       DefaultRules(),
		breakers:    breakers,
		backoffUnit: time.Second,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Breakers exposes the breaker registry for reporting.
func (o *Orchestrator) Breakers() *resilience.StrategyBreakers { return o.breakers }

// Recover attempts to recover every failed result. The output has one result
// per failed input, in input order; successful inputs are ignored. Results
// that could not be recovered by a rule come from URL heuristics and are
// marked with Data["heuristic"].
func (o *Orchestrator) Recover(ctx context.Context, failed []model.ExtractionResult, sc *model.ScanContext) []model.ExtractionResult {
	var out []model.ExtractionResult
	for _, f := range failed {
		if f.Success {
			continue
		}
		out = append(out, o.recoverOne(ctx, f, sc))
	}
	return out
}

func (o *Orchestrator) recoverOne(ctx context.Context, failed model.ExtractionResult, sc *model.ScanContext) model.ExtractionResult {
	log := zap.L().With(zap.String("strategy", failed.StrategyName), zap.String("kind", string(failed.ErrorKind)))
	start := o.nowFunc()

	rule, ok := o.match(failed)
	switch {
	case !ok:
		log.Debug("fallback: no rule matched")
	case o.runner == nil:
		log.Debug("fallback: no runner configured")
	default:
		strategy := rule.strategyFor(failed.StrategyName)
		if res, ok := o.apply(ctx, rule, strategy, sc, log); ok {
			res.Recovered = true
			res.RecoveredFrom = failed.StrategyName
			log.Info("fallback: recovered",
				zap.String("rule", rule.Name),
				zap.String("recovery_strategy", strategy),
				zap.Int("attempts", res.Attempts),
			)
			return res
		}
	}

	res := Heuristic(failed, sc)
	res.Performance.DurationMs = o.nowFunc().Sub(start).Milliseconds()
	log.Info("fallback: using url heuristics")
	return res
}

// match returns the first rule whose trigger fires.
func (o *Orchestrator) match(failed model.ExtractionResult) (Rule, bool) {
	for _, r := range o.rules {
		if r.Trigger != nil && r.Trigger(failed) {
			return r, true
		}
	}
	return Rule{}, false
}

// apply runs one rule to completion. Each attempt gets its own clone of sc.
func (o *Orchestrator) apply(ctx context.Context, rule Rule, strategy string, sc *model.ScanContext, log *zap.Logger) (model.ExtractionResult, bool) {
	cb := o.breakers.Get(strategy)
	attempts := max(rule.MaxAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := cb.Allow(); err != nil {
			log.Warn("fallback: breaker open, skipping rule",
				zap.String("rule", rule.Name),
				zap.String("recovery_strategy", strategy),
			)
			return model.ExtractionResult{}, false
		}
		if err := resilience.Sleep(ctx, resilience.PowerBackoff(rule.BackoffMultiplier, attempt, o.backoffUnit)); err != nil {
			return model.ExtractionResult{}, false
		}

		asc := sc.Clone()
		if rule.Transform != nil {
			rule.Transform(asc, attempt)
		}
		res := o.runner.Run(ctx, strategy, asc)
		if res.Success {
			cb.RecordSuccess()
			res.Attempts = attempt
			return res, true
		}
		cb.RecordFailure()
		log.Debug("fallback: recovery attempt failed",
			zap.String("rule", rule.Name),
			zap.Int("attempt", attempt),
			zap.String("error", res.Error),
		)
		if ctx.Err() != nil {
			return model.ExtractionResult{}, false
		}
	}
	return model.ExtractionResult{}, false
}
