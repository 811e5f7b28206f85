// Package pipeline runs design scans end to end: strategy extraction,
// recovery of failed strategies, token derivation and two-phase AI
// processing, with progress reported through a non-blocking sink.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/fallback"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/processor"
	"github.com/sells-group/designscan/internal/resilience"
)

// PhaseProcessing names the pipeline phase that wraps the processor.
const PhaseProcessing = "processing"

// Share of overall progress spent in extraction.
const extractionShare = 50.0

// Config tunes multi-URL processing.
type Config struct {
	BatchConcurrency int
	BatchDelay       time.Duration
	DLQMaxRetries    int
}

// DefaultConfig returns groups of 3 with a 2s delay between groups.
func DefaultConfig() Config {
	return Config{BatchConcurrency: 3, BatchDelay: 2 * time.Second, DLQMaxRetries: 3}
}

// ConfigFrom maps the batch config section.
func ConfigFrom(c config.BatchConfig) Config {
	cfg := DefaultConfig()
	if c.Concurrency > 0 {
		cfg.BatchConcurrency = c.Concurrency
	}
	if c.DelayMs >= 0 {
		cfg.BatchDelay = time.Duration(c.DelayMs) * time.Millisecond
	}
	if c.MaxRetries > 0 {
		cfg.DLQMaxRetries = c.MaxRetries
	}
	return cfg
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFunc = now }
}

// WithFallbackOptions passes options to every per-scan fallback orchestrator.
func WithFallbackOptions(opts ...fallback.Option) Option {
	return func(o *Orchestrator) { o.fallbackOpts = append(o.fallbackOpts, opts...) }
}

// WithDeadLetters records failed batch scans in dl.
func WithDeadLetters(dl DeadLetters) Option {
	return func(o *Orchestrator) { o.dlq = dl }
}

// Orchestrator sequences one scan through every stage. It is safe for
// concurrent use; all per-scan state lives in the call.
type Orchestrator struct {
	cfg          Config
	engine       *extract.Engine
	processor    *processor.Processor
	breakers     *resilience.StrategyBreakers
	fallbackOpts []fallback.Option
	dlq          DeadLetters
	nowFunc      func() time.Time
}

// New creates an Orchestrator. breakers is shared by every scan; nil gets a
// registry with the default thresholds.
func New(cfg Config, engine *extract.Engine, proc *processor.Processor, breakers *resilience.StrategyBreakers, opts ...Option) *Orchestrator {
	if breakers == nil {
		breakers = resilience.NewStrategyBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	o := &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		processor: proc,
		breakers:  breakers,
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Breakers exposes the shared breaker registry.
func (o *Orchestrator) Breakers() *resilience.StrategyBreakers { return o.breakers }

// scan is the state of one ProcessWebsite call.
type scan struct {
	o        *Orchestrator
	res      *Result
	progress *dispatcher
	start    time.Time
	metrics  model.ProgressMetrics
	aiCost   float64
	log      *zap.Logger
}

// ProcessWebsite scans rawURL. It never fails outright: extraction and
// processing failures are recovered where possible and otherwise reported
// on a degraded Result that still carries a token set.
func (o *Orchestrator) ProcessWebsite(ctx context.Context, rawURL string, opts model.ScanOptions, onProgress model.ProgressSink) *Result {
	s := &scan{
		o:        o,
		res:      &Result{URL: rawURL, Domain: model.DomainOf(rawURL)},
		progress: newDispatcher(onProgress),
		start:    o.nowFunc(),
		log:      zap.L().With(zap.String("url", rawURL)),
	}
	defer s.progress.Close()

	sc, err := o.engine.NewScanContext(rawURL, opts, s.extractionProgress)
	if err != nil {
		s.res.Error = err.Error()
		s.res.TokenSet = &model.TokenSet{Emergency: true, Notes: "scan did not start"}
		s.log.Warn("pipeline: invalid scan target", zap.Error(err))
		return s.finish()
	}
	s.res.ScanID, s.res.URL, s.res.Domain = sc.ID, sc.URL, sc.Domain
	s.log = s.log.With(zap.String("scan_id", sc.ID))
	s.log.Info("pipeline: starting scan")

	session := o.engine.NewSession()
	defer session.Close()

	var sr *model.ScanResult
	s.trackPhase(model.PhaseExtraction, func() (*model.PhaseResult, error) {
		sr = session.RunAll(ctx, sc)
		s.metrics.StrategiesCompleted = len(sr.Succeeded())
		s.metrics.CacheHits = sr.CacheHits
		return &model.PhaseResult{
			Success:    sr.Status != model.ScanStatusFailed,
			OutputSize: len(sr.Results),
			Metadata: map[string]any{
				"status":       string(sr.Status),
				"succeeded":    len(sr.Succeeded()),
				"data_quality": sr.DataQuality,
			},
		}, nil
	})

	failed := sr.Failed()
	s.trackPhase(model.PhaseFallback, func() (*model.PhaseResult, error) {
		if len(failed) == 0 {
			return &model.PhaseResult{
				Status:   model.PhaseStatusSkipped,
				Success:  true,
				Metadata: map[string]any{"reason": "no failed strategies"},
			}, nil
		}
		s.emit(model.PhaseFallback, extractionShare+2, fmt.Sprintf("Recovering %d strategies", len(failed)))
		recovered := fallback.New(session, o.breakers, o.fallbackOpts...).Recover(ctx, failed, sc)
		sr.Replace(recovered)
		heuristic := 0
		for _, r := range recovered {
			if isHeuristic(r) {
				heuristic++
			}
		}
		s.metrics.FallbacksUsed = len(recovered)
		return &model.PhaseResult{
			Success:    heuristic < len(recovered),
			InputSize:  len(failed),
			OutputSize: len(recovered) - heuristic,
			Metadata: map[string]any{
				"recovered": len(recovered) - heuristic,
				"heuristic": heuristic,
			},
		}, nil
	})
	s.res.ExtractionMetadata = extractionMetadata(sr, failed)

	var (
		tokens     []model.TokenItem
		frameworks []string
	)
	s.trackPhase(model.PhaseTokens, func() (*model.PhaseResult, error) {
		tokens = extract.DeriveTokens(sr)
		frameworks = detectFrameworks(sr)
		s.metrics.TokensExtracted = len(tokens)
		return &model.PhaseResult{
			Success:    len(tokens) > 0,
			OutputSize: len(tokens),
			Metadata:   map[string]any{"frameworks": frameworks},
		}, nil
	})
	s.emit(model.PhaseTokens, extractionShare+10, fmt.Sprintf("Derived %d tokens", len(tokens)))

	var out *processor.Output
	s.trackPhase(PhaseProcessing, func() (*model.PhaseResult, error) {
		po, perr := o.processor.Process(ctx, processor.Input{
			ScanID:     sc.ID,
			URL:        sc.URL,
			Domain:     sc.Domain,
			Tokens:     tokens,
			Frameworks: frameworks,
			Options:    opts,
			OnState:    s.onState,
		})
		if perr != nil {
			return nil, perr
		}
		out = po
		s.aiCost = po.TotalCostUSD
		s.metrics.CacheHits += po.CacheHits
		return &model.PhaseResult{
			Success:    po.Success,
			InputSize:  len(tokens),
			OutputSize: po.TokenSet.Count(),
			CostUSD:    po.TotalCostUSD,
			TokenUsage: po.Usage,
			Metadata: map[string]any{
				"state":     string(po.State),
				"emergency": po.Emergency,
			},
		}, nil
	})

	s.assemble(sr, tokens, out)
	return s.finish()
}

func (s *scan) assemble(sr *model.ScanResult, tokens []model.TokenItem, out *processor.Output) {
	res := s.res
	if out != nil {
		res.TokenSet = out.TokenSet
		res.AIMetadata = AIMetadata{
			ModelsUsed:           out.ModelsUsed,
			TotalCostUSD:         out.TotalCostUSD,
			CompressionUsed:      out.Optimization.CompressionUsed,
			DeduplicationApplied: out.Optimization.DeduplicationApplied,
			Emergency:            out.Emergency,
			State:                out.State,
			CacheHits:            out.CacheHits,
			Optimization:         out.Optimization,
			Phases:               out.Phases,
			Audit:                out.Audit,
			AuditPending:         out.AuditPending,
			Organized:            out.Organized,
		}
		if !out.Success {
			res.Error = out.Error
		}
	} else {
		ts := model.TokenSetFrom(tokens)
		ts.Emergency = true
		ts.Notes = "AI processing did not run"
		res.TokenSet = ts
		res.AIMetadata = AIMetadata{Emergency: true}
		if res.Error == "" {
			res.Error = "processing did not run"
		}
	}

	res.LayoutData = decodeLatest[extract.LayoutData](sr, extract.StrategyLayout)
	res.BrandData = decodeLatest[extract.BrandData](sr, extract.StrategyBrand)
	res.AccessibilityReport = accessibilityReport(sr, res.TokenSet)

	res.Confidence = confidence(res.TokenSet, out)
	res.Completeness = completeness(res.ExtractionMetadata.DataQuality, res.TokenSet)
	res.Reliability = reliability(sr.Results)

	extracted := res.ExtractionMetadata.Status != model.ScanStatusFailed
	if !extracted {
		res.Error = "every extraction strategy failed; tokens are URL heuristics only"
	}
	res.Success = extracted && out != nil && out.Success
}

func (s *scan) finish() *Result {
	s.res.DurationMs = s.o.nowFunc().Sub(s.start).Milliseconds()
	if s.res.TokenSet != nil {
		s.metrics.TokensExtracted = max(s.metrics.TokensExtracted, s.res.TokenSet.Count())
	}
	label := "Scan complete"
	if !s.res.Success {
		label = "Scan finished with degraded result"
	}
	s.emit(model.PhaseComplete, 100, label)

	s.log.Info("pipeline: scan finished",
		zap.Bool("success", s.res.Success),
		zap.String("status", string(s.res.ExtractionMetadata.Status)),
		zap.Int("tokens", s.metrics.TokensExtracted),
		zap.Float64("confidence", s.res.Confidence),
		zap.Float64("completeness", s.res.Completeness),
		zap.Float64("reliability", s.res.Reliability),
		zap.Float64("cost_usd", s.aiCost),
		zap.Int64("duration_ms", s.res.DurationMs),
	)
	return s.res
}

// trackPhase runs fn and records its outcome as a pipeline phase.
func (s *scan) trackPhase(name string, fn func() (*model.PhaseResult, error)) *model.PhaseResult {
	start := s.o.nowFunc()
	pr, err := fn()
	duration := s.o.nowFunc().Sub(start).Milliseconds()

	if pr == nil {
		pr = &model.PhaseResult{}
	}
	pr.Name = name
	pr.LatencyMs = duration

	switch {
	case err != nil:
		pr.Status = model.PhaseStatusFailed
		pr.Success = false
		pr.Error = err.Error()
		if s.res.Error == "" {
			s.res.Error = err.Error()
		}
		s.log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
	case pr.Status == model.PhaseStatusSkipped:
		s.log.Info("pipeline: phase skipped", zap.String("phase", name))
	default:
		pr.Status = model.PhaseStatusComplete
		s.log.Info("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
		)
	}
	s.res.Phases = append(s.res.Phases, *pr)
	return pr
}

func (s *scan) emit(phase string, pct float64, label string) {
	s.progress.Send(model.Progress{
		ScanID:                 s.res.ScanID,
		Phase:                  phase,
		OverallProgressPercent: pct,
		CurrentStepLabel:       label,
		ElapsedMs:              s.o.nowFunc().Sub(s.start).Milliseconds(),
		Costs: model.ProgressCosts{
			AIProcessing: s.aiCost,
			Total:        s.aiCost,
		},
		Metrics: s.metrics,
	})
}

// extractionProgress rescales engine progress into the extraction share.
func (s *scan) extractionProgress(p model.Progress) {
	s.metrics.StrategiesCompleted = p.Metrics.StrategiesCompleted
	s.metrics.CacheHits = p.Metrics.CacheHits
	s.emit(model.PhaseExtraction, p.OverallProgressPercent*extractionShare/100, p.CurrentStepLabel)
}

type stateStep struct {
	phase string
	pct   float64
	label string
}

var stateSteps = map[processor.State]stateStep{
	processor.StateSized:        {model.PhaseCompression, 62, "Sized payload"},
	processor.StateCompressed:   {model.PhaseCompression, 68, "Compressed payload"},
	processor.StateDeduplicated: {model.PhaseDeduplicate, 75, "Deduplicated tokens"},
	processor.StateOrganized:    {model.PhaseOrganization, 85, "Organized tokens"},
	processor.StateValidated:    {model.PhaseValidation, 92, "Validated output"},
	processor.StateDone:         {model.PhaseValidation, 95, "Processing complete"},
	processor.StateFailed:       {model.PhaseValidation, 95, "Processing failed, using emergency payload"},
}

func (s *scan) onState(st processor.State) {
	if step, ok := stateSteps[st]; ok {
		s.emit(step.phase, step.pct, step.label)
	}
}

func extractionMetadata(sr *model.ScanResult, failed []model.ExtractionResult) ExtractionMetadata {
	eff := effective(sr.Results)
	meta := ExtractionMetadata{
		Status:             extract.ScanStatusOf(eff),
		StrategiesUsed:     []string{},
		FallbacksTriggered: []string{},
		DataQuality:        extract.DataQuality(eff),
		DurationMs:         sr.DurationMs,
		CacheHits:          sr.CacheHits,
	}
	seen := make(map[string]bool)
	for _, r := range sr.Results {
		switch {
		case isHeuristic(r):
			meta.HeuristicOnly = append(meta.HeuristicOnly, r.RecoveredFrom)
		case r.Success && !seen[r.StrategyName]:
			seen[r.StrategyName] = true
			meta.StrategiesUsed = append(meta.StrategiesUsed, r.StrategyName)
		}
	}
	for _, f := range failed {
		meta.FallbacksTriggered = append(meta.FallbacksTriggered, f.StrategyName)
	}
	return meta
}
