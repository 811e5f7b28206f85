// Package processor runs the two-phase AI pipeline over extracted tokens.
// Phase one sizes the payload, compresses it when oversized, deduplicates,
// organizes it with the cheapest capable model and validates the result.
// Phase two is an optional audit that never blocks completion.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/cost"
	"github.com/sells-group/designscan/internal/dedup"
	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/models"
	"github.com/sells-group/designscan/internal/schema"
)

// ErrBudgetExceeded is returned when no model can serve a call within the
// remaining budget.
var ErrBudgetExceeded = eris.New("processor: budget exceeded")

// Phase numbers recorded on PhaseResult.
const (
	phaseOne = 1
	phaseTwo = 2
)

// Fields kept intact by compression.
var preserveFields = []string{"id", "name", "value", "type", "usage_count"}

// Config tunes the processor.
type Config struct {
	// CompressionThreshold is the token count above which the payload is
	// compressed before organization.
	CompressionThreshold int
	// CompressionTarget is the minimum reduction compression aims for.
	CompressionTarget float64
	// DedupMinReduction is the reduction dedup must exceed to replace data.
	DedupMinReduction float64
	// BudgetUSD bounds phase one spend. Zero means no budget.
	BudgetUSD float64
	// AuditBudgetUSD bounds the audit call. Zero means no budget.
	AuditBudgetUSD float64
	RunAudit       bool
	// AuditWait is how long Process waits for the audit before reporting it
	// through the audit callback instead.
	AuditWait         time.Duration
	QualityTarget     string
	Priority          string
	MaxRepairAttempts int
	MaxOutputTokens   int
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: 200000,
		CompressionTarget:    0.5,
		DedupMinReduction:    0.10,
		BudgetUSD:            0.50,
		AuditBudgetUSD:       0.25,
		AuditWait:            5 * time.Second,
		QualityTarget:        models.TierStandard,
		Priority:             models.PriorityNormal,
		MaxRepairAttempts:    schema.DefaultMaxRepairAttempts,
		MaxOutputTokens:      8192,
	}
}

// ConfigFrom maps the ai config section.
func ConfigFrom(c config.AIConfig) Config {
	cfg := DefaultConfig()
	if c.CompressionThreshold > 0 {
		cfg.CompressionThreshold = c.CompressionThreshold
	}
	if c.CompressionTarget > 0 && c.CompressionTarget < 1 {
		cfg.CompressionTarget = c.CompressionTarget
	}
	cfg.BudgetUSD = c.BudgetUSD
	cfg.AuditBudgetUSD = c.AuditBudgetUSD
	cfg.RunAudit = c.RunAudit
	if c.AuditWaitSecs >= 0 {
		cfg.AuditWait = time.Duration(c.AuditWaitSecs) * time.Second
	}
	if c.QualityTarget != "" {
		cfg.QualityTarget = c.QualityTarget
	}
	if c.Priority != "" {
		cfg.Priority = c.Priority
	}
	if c.MaxRepairAttempts > 0 {
		cfg.MaxRepairAttempts = c.MaxRepairAttempts
	}
	if c.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = c.MaxOutputTokens
	}
	return cfg
}

// WithOptions applies the non-zero per-scan overrides in o.
func (c Config) WithOptions(o model.ScanOptions) Config {
	if o.BudgetUSD > 0 {
		c.BudgetUSD = o.BudgetUSD
	}
	if o.AuditBudgetUSD > 0 {
		c.AuditBudgetUSD = o.AuditBudgetUSD
	}
	if o.QualityTarget != "" {
		c.QualityTarget = o.QualityTarget
	}
	if o.Priority != "" {
		c.Priority = o.Priority
	}
	if o.RunAudit {
		c.RunAudit = true
	}
	return c
}

// Input is one scan's tokens plus the context the prompts carry.
type Input struct {
	ScanID string
	URL    string
	Domain string
	Tokens []model.TokenItem
	// Payload is the data sent for organization. Defaults to Tokens as JSON.
	Payload string
	// Frameworks are CSS framework hints detected during extraction.
	Frameworks []string
	// Options carries per-scan overrides of the budget, quality and audit
	// settings.
	Options model.ScanOptions
	// OnState, when set, is called on every state change.
	OnState func(State)
}

// Optimization summarizes what compression and dedup saved.
type Optimization struct {
	OriginalTokens       int     `json:"original_tokens"`
	FinalTokens          int     `json:"final_tokens"`
	TokensReduced        int     `json:"tokens_reduced"`
	CompressionUsed      bool    `json:"compression_used"`
	CompressionRatio     float64 `json:"compression_ratio,omitempty"`
	DeduplicationApplied bool    `json:"deduplication_applied"`
	DedupReduction       float64 `json:"dedup_reduction"`
}

// Output is the result of Process. A failed run still carries an emergency
// token set.
type Output struct {
	State        State                   `json:"state"`
	Success      bool                    `json:"success"`
	Emergency    bool                    `json:"emergency"`
	Error        string                  `json:"error,omitempty"`
	Tokens       []model.TokenItem       `json:"tokens"`
	TokenSet     *model.TokenSet         `json:"token_set"`
	Organized    *schema.OrganizedOutput `json:"organized"`
	Validation   *schema.Result          `json:"validation,omitempty"`
	Dedup        *dedup.Result           `json:"dedup,omitempty"`
	Compression  *cost.CompressionResult `json:"compression,omitempty"`
	Optimization Optimization            `json:"optimization"`
	Phases       []model.PhaseResult     `json:"phases"`
	Transitions  []Transition            `json:"transitions"`
	ModelsUsed   []string                `json:"models_used"`
	Usage        model.TokenUsage        `json:"usage"`
	TotalCostUSD float64                 `json:"total_cost_usd"`
	CacheHits    int                     `json:"cache_hits"`
	Audit        *AuditResult            `json:"audit,omitempty"`
	AuditPending bool                    `json:"audit_pending,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock sets the time source used for transitions.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.nowFunc = now }
}

// WithAuditCallback receives audits that finish after AuditWait.
func WithAuditCallback(fn func(scanID string, r *AuditResult)) Option {
	return func(p *Processor) { p.onAudit = fn }
}

// WithModelFilter restricts selection to models the completer can serve.
func WithModelFilter(serves func(model string) bool) Option {
	return func(p *Processor) { p.serves = serves }
}

// Processor sequences phase one and launches phase two. It is safe for
// concurrent use; each Process call keeps its own state.
type Processor struct {
	cfg       Config
	completer ai.Completer
	selector  *models.Selector
	optimizer *cost.Optimizer
	deduper   *dedup.Deduplicator
	validator *schema.Validator

	nowFunc func() time.Time
	onAudit func(scanID string, r *AuditResult)
	serves  func(model string) bool
	audits  sync.WaitGroup
}

// New creates a Processor. When cache is set every completion, including
// model-assisted repair, goes through it. deduper may be nil, in which case
// exact value matching is used.
func New(cfg Config, completer ai.Completer, selector *models.Selector, optimizer *cost.Optimizer, deduper *dedup.Deduplicator, cache *gateway.Cache, opts ...Option) *Processor {
	if cache != nil {
		completer = cache.Wrap(completer)
	}
	if optimizer == nil {
		optimizer = cost.NewOptimizer()
	}
	if selector == nil {
		selector = models.NewSelector(models.DefaultCatalog(), nil)
	}
	p := &Processor{
		cfg:       cfg,
		completer: completer,
		selector:  selector,
		optimizer: optimizer,
		deduper:   deduper,
		validator: schema.New(completer),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait blocks until every launched audit has finished and been reported.
func (p *Processor) Wait() {
	p.audits.Wait()
}

// run is the state of one Process call.
type run struct {
	p   *Processor
	cfg Config
	in  Input
	out *Output
	m   *machine
	log *zap.Logger

	tokens     []model.TokenItem
	payload    string
	tokenCount int
	sizing     models.Profile
	spent      float64
	shrunk     bool
	models     map[string]bool
}

// Process runs phase one to completion. Failures inside a phase are
// recovered and recorded; the returned error is non-nil only when ctx is
// already done on entry or the state machine is misused.
func (p *Processor) Process(ctx context.Context, in Input) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "processor: process")
	}
	r := &run{
		p:      p,
		cfg:    p.cfg.WithOptions(in.Options),
		in:     in,
		out:    &Output{},
		m:      &machine{now: p.nowFunc, onChange: in.OnState},
		log:    zap.L().With(zap.String("scan_id", in.ScanID), zap.String("domain", in.Domain)),
		tokens: in.Tokens,
		models: make(map[string]bool),
	}
	if err := r.execute(ctx); err != nil {
		return nil, err
	}
	r.finish()

	if r.cfg.RunAudit && r.out.Success {
		p.runAudit(ctx, r)
	}
	return r.out, nil
}

func (r *run) execute(ctx context.Context) error {
	r.payload = r.in.Payload
	if r.payload == "" {
		r.payload = renderTokens(r.tokens)
	}
	r.sizing = r.p.cheapest()
	r.tokenCount = r.count(r.payload)
	r.out.Optimization.OriginalTokens = r.tokenCount
	if err := r.m.advance(StateSized, fmt.Sprintf("%d tokens", r.tokenCount)); err != nil {
		return err
	}

	if r.overThreshold() {
		if r.compress(r.cfg.CompressionTarget, false) {
			if err := r.m.advance(StateCompressed, fmt.Sprintf("%d tokens", r.tokenCount)); err != nil {
				return err
			}
		}
	}

	r.deduplicate(ctx)
	if err := r.m.advance(StateDeduplicated, fmt.Sprintf("%d tokens", len(r.tokens))); err != nil {
		return err
	}

	text, simplified, modelName, err := r.organize(ctx)
	if err != nil {
		return r.emergency(fmt.Sprintf("organization failed: %v", err))
	}
	if err := r.m.advance(StateOrganized, modelName); err != nil {
		return err
	}

	organized, res := r.validate(ctx, text, simplified)
	r.out.Validation = &res
	if organized == nil {
		r.p.selector.History().Record(modelName, gateway.OpOrganize, false)
		return r.emergency(fmt.Sprintf("validation failed: %v", res.Err()))
	}
	r.p.selector.History().Record(modelName, gateway.OpOrganize, true)
	if err := r.m.advance(StateValidated, fmt.Sprintf("confidence %.0f", res.Confidence)); err != nil {
		return err
	}

	r.out.Organized = organized
	r.out.TokenSet = tokenSetFrom(organized, r.tokens)
	r.out.Success = true
	return r.m.advance(StateDone, "")
}

// emergency substitutes the flagged fallback payload and fails the run.
func (r *run) emergency(reason string) error {
	r.log.Warn("processor: substituting emergency payload", zap.String("reason", reason))
	organized := schema.EmergencyTokenSet(r.tokens, reason)
	r.out.Organized = &organized
	r.out.TokenSet = tokenSetFrom(&organized, r.tokens)
	r.out.Emergency = true
	r.out.Success = false
	r.out.Error = reason
	return r.m.advance(StateFailed, reason)
}

func (r *run) finish() {
	r.out.State = r.m.state
	r.out.Transitions = r.m.transitions
	r.out.Tokens = r.tokens
	r.out.Optimization.FinalTokens = r.tokenCount
	r.out.ModelsUsed = sortedKeys(r.models)
	r.out.TotalCostUSD = r.out.Usage.Cost

	r.log.Info("processor: finished",
		zap.String("state", string(r.out.State)),
		zap.Bool("success", r.out.Success),
		zap.Int("tokens", len(r.tokens)),
		zap.Float64("cost_usd", r.out.TotalCostUSD),
		zap.Int("cache_hits", r.out.CacheHits),
	)
}

func (r *run) count(text string) int {
	return r.p.optimizer.CountTokens(text, r.sizing).Count
}

func (r *run) overThreshold() bool {
	t := r.cfg.CompressionThreshold
	return t > 0 && r.tokenCount > t
}

// compress shrinks the payload toward target. It reports whether the
// payload changed; failures leave the original payload in place.
func (r *run) compress(target float64, forced bool) (ok bool) {
	if t := r.cfg.CompressionThreshold; !forced && t > 0 && r.tokenCount > 0 {
		target = max(target, 1-float64(t)/float64(r.tokenCount))
	}
	target = min(target, 0.95)
	start := r.p.nowFunc()
	pr := model.PhaseResult{Phase: phaseOne, Name: model.PhaseCompression, InputSize: len(r.payload)}
	defer func() {
		pr.LatencyMs = r.p.nowFunc().Sub(start).Milliseconds()
		r.out.Phases = append(r.out.Phases, pr)
	}()

	res, err := safeCompress(r.p.optimizer, r.payload, target)
	if err == nil && res.TokensReduced() <= 0 {
		err = eris.New("processor: compression removed nothing")
	}
	if err != nil {
		pr.Status = model.PhaseStatusFailed
		pr.Error = err.Error()
		r.log.Warn("processor: compression failed, keeping original payload", zap.Error(err))
		return false
	}

	r.payload = res.Text
	r.tokenCount = r.count(res.Text)
	r.out.Compression = &res
	r.out.Optimization.CompressionUsed = true
	r.out.Optimization.CompressionRatio = res.Ratio
	r.out.Optimization.TokensReduced += res.TokensReduced()

	pr.Status = model.PhaseStatusComplete
	pr.Success = true
	pr.OutputSize = len(res.Text)
	pr.QualityScore = res.QualityScore
	pr.Metadata = map[string]any{
		"techniques":     res.TechniquesApplied,
		"tokens_reduced": res.TokensReduced(),
		"forced":         forced,
	}
	r.log.Info("processor: compressed payload",
		zap.Int("tokens_before", res.OriginalTokens),
		zap.Int("tokens_after", res.CompressedTokens),
		zap.Strings("techniques", res.TechniquesApplied),
	)
	return true
}

func safeCompress(o *cost.Optimizer, text string, target float64) (res cost.CompressionResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = eris.Errorf("processor: compression panicked: %v", rec)
		}
	}()
	return o.Compress(text, preserveFields, target), nil
}

// deduplicate always runs; its output replaces the tokens only when it
// removes more than DedupMinReduction of them.
func (r *run) deduplicate(ctx context.Context) {
	start := r.p.nowFunc()
	pr := model.PhaseResult{Phase: phaseOne, Name: model.PhaseDeduplicate, InputSize: len(r.tokens)}
	defer func() {
		pr.LatencyMs = r.p.nowFunc().Sub(start).Milliseconds()
		r.out.Phases = append(r.out.Phases, pr)
	}()

	var (
		res *dedup.Result
		err error
	)
	if r.p.deduper != nil {
		res, err = r.p.deduper.Deduplicate(ctx, r.tokens)
	} else {
		res = dedup.ExactDeduplicate(r.tokens)
	}
	if err != nil {
		pr.Status = model.PhaseStatusFailed
		pr.Error = err.Error()
		r.log.Warn("processor: dedup failed, keeping tokens", zap.Error(err))
		return
	}

	r.out.Dedup = res
	r.out.CacheHits += res.CacheHits
	r.out.Optimization.DedupReduction = res.ReductionRatio
	pr.Status = model.PhaseStatusComplete
	pr.Success = true
	pr.OutputSize = len(res.Tokens)
	pr.Metadata = map[string]any{
		"method":    res.Method,
		"groups":    len(res.Groups),
		"clusters":  len(res.Clusters),
		"reduction": res.ReductionRatio,
	}

	if res.ReductionRatio <= r.cfg.DedupMinReduction {
		return
	}
	r.tokens = res.Tokens
	r.out.Optimization.DeduplicationApplied = true
	before := r.tokenCount
	r.payload = renderTokens(r.tokens)
	r.tokenCount = r.count(r.payload)
	if r.overThreshold() {
		r.compress(r.cfg.CompressionTarget, false)
	}
	if before > r.tokenCount {
		r.out.Optimization.TokensReduced += before - r.tokenCount
	}
}

// served reports whether the completer can run the model.
func (p *Processor) served(name string) bool {
	return p.serves == nil || p.serves(name)
}

// cheapest returns the lowest priced served profile.
func (p *Processor) cheapest() models.Profile {
	all := p.servedProfiles()
	if len(all) == 0 {
		return p.selector.Catalog().Cheapest()
	}
	sort.SliceStable(all, func(i, j int) bool {
		ci, cj := all[i].EstimateCost(1000, 1000), all[j].EstimateCost(1000, 1000)
		if ci != cj {
			return ci < cj
		}
		return all[i].Name < all[j].Name
	})
	return all[0]
}

// mostAccurate returns the served profile with the highest accuracy.
func (p *Processor) mostAccurate() models.Profile {
	all := p.servedProfiles()
	if len(all) == 0 {
		return p.selector.Catalog().MostAccurate()
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i].Performance, all[j].Performance
		if a.Accuracy != b.Accuracy {
			return a.Accuracy > b.Accuracy
		}
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		return all[i].Name < all[j].Name
	})
	return all[0]
}

func (p *Processor) servedProfiles() []models.Profile {
	var out []models.Profile
	for _, prof := range p.selector.Catalog().All() {
		if p.served(prof.Name) {
			out = append(out, prof)
		}
	}
	return out
}

func renderTokens(tokens []model.TokenItem) string {
	b, err := json.Marshal(schema.TokenSet{Tokens: schema.TokensFrom(tokens)})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
