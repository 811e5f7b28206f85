package processor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/models"
	"github.com/sells-group/designscan/internal/schema"
)

const organizeSystemPrompt = `You organize design tokens extracted from a website into a design system.
Group tokens into named categories, name the brand palette with lowercase #rrggbb hex values and list the spacing scale as px strings.
Reply with JSON: {"version":"1.0","categories":[{"name":"","description":"","tokens":[{"id":"","name":"","value":"","type":"","usage_count":0,"confidence":0}]}],"palette":[{"name":"","hex":"","role":""}],"spacing_scale":[""],"summary":"","confidence":0}.
Token types are color, typography, spacing, shadow, radius, component or other. Confidence is 0-100.`

const simplifiedSystemPrompt = `You clean up design tokens extracted from a website.
Give each token a short descriptive name and its type (color, typography, spacing, shadow, radius, component or other).
Reply with JSON: {"tokens":[{"id":"","name":"","value":"","type":"","usage_count":0,"confidence":0}]}.`

// maxSimplifiedTokens bounds the flat list sent on the simplified retry.
const maxSimplifiedTokens = 200

// organize asks the selected model for the organized design system. When
// that fails it retries once with the cheapest model and a flat token list.
func (r *run) organize(ctx context.Context) (text string, simplified bool, modelName string, err error) {
	profile, err := r.pick(ctx, gateway.OpOrganize)
	if err == nil {
		text, err = r.complete(ctx, model.PhaseOrganization, profile, gateway.OpOrganize, organizeSystemPrompt, r.prompt(r.payload))
		if err == nil {
			return text, false, profile.Name, nil
		}
		r.p.selector.History().Record(profile.Name, gateway.OpOrganize, false)
	}
	r.log.Warn("processor: organization failed, trying simplified retry", zap.Error(err))

	cheap := r.p.cheapest()
	prompt := r.prompt(renderTokens(topTokens(r.tokens, maxSimplifiedTokens)))
	if !r.affordable(cheap, r.count(prompt)) {
		return "", false, "", eris.Wrapf(ErrBudgetExceeded, "processor: simplified retry with %s", cheap.Name)
	}
	text, retryErr := r.complete(ctx, model.PhaseOrganization+"_retry", cheap, gateway.OpOrganize, simplifiedSystemPrompt, prompt)
	if retryErr != nil {
		r.p.selector.History().Record(cheap.Name, gateway.OpOrganize, false)
		return "", false, "", eris.Wrap(retryErr, "processor: simplified retry")
	}
	return text, true, cheap.Name, nil
}

// pick selects the model for op. Candidates over the remaining budget are
// skipped; when none fit, the payload is compressed once more and the
// selection repeated before giving up.
func (r *run) pick(ctx context.Context, op string) (models.Profile, error) {
	for {
		rec := r.p.selector.Select(models.Criteria{
			Operation:     op,
			InputTokens:   r.tokenCount,
			OutputTokens:  r.cfg.MaxOutputTokens,
			Priority:      r.cfg.Priority,
			QualityTarget: r.cfg.QualityTarget,
			BudgetUSD:     r.cfg.BudgetUSD,
			Complexity:    complexity(len(r.tokens)),
		})
		if rec.Hints.CompressionNeeded && !r.shrunk && !r.out.Optimization.CompressionUsed {
			r.shrunk = true
			if r.compress(r.cfg.CompressionTarget, true) {
				continue
			}
		}
		for _, p := range r.candidates(rec) {
			if r.affordable(p, r.tokenCount) {
				r.log.Debug("processor: selected model",
					zap.String("operation", op),
					zap.String("model", p.Name),
					zap.Strings("reasons", rec.Reasons),
				)
				return p, nil
			}
		}
		if r.shrunk || ctx.Err() != nil {
			return models.Profile{}, eris.Wrapf(ErrBudgetExceeded, "processor: %s with $%.4f left", op, r.remaining())
		}
		r.shrunk = true
		if !r.compress(r.cfg.CompressionTarget, true) {
			return models.Profile{}, eris.Wrapf(ErrBudgetExceeded, "processor: %s with $%.4f left", op, r.remaining())
		}
	}
}

// candidates orders the recommendation, its alternates, then every other
// served profile by price.
func (r *run) candidates(rec models.Recommendation) []models.Profile {
	seen := make(map[string]bool)
	var out []models.Profile
	add := func(p models.Profile) {
		if p.Name == "" || seen[p.Name] || !r.p.served(p.Name) {
			return
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	add(rec.Model)
	for _, alt := range rec.Alternates {
		add(alt.Profile)
	}
	rest := r.p.servedProfiles()
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].EstimateCost(r.tokenCount, 1024) < rest[j].EstimateCost(r.tokenCount, 1024)
	})
	for _, p := range rest {
		add(p)
	}
	return out
}

func (r *run) remaining() float64 {
	if r.cfg.BudgetUSD <= 0 {
		return math.Inf(1)
	}
	return r.cfg.BudgetUSD - r.spent
}

func (r *run) affordable(p models.Profile, inputTokens int) bool {
	return p.EstimateCost(inputTokens, r.maxTokens(p)) <= r.remaining()
}

func (r *run) maxTokens(p models.Profile) int {
	n := r.cfg.MaxOutputTokens
	if p.MaxOutputTokens > 0 && (n <= 0 || p.MaxOutputTokens < n) {
		n = p.MaxOutputTokens
	}
	if n <= 0 {
		n = 4096
	}
	return n
}

// complete runs one JSON completion and records it as a phase.
func (r *run) complete(ctx context.Context, name string, p models.Profile, op, system, prompt string) (string, error) {
	resp, err := r.p.completer.Complete(ctx, ai.CompletionRequest{
		Operation:   op,
		Model:       p.Name,
		System:      system,
		Prompt:      prompt,
		MaxTokens:   r.maxTokens(p),
		Temperature: ai.Temperature(0),
		Format:      ai.FormatJSON,
	})
	pr := model.PhaseResult{Phase: phaseOne, Name: name, ModelUsed: p.Name, InputSize: len(prompt)}
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = eris.Errorf("processor: empty %s response from %s", op, p.Name)
	}
	if err != nil {
		pr.Status = model.PhaseStatusFailed
		pr.Error = err.Error()
		r.out.Phases = append(r.out.Phases, pr)
		return "", err
	}
	r.charge(resp.Usage, resp.Cached, p.Name)
	pr.Status = model.PhaseStatusComplete
	pr.Success = true
	pr.OutputSize = len(resp.Text)
	pr.CostUSD = resp.Usage.Cost
	pr.LatencyMs = resp.LatencyMs
	pr.TokenUsage = resp.Usage
	pr.Metadata = map[string]any{"cached": resp.Cached}
	r.out.Phases = append(r.out.Phases, pr)
	return resp.Text, nil
}

func (r *run) charge(u model.TokenUsage, cached bool, modelName string) {
	r.out.Usage.Add(u)
	r.spent += u.Cost
	if cached {
		r.out.CacheHits++
	}
	if modelName != "" {
		r.models[modelName] = true
	}
}

// prompt frames a payload with the scan's URL and framework hints.
func (r *run) prompt(payload string) string {
	var b strings.Builder
	if r.in.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", r.in.URL)
	}
	if len(r.in.Frameworks) > 0 {
		fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(r.in.Frameworks, ", "))
	}
	b.WriteString("Tokens:\n")
	b.WriteString(payload)
	return b.String()
}

// validate checks organization output with repair. Simplified output is a
// flat token list and is grouped by type once valid.
func (r *run) validate(ctx context.Context, text string, simplified bool) (*schema.OrganizedOutput, schema.Result) {
	s := schema.OrganizedOutputSchema()
	if simplified {
		s = schema.TokenSetSchema()
	}
	repairModel := r.p.cheapest()
	start := r.p.nowFunc()
	res := r.p.validator.ValidateWithRepair(ctx, text, s, schema.Options{
		MaxRepairAttempts: r.cfg.MaxRepairAttempts,
		ModelRepair:       r.affordable(repairModel, r.count(text)),
		Model:             repairModel.Name,
		MaxTokens:         r.maxTokens(repairModel),
	})
	if res.Usage != (model.TokenUsage{}) {
		r.charge(res.Usage, false, repairModel.Name)
	}

	pr := model.PhaseResult{
		Phase:        phaseOne,
		Name:         model.PhaseValidation,
		InputSize:    len(text),
		QualityScore: res.Confidence,
		CostUSD:      res.Usage.Cost,
		TokenUsage:   res.Usage,
		LatencyMs:    r.p.nowFunc().Sub(start).Milliseconds(),
		Metadata: map[string]any{
			"repaired":        res.Repaired,
			"repairs_applied": res.RepairsApplied,
			"model_repaired":  res.ModelRepaired,
			"simplified":      simplified,
		},
	}
	defer func() { r.out.Phases = append(r.out.Phases, pr) }()

	if !res.Valid {
		pr.Status = model.PhaseStatusFailed
		pr.Error = res.Err().Error()
		return nil, res
	}

	var organized schema.OrganizedOutput
	if simplified {
		var set schema.TokenSet
		if err := schema.Decode(res.Data, &set); err != nil {
			pr.Status = model.PhaseStatusFailed
			pr.Error = err.Error()
			res.Valid = false
			return nil, res
		}
		organized = schema.OrganizeByType(set.Tokens, res.Confidence)
	} else if err := schema.Decode(res.Data, &organized); err != nil {
		pr.Status = model.PhaseStatusFailed
		pr.Error = err.Error()
		res.Valid = false
		return nil, res
	}
	organized.Confidence = min(organized.Confidence, res.Confidence)

	pr.Status = model.PhaseStatusComplete
	pr.Success = true
	pr.OutputSize = organized.TokenCount()
	return &organized, res
}

// tokenSetFrom converts organized output to the pipeline's token set. Tokens
// are matched back to their source by value and type to keep IDs.
func tokenSetFrom(o *schema.OrganizedOutput, source []model.TokenItem) *model.TokenSet {
	bySignature := make(map[string]model.TokenItem, len(source))
	for _, t := range source {
		bySignature[signature(t.Value, t.Type)] = t
	}
	var items []model.TokenItem
	groups := make(map[string][]string)
	seen := make(map[string]bool)
	for _, c := range o.Categories {
		for _, t := range c.Tokens {
			item := model.TokenItem{
				ID:         t.ID,
				Name:       t.Name,
				Value:      t.Value,
				Type:       model.ParseTokenType(t.Type),
				UsageCount: t.UsageCount,
				Confidence: t.Confidence,
				Source:     t.Source,
			}
			if src, ok := bySignature[signature(item.Value, item.Type)]; ok {
				if item.ID == "" {
					item.ID = src.ID
				}
				if item.Source == "" {
					item.Source = src.Source
				}
				if item.UsageCount == 0 {
					item.UsageCount = src.UsageCount
				}
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			items = append(items, item)
			groups[c.Name] = append(groups[c.Name], item.ID)
		}
	}
	set := model.TokenSetFrom(items)
	if len(groups) > 0 {
		set.Groups = groups
	}
	set.Emergency = o.Emergency
	set.Notes = o.Summary
	if o.Reason != "" {
		set.Notes = strings.TrimSpace(o.Summary + " " + o.Reason)
	}
	return set
}

func signature(value string, typ model.TokenType) string {
	return string(typ) + "|" + strings.ToLower(strings.TrimSpace(value))
}

// topTokens returns up to n tokens by usage×confidence, ties by ID.
func topTokens(tokens []model.TokenItem, n int) []model.TokenItem {
	sorted := append([]model.TokenItem(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight() != sorted[j].Weight() {
			return sorted[i].Weight() > sorted[j].Weight()
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[:min(n, len(sorted))]
}

func complexity(tokens int) string {
	switch {
	case tokens <= 20:
		return models.ComplexitySimple
	case tokens <= 150:
		return models.ComplexityModerate
	case tokens <= 600:
		return models.ComplexityComplex
	default:
		return models.ComplexityExtreme
	}
}
