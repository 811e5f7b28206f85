package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/models"
)

const auditSystemPrompt = `You audit an organized design system for naming consistency, color contrast and gaps in its scales.
Reply with JSON: {"score":0,"findings":[""],"recommendations":[""]}. Score is 0-100.`

// auditTimeout bounds an audit that outlives its scan.
const auditTimeout = 2 * time.Minute

// AuditResult is the outcome of the optional audit phase.
type AuditResult struct {
	Model           string           `json:"model"`
	Score           float64          `json:"score"`
	Findings        []string         `json:"findings"`
	Recommendations []string         `json:"recommendations"`
	CostUSD         float64          `json:"cost_usd"`
	Usage           model.TokenUsage `json:"usage"`
	Cached          bool             `json:"cached"`
	LatencyMs       int64            `json:"latency_ms"`
	Error           string           `json:"error,omitempty"`
}

// runAudit launches the audit and waits up to AuditWait for it. A late audit
// is handed to the audit callback when it finishes.
func (p *Processor) runAudit(ctx context.Context, r *run) {
	profile := p.mostAccurate()
	doc, err := json.Marshal(r.out.Organized)
	if err != nil {
		r.out.Audit = &AuditResult{Model: profile.Name, Error: eris.Wrap(err, "processor: marshal audit input").Error()}
		return
	}
	prompt := r.prompt(string(doc))
	inputTokens := p.optimizer.CountTokens(prompt, profile).Count
	if est := profile.EstimateCost(inputTokens, r.maxTokens(profile)); r.cfg.AuditBudgetUSD > 0 && est > r.cfg.AuditBudgetUSD {
		err := eris.Wrapf(ErrBudgetExceeded, "processor: audit with %s needs $%.4f of $%.4f", profile.Name, est, r.cfg.AuditBudgetUSD)
		r.log.Info("processor: skipping audit", zap.Error(err))
		r.out.Audit = &AuditResult{Model: profile.Name, Error: err.Error()}
		return
	}

	done := make(chan *AuditResult, 1)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	p.audits.Add(1)
	go func() {
		defer p.audits.Done()
		defer cancel()
		done <- p.audit(actx, profile, prompt, r.maxTokens(profile))
	}()

	timer := time.NewTimer(r.cfg.AuditWait)
	defer timer.Stop()
	select {
	case a := <-done:
		p.attachAudit(r, a)
	case <-timer.C:
		r.out.AuditPending = true
		scanID := r.in.ScanID
		p.audits.Add(1)
		go func() {
			defer p.audits.Done()
			a := <-done
			zap.L().Info("processor: audit finished after scan",
				zap.String("scan_id", scanID),
				zap.Float64("score", a.Score),
				zap.Float64("cost_usd", a.CostUSD),
			)
			if p.onAudit != nil {
				p.onAudit(scanID, a)
			}
		}()
	}
}

func (p *Processor) attachAudit(r *run, a *AuditResult) {
	r.out.Audit = a
	pr := model.PhaseResult{
		Phase:        phaseTwo,
		Name:         model.PhaseAudit,
		ModelUsed:    a.Model,
		CostUSD:      a.CostUSD,
		LatencyMs:    a.LatencyMs,
		QualityScore: a.Score,
		TokenUsage:   a.Usage,
		Success:      a.Error == "",
		Error:        a.Error,
		Status:       model.PhaseStatusComplete,
	}
	if a.Error != "" {
		pr.Status = model.PhaseStatusFailed
	} else {
		r.out.Usage.Add(a.Usage)
		r.out.TotalCostUSD = r.out.Usage.Cost
		if a.Cached {
			r.out.CacheHits++
		}
		r.out.ModelsUsed = appendUnique(r.out.ModelsUsed, a.Model)
	}
	r.out.Phases = append(r.out.Phases, pr)
}

func (p *Processor) audit(ctx context.Context, profile models.Profile, prompt string, maxTokens int) *AuditResult {
	a := &AuditResult{Model: profile.Name}
	resp, err := p.completer.Complete(ctx, ai.CompletionRequest{
		Operation:   gateway.OpAudit,
		Model:       profile.Name,
		System:      auditSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: ai.Temperature(0),
		Format:      ai.FormatJSON,
	})
	if err != nil {
		p.selector.History().Record(profile.Name, gateway.OpAudit, false)
		a.Error = eris.Wrap(err, "processor: audit").Error()
		return a
	}
	a.Usage = resp.Usage
	a.CostUSD = resp.Usage.Cost
	a.Cached = resp.Cached
	a.LatencyMs = resp.LatencyMs

	doc := ai.CleanJSON(resp.Text)
	if !gjson.Valid(doc) {
		p.selector.History().Record(profile.Name, gateway.OpAudit, false)
		a.Error = "processor: audit response is not JSON"
		return a
	}
	parsed := gjson.Parse(doc)
	a.Score = min(max(parsed.Get("score").Float(), 0), 100)
	for _, f := range parsed.Get("findings").Array() {
		if s := f.String(); s != "" {
			a.Findings = append(a.Findings, s)
		}
	}
	for _, rec := range parsed.Get("recommendations").Array() {
		if s := rec.String(); s != "" {
			a.Recommendations = append(a.Recommendations, s)
		}
	}
	p.selector.History().Record(profile.Name, gateway.OpAudit, true)
	return a
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

