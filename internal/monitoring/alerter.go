package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertScanFailureRate AlertType = "scan_failure_rate"
	AlertCostOverrun     AlertType = "cost_overrun"
	AlertDLQDepth        AlertType = "dlq_depth"
	AlertBreakersOpen    AlertType = "breakers_open"
)

// A failure rate over fewer scans than this is noise.
const minScansForRate = 5

// Alert is the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports an alert when its threshold is crossed.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{failureRateRule, costRule, dlqRule, breakerRule}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.FailureRateThreshold <= 0 || snap.ScansTotal < minScansForRate || snap.ScanFailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertScanFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("%.1f%% of scans failed in the last %dh (%d of %d, threshold %.1f%%)",
			snap.ScanFailRate*100, snap.LookbackHours, snap.ScansFailed, snap.ScansTotal, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"failure_rate":    snap.ScanFailRate,
			"threshold":       cfg.FailureRateThreshold,
			"failed":          snap.ScansFailed,
			"total":           snap.ScansTotal,
			"heuristic_scans": snap.HeuristicScans,
		},
	}, true
}

func costRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message: fmt.Sprintf("AI spend $%s over %s scans in the last %dh is above $%s",
			humanize.CommafWithDigits(snap.CostUSD, 2), humanize.Comma(int64(snap.ScansTotal)),
			snap.LookbackHours, humanize.CommafWithDigits(cfg.CostThresholdUSD, 2)),
		Details: map[string]any{
			"cost_usd":      snap.CostUSD,
			"threshold_usd": cfg.CostThresholdUSD,
			"scans_total":   snap.ScansTotal,
		},
	}, true
}

func dlqRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.DLQDepthThreshold <= 0 || snap.DLQDepth <= cfg.DLQDepthThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertDLQDepth,
		Severity: "medium",
		Message:  fmt.Sprintf("%s scans waiting in the dead letter queue (threshold %d)", humanize.Comma(int64(snap.DLQDepth)), cfg.DLQDepthThreshold),
		Details:  map[string]any{"dlq_depth": snap.DLQDepth, "threshold": cfg.DLQDepthThreshold},
	}, true
}

func breakerRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if len(snap.OpenBreakers) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertBreakersOpen,
		Severity: "medium",
		Message:  "circuit open for " + strings.Join(snap.OpenBreakers, ", "),
		Details:  map[string]any{"strategies": snap.OpenBreakers},
	}, true
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates an Alerter for the thresholds in cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate returns the alerts snap triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = a.now().UTC()
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Failures are logged and skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, alert := range alerts {
		log := zap.L().With(zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		if err := a.post(ctx, alert); err != nil {
			log.Error("monitoring: send alert", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= http.StatusBadRequest {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
