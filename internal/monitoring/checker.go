// Package monitoring watches scan health in long-running servers and posts
// threshold alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookbackHours = 24
)

// Checker periodically collects a snapshot and alerts on it.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	hours     int
}

// NewChecker wires a collector to an alerter using cfg's interval and lookback.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		hours:     cfg.LookbackWindowHours,
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.hours <= 0 {
		c.hours = defaultLookbackHours
	}
	return c
}

// Run checks on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: checker started", zap.Duration("interval", c.interval), zap.Int("lookback_hours", c.hours))
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect/evaluate/send cycle and returns the alerts that fired.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.hours)
	if err != nil {
		zap.L().Error("monitoring: collect metrics", zap.Error(err))
		return nil
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		sent := c.alerter.SendAlerts(ctx, alerts)
		zap.L().Info("monitoring: alerts fired", zap.Int("fired", len(alerts)), zap.Int("sent", sent))
	}
	return alerts
}
