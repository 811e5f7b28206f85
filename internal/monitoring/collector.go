package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/pipeline"
	"github.com/sells-group/designscan/internal/resilience"
)

// defaultMaxRecords bounds the scans a Recorder remembers.
const defaultMaxRecords = 10000

// MetricsSnapshot holds a point-in-time view of scan health.
type MetricsSnapshot struct {
	// Scan metrics (within lookback window).
	ScansTotal     int     `json:"scans_total"`
	ScansSucceeded int     `json:"scans_succeeded"`
	ScansFailed    int     `json:"scans_failed"`
	ScanFailRate   float64 `json:"scan_fail_rate"`
	HeuristicScans int     `json:"heuristic_scans"`
	EmergencyScans int     `json:"emergency_scans"`
	CostUSD        float64 `json:"cost_usd"`
	AvgConfidence  float64 `json:"avg_confidence"`

	// Shared state.
	OpenBreakers      []string `json:"open_breakers"`
	CacheHitRate      float64  `json:"cache_hit_rate"`
	CacheCostSavedUSD float64  `json:"cache_cost_saved_usd"`
	DLQDepth          int      `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ScanRecord is the part of a scan result the monitor keeps.
type ScanRecord struct {
	At         time.Time
	Success    bool
	Heuristic  bool
	Emergency  bool
	CostUSD    float64
	Confidence float64
}

// Recorder keeps recent scan outcomes in memory. It is safe for concurrent
// use.
type Recorder struct {
	mu      sync.Mutex
	records []ScanRecord
	max     int
	nowFunc func() time.Time
}

// NewRecorder creates a Recorder holding at most maxRecords scans; zero
// uses the default.
func NewRecorder(maxRecords int) *Recorder {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Recorder{max: maxRecords, nowFunc: time.Now}
}

// Record adds a finished scan.
func (r *Recorder) Record(res *pipeline.Result) {
	if res == nil {
		return
	}
	rec := ScanRecord{
		At:         r.nowFunc().UTC(),
		Success:    res.Success,
		Heuristic:  len(res.ExtractionMetadata.HeuristicOnly) > 0,
		Emergency:  res.AIMetadata.Emergency,
		CostUSD:    res.AIMetadata.TotalCostUSD,
		Confidence: res.Confidence,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if over := len(r.records) - r.max; over > 0 {
		r.records = append(r.records[:0], r.records[over:]...)
	}
}

// Since returns the records at or after cutoff.
func (r *Recorder) Since(cutoff time.Time) []ScanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.records), func(i int) bool { return !r.records[i].At.Before(cutoff) })
	return append([]ScanRecord(nil), r.records[i:]...)
}

// DLQCounter reports dead letter queue depth.
type DLQCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the recorder and shared scan state. Every
// source but the recorder may be nil.
type Collector struct {
	recorder *Recorder
	dlq      DLQCounter
	breakers *resilience.StrategyBreakers
	cache    *gateway.Cache
	nowFunc  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(recorder *Recorder, dlq DLQCounter, breakers *resilience.StrategyBreakers, cache *gateway.Cache) *Collector {
	return &Collector{recorder: recorder, dlq: dlq, breakers: breakers, cache: cache, nowFunc: time.Now}
}

// Collect gathers a snapshot of scan metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		OpenBreakers:  []string{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	var confidence float64
	for _, r := range c.recorder.Since(cutoff) {
		snap.ScansTotal++
		if r.Success {
			snap.ScansSucceeded++
		} else {
			snap.ScansFailed++
		}
		if r.Heuristic {
			snap.HeuristicScans++
		}
		if r.Emergency {
			snap.EmergencyScans++
		}
		snap.CostUSD += r.CostUSD
		confidence += r.Confidence
	}
	if snap.ScansTotal > 0 {
		snap.ScanFailRate = float64(snap.ScansFailed) / float64(snap.ScansTotal)
		snap.AvgConfidence = confidence / float64(snap.ScansTotal)
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	if c.cache != nil {
		stats := c.cache.Stats()
		snap.CacheHitRate = stats.HitRate
		snap.CacheCostSavedUSD = stats.CostSavedUSD
	}

	if c.dlq != nil {
		n, err := c.dlq.CountDLQ(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dlq")
		}
		snap.DLQDepth = n
	}

	return snap, nil
}
