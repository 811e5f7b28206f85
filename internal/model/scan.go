package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ScanStatus represents the overall outcome of an extraction run.
type ScanStatus string

const (
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusPartial   ScanStatus = "partial"
	ScanStatusFailed    ScanStatus = "failed"
)

// ErrorKind is the signature of a failed extraction, used to pick a recovery rule.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindBrowser   ErrorKind = "browser"
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindAntiBot   ErrorKind = "anti_bot"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindLowYield  ErrorKind = "low_yield"
	ErrorKindUnknown   ErrorKind = "unknown"
)

// Viewport is a browser window size used during extraction.
type Viewport struct {
	Name   string `json:"name" mapstructure:"name"`
	Width  int    `json:"width" mapstructure:"width"`
	Height int    `json:"height" mapstructure:"height"`
}

// DefaultViewports returns the mobile, tablet, and desktop viewports.
func DefaultViewports() []Viewport {
	return []Viewport{
		{Name: "mobile", Width: 375, Height: 812},
		{Name: "tablet", Width: 768, Height: 1024},
		{Name: "desktop", Width: 1440, Height: 900},
	}
}

// ScanOptions tunes a single scan.
type ScanOptions struct {
	IncludeInteractive bool          `json:"include_interactive"`
	IncludeCoverage    bool          `json:"include_coverage"`
	MaxStylesheets     int           `json:"max_stylesheets"`
	SettleTime         time.Duration `json:"settle_time"`
	BudgetUSD          float64       `json:"budget_usd"`
	AuditBudgetUSD     float64       `json:"audit_budget_usd"`
	QualityTarget      string        `json:"quality_target"`
	Priority           string        `json:"priority"`
	RunAudit           bool          `json:"run_audit"`
}

// Hash returns a stable short hash of the options, used in scan cache keys.
func (o ScanOptions) Hash() string {
	b, _ := json.Marshal(o)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// SharedCache is the per-scan cache shared by all strategies. Writes for the
// same key are idempotent overwrites.
type SharedCache struct {
	mu    sync.RWMutex
	items map[string]ExtractionResult
}

// NewSharedCache creates an empty SharedCache.
func NewSharedCache() *SharedCache {
	return &SharedCache{items: make(map[string]ExtractionResult)}
}

// Get returns the cached result for key.
func (c *SharedCache) Get(key string) (ExtractionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.items[key]
	return r, ok
}

// Set stores r under key, replacing any previous value.
func (c *SharedCache) Set(key string, r ExtractionResult) {
	c.mu.Lock()
	c.items[key] = r
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *SharedCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// ScanContext carries everything a strategy needs for one scan. It is shared by
// reference; only Cache is mutated during the scan.
type ScanContext struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Domain    string        `json:"domain"`
	UserAgent string        `json:"user_agent"`
	Viewports []Viewport    `json:"viewports"`
	Options   ScanOptions   `json:"options"`
	Timeout   time.Duration `json:"timeout"`
	Cache     *SharedCache  `json:"-"`
	Progress  ProgressSink  `json:"-"`
}

// Clone returns a shallow copy that shares the cache but can be mutated by a
// recovery attempt without affecting the original.
func (sc *ScanContext) Clone() *ScanContext {
	c := *sc
	c.Viewports = append([]Viewport(nil), sc.Viewports...)
	return &c
}

// DomainOf extracts the lower-cased host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimPrefix(rawURL, "www."))
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Performance holds instrumentation for one strategy run.
type Performance struct {
	DurationMs    int64 `json:"duration_ms"`
	DataSizeBytes int   `json:"data_size_bytes"`
	CacheHit      bool  `json:"cache_hit"`
}

// ExtractionResult is the immutable outcome of one strategy run.
type ExtractionResult struct {
	ScanID        string         `json:"scan_id"`
	StrategyName  string         `json:"strategy_name"`
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Performance   Performance    `json:"performance"`
	Attempts      int            `json:"attempts"`
	Recovered     bool           `json:"recovered,omitempty"`
	RecoveredFrom string         `json:"recovered_from,omitempty"`
}

// ScanResult aggregates all strategy results for one URL.
type ScanResult struct {
	ScanID      string             `json:"scan_id"`
	URL         string             `json:"url"`
	Status      ScanStatus         `json:"status"`
	Results     []ExtractionResult `json:"results"`
	DataQuality float64            `json:"data_quality"`
	DurationMs  int64              `json:"duration_ms"`
	CacheHits   int                `json:"cache_hits"`
}

// Succeeded returns the successful results in run order.
func (r *ScanResult) Succeeded() []ExtractionResult {
	var out []ExtractionResult
	for _, res := range r.Results {
		if res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the failed results in run order.
func (r *ScanResult) Failed() []ExtractionResult {
	var out []ExtractionResult
	for _, res := range r.Results {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// StrategyNames returns the sorted names of strategies that produced data.
func (r *ScanResult) StrategyNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, res := range r.Results {
		if res.Success && !seen[res.StrategyName] {
			seen[res.StrategyName] = true
			names = append(names, res.StrategyName)
		}
	}
	sort.Strings(names)
	return names
}

// Replace swaps in recovered results for the strategies they recovered.
func (r *ScanResult) Replace(recovered []ExtractionResult) {
	byName := make(map[string]ExtractionResult, len(recovered))
	for _, res := range recovered {
		key := res.RecoveredFrom
		if key == "" {
			key = res.StrategyName
		}
		byName[key] = res
	}
	for i, res := range r.Results {
		if res.Success {
			continue
		}
		if rec, ok := byName[res.StrategyName]; ok {
			r.Results[i] = rec
		}
	}
}
