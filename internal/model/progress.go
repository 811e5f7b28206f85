package model

// Phase names reported through progress updates.
const (
	PhaseExtraction   = "extraction"
	PhaseFallback     = "fallback"
	PhaseTokens       = "tokens"
	PhaseCompression  = "compression"
	PhaseDeduplicate  = "deduplication"
	PhaseOrganization = "organization"
	PhaseValidation   = "validation"
	PhaseAudit        = "audit"
	PhaseComplete     = "complete"
)

// ProgressCosts breaks down spend so far.
type ProgressCosts struct {
	Extraction   float64 `json:"extraction"`
	AIProcessing float64 `json:"ai_processing"`
	Total        float64 `json:"total"`
}

// ProgressMetrics are running counters for a scan.
type ProgressMetrics struct {
	TokensExtracted     int `json:"tokens_extracted"`
	StrategiesCompleted int `json:"strategies_completed"`
	FallbacksUsed       int `json:"fallbacks_used"`
	CacheHits           int `json:"cache_hits"`
}

// Progress is a snapshot delivered to progress sinks.
type Progress struct {
	ScanID                 string          `json:"scan_id"`
	Phase                  string          `json:"phase"`
	OverallProgressPercent float64         `json:"overall_progress_percent"`
	CurrentStepLabel       string          `json:"current_step_label"`
	ElapsedMs              int64           `json:"elapsed_ms"`
	Costs                  ProgressCosts   `json:"costs"`
	Metrics                ProgressMetrics `json:"metrics"`
}

// ProgressSink receives progress snapshots. Implementations must return quickly.
type ProgressSink func(Progress)
