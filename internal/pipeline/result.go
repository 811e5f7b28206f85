package pipeline

import (
	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/processor"
	"github.com/sells-group/designscan/internal/schema"
)

// ExtractionMetadata describes the extraction half of a scan.
type ExtractionMetadata struct {
	Status             model.ScanStatus `json:"status"`
	StrategiesUsed     []string         `json:"strategies_used"`
	FallbacksTriggered []string         `json:"fallbacks_triggered"`
	HeuristicOnly      []string         `json:"heuristic_only,omitempty"`
	DataQuality        float64          `json:"data_quality"`
	DurationMs         int64            `json:"duration_ms"`
	CacheHits          int              `json:"cache_hits"`
}

// AIMetadata describes the AI processing half of a scan.
type AIMetadata struct {
	ModelsUsed           []string                `json:"models_used"`
	TotalCostUSD         float64                 `json:"total_cost_usd"`
	CompressionUsed      bool                    `json:"compression_used"`
	DeduplicationApplied bool                    `json:"deduplication_applied"`
	Emergency            bool                    `json:"emergency"`
	State                processor.State         `json:"state,omitempty"`
	CacheHits            int                     `json:"cache_hits"`
	Optimization         processor.Optimization  `json:"optimization"`
	Phases               []model.PhaseResult     `json:"phases,omitempty"`
	Audit                *processor.AuditResult  `json:"audit,omitempty"`
	AuditPending         bool                    `json:"audit_pending,omitempty"`
	Organized            *schema.OrganizedOutput `json:"organized,omitempty"`
}

// AccessibilityReport combines the page's measured contrast with the
// contrast of the extracted palette against white and black text.
type AccessibilityReport struct {
	extract.AccessibilityData
	Measured        bool                   `json:"measured"`
	PaletteContrast []extract.ContrastPair `json:"palette_contrast,omitempty"`
	Score           float64                `json:"score"`
}

// Result is the outcome of one scan. It is always returned, degraded when
// parts of the scan failed.
type Result struct {
	ScanID              string               `json:"scan_id"`
	URL                 string               `json:"url"`
	Domain              string               `json:"domain"`
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
	TokenSet            *model.TokenSet      `json:"token_set"`
	LayoutData          *extract.LayoutData  `json:"layout_data,omitempty"`
	BrandData           *extract.BrandData   `json:"brand_data,omitempty"`
	AccessibilityReport *AccessibilityReport `json:"accessibility_report,omitempty"`
	ExtractionMetadata  ExtractionMetadata   `json:"extraction_metadata"`
	AIMetadata          AIMetadata           `json:"ai_metadata"`
	Confidence          float64              `json:"confidence"`
	Completeness        float64              `json:"completeness"`
	Reliability         float64              `json:"reliability"`
	Phases              []model.PhaseResult  `json:"phases"`
	DurationMs          int64                `json:"duration_ms"`
}
