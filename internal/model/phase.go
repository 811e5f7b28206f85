package model

// PhaseStatus represents the state of one processing phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// PhaseResult records one AI processing phase.
type PhaseResult struct {
	Phase        int            `json:"phase"`
	Name         string         `json:"name"`
	Status       PhaseStatus    `json:"status"`
	ModelUsed    string         `json:"model_used,omitempty"`
	InputSize    int            `json:"input_size"`
	OutputSize   int            `json:"output_size"`
	CostUSD      float64        `json:"cost_usd"`
	LatencyMs    int64          `json:"latency_ms"`
	QualityScore float64        `json:"quality_score"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	TokenUsage   TokenUsage     `json:"token_usage"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
