package resilience

import (
	"time"

	"github.com/sells-group/designscan/internal/model"
)

// DLQEntry represents a scan that failed every fallback and can be retried later.
type DLQEntry struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	FailedPhase  string    `json:"failed_phase,omitempty"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	switch Classify(err) {
	case model.ErrorKindTimeout, model.ErrorKindRateLimit, model.ErrorKindBrowser, model.ErrorKindNetwork:
		return "transient"
	}
	return "permanent"
}

// DLQFilter narrows which entries DequeueDLQ returns.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
