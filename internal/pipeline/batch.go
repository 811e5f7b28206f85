package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/resilience"
)

// dlqRetryDelay is the wait before a dead letter's first retry. It doubles
// with every failed retry.
const dlqRetryDelay = 5 * time.Minute

func nextDLQRetry(now time.Time, retries int) time.Time {
	return now.Add(dlqRetryDelay << min(retries, 8))
}

// DeadLetters records scans that finished without a usable result.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// DeadLetterQueue is a DeadLetters that can also hand entries back for retry.
type DeadLetterQueue interface {
	DeadLetters
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// BatchSummary counts the outcomes of a batch.
type BatchSummary struct {
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Summarize counts the outcomes in results. Nil entries are scans that never
// started because the batch was canceled.
func Summarize(results []*Result) BatchSummary {
	var s BatchSummary
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.TotalCostUSD += r.AIMetadata.TotalCostUSD
	}
	return s
}

// ProcessBatch scans urls in groups of BatchConcurrency, pacing the start of
// each group by BatchDelay. Results are in input order. Canceling ctx stops
// new groups from starting; their entries stay nil. onProgress is shared by
// concurrent scans and must be safe for concurrent use.
func (o *Orchestrator) ProcessBatch(ctx context.Context, urls []string, opts model.ScanOptions, onProgress model.ProgressSink) ([]*Result, error) {
	results := make([]*Result, len(urls))
	if len(urls) == 0 {
		return results, nil
	}
	size := max(o.cfg.BatchConcurrency, 1)
	var limiter *rate.Limiter
	if o.cfg.BatchDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(o.cfg.BatchDelay), 1)
	}

	zap.L().Info("pipeline: processing batch",
		zap.Int("urls", len(urls)),
		zap.Int("concurrency", size),
		zap.Duration("delay", o.cfg.BatchDelay),
	)

	var dead atomic.Int64
	for start := 0; start < len(urls); start += size {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return results, eris.Wrap(err, "pipeline: batch wait")
			}
		} else if err := ctx.Err(); err != nil {
			return results, eris.Wrap(err, "pipeline: batch canceled")
		}

		end := min(start+size, len(urls))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				res := o.ProcessWebsite(gctx, urls[i], opts, onProgress)
				results[i] = res
				if o.deadLetter(gctx, res) {
					dead.Add(1)
				}
				return nil // one failed scan never aborts the batch
			})
		}
		_ = g.Wait()
	}

	sum := Summarize(results)
	zap.L().Info("pipeline: batch complete",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int64("dead_lettered", dead.Load()),
		zap.Float64("cost_usd", sum.TotalCostUSD),
	)
	return results, nil
}

// deadLetter enqueues a failed result and reports whether it did.
func (o *Orchestrator) deadLetter(ctx context.Context, res *Result) bool {
	if o.dlq == nil || res == nil || res.Success {
		return false
	}
	now := o.nowFunc()
	phase := PhaseProcessing
	if res.ExtractionMetadata.Status == model.ScanStatusFailed || res.ScanID == "" {
		phase = model.PhaseExtraction
	}
	entry := resilience.DLQEntry{
		ID:           uuid.NewString(),
		URL:          res.URL,
		Error:        res.Error,
		ErrorType:    resilience.ClassifyError(errors.New(res.Error)),
		FailedPhase:  phase,
		MaxRetries:   o.cfg.DLQMaxRetries,
		NextRetryAt:  nextDLQRetry(now, 0),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := o.dlq.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
		zap.L().Warn("pipeline: enqueue dead letter", zap.String("url", res.URL), zap.Error(err))
		return false
	}
	return true
}

// RetryDeadLetters rescans up to limit transient dead letters. Scans that
// succeed are removed; the rest have their retry count bumped, and entries
// out of retries are dropped.
func (o *Orchestrator) RetryDeadLetters(ctx context.Context, q DeadLetterQueue, limit int, opts model.ScanOptions, onProgress model.ProgressSink) ([]*Result, error) {
	entries, err := q.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient", Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: dequeue dead letters")
	}
	now := o.nowFunc()
	var (
		due  []resilience.DLQEntry
		urls []string
	)
	for _, e := range entries {
		if e.NextRetryAt.After(now) {
			continue
		}
		if !e.CanRetry() {
			if err := q.RemoveDLQ(ctx, e.ID); err != nil {
				return nil, eris.Wrapf(err, "pipeline: remove exhausted dead letter %s", e.ID)
			}
			continue
		}
		due = append(due, e)
		urls = append(urls, e.URL)
	}

	// Retried scans are not dead-lettered again; the existing entry tracks them.
	retry := *o
	retry.dlq = nil
	results, err := retry.ProcessBatch(ctx, urls, opts, onProgress)
	if err != nil {
		return results, err
	}

	for i, e := range due {
		res := results[i]
		if res == nil {
			continue
		}
		if res.Success {
			if err := q.RemoveDLQ(ctx, e.ID); err != nil {
				return results, eris.Wrapf(err, "pipeline: remove dead letter %s", e.ID)
			}
			continue
		}
		if err := q.IncrementDLQRetry(ctx, e.ID, nextDLQRetry(o.nowFunc(), e.RetryCount+1), res.Error); err != nil {
			return results, eris.Wrapf(err, "pipeline: bump dead letter %s", e.ID)
		}
	}
	return results, nil
}
