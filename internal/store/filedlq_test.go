package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/resilience"
)

func newTestFileDLQ(t *testing.T, now time.Time) *FileDLQ {
	t.Helper()
	q := NewFileDLQ(filepath.Join(t.TempDir(), "nested", "dlq.jsonl"))
	q.nowFunc = func() time.Time { return now }
	return q
}

func TestFileDLQ_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTestFileDLQ(t, now)

	n, err := q.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "missing file reads as empty")

	entries := []resilience.DLQEntry{
		{ID: "late", URL: "https://c.example", ErrorType: "transient", MaxRetries: 3, NextRetryAt: now.Add(-time.Minute)},
		{ID: "early", URL: "https://a.example", ErrorType: "transient", MaxRetries: 3, NextRetryAt: now.Add(-time.Hour)},
		{ID: "future", URL: "https://d.example", ErrorType: "transient", MaxRetries: 3, NextRetryAt: now.Add(time.Hour)},
		{ID: "perm", URL: "https://e.example", ErrorType: "permanent", MaxRetries: 3, NextRetryAt: now.Add(-time.Hour)},
		{ID: "spent", URL: "https://f.example", ErrorType: "transient", RetryCount: 3, MaxRetries: 3, NextRetryAt: now.Add(-time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, q.EnqueueDLQ(ctx, e))
	}

	n, err = q.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	due, err := q.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	limited, err := q.DequeueDLQ(ctx, resilience.DLQFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "early", limited[0].ID)

	require.NoError(t, q.IncrementDLQRetry(ctx, "early", now.Add(2*time.Hour), "still down"))
	due, err = q.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].ID)

	require.NoError(t, q.RemoveDLQ(ctx, "late"))
	require.NoError(t, q.RemoveDLQ(ctx, "unknown"))
	n, err = q.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// A second queue over the same file sees the persisted state.
	reopened := NewFileDLQ(q.Path())
	reopened.nowFunc = func() time.Time { return now.Add(3 * time.Hour) }
	due, err = reopened.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "future", due[0].ID)
	assert.Equal(t, "early", due[1].ID)
	assert.Equal(t, 1, due[1].RetryCount)
	assert.Equal(t, "still down", due[1].Error)
	assert.Equal(t, now, due[1].LastFailedAt)
}

func TestFileDLQ_EnqueueReplacesByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	q := newTestFileDLQ(t, now)

	require.NoError(t, q.EnqueueDLQ(ctx, resilience.DLQEntry{ID: "x", Error: "first", MaxRetries: 2, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, q.EnqueueDLQ(ctx, resilience.DLQEntry{ID: "x", Error: "second", MaxRetries: 2, CreatedAt: now}))
	require.NoError(t, q.EnqueueDLQ(ctx, resilience.DLQEntry{Error: "generated id", MaxRetries: 2}))

	due, err := q.DequeueDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, due, 2)
	byID := map[string]resilience.DLQEntry{}
	for _, e := range due {
		byID[e.ID] = e
	}
	require.Contains(t, byID, "x")
	assert.Equal(t, "second", byID["x"].Error)
	assert.Equal(t, now.Add(-time.Hour), byID["x"].CreatedAt, "creation time survives replacement")
	for id := range byID {
		assert.NotEmpty(t, id)
	}
}

func TestFileDLQ_IncrementUnknown(t *testing.T) {
	t.Parallel()
	q := newTestFileDLQ(t, time.Now())
	err := q.IncrementDLQRetry(context.Background(), "nope", time.Now(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFileDLQ_CorruptLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n\nnot json\n"), 0o600))

	_, err := NewFileDLQ(path).CountDLQ(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode line 3")
}
