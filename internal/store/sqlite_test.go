package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/resilience"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Embeddings_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEmbeddings(ctx, []Embedding{
		{Hash: "b", Vector: []float32{0.5, -0.25, 1}},
		{Hash: "a", Vector: []float32{1}},
	}))
	// Upsert replaces the vector.
	require.NoError(t, st.SaveEmbeddings(ctx, []Embedding{{Hash: "a", Vector: []float32{2, 3}}}))

	got, err := st.LoadEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Hash)
	assert.Equal(t, []float32{2, 3}, got[0].Vector)
	assert.Equal(t, []float32{0.5, -0.25, 1}, got[1].Vector)
	assert.False(t, got[1].CreatedAt.IsZero())
}

func TestSQLite_Embeddings_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.SaveEmbeddings(context.Background(), nil))
	got, err := st.LoadEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_CacheEntries_SkipsExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	live := CacheEntry{
		Key: "live", Scope: "scope-1", Model: "claude-haiku", Operation: "organize",
		Features: []string{"domain:acme.com", "colors:6-15"},
		Payload:  []byte(`{"ok":true}`), Usage: []byte(`{"cost":0.01}`),
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour), LastAccessedAt: now, HitCount: 2,
	}
	expired := live
	expired.Key = "expired"
	expired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, st.SaveCacheEntries(ctx, []CacheEntry{live, expired}))

	got, err := st.LoadCacheEntries(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].Key)
	assert.Equal(t, []string{"domain:acme.com", "colors:6-15"}, got[0].Features)
	assert.Equal(t, 2, got[0].HitCount)
	assert.True(t, got[0].ExpiresAt.Equal(live.ExpiresAt))
	assert.JSONEq(t, `{"ok":true}`, string(got[0].Payload))

	n, err := st.DeleteExpiredCache(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_DLQ_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	due := resilience.DLQEntry{
		ID: "dlq-1", URL: "https://acme.com", Error: "timeout", ErrorType: "transient",
		MaxRetries: 2, NextRetryAt: time.Now().Add(-time.Minute),
		CreatedAt: time.Now(), LastFailedAt: time.Now(),
	}
	later := due
	later.ID, later.URL = "dlq-2", "https://later.com"
	later.NextRetryAt = time.Now().Add(time.Hour)
	permanent := due
	permanent.ID, permanent.ErrorType = "dlq-3", "permanent"
	for _, e := range []resilience.DLQEntry{due, later, permanent} {
		require.NoError(t, st.EnqueueDLQ(ctx, e))
	}

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://acme.com", entries[0].URL)

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().Add(-time.Second), "timeout again"))
	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", time.Now().Add(-time.Second), "timeout again"))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	assert.Empty(t, entries, "retries exhausted")

	err = st.IncrementDLQRetry(ctx, "missing", time.Now(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, st.RemoveDLQ(ctx, "dlq-1"))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpen_Drivers(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(context.Background(), config.StoreConfig{Driver: "mongo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")

	st, err = Open(context.Background(), config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NoError(t, st.Ping(context.Background()))
	assert.NoError(t, st.Close())
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -3.25}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}
