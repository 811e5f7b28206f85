package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_SaveEmbeddings_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_embeddings"}, embeddingUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "embeddings" .* ON CONFLICT \("hash"\)`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.SaveEmbeddings(context.Background(), []Embedding{
		{Hash: "a", Vector: []float32{1, 2}},
		{Hash: "b", Vector: []float32{3}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadEmbeddings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT hash, vector, created_at FROM embeddings`).
		WillReturnRows(pgxmock.NewRows([]string{"hash", "vector", "created_at"}).
			AddRow("a", encodeVector([]float32{0.25, 4}), created))

	got, err := s.LoadEmbeddings(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0.25, 4}, got[0].Vector)
	assert.Equal(t, created, got[0].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadCacheEntries_FiltersByExpiry(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM cache_entries WHERE expires_at > \$1`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{
			"key", "scope", "model", "operation", "features", "payload", "usage",
			"created_at", "expires_at", "last_accessed_at", "hit_count",
		}).AddRow("k1", "s1", "claude-haiku", "organize", []byte(`["domain:acme.com"]`), []byte(`{}`), []byte(`{"cost":0.02}`),
			now.Add(-time.Hour), now.Add(time.Hour), now, 3))

	got, err := s.LoadCacheEntries(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"domain:acme.com"}, got[0].Features)
	assert.Equal(t, 3, got[0].HitCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredCache(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	mock.ExpectExec(`DELETE FROM cache_entries WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.DeleteExpiredCache(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "https://acme.com", "timeout", "transient", "", 0, 3,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		URL: "https://acme.com", Error: "timeout", ErrorType: "transient", MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DequeueDLQ_WithFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`AND error_type = \$1 ORDER BY next_retry_at ASC LIMIT \$2`).
		WithArgs("transient", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "error", "error_type", "failed_phase", "retry_count", "max_retries",
			"next_retry_at", "created_at", "last_failed_at",
		}).AddRow("d1", "https://acme.com", "timeout", "transient", "extraction", 1, 3, now, now, now))

	entries, err := s.DequeueDLQ(context.Background(), resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "extraction", entries[0].FailedPhase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementDLQRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE dead_letter_queue`).
		WithArgs(pgxmock.AnyArg(), "boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementDLQRetry(context.Background(), "missing", time.Now(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnError(errors.New("connection refused"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: ping")
	assert.NoError(t, mock.ExpectationsWereMet())
}
