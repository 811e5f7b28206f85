package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/db"
	"github.com/sells-group/designscan/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS embeddings (
	hash       TEXT PRIMARY KEY,
	vector     BYTEA NOT NULL,
	dims       INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	model            TEXT NOT NULL,
	operation        TEXT NOT NULL,
	features         JSONB NOT NULL,
	payload          BYTEA NOT NULL,
	usage            JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_scope ON cache_entries(scope);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	url            TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var (
	embeddingUpsert = db.UpsertConfig{
		Table:        "embeddings",
		Columns:      []string{"hash", "vector", "dims", "created_at"},
		ConflictKeys: []string{"hash"},
		UpdateCols:   []string{"vector", "dims"},
	}
	cacheUpsert = db.UpsertConfig{
		Table: "cache_entries",
		Columns: []string{
			"key", "scope", "model", "operation", "features", "payload", "usage",
			"created_at", "expires_at", "last_accessed_at", "hit_count",
		},
		ConflictKeys: []string{"key"},
		UpdateCols:   []string{"payload", "usage", "last_accessed_at", "hit_count"},
	}
)

// SaveEmbeddings bulk-upserts vectors.
func (s *PostgresStore) SaveEmbeddings(ctx context.Context, embeddings []Embedding) error {
	rows := make([][]any, 0, len(embeddings))
	now := time.Now().UTC()
	for _, e := range embeddings {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{e.Hash, encodeVector(e.Vector), len(e.Vector), created})
	}
	_, err := db.BulkUpsert(ctx, s.pool, embeddingUpsert, rows)
	return eris.Wrap(err, "postgres: save embeddings")
}

// LoadEmbeddings returns every stored vector.
func (s *PostgresStore) LoadEmbeddings(ctx context.Context) ([]Embedding, error) {
	rows, err := s.pool.Query(ctx, `SELECT hash, vector, created_at FROM embeddings ORDER BY hash`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load embeddings")
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var (
			e    Embedding
			blob []byte
		)
		if err := rows.Scan(&e.Hash, &blob, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan embedding")
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate embeddings")
}

// SaveCacheEntries bulk-upserts response-cache entries.
func (s *PostgresStore) SaveCacheEntries(ctx context.Context, entries []CacheEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		features, err := json.Marshal(e.Features)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal cache features")
		}
		rows = append(rows, []any{
			e.Key, e.Scope, e.Model, e.Operation, features, e.Payload, e.Usage,
			e.CreatedAt, e.ExpiresAt, e.LastAccessedAt, e.HitCount,
		})
	}
	_, err := db.BulkUpsert(ctx, s.pool, cacheUpsert, rows)
	return eris.Wrap(err, "postgres: save cache entries")
}

// LoadCacheEntries returns entries that have not expired at now.
func (s *PostgresStore) LoadCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, scope, model, operation, features, payload, usage, created_at, expires_at, last_accessed_at, hit_count
		 FROM cache_entries WHERE expires_at > $1 ORDER BY created_at`,
		now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load cache entries")
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var (
			e        CacheEntry
			features []byte
		)
		if err := rows.Scan(&e.Key, &e.Scope, &e.Model, &e.Operation, &features, &e.Payload, &e.Usage,
			&e.CreatedAt, &e.ExpiresAt, &e.LastAccessedAt, &e.HitCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache entry")
		}
		if err := json.Unmarshal(features, &e.Features); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal cache features")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate cache entries")
}

// DeleteExpiredCache removes entries expired at now.
func (s *PostgresStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return int(tag.RowsAffected()), nil
}

// EnqueueDLQ inserts or replaces a dead letter entry.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, url, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, failed_phase = $5, retry_count = $6,
		   next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.URL, entry.Error, entry.ErrorType,
		entry.FailedPhase, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

// DequeueDLQ returns entries due for retry, oldest due first.
func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, url, error, error_type, COALESCE(failed_phase, ''), retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.URL, &e.Error, &e.ErrorType,
			&e.FailedPhase, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

// IncrementDLQRetry records another failed retry.
func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

// RemoveDLQ deletes an entry.
func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

// CountDLQ returns the number of queued entries.
func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
