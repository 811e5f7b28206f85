package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/designscan/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored as
// unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS embeddings (
	hash       TEXT PRIMARY KEY,
	vector     BLOB NOT NULL,
	dims       INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key              TEXT PRIMARY KEY,
	scope            TEXT NOT NULL,
	model            TEXT NOT NULL,
	operation        TEXT NOT NULL,
	features         TEXT NOT NULL,
	payload          BLOB NOT NULL,
	usage            BLOB,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_phase   TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_scope ON cache_entries(scope);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

// Migrate creates the tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveEmbeddings upserts vectors in one transaction.
func (s *SQLiteStore) SaveEmbeddings(ctx context.Context, embeddings []Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	return s.inTx(ctx, "save embeddings", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO embeddings (hash, vector, dims, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(hash) DO UPDATE SET vector = excluded.vector, dims = excluded.dims`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, e := range embeddings {
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, e.Hash, encodeVector(e.Vector), len(e.Vector), created.UnixMilli()); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadEmbeddings returns every stored vector.
func (s *SQLiteStore) LoadEmbeddings(ctx context.Context) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, vector, created_at FROM embeddings ORDER BY hash`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load embeddings")
	}
	defer rows.Close() //nolint:errcheck

	var out []Embedding
	for rows.Next() {
		var (
			e       Embedding
			blob    []byte
			created int64
		)
		if err := rows.Scan(&e.Hash, &blob, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan embedding")
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate embeddings")
}

// SaveCacheEntries upserts response-cache entries in one transaction.
func (s *SQLiteStore) SaveCacheEntries(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, "save cache entries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO cache_entries
			 (key, scope, model, operation, features, payload, usage, created_at, expires_at, last_accessed_at, hit_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   payload = excluded.payload, usage = excluded.usage,
			   last_accessed_at = excluded.last_accessed_at, hit_count = excluded.hit_count`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, e := range entries {
			features, err := json.Marshal(e.Features)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				e.Key, e.Scope, e.Model, e.Operation, string(features), e.Payload, e.Usage,
				e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(), e.LastAccessedAt.UnixMilli(), e.HitCount,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadCacheEntries returns entries that have not expired at now.
func (s *SQLiteStore) LoadCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, scope, model, operation, features, payload, usage, created_at, expires_at, last_accessed_at, hit_count
		 FROM cache_entries WHERE expires_at > ? ORDER BY created_at`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load cache entries")
	}
	defer rows.Close() //nolint:errcheck

	var out []CacheEntry
	for rows.Next() {
		var (
			e                          CacheEntry
			features                   string
			created, expires, accessed int64
		)
		if err := rows.Scan(&e.Key, &e.Scope, &e.Model, &e.Operation, &features, &e.Payload, &e.Usage,
			&created, &expires, &accessed, &e.HitCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache entry")
		}
		if err := json.Unmarshal([]byte(features), &e.Features); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal cache features")
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.ExpiresAt = time.UnixMilli(expires).UTC()
		e.LastAccessedAt = time.UnixMilli(accessed).UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate cache entries")
}

// DeleteExpiredCache removes entries expired at now.
func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// EnqueueDLQ inserts or replaces a dead letter entry.
func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, url, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, failed_phase = excluded.failed_phase,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.URL, entry.Error, entry.ErrorType, nullString(entry.FailedPhase),
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UnixMilli(), entry.CreatedAt.UnixMilli(), entry.LastFailedAt.UnixMilli(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

// DequeueDLQ returns entries due for retry, oldest due first.
func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, url, error, error_type, failed_phase, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UnixMilli()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e                     resilience.DLQEntry
			failedPhase           sql.NullString
			next, created, failed int64
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.Error, &e.ErrorType, &failedPhase,
			&e.RetryCount, &e.MaxRetries, &next, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedPhase = failedPhase.String
		e.NextRetryAt = time.UnixMilli(next).UTC()
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.LastFailedAt = time.UnixMilli(failed).UTC()
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

// IncrementDLQRetry records another failed retry.
func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UnixMilli(), lastErr, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

// RemoveDLQ deletes an entry.
func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

// CountDLQ returns the number of queued entries.
func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, action string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", action)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return eris.Wrapf(err, "sqlite: %s", action)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", action)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
