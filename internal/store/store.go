// Package store persists snapshots of the embedding and response caches and
// the batch dead letter queue.
package store

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/resilience"
)

// Embedding is one cached vector keyed by the SHA-256 of its source text.
type Embedding struct {
	Hash      string
	Vector    []float32
	CreatedAt time.Time
}

// CacheEntry is one serialized response-cache entry.
type CacheEntry struct {
	Key            string
	Scope          string
	Model          string
	Operation      string
	Features       []string
	Payload        []byte
	Usage          []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	HitCount       int
}

// Store defines the snapshot persistence interface.
type Store interface {
	// Embeddings
	SaveEmbeddings(ctx context.Context, embeddings []Embedding) error
	LoadEmbeddings(ctx context.Context) ([]Embedding, error)

	// Response cache
	SaveCacheEntries(ctx context.Context, entries []CacheEntry) error
	LoadCacheEntries(ctx context.Context, now time.Time) ([]CacheEntry, error)
	DeleteExpiredCache(ctx context.Context, now time.Time) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects and migrates the configured backend. Driver "none" or ""
// returns a nil Store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, eris.Errorf("store: vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
