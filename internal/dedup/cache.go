package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/store"
)

// TextHash is the content address of an embedding.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cache holds embeddings by text hash in memory, optionally backed by a
// snapshot store. Unsaved additions are tracked until Flush.
type Cache struct {
	store store.Store

	mu    sync.RWMutex
	vecs  map[string][]float32
	dirty map[string]bool
}

// NewCache creates a cache. st may be nil.
func NewCache(st store.Store) *Cache {
	return &Cache{
		store: st,
		vecs:  make(map[string][]float32),
		dirty: make(map[string]bool),
	}
}

// Load reads every stored embedding into memory.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	rows, err := c.store.LoadEmbeddings(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "dedup: load embedding cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.vecs[r.Hash] = r.Vector
	}
	return len(rows), nil
}

// Get returns the vector for a text hash.
func (c *Cache) Get(hash string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vecs[hash]
	return v, ok
}

// Put stores a vector.
func (c *Cache) Put(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vecs[hash] = vec
	c.dirty[hash] = true
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vecs)
}

// Flush writes unsaved vectors to the store.
func (c *Cache) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	batch := make([]store.Embedding, 0, len(c.dirty))
	for h := range c.dirty {
		batch = append(batch, store.Embedding{Hash: h, Vector: c.vecs[h]})
	}
	c.dirty = make(map[string]bool)
	c.mu.Unlock()

	if err := c.store.SaveEmbeddings(ctx, batch); err != nil {
		c.mu.Lock()
		for _, e := range batch {
			c.dirty[e.Hash] = true
		}
		c.mu.Unlock()
		return eris.Wrap(err, "dedup: flush embedding cache")
	}
	return nil
}
