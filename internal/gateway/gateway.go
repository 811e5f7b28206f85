// Package gateway caches model responses by content and intent. Requests
// whose prompts share the same salient features collide on one key, and a
// similarity index matches near-duplicates within the same scope.
package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/model"
)

// Operations with their own fingerprint and TTL.
const (
	OpOrganize = "organize"
	OpDedup    = "dedup"
	OpAudit    = "audit"
	OpRepair   = "repair"
	OpDefault  = "default"
)

// Request identifies a model call.
type Request struct {
	Model     string
	Operation string
	System    string
	Prompt    string
	Params    map[string]any
}

// CachedResponse is a cache hit.
type CachedResponse struct {
	Key       string
	Payload   string
	Usage     model.TokenUsage
	Similar   bool
	HitCount  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Entry is one cached response.
type Entry struct {
	Key            string           `json:"key"`
	Scope          string           `json:"scope"`
	Model          string           `json:"model"`
	Operation      string           `json:"operation"`
	Features       []string         `json:"features"`
	Payload        string           `json:"payload"`
	ContentHash    string           `json:"content_hash"`
	Usage          model.TokenUsage `json:"usage"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at"`
	HitCount       int              `json:"hit_count"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats summarizes cache activity.
type Stats struct {
	Entries      int     `json:"entries"`
	Hits         int     `json:"hits"`
	SimilarHits  int     `json:"similar_hits"`
	Misses       int     `json:"misses"`
	Puts         int     `json:"puts"`
	Evictions    int     `json:"evictions"`
	Expired      int     `json:"expired"`
	HitRate      float64 `json:"hit_rate"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
}

// Config tunes the cache.
type Config struct {
	Version             string
	SimilarityThreshold float64
	TTL                 map[string]time.Duration
	MaxEntries          int
}

// DefaultTTL returns the per-operation lifetimes.
func DefaultTTL() map[string]time.Duration {
	return map[string]time.Duration{
		OpOrganize: 24 * time.Hour,
		OpDedup:    12 * time.Hour,
		OpAudit:    6 * time.Hour,
		OpRepair:   time.Hour,
		OpDefault:  time.Hour,
	}
}

// DefaultConfig returns version v1, Jaccard 0.85 and 5000 entries.
func DefaultConfig() Config {
	return Config{
		Version:             "v1",
		SimilarityThreshold: 0.85,
		TTL:                 DefaultTTL(),
		MaxEntries:          5000,
	}
}

// ConfigFrom maps the gateway config section.
func ConfigFrom(c config.GatewayConfig) Config {
	cfg := DefaultConfig()
	if c.Version != "" {
		cfg.Version = c.Version
	}
	if c.SimilarityThreshold > 0 {
		cfg.SimilarityThreshold = c.SimilarityThreshold
	}
	if c.MaxEntries > 0 {
		cfg.MaxEntries = c.MaxEntries
	}
	for op, mins := range c.TTLMinutes {
		if mins > 0 {
			cfg.TTL[strings.ToLower(op)] = time.Duration(mins) * time.Minute
		}
	}
	return cfg
}

// TTLFor returns the lifetime of an operation's entries.
func (c Config) TTLFor(operation string) time.Duration {
	if d, ok := c.TTL[operation]; ok {
		return d
	}
	if d, ok := c.TTL[OpDefault]; ok {
		return d
	}
	return time.Hour
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// Cache is the process-wide response cache. It is safe for concurrent use.
type Cache struct {
	cfg     Config
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	stats   Stats
}

// New creates a Cache.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL == nil {
		cfg.TTL = DefaultTTL()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	c := &Cache{
		cfg:     cfg,
		nowFunc: time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key of a request.
func (c *Cache) Key(req Request) string {
	return hashParts(c.scope(req), Fingerprint(req).Hash)
}

// scope hashes everything except the prompt, plus the site the prompt is
// about. Only entries in the same scope are compared by similarity, so one
// site's response is never served for another.
func (c *Cache) scope(req Request) string {
	return hashParts(req.Model, operationOf(req), c.cfg.Version, hashParts(req.System), paramsHash(req.Params), domainOf(req.Prompt))
}

// Get returns the cached response for req. An exact key match wins; otherwise
// the most similar live entry in the same scope is returned when its feature
// overlap reaches the similarity threshold. Hits never extend expiry.
func (c *Cache) Get(req Request) (*CachedResponse, bool) {
	fp := Fingerprint(req)
	scope := c.scope(req)
	key := hashParts(scope, fp.Hash)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()

	if e, ok := c.entries[key]; ok {
		if !e.expired(now) {
			return c.hit(e, now, false), true
		}
		delete(c.entries, key)
		c.stats.Expired++
	}

	var best *Entry
	bestScore := 0.0
	for _, e := range c.entries {
		if e.Scope != scope || e.expired(now) {
			continue
		}
		score := Jaccard(fp.Features, e.Features)
		if score < c.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && e.CreatedAt.After(best.CreatedAt)) {
			best, bestScore = e, score
		}
	}
	if best != nil {
		c.stats.SimilarHits++
		return c.hit(best, now, true), true
	}
	c.stats.Misses++
	return nil, false
}

func (c *Cache) hit(e *Entry, now time.Time, similar bool) *CachedResponse {
	e.HitCount++
	e.LastAccessedAt = now
	c.stats.Hits++
	c.stats.CostSavedUSD += e.Usage.Cost
	zap.L().Debug("gateway: cache hit",
		zap.String("operation", e.Operation),
		zap.String("model", e.Model),
		zap.Bool("similar", similar),
		zap.Int("hit_count", e.HitCount),
	)
	return &CachedResponse{
		Key:       e.Key,
		Payload:   e.Payload,
		Usage:     e.Usage,
		Similar:   similar,
		HitCount:  e.HitCount,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

// Put stores a response. Expiry is fixed at insertion from the operation's
// TTL.
func (c *Cache) Put(req Request, payload string, usage model.TokenUsage) {
	fp := Fingerprint(req)
	scope := c.scope(req)
	key := hashParts(scope, fp.Hash)
	op := operationOf(req)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	c.entries[key] = &Entry{
		Key:            key,
		Scope:          scope,
		Model:          req.Model,
		Operation:      op,
		Features:       fp.Features,
		Payload:        payload,
		ContentHash:    hashParts(payload),
		Usage:          usage,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.TTLFor(op)),
		LastAccessedAt: now,
	}
	c.stats.Puts++
	c.evictLocked(now)
}

// evictLocked drops expired entries once over capacity, then the least
// recently used.
func (c *Cache) evictLocked(now time.Time) {
	if c.cfg.MaxEntries <= 0 || len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	c.stats.Expired += c.pruneLocked(now)
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	all := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastAccessedAt.Equal(all[j].LastAccessedAt) {
			return all[i].LastAccessedAt.Before(all[j].LastAccessedAt)
		}
		return all[i].Key < all[j].Key
	})
	for _, e := range all[:len(all)-c.cfg.MaxEntries] {
		delete(c.entries, e.Key)
		c.stats.Evictions++
	}
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.pruneLocked(c.nowFunc())
	c.stats.Expired += n
	return n
}

func (c *Cache) pruneLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}
	return s
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func operationOf(req Request) string {
	op := strings.ToLower(strings.TrimSpace(req.Operation))
	if op == "" {
		return OpDefault
	}
	return op
}

func paramsHash(params map[string]any) string {
	if len(params) == 0 {
		return hashParts("")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		b, err := json.Marshal(params[k])
		if err != nil {
			b = []byte(fmt.Sprint(params[k]))
		}
		parts = append(parts, k+"="+string(b))
	}
	return hashParts(parts...)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
