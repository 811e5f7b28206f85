// Package dedup merges near-duplicate design tokens using embeddings and
// clusters what remains.
package dedup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/model"
)

// Methods reported in Result.Method.
const (
	MethodEmbedding = "embedding"
	MethodExact     = "exact"
)

// Thresholds are the cosine similarities above which two tokens are
// duplicates.
type Thresholds struct {
	ByType    map[model.TokenType]float64
	CrossType float64
}

// DefaultThresholds returns the per-type merge thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ByType: map[model.TokenType]float64{
			model.TokenTypeColor:      0.85,
			model.TokenTypeTypography: 0.80,
			model.TokenTypeSpacing:    0.90,
			model.TokenTypeComponent:  0.75,
			model.TokenTypeOther:      0.85,
		},
		CrossType: 0.95,
	}
}

// For returns the threshold for a pair of token types.
func (t Thresholds) For(a, b model.TokenType) float64 {
	if a != b {
		return t.CrossType
	}
	if v, ok := t.ByType[a]; ok {
		return v
	}
	return t.ByType[model.TokenTypeOther]
}

// Config tunes a Deduplicator.
type Config struct {
	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration
	Seed        int64
	Thresholds  Thresholds
}

// DefaultConfig returns batches of 32, four in flight, seed 42.
func DefaultConfig() Config {
	return Config{
		BatchSize:   32,
		Concurrency: 4,
		BatchDelay:  100 * time.Millisecond,
		Seed:        42,
		Thresholds:  DefaultThresholds(),
	}
}

// ConfigFrom maps the dedup config section.
func ConfigFrom(c config.DedupConfig) Config {
	cfg := DefaultConfig()
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.BatchDelayMs >= 0 {
		cfg.BatchDelay = time.Duration(c.BatchDelayMs) * time.Millisecond
	}
	cfg.Seed = c.Seed
	return cfg
}

// TokenEmbedding is the vector of one token plus the features it was built
// from.
type TokenEmbedding struct {
	TokenID  string            `json:"token_id"`
	Vector   []float32         `json:"-"`
	Metadata map[string]string `json:"metadata"`
}

// DuplicateGroup is a set of tokens merged into one canonical token.
type DuplicateGroup struct {
	Canonical  model.TokenItem   `json:"canonical"`
	Duplicates []model.TokenItem `json:"duplicates"`
	Similarity float64           `json:"similarity"`
	Reason     string            `json:"reason"`
	Suggestion string            `json:"suggestion"`
}

// Cluster is a k-means group of surviving tokens.
type Cluster struct {
	ID       int      `json:"id"`
	Label    string   `json:"label"`
	TokenIDs []string `json:"token_ids"`
}

// Result is the outcome of Deduplicate.
type Result struct {
	Tokens         []model.TokenItem `json:"tokens"`
	Groups         []DuplicateGroup  `json:"groups"`
	Clusters       []Cluster         `json:"clusters"`
	Method         string            `json:"method"`
	ReductionRatio float64           `json:"reduction_ratio"`
	EmbeddingCalls int               `json:"embedding_calls"`
	CacheHits      int               `json:"cache_hits"`
	Embeddings     []TokenEmbedding  `json:"-"`
}

// Deduplicator merges near-duplicate tokens.
type Deduplicator struct {
	embedder ai.Embedder
	cache    *Cache
	cfg      Config
}

// New creates a Deduplicator. cache may be nil for a private in-memory cache.
func New(embedder ai.Embedder, cache *Cache, cfg Config) *Deduplicator {
	if cache == nil {
		cache = NewCache(nil)
	}
	if cfg.Thresholds.ByType == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Deduplicator{embedder: embedder, cache: cache, cfg: cfg}
}

// Deduplicate merges tokens whose embeddings are closer than their type's
// threshold and clusters the survivors. When embedding fails it falls back
// to exact value matching. Running it on its own output changes nothing.
func (d *Deduplicator) Deduplicate(ctx context.Context, tokens []model.TokenItem) (*Result, error) {
	if len(tokens) == 0 {
		return &Result{Tokens: []model.TokenItem{}, Method: MethodEmbedding}, nil
	}

	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = CanonicalText(t)
	}
	vecs, stats, err := d.embedAll(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Warn("dedup: embedding failed, falling back to exact matching", zap.Error(err))
		res := ExactDeduplicate(tokens)
		res.EmbeddingCalls = stats.calls
		res.CacheHits = stats.hits
		return res, nil
	}

	groups, survivors := d.group(tokens, vecs)
	res := &Result{
		Groups:         groups,
		Method:         MethodEmbedding,
		EmbeddingCalls: stats.calls,
		CacheHits:      stats.hits,
	}
	var survivorVecs [][]float32
	for _, i := range survivors {
		res.Tokens = append(res.Tokens, merged(tokens[i], groups))
		survivorVecs = append(survivorVecs, vecs[i])
		res.Embeddings = append(res.Embeddings, TokenEmbedding{
			TokenID:  tokens[i].ID,
			Vector:   vecs[i],
			Metadata: Features(tokens[i]),
		})
	}
	res.ReductionRatio = reduction(len(tokens), len(res.Tokens))
	res.Clusters = Clusters(res.Tokens, survivorVecs, d.cfg.Seed)

	if err := d.cache.Flush(ctx); err != nil {
		zap.L().Warn("dedup: could not persist embeddings", zap.Error(err))
	}
	zap.L().Debug("dedup: finished",
		zap.Int("tokens_in", len(tokens)),
		zap.Int("tokens_out", len(res.Tokens)),
		zap.Int("groups", len(groups)),
		zap.Int("embedding_calls", stats.calls),
		zap.Int("cache_hits", stats.hits),
	)
	return res, nil
}

// group unions every pair above threshold and returns the groups plus the
// indexes of surviving tokens in input order.
func (d *Deduplicator) group(tokens []model.TokenItem, vecs [][]float32) ([]DuplicateGroup, []int) {
	uf := newUnionFind(len(tokens))
	for i := range tokens {
		for j := i + 1; j < len(tokens); j++ {
			if ai.CosineSimilarity(vecs[i], vecs[j]) >= d.cfg.Thresholds.For(tokens[i].Type, tokens[j].Type) {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := range tokens {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}

	var groups []DuplicateGroup
	keep := make(map[int]bool)
	for _, idx := range members {
		canon := idx[0]
		for _, i := range idx[1:] {
			if better(tokens[i], tokens[canon]) {
				canon = i
			}
		}
		keep[canon] = true
		if len(idx) == 1 {
			continue
		}
		g := DuplicateGroup{Canonical: tokens[canon]}
		var simSum float64
		sameValue := true
		for _, i := range idx {
			if i == canon {
				continue
			}
			g.Duplicates = append(g.Duplicates, tokens[i])
			simSum += ai.CosineSimilarity(vecs[canon], vecs[i])
			if !strings.EqualFold(strings.TrimSpace(tokens[i].Value), strings.TrimSpace(tokens[canon].Value)) {
				sameValue = false
			}
		}
		sortTokens(g.Duplicates)
		g.Similarity = math.Round(simSum/float64(len(g.Duplicates))*1000) / 1000
		if sameValue {
			g.Reason = "identical value"
		} else {
			g.Reason = fmt.Sprintf("similar %s tokens (cosine %.2f)", g.Canonical.Type, g.Similarity)
		}
		g.Suggestion = suggestion(g)
		groups = append(groups, g)
	}
	sortGroups(groups)

	var survivors []int
	for i := range tokens {
		if keep[i] {
			survivors = append(survivors, i)
		}
	}
	return groups, survivors
}

// ExactDeduplicate merges tokens with the same type and normalized value.
func ExactDeduplicate(tokens []model.TokenItem) *Result {
	byKey := make(map[string][]int)
	var order []string
	for i, t := range tokens {
		k := string(t.Type) + "|" + strings.ToLower(strings.TrimSpace(t.Value))
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	res := &Result{Method: MethodExact, Tokens: []model.TokenItem{}}
	var canonIdx []int
	for _, k := range order {
		idx := byKey[k]
		canon := idx[0]
		for _, i := range idx[1:] {
			if better(tokens[i], tokens[canon]) {
				canon = i
			}
		}
		canonIdx = append(canonIdx, canon)
		if len(idx) == 1 {
			continue
		}
		g := DuplicateGroup{Canonical: tokens[canon], Similarity: 1, Reason: "identical value"}
		for _, i := range idx {
			if i != canon {
				g.Duplicates = append(g.Duplicates, tokens[i])
			}
		}
		sortTokens(g.Duplicates)
		g.Suggestion = suggestion(g)
		res.Groups = append(res.Groups, g)
	}
	sortGroups(res.Groups)
	sort.Ints(canonIdx)
	for _, i := range canonIdx {
		res.Tokens = append(res.Tokens, merged(tokens[i], res.Groups))
	}
	res.ReductionRatio = reduction(len(tokens), len(res.Tokens))
	return res
}

// better reports whether a should be canonical over b: higher usage ×
// confidence, then lower ID.
func better(a, b model.TokenItem) bool {
	if a.Weight() != b.Weight() {
		return a.Weight() > b.Weight()
	}
	return a.ID < b.ID
}

// merged folds the usage of a canonical token's duplicates into it.
func merged(t model.TokenItem, groups []DuplicateGroup) model.TokenItem {
	for _, g := range groups {
		if g.Canonical.ID != t.ID {
			continue
		}
		for _, dup := range g.Duplicates {
			t.UsageCount += dup.UsageCount
			t.Confidence = max(t.Confidence, dup.Confidence)
		}
		return t
	}
	return t
}

func suggestion(g DuplicateGroup) string {
	name := g.Canonical.Name
	if name == "" {
		name = g.Canonical.Value
	}
	return fmt.Sprintf("replace %d token(s) with %s (%s)", len(g.Duplicates), name, g.Canonical.Value)
}

func sortTokens(ts []model.TokenItem) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

func sortGroups(gs []DuplicateGroup) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].Canonical.ID < gs[j].Canonical.ID })
}

func reduction(in, out int) float64 {
	if in == 0 {
		return 0
	}
	return float64(in-out) / float64(in)
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}
