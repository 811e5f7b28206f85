package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/store"
)

type testToken struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	UsageCount int    `json:"usage_count"`
}

func organizePrompt(t *testing.T, spacings int, indent bool, reverse bool) string {
	t.Helper()
	tokens := []testToken{
		{Type: "color", Value: "#111111", UsageCount: 9},
		{Type: "color", Value: "#222222", UsageCount: 5},
		{Type: "color", Value: "#333333", UsageCount: 3},
	}
	for i := range spacings {
		tokens = append(tokens, testToken{Type: "spacing", Value: fmt.Sprintf("%dpx", (i+1)*4), UsageCount: 1})
	}
	if reverse {
		for i, j := 0, len(tokens)-1; i < j; i, j = i+1, j-1 {
			tokens[i], tokens[j] = tokens[j], tokens[i]
		}
	}
	doc := map[string]any{"domain": "https://www.acme.com/", "framework": "tailwind", "tokens": tokens}
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(doc, "", "    ")
	} else {
		b, err = json.Marshal(doc)
	}
	require.NoError(t, err)
	return "Organize these tokens:\n" + string(b)
}

func organizeRequest(t *testing.T, spacings int) Request {
	return Request{Model: "claude-haiku", Operation: OpOrganize, System: "sys", Prompt: organizePrompt(t, spacings, false, false)}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time           { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(cfg Config) (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clk.Now)), clk
}

func TestFingerprint_OrganizeFeatures(t *testing.T) {
	t.Parallel()
	fp := Fingerprint(organizeRequest(t, 2))
	assert.Equal(t, []string{
		"count:color:1-5",
		"count:spacing:1-5",
		"domain:acme.com",
		"framework:tailwind",
		"op:organize",
		"top-color:#111111",
		"top-color:#222222",
		"top-color:#333333",
	}, fp.Features)
	assert.Len(t, fp.Hash, 64)
}

func TestKey_OrderAndWhitespaceIndependent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(DefaultConfig())

	base := organizeRequest(t, 3)
	shuffled := base
	shuffled.Prompt = organizePrompt(t, 3, true, true)
	assert.Equal(t, c.Key(base), c.Key(shuffled))

	other := base
	other.Model = "claude-sonnet"
	assert.NotEqual(t, c.Key(base), c.Key(other))

	system := base
	system.System = "different"
	assert.NotEqual(t, c.Key(base), c.Key(system))

	params := base
	params.Params = map[string]any{"temperature": 0.2}
	assert.NotEqual(t, c.Key(base), c.Key(params))

	plain := Request{Prompt: "Hello   world\n"}
	spaced := Request{Prompt: "  hello world"}
	assert.Equal(t, c.Key(plain), c.Key(spaced))
}

func TestFingerprint_Buckets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"}, {1, "1-5"}, {5, "1-5"}, {6, "6-15"}, {15, "6-15"}, {16, "16-40"}, {40, "16-40"}, {41, "41+"}, {500, "41+"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucket(tt.n), "n=%d", tt.n)
	}
}

func TestFingerprint_RepairViolations(t *testing.T) {
	t.Parallel()
	fp := Fingerprint(Request{Operation: OpRepair, Prompt: "Violations:\n- $.a [missing_required]: x\n- $.b [out_of_range]: y\n"})
	assert.Contains(t, fp.Features, "violation:missing_required")
	assert.Contains(t, fp.Features, "violation:out_of_range")
	assert.Contains(t, fp.Features, "op:repair")
}

func TestJaccard(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1.0, Jaccard(nil, nil), 1e-9)
	assert.InDelta(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a"}), 1e-9)
	assert.InDelta(t, 0.5, Jaccard([]string{"a", "b"}, []string{"b", "c", "b"}), 1e-9)
	assert.InDelta(t, 0.0, Jaccard([]string{"a"}, []string{"b"}), 1e-9)
}

func TestCache_ExactHit(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(DefaultConfig())
	req := organizeRequest(t, 2)

	_, ok := c.Get(req)
	assert.False(t, ok)

	c.Put(req, `{"ok":true}`, model.TokenUsage{Cost: 0.02})
	hit, ok := c.Get(req)
	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, hit.Payload)
	assert.False(t, hit.Similar)
	assert.Equal(t, 1, hit.HitCount)
}

func TestCache_SimilarityHit(t *testing.T) {
	t.Parallel()
	// One of nine features differs: Jaccard 7/9.
	strict, _ := newTestCache(DefaultConfig())
	strict.Put(organizeRequest(t, 2), "payload", model.TokenUsage{})
	_, ok := strict.Get(organizeRequest(t, 7))
	assert.False(t, ok)

	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.75
	loose, _ := newTestCache(cfg)
	loose.Put(organizeRequest(t, 2), "payload", model.TokenUsage{})
	hit, ok := loose.Get(organizeRequest(t, 7))
	require.True(t, ok)
	assert.True(t, hit.Similar)
	assert.Equal(t, "payload", hit.Payload)

	// Similarity never crosses scope.
	other := organizeRequest(t, 7)
	other.Model = "claude-sonnet"
	_, ok = loose.Get(other)
	assert.False(t, ok)

	s := loose.Stats()
	assert.Equal(t, 1, s.SimilarHits)
	assert.Equal(t, 1, s.Hits)
	assert.Equal(t, 1, s.Misses)
}

func TestCache_SimilarityNeverCrossesDomain(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.5
	c, _ := newTestCache(cfg)
	c.Put(organizeRequest(t, 7), "acme tokens", model.TokenUsage{})

	other := organizeRequest(t, 7)
	other.Prompt = strings.ReplaceAll(other.Prompt, "acme.com", "globex.org")
	// Only the domain feature differs: Jaccard 7/9.
	require.GreaterOrEqual(t, Jaccard(Fingerprint(organizeRequest(t, 7)).Features, Fingerprint(other).Features), cfg.SimilarityThreshold)

	_, ok := c.Get(other)
	assert.False(t, ok)
	assert.Zero(t, c.Stats().SimilarHits)

	hit, ok := c.Get(organizeRequest(t, 2))
	require.True(t, ok)
	assert.True(t, hit.Similar)
	assert.Equal(t, "acme tokens", hit.Payload)
}

func TestCache_TTLPerOperation(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(DefaultConfig())
	organize := organizeRequest(t, 2)
	repair := Request{Model: "claude-haiku", Operation: OpRepair, Prompt: "fix [type_mismatch]"}

	c.Put(organize, "organized", model.TokenUsage{})
	c.Put(repair, "repaired", model.TokenUsage{})

	clk.Advance(59 * time.Minute)
	hit, ok := c.Get(repair)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Minute), hit.ExpiresAt)

	clk.Advance(time.Minute)
	_, ok = c.Get(repair)
	assert.False(t, ok, "repair entries live one hour")

	clk.Advance(22 * time.Hour)
	hit, ok = c.Get(organize)
	require.True(t, ok)
	assert.Equal(t, hit.CreatedAt.Add(24*time.Hour), hit.ExpiresAt, "hits never extend expiry")

	clk.Advance(time.Hour)
	_, ok = c.Get(organize)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Stats().Expired)
}

func TestCache_CostSavedAndHitRate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(DefaultConfig())
	req := Request{Model: "m", Prompt: "p"}

	_, _ = c.Get(req)
	c.Put(req, "r", model.TokenUsage{InputTokens: 100, Cost: 0.02})
	_, _ = c.Get(req)
	_, _ = c.Get(req)

	s := c.Stats()
	assert.Equal(t, 2, s.Hits)
	assert.Equal(t, 1, s.Misses)
	assert.Equal(t, 1, s.Puts)
	assert.Equal(t, 1, s.Entries)
	assert.InDelta(t, 0.04, s.CostSavedUSD, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c, clk := newTestCache(cfg)
	a, b, d := Request{Prompt: "a"}, Request{Prompt: "b"}, Request{Prompt: "c"}

	c.Put(a, "A", model.TokenUsage{})
	clk.Advance(time.Second)
	c.Put(b, "B", model.TokenUsage{})
	clk.Advance(time.Second)
	_, ok := c.Get(a)
	require.True(t, ok)
	clk.Advance(time.Second)
	c.Put(d, "C", model.TokenUsage{})

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(b)
	assert.False(t, ok)
	_, ok = c.Get(a)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Evictions)
}

func TestCache_Prune(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(DefaultConfig())
	c.Put(Request{Operation: OpRepair, Prompt: "x"}, "x", model.TokenUsage{})
	c.Put(Request{Operation: OpOrganize, Prompt: "y"}, "y", model.TokenUsage{})
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	cfg := ConfigFrom(config.GatewayConfig{
		Version:             "v2",
		SimilarityThreshold: 0.9,
		MaxEntries:          10,
		TTLMinutes:          map[string]int{"Audit": 30, "dedup": 0},
	})
	assert.Equal(t, "v2", cfg.Version)
	assert.InDelta(t, 0.9, cfg.SimilarityThreshold, 1e-9)
	assert.Equal(t, 10, cfg.MaxEntries)
	assert.Equal(t, 30*time.Minute, cfg.TTLFor(OpAudit))
	assert.Equal(t, 12*time.Hour, cfg.TTLFor(OpDedup))
	assert.Equal(t, time.Hour, cfg.TTLFor("unknown"))
}

func TestCache_VersionBumpInvalidates(t *testing.T) {
	t.Parallel()
	v1, _ := newTestCache(DefaultConfig())
	cfg := DefaultConfig()
	cfg.Version = "v2"
	v2, _ := newTestCache(cfg)
	req := organizeRequest(t, 2)
	assert.NotEqual(t, v1.Key(req), v2.Key(req))
}

func TestCache_SnapshotRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	c, clk := newTestCache(DefaultConfig())
	organize := organizeRequest(t, 2)
	c.Put(organize, `{"categories":[]}`, model.TokenUsage{InputTokens: 10, Cost: 0.01})
	c.Put(Request{Operation: OpRepair, Prompt: "stale"}, "stale", model.TokenUsage{})
	_, _ = c.Get(organize)
	clk.Advance(2 * time.Hour)

	n, err := c.Snapshot(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored := New(DefaultConfig(), WithClock(clk.Now))
	n, err = restored.Restore(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hit, ok := restored.Get(organize)
	require.True(t, ok)
	assert.Equal(t, `{"categories":[]}`, hit.Payload)
	assert.Equal(t, 2, hit.HitCount)
	assert.InDelta(t, 0.01, hit.Usage.Cost, 1e-9)
	assert.Equal(t, hit.CreatedAt.Add(24*time.Hour), hit.ExpiresAt)
}

func TestWrap_MarksCachedResponses(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	next := ai.CompleterFunc(func(_ context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
		calls.Add(1)
		if req.Prompt == "boom" {
			return nil, errors.New("upstream down")
		}
		return &ai.CompletionResponse{Text: "answer", Model: req.Model, Usage: model.TokenUsage{Cost: 0.03}}, nil
	})
	c, _ := newTestCache(DefaultConfig())
	wrapped := c.Wrap(next)
	req := ai.CompletionRequest{Operation: OpAudit, Model: "claude-haiku", Prompt: "audit https://acme.com", Format: ai.FormatJSON, Temperature: ai.Temperature(0)}

	first, err := wrapped.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.InDelta(t, 0.03, first.Usage.Cost, 1e-9)

	second, err := wrapped.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "answer", second.Text)
	assert.Zero(t, second.Usage.Cost)
	assert.EqualValues(t, 1, calls.Load())

	_, err = wrapped.Complete(context.Background(), ai.CompletionRequest{Prompt: "boom"})
	require.Error(t, err)
	_, err = wrapped.Complete(context.Background(), ai.CompletionRequest{Prompt: "boom"})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())
}
