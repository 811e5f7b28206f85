// Package models holds the data-driven model-profile catalog and the
// selector that scores profiles for an AI operation.
package models

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Quality tiers, lowest first.
const (
	TierDraft    = "draft"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Performance describes measured quality characteristics of a model.
// Accuracy, Reliability and Consistency are in [0,1].
type Performance struct {
	Accuracy    float64 `yaml:"accuracy" json:"accuracy"`
	Reliability float64 `yaml:"reliability" json:"reliability"`
	Consistency float64 `yaml:"consistency" json:"consistency"`
	LatencyMs   int     `yaml:"latency_ms" json:"latency_ms"`
	QualityTier string  `yaml:"quality_tier" json:"quality_tier"`
}

// Profile describes one AI backend's cost, context size and quality.
type Profile struct {
	Name               string      `yaml:"name" json:"name"`
	Family             string      `yaml:"family" json:"family"`
	CostPerMillionIn   float64     `yaml:"cost_per_million_in" json:"cost_per_million_in"`
	CostPerMillionOut  float64     `yaml:"cost_per_million_out" json:"cost_per_million_out"`
	MaxContextTokens   int         `yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxOutputTokens    int         `yaml:"max_output_tokens" json:"max_output_tokens"`
	Specializations    []string    `yaml:"specializations" json:"specializations"`
	Performance        Performance `yaml:"performance" json:"performance"`
	CompressionCapable bool        `yaml:"compression_capable" json:"compression_capable"`
	CacheWriteMul      float64     `yaml:"cache_write_mul" json:"cache_write_mul,omitempty"`
	CacheReadMul       float64     `yaml:"cache_read_mul" json:"cache_read_mul,omitempty"`
}

// EstimateCost returns the USD cost of a call with the given token counts.
func (p Profile) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.CostPerMillionIn + float64(outputTokens)/1e6*p.CostPerMillionOut
}

// Specializes reports whether the profile lists the given tag.
func (p Profile) Specializes(tag string) bool {
	for _, s := range p.Specializations {
		if strings.EqualFold(s, tag) {
			return true
		}
	}
	return false
}

// TierRank orders quality tiers; unknown tiers rank as standard.
func TierRank(tier string) int {
	switch strings.ToLower(tier) {
	case TierDraft:
		return 0
	case TierPremium:
		return 2
	default:
		return 1
	}
}

// Catalog is an immutable, name-indexed set of profiles.
type Catalog struct {
	profiles []Profile
	byName   map[string]int
}

// NewCatalog validates and indexes the given profiles.
func NewCatalog(profiles ...Profile) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, eris.New("models: catalog is empty")
	}
	c := &Catalog{
		profiles: make([]Profile, 0, len(profiles)),
		byName:   make(map[string]int, len(profiles)),
	}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, eris.New("models: profile without name")
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, eris.Errorf("models: duplicate profile %q", p.Name)
		}
		if p.MaxContextTokens <= 0 {
			return nil, eris.Errorf("models: profile %q has no context window", p.Name)
		}
		if p.Family == "" {
			p.Family = FamilyOf(p.Name)
		}
		if p.Performance.QualityTier == "" {
			p.Performance.QualityTier = TierStandard
		}
		c.byName[p.Name] = len(c.profiles)
		c.profiles = append(c.profiles, p)
	}
	return c, nil
}

type catalogFile struct {
	Models []Profile `yaml:"models"`
}

// LoadCatalog reads a YAML catalog of the form `models: [...]`.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "models: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "models: parse catalog")
	}
	return NewCatalog(f.Models...)
}

// MarshalYAML renders the catalog in the format ParseCatalog accepts.
func (c *Catalog) MarshalYAML() (any, error) {
	return catalogFile{Models: c.All()}, nil
}

// Get returns the named profile.
func (c *Catalog) Get(name string) (Profile, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Profile{}, false
	}
	return c.profiles[i], true
}

// All returns a copy of every profile in catalog order.
func (c *Catalog) All() []Profile {
	return append([]Profile(nil), c.profiles...)
}

// Len returns the number of profiles.
func (c *Catalog) Len() int { return len(c.profiles) }

// Cheapest returns the profile with the lowest blended per-token price.
func (c *Catalog) Cheapest() Profile {
	return c.best(func(a, b Profile) bool {
		return blended(a) < blended(b)
	})
}

// MostAccurate returns the profile with the highest accuracy.
func (c *Catalog) MostAccurate() Profile {
	return c.best(func(a, b Profile) bool {
		return a.Performance.Accuracy > b.Performance.Accuracy
	})
}

// MostReliable returns the profile with the highest reliability.
func (c *Catalog) MostReliable() Profile {
	return c.best(func(a, b Profile) bool {
		return a.Performance.Reliability > b.Performance.Reliability
	})
}

func (c *Catalog) best(less func(a, b Profile) bool) Profile {
	sorted := c.All()
	sort.SliceStable(sorted, func(i, j int) bool {
		if less(sorted[i], sorted[j]) {
			return true
		}
		if less(sorted[j], sorted[i]) {
			return false
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0]
}

func blended(p Profile) float64 {
	return p.CostPerMillionIn + p.CostPerMillionOut
}

// FamilyOf infers a model family from its name prefix.
func FamilyOf(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "claude"):
		return "claude"
	case strings.HasPrefix(n, "gemini"):
		return "gemini"
	case strings.HasPrefix(n, "gpt"), strings.HasPrefix(n, "o1"), strings.HasPrefix(n, "o3"):
		return "gpt"
	default:
		return "generic"
	}
}

// DefaultCatalog returns the built-in profiles.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(defaultProfiles()...)
	if err != nil {
		panic(err) // built-in data
	}
	return c
}

func defaultProfiles() []Profile {
	return []Profile{
		{
			Name:              "claude-haiku-4-5-20251001",
			Family:            "claude",
			CostPerMillionIn:  0.80,
			CostPerMillionOut: 4.00,
			MaxContextTokens:  200000,
			MaxOutputTokens:   8192,
			Specializations:   []string{"dedup", "repair", "extraction", "general"},
			Performance: Performance{
				Accuracy: 0.82, Reliability: 0.95, Consistency: 0.85,
				LatencyMs: 900, QualityTier: TierDraft,
			},
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		{
			Name:              "claude-sonnet-4-5-20250929",
			Family:            "claude",
			CostPerMillionIn:  3.00,
			CostPerMillionOut: 15.00,
			MaxContextTokens:  200000,
			MaxOutputTokens:   16384,
			Specializations:   []string{"organize", "repair", "analysis", "general"},
			Performance: Performance{
				Accuracy: 0.91, Reliability: 0.97, Consistency: 0.92,
				LatencyMs: 2200, QualityTier: TierStandard,
			},
			CompressionCapable: true,
			CacheWriteMul:      1.25, CacheReadMul: 0.1,
		},
		{
			Name:              "claude-opus-4-6",
			Family:            "claude",
			CostPerMillionIn:  15.00,
			CostPerMillionOut: 75.00,
			MaxContextTokens:  200000,
			MaxOutputTokens:   16384,
			Specializations:   []string{"audit", "analysis", "organize"},
			Performance: Performance{
				Accuracy: 0.96, Reliability: 0.99, Consistency: 0.95,
				LatencyMs: 4800, QualityTier: TierPremium,
			},
			CompressionCapable: true,
			CacheWriteMul:      1.25, CacheReadMul: 0.1,
		},
		{
			Name:              "gemini-2.5-flash",
			Family:            "gemini",
			CostPerMillionIn:  0.30,
			CostPerMillionOut: 2.50,
			MaxContextTokens:  1000000,
			MaxOutputTokens:   8192,
			Specializations:   []string{"dedup", "extraction", "general"},
			Performance: Performance{
				Accuracy: 0.80, Reliability: 0.93, Consistency: 0.82,
				LatencyMs: 800, QualityTier: TierDraft,
			},
			CompressionCapable: true,
		},
		{
			Name:              "gemini-2.5-pro",
			Family:            "gemini",
			CostPerMillionIn:  1.25,
			CostPerMillionOut: 10.00,
			MaxContextTokens:  1000000,
			MaxOutputTokens:   16384,
			Specializations:   []string{"organize", "analysis", "audit"},
			Performance: Performance{
				Accuracy: 0.90, Reliability: 0.94, Consistency: 0.90,
				LatencyMs: 3000, QualityTier: TierStandard,
			},
			CompressionCapable: true,
		},
	}
}
