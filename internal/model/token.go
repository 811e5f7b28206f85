package model

import "strings"

// TokenType is the category of a design token.
type TokenType string

const (
	TokenTypeColor      TokenType = "color"
	TokenTypeTypography TokenType = "typography"
	TokenTypeSpacing    TokenType = "spacing"
	TokenTypeShadow     TokenType = "shadow"
	TokenTypeRadius     TokenType = "radius"
	TokenTypeComponent  TokenType = "component"
	TokenTypeOther      TokenType = "other"
)

// AllTokenTypes returns the token types a complete token set covers.
func AllTokenTypes() []TokenType {
	return []TokenType{
		TokenTypeColor,
		TokenTypeTypography,
		TokenTypeSpacing,
		TokenTypeShadow,
		TokenTypeRadius,
		TokenTypeComponent,
	}
}

// ParseTokenType maps a loose string to a TokenType, defaulting to other.
func ParseTokenType(s string) TokenType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "color", "colour", "colors":
		return TokenTypeColor
	case "typography", "font", "fonts", "type":
		return TokenTypeTypography
	case "spacing", "space", "size":
		return TokenTypeSpacing
	case "shadow", "shadows", "elevation":
		return TokenTypeShadow
	case "radius", "radii", "border-radius":
		return TokenTypeRadius
	case "component", "components":
		return TokenTypeComponent
	default:
		return TokenTypeOther
	}
}

// TokenItem is a single extracted design token. Identity is ID; two tokens are
// duplicates when value, type, and meaning match.
type TokenItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Type       TokenType `json:"type"`
	UsageCount int       `json:"usage_count"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
}

// Weight is the usage×confidence product used to pick canonical tokens.
func (t TokenItem) Weight() float64 {
	return float64(t.UsageCount) * t.Confidence
}

// TokenSet is the organized token package.
type TokenSet struct {
	Colors     []TokenItem         `json:"colors"`
	Typography []TokenItem         `json:"typography"`
	Spacing    []TokenItem         `json:"spacing"`
	Shadows    []TokenItem         `json:"shadows"`
	Radii      []TokenItem         `json:"radii"`
	Components []TokenItem         `json:"components"`
	Groups     map[string][]string `json:"groups,omitempty"`
	Emergency  bool                `json:"emergency,omitempty"`
	Notes      string              `json:"notes,omitempty"`
}

// Count returns the total number of tokens in the set.
func (s *TokenSet) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Colors) + len(s.Typography) + len(s.Spacing) + len(s.Shadows) + len(s.Radii) + len(s.Components)
}

// TypesCovered returns how many of AllTokenTypes have at least one token.
func (s *TokenSet) TypesCovered() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, list := range [][]TokenItem{s.Colors, s.Typography, s.Spacing, s.Shadows, s.Radii, s.Components} {
		if len(list) > 0 {
			n++
		}
	}
	return n
}

// All flattens the set into a single slice.
func (s *TokenSet) All() []TokenItem {
	if s == nil {
		return nil
	}
	out := make([]TokenItem, 0, s.Count())
	out = append(out, s.Colors...)
	out = append(out, s.Typography...)
	out = append(out, s.Spacing...)
	out = append(out, s.Shadows...)
	out = append(out, s.Radii...)
	out = append(out, s.Components...)
	return out
}

// TokenSetFrom buckets tokens by type.
func TokenSetFrom(tokens []TokenItem) *TokenSet {
	set := &TokenSet{}
	for _, t := range tokens {
		switch t.Type {
		case TokenTypeColor:
			set.Colors = append(set.Colors, t)
		case TokenTypeTypography:
			set.Typography = append(set.Typography, t)
		case TokenTypeSpacing:
			set.Spacing = append(set.Spacing, t)
		case TokenTypeShadow:
			set.Shadows = append(set.Shadows, t)
		case TokenTypeRadius:
			set.Radii = append(set.Radii, t)
		default:
			set.Components = append(set.Components, t)
		}
	}
	return set
}

// TokenUsage tracks model token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
