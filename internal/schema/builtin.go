package schema

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/model"
)

const (
	hexColorPattern = `^#[0-9a-f]{6}([0-9a-f]{2})?$`
	pxLengthPattern = `^-?[0-9]+(\.[0-9]+)?px$`
)

// EmergencyConfidence is the confidence of a substitute payload.
const EmergencyConfidence = 10

// Token is one design token in model-facing output.
type Token struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Type       string  `json:"type"`
	UsageCount int     `json:"usage_count"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// TokenSet is a flat token list.
type TokenSet struct {
	Tokens []Token `json:"tokens"`
}

// Category is a named group of tokens.
type Category struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Tokens      []Token `json:"tokens"`
}

// PaletteColor is one named brand or UI color.
type PaletteColor struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
	Role string `json:"role,omitempty"`
}

// OrganizedOutput is the organized design system.
type OrganizedOutput struct {
	Version      string         `json:"version"`
	Categories   []Category     `json:"categories"`
	Palette      []PaletteColor `json:"palette,omitempty"`
	SpacingScale []string       `json:"spacing_scale,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Confidence   float64        `json:"confidence"`
	Emergency    bool           `json:"emergency,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// TokenCount returns the number of tokens across categories.
func (o *OrganizedOutput) TokenCount() int {
	n := 0
	for _, c := range o.Categories {
		n += len(c.Tokens)
	}
	return n
}

func tokenSchema() *jsonschema.Schema {
	types := make([]any, 0, 7)
	for _, t := range model.AllTokenTypes() {
		types = append(types, string(t))
	}
	types = append(types, string(model.TokenTypeOther))
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"name", "value", "type"},
		Properties: map[string]*jsonschema.Schema{
			"id":          {Type: "string"},
			"name":        {Type: "string", MinLength: jsonschema.Ptr(1)},
			"value":       {Type: "string", MinLength: jsonschema.Ptr(1)},
			"type":        {Type: "string", Enum: types, Default: json.RawMessage(`"other"`)},
			"usage_count": {Type: "integer", Minimum: jsonschema.Ptr(0.0), Default: json.RawMessage(`1`)},
			"confidence":  {Type: "number", Minimum: jsonschema.Ptr(0.0), Maximum: jsonschema.Ptr(100.0), Default: json.RawMessage(`50`)},
			"source":      {Type: "string"},
		},
	}
}

// TokenSetSchema describes a TokenSet.
var TokenSetSchema = sync.OnceValue(func() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"tokens"},
		Properties: map[string]*jsonschema.Schema{
			"tokens": {Type: "array", Items: tokenSchema()},
		},
	}
})

// OrganizedOutputSchema describes an OrganizedOutput.
var OrganizedOutputSchema = sync.OnceValue(func() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"version", "categories", "confidence"},
		Properties: map[string]*jsonschema.Schema{
			"version": {Type: "string", Default: json.RawMessage(`"1.0"`)},
			"categories": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"name", "tokens"},
					Properties: map[string]*jsonschema.Schema{
						"name":        {Type: "string", MinLength: jsonschema.Ptr(1)},
						"description": {Type: "string"},
						"tokens":      {Type: "array", Items: tokenSchema()},
					},
				},
			},
			"palette": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type:     "object",
					Required: []string{"name", "hex"},
					Properties: map[string]*jsonschema.Schema{
						"name": {Type: "string"},
						"hex":  {Type: "string", Format: FormatHexColor, Pattern: hexColorPattern},
						"role": {Type: "string"},
					},
				},
			},
			"spacing_scale": {
				Type:  "array",
				Items: &jsonschema.Schema{Type: "string", Format: FormatPxLength, Pattern: pxLengthPattern},
			},
			"summary":    {Type: "string"},
			"confidence": {Type: "number", Minimum: jsonschema.Ptr(0.0), Maximum: jsonschema.Ptr(100.0), Default: json.RawMessage(`50`)},
			"emergency":  {Type: "boolean"},
			"reason":     {Type: "string"},
		},
	}
})

// TokensFrom converts pipeline tokens to their output form.
func TokensFrom(items []model.TokenItem) []Token {
	out := make([]Token, 0, len(items))
	for _, t := range items {
		if strings.TrimSpace(t.Value) == "" {
			continue
		}
		name := t.Name
		if strings.TrimSpace(name) == "" {
			name = t.Value
		}
		typ := t.Type
		if typ == "" {
			typ = model.TokenTypeOther
		}
		out = append(out, Token{
			ID:         t.ID,
			Name:       name,
			Value:      t.Value,
			Type:       string(typ),
			UsageCount: max(t.UsageCount, 0),
			Confidence: min(max(t.Confidence, 0), 100),
			Source:     t.Source,
		})
	}
	return out
}

var categoryNames = map[string]string{
	string(model.TokenTypeColor):      "Colors",
	string(model.TokenTypeTypography): "Typography",
	string(model.TokenTypeSpacing):    "Spacing",
	string(model.TokenTypeShadow):     "Shadows",
	string(model.TokenTypeRadius):     "Radii",
	string(model.TokenTypeComponent):  "Components",
	string(model.TokenTypeOther):      "Other",
}

// OrganizeByType groups tokens into one category per type and derives the
// palette and spacing scale from them.
func OrganizeByType(tokens []Token, confidence float64) OrganizedOutput {
	out := OrganizedOutput{Version: "1.0", Categories: []Category{}, Confidence: confidence}
	byType := make(map[string][]Token)
	for _, t := range tokens {
		byType[t.Type] = append(byType[t.Type], t)
	}
	order := make([]string, 0, len(byType))
	for _, typ := range model.AllTokenTypes() {
		order = append(order, string(typ))
	}
	order = append(order, string(model.TokenTypeOther))
	for _, typ := range order {
		if len(byType[typ]) > 0 {
			out.Categories = append(out.Categories, Category{Name: categoryNames[typ], Tokens: byType[typ]})
		}
	}

	seenHex := make(map[string]bool)
	for _, t := range byType[string(model.TokenTypeColor)] {
		if hex := extract.NormalizeColor(t.Value); hex != "" && !seenHex[hex] {
			seenHex[hex] = true
			out.Palette = append(out.Palette, PaletteColor{Name: t.Name, Hex: hex})
		}
	}
	var scale []float64
	seenPx := make(map[float64]bool)
	for _, t := range byType[string(model.TokenTypeSpacing)] {
		if px, ok := extract.LengthPx(t.Value); ok && px > 0 && !seenPx[px] {
			seenPx[px] = true
			scale = append(scale, px)
		}
	}
	sort.Float64s(scale)
	for _, px := range scale {
		out.SpacingScale = append(out.SpacingScale, extract.FormatPx(px))
	}
	return out
}

// EmergencyTokenSet builds the clearly flagged substitute payload used when
// organization output cannot be validated. It always satisfies
// OrganizedOutputSchema.
func EmergencyTokenSet(tokens []model.TokenItem, reason string) OrganizedOutput {
	out := OrganizeByType(TokensFrom(tokens), EmergencyConfidence)
	out.Emergency = true
	out.Reason = reason
	out.Summary = "Unorganized tokens grouped by type."
	return out
}
