package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/model"
)

func validOutput() map[string]any {
	return map[string]any{
		"version":    "1.0",
		"confidence": 80.0,
		"categories": []any{
			map[string]any{
				"name": "Colors",
				"tokens": []any{
					map[string]any{"name": "brand", "value": "#3366ff", "type": "color", "usage_count": 4.0, "confidence": 90.0},
				},
			},
		},
		"palette":       []any{map[string]any{"name": "brand", "hex": "#3366ff"}},
		"spacing_scale": []any{"4px", "8px"},
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	res := New(nil).Validate(validOutput(), OrganizedOutputSchema())
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 100.0, res.Confidence)
	assert.NoError(t, res.Err())
}

func TestValidate_TypedValue(t *testing.T) {
	t.Parallel()
	out := OrganizedOutput{
		Version:    "1.0",
		Categories: []Category{{Name: "Spacing", Tokens: []Token{{Name: "s", Value: "8px", Type: "spacing", UsageCount: 1, Confidence: 50}}}},
		Confidence: 70,
	}
	res := New(nil).Validate(out, OrganizedOutputSchema())
	require.True(t, res.Valid, "%v", res.Errors)

	var back OrganizedOutput
	require.NoError(t, Decode(res.Data, &back))
	assert.Equal(t, out, back)
}

func TestCheck_Violations(t *testing.T) {
	t.Parallel()
	doc := map[string]any{
		"version":    1.0,
		"confidence": 140.0,
		"categories": []any{
			map[string]any{
				"name":   "Colors",
				"tokens": []any{map[string]any{"name": "a", "value": "#fff", "type": "colour"}},
			},
			"junk",
		},
		"palette":       "not a list",
		"spacing_scale": []any{"8"},
	}
	errs := check(OrganizedOutputSchema(), doc)

	got := make(map[string]Code, len(errs))
	for _, e := range errs {
		got[e.Path] = e.Code
	}
	assert.Equal(t, map[string]Code{
		"$.categories[0].tokens[0].type": CodeInvalidEnum,
		"$.categories[1]":                CodeInvalidStructure,
		"$.confidence":                   CodeOutOfRange,
		"$.palette":                      CodeNotArray,
		"$.spacing_scale[0]":             CodeInvalidFormat,
		"$.version":                      CodeTypeMismatch,
	}, got)
	for i := 1; i < len(errs); i++ {
		assert.LessOrEqual(t, errs[i-1].Path, errs[i].Path)
	}
	for _, e := range errs {
		assert.True(t, e.AutoFixable, e.Path)
	}
}

func TestValidateWithRepair_SingleRepairs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		repair string
		check  func(t *testing.T, doc map[string]any)
	}{
		{
			name:   "default fill",
			mutate: func(doc map[string]any) { delete(doc, "version") },
			repair: "default_fill",
			check:  func(t *testing.T, doc map[string]any) { assert.Equal(t, "1.0", doc["version"]) },
		},
		{
			name:   "type coercion",
			mutate: func(doc map[string]any) { doc["confidence"] = "85%" },
			repair: "type_coercion",
			check:  func(t *testing.T, doc map[string]any) { assert.Equal(t, 85.0, doc["confidence"]) },
		},
		{
			name: "format fix",
			mutate: func(doc map[string]any) {
				doc["palette"] = []any{map[string]any{"name": "brand", "hex": "#FF0000"}}
				doc["spacing_scale"] = []any{"1rem", "8"}
			},
			repair: "format_fix",
			check: func(t *testing.T, doc map[string]any) {
				assert.Equal(t, "#ff0000", doc["palette"].([]any)[0].(map[string]any)["hex"])
				assert.Equal(t, []any{"16px", "8px"}, doc["spacing_scale"])
			},
		},
		{
			name:   "range clamp",
			mutate: func(doc map[string]any) { doc["confidence"] = 140.0 },
			repair: "range_clamp",
			check:  func(t *testing.T, doc map[string]any) { assert.Equal(t, 100.0, doc["confidence"]) },
		},
		{
			name: "array normalization",
			mutate: func(doc map[string]any) {
				doc["categories"] = map[string]any{
					"Colors": map[string]any{"tokens": []any{}},
				}
			},
			repair: "array_normalization",
			check: func(t *testing.T, doc map[string]any) {
				cats := doc["categories"].([]any)
				require.Len(t, cats, 1)
				assert.Equal(t, "Colors", cats[0].(map[string]any)["name"])
			},
		},
		{
			name: "enum remap",
			mutate: func(doc map[string]any) {
				tok := doc["categories"].([]any)[0].(map[string]any)["tokens"].([]any)[0].(map[string]any)
				tok["type"] = "Colour"
			},
			repair: "enum_remap",
			check: func(t *testing.T, doc map[string]any) {
				tok := doc["categories"].([]any)[0].(map[string]any)["tokens"].([]any)[0].(map[string]any)
				assert.Equal(t, "color", tok["type"])
			},
		},
		{
			name: "structural rebuild",
			mutate: func(doc map[string]any) {
				doc["categories"] = append(doc["categories"].([]any), "junk", `{"name": "Spacing", "tokens": []}`)
			},
			repair: "structural_rebuild",
			check: func(t *testing.T, doc map[string]any) {
				cats := doc["categories"].([]any)
				require.Len(t, cats, 2)
				assert.Equal(t, "Spacing", cats[1].(map[string]any)["name"])
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := validOutput()
			tt.mutate(doc)

			res := New(nil).ValidateWithRepair(context.Background(), doc, OrganizedOutputSchema(), Options{})
			require.True(t, res.Valid, "%v", res.Errors)
			assert.True(t, res.Repaired)
			assert.Equal(t, []string{tt.repair}, res.RepairsApplied)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, 90.0, res.Confidence)
			tt.check(t, res.Data.(map[string]any))
		})
	}
}

func brokenDoc() map[string]any {
	return map[string]any{
		"categories": map[string]any{
			"Colors": map[string]any{
				"tokens": []any{
					map[string]any{"name": "brand", "value": "#3366ff", "type": "Colour", "confidence": "85"},
				},
			},
		},
	}
}

func TestValidateWithRepair_ConvergesWithinBound(t *testing.T) {
	t.Parallel()
	v := New(nil)

	initial := v.Validate(brokenDoc(), OrganizedOutputSchema())
	require.False(t, initial.Valid)
	for _, e := range initial.Errors {
		require.True(t, e.AutoFixable, "%s %s", e.Path, e.Code)
	}

	full := v.ValidateWithRepair(context.Background(), brokenDoc(), OrganizedOutputSchema(), Options{})
	require.True(t, full.Valid, "%v", full.Errors)
	assert.LessOrEqual(t, full.Attempts, DefaultMaxRepairAttempts)
	assert.ElementsMatch(t, []string{"default_fill", "array_normalization", "type_coercion", "enum_remap"}, full.RepairsApplied)
	assert.Equal(t, "default_fill", full.RepairsApplied[0])
	assert.Equal(t, 60.0, full.Confidence)

	once := v.ValidateWithRepair(context.Background(), brokenDoc(), OrganizedOutputSchema(), Options{MaxRepairAttempts: 1})
	assert.Equal(t, 1, once.Attempts)
	if !once.Valid {
		assert.ErrorIs(t, once.Err(), ErrInvalid)
	}

	var out OrganizedOutput
	require.NoError(t, Decode(full.Data, &out))
	assert.Equal(t, "1.0", out.Version)
	assert.Equal(t, 50.0, out.Confidence)
	require.Len(t, out.Categories, 1)
	assert.Equal(t, "color", out.Categories[0].Tokens[0].Type)
	assert.Equal(t, 85.0, out.Categories[0].Tokens[0].Confidence)
}

func TestValidateWithRepair_Terminates(t *testing.T) {
	t.Parallel()
	inputs := []any{
		nil,
		"not json at all",
		[]any{1.0, 2.0},
		map[string]any{"categories": "Colors, Spacing"},
		map[string]any{"categories": []any{map[string]any{"name": "", "tokens": 4.0}}},
		brokenDoc(),
	}
	for _, in := range inputs {
		res := New(nil).ValidateWithRepair(context.Background(), in, OrganizedOutputSchema(), Options{})
		assert.LessOrEqual(t, res.Attempts, DefaultMaxRepairAttempts)
		if !res.Valid {
			assert.NotEmpty(t, res.Errors)
		}
	}
}

func TestValidateWithRepair_RebuildsUnparseableRoot(t *testing.T) {
	t.Parallel()
	res := New(nil).ValidateWithRepair(context.Background(), "the model apologized instead", OrganizedOutputSchema(), Options{})
	require.True(t, res.Valid, "%v", res.Errors)
	assert.Equal(t, []string{"structural_rebuild"}, res.RepairsApplied)
	assert.Equal(t, map[string]any{"version": "1.0", "categories": []any{}, "confidence": 50.0}, res.Data)
}

func TestValidateWithRepair_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	doc := validOutput()
	doc["confidence"] = 140.0

	res := New(nil).ValidateWithRepair(context.Background(), doc, OrganizedOutputSchema(), Options{})
	require.True(t, res.Valid)
	assert.Equal(t, 140.0, doc["confidence"])
}

func unfixableDoc() map[string]any {
	doc := validOutput()
	tok := doc["categories"].([]any)[0].(map[string]any)["tokens"].([]any)[0].(map[string]any)
	tok["name"] = ""
	return doc
}

func TestValidateWithRepair_Unfixable(t *testing.T) {
	t.Parallel()
	res := New(nil).ValidateWithRepair(context.Background(), unfixableDoc(), OrganizedOutputSchema(), Options{ModelRepair: true})
	assert.False(t, res.Valid)
	assert.Zero(t, res.Attempts)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "$.categories[0].tokens[0].name", res.Errors[0].Path)
	assert.False(t, res.Errors[0].AutoFixable)
	assert.Zero(t, res.Confidence)
}

func TestValidateWithRepair_ModelAssisted(t *testing.T) {
	t.Parallel()
	var got ai.CompletionRequest
	completer := ai.CompleterFunc(func(_ context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
		got = req
		return &ai.CompletionResponse{
			Text: "```json\n" + `{"version":"1.0","confidence":80,"categories":[{"name":"Colors","tokens":[{"name":"brand","value":"#3366ff","type":"color"}]}]}` + "\n```",
			Usage: model.TokenUsage{InputTokens: 300, OutputTokens: 80, Cost: 0.001},
		}, nil
	})

	res := New(completer).ValidateWithRepair(context.Background(), unfixableDoc(), OrganizedOutputSchema(),
		Options{ModelRepair: true, Model: "claude-haiku-4-5"})
	require.True(t, res.Valid, "%v", res.Errors)
	assert.True(t, res.ModelRepaired)
	assert.True(t, res.Repaired)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 75.0, res.Confidence)
	assert.Equal(t, 300, res.Usage.InputTokens)

	assert.Equal(t, OperationRepair, got.Operation)
	assert.Equal(t, "claude-haiku-4-5", got.Model)
	assert.Equal(t, ai.FormatJSON, got.Format)
	assert.Contains(t, got.Prompt, "$.categories[0].tokens[0].name [out_of_range]")
	assert.Contains(t, got.Prompt, `"minLength":1`)
}

func TestValidateWithRepair_ModelAssistedFails(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		completer ai.CompleterFunc
	}{
		{"provider error", func(context.Context, ai.CompletionRequest) (*ai.CompletionResponse, error) {
			return nil, errors.New("overloaded")
		}},
		{"still invalid", func(context.Context, ai.CompletionRequest) (*ai.CompletionResponse, error) {
			return &ai.CompletionResponse{Text: `{"version":"1.0","confidence":80,"categories":[{"name":"","tokens":[]}]}`}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := New(tt.completer).ValidateWithRepair(context.Background(), unfixableDoc(), OrganizedOutputSchema(), Options{ModelRepair: true})
			assert.False(t, res.Valid)
			assert.False(t, res.ModelRepaired)
			assert.Equal(t, 1, res.Attempts)
			assert.NotEmpty(t, res.Errors)
		})
	}
}

func TestEmergencyTokenSet_Validates(t *testing.T) {
	t.Parallel()
	tokens := []model.TokenItem{
		{ID: "1", Name: "brand", Value: "#3366FF", Type: model.TokenTypeColor, UsageCount: 3, Confidence: 90},
		{ID: "2", Name: "overlay", Value: "rgba(0, 0, 0, 0.5)", Type: model.TokenTypeColor, UsageCount: 1, Confidence: 60},
		{ID: "3", Name: "", Value: "16px", Type: model.TokenTypeSpacing, UsageCount: 2, Confidence: 120},
		{ID: "4", Name: "space-sm", Value: "8px", Type: model.TokenTypeSpacing, UsageCount: 1, Confidence: 50},
		{ID: "5", Name: "blank", Value: " ", Type: model.TokenTypeOther},
	}
	out := EmergencyTokenSet(tokens, "organization failed")

	assert.True(t, out.Emergency)
	assert.Equal(t, "organization failed", out.Reason)
	assert.Equal(t, float64(EmergencyConfidence), out.Confidence)
	assert.Equal(t, 4, out.TokenCount())
	require.Len(t, out.Categories, 2)
	assert.Equal(t, "Colors", out.Categories[0].Name)
	assert.Equal(t, "Spacing", out.Categories[1].Name)
	assert.Equal(t, []string{"8px", "16px"}, out.SpacingScale)
	assert.Equal(t, "#000000", out.Palette[1].Hex[:7])

	res := New(nil).Validate(out, OrganizedOutputSchema())
	assert.True(t, res.Valid, "%v", res.Errors)

	empty := New(nil).Validate(EmergencyTokenSet(nil, "no tokens"), OrganizedOutputSchema())
	assert.True(t, empty.Valid, "%v", empty.Errors)
}

func TestTokenSetSchema(t *testing.T) {
	t.Parallel()
	set := TokenSet{Tokens: TokensFrom([]model.TokenItem{{Name: "x", Value: "4px", Type: model.TokenTypeSpacing}})}
	res := New(nil).Validate(set, TokenSetSchema())
	assert.True(t, res.Valid, "%v", res.Errors)

	bad := New(nil).ValidateWithRepair(context.Background(), `{"tokens": {"name": "x", "value": "4px", "type": "spacing"}}`, TokenSetSchema(), Options{})
	require.True(t, bad.Valid, "%v", bad.Errors)
	assert.Equal(t, []string{"array_normalization"}, bad.RepairsApplied)
}

func TestRemapEnum(t *testing.T) {
	t.Parallel()
	s := tokenSchema().Properties["type"]
	tests := []struct {
		in   string
		want string
	}{
		{"COLOR", "color"},
		{"typo", "typography"},
		{"radii", "radius"},
		{"shadows", "shadow"},
		{"zzzzzzzz", "other"},
	}
	for _, tt := range tests {
		got, ok := remapEnum(s, tt.in)
		assert.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
