package schema

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/extract"
)

// Custom formats understood by the format repair.
const (
	FormatHexColor = "hex-color"
	FormatPxLength = "px-length"
)

// enumMinSimilarity is the edit-distance similarity below which an enum
// value is not remapped.
const enumMinSimilarity = 0.5

type nodeFix func(s *jsonschema.Schema, v any) (any, bool)

type repair struct {
	name string
	code Code
	fix  nodeFix
}

// repairs run in this order within every attempt.
var repairs = []repair{
	{"default_fill", CodeMissingRequired, fillDefaults},
	{"type_coercion", CodeTypeMismatch, coerceNode},
	{"format_fix", CodeInvalidFormat, fixFormatNode},
	{"range_clamp", CodeOutOfRange, clampNode},
	{"array_normalization", CodeNotArray, normalizeArray},
	{"enum_remap", CodeInvalidEnum, remapEnumNode},
	{"structural_rebuild", CodeInvalidStructure, rebuildNode},
}

// repairPass applies, in order, every repair whose code is among the
// current violations and which changes the data. check re-validates after
// each applied repair so later repairs see violations an earlier one
// uncovered. It returns the repaired value, its violations and the names
// of the repairs applied.
func repairPass(s *jsonschema.Schema, val any, errs []Error, check func(any) []Error) (any, []Error, []string) {
	var applied []string
	for _, r := range repairs {
		if len(errs) == 0 {
			break
		}
		if !hasCode(errs, r.code) {
			continue
		}
		next, changed := apply(s, val, r.fix)
		if !changed {
			continue
		}
		val = next
		errs = check(val)
		applied = append(applied, r.name)
	}
	return val, errs, applied
}

func hasCode(errs []Error, code Code) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

// apply rewrites v top-down with fix, following the schema's properties and
// items. Maps and slices are updated in place.
func apply(s *jsonschema.Schema, v any, fix nodeFix) (any, bool) {
	if s == nil {
		return v, false
	}
	v, changed := fix(s, v)
	switch x := v.(type) {
	case map[string]any:
		for name, ps := range s.Properties {
			pv, ok := x[name]
			if !ok {
				continue
			}
			if nv, c := apply(ps, pv, fix); c {
				x[name] = nv
				changed = true
			}
		}
	case []any:
		for i := range x {
			if nv, c := apply(s.Items, x[i], fix); c {
				x[i] = nv
				changed = true
			}
		}
	}
	return v, changed
}

func fillDefaults(s *jsonschema.Schema, v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, false
	}
	changed := false
	for _, name := range s.Required {
		if _, ok := m[name]; ok {
			continue
		}
		m[name] = defaultFor(s.Properties[name])
		changed = true
	}
	return m, changed
}

// defaultFor returns the schema default, or the smallest value of the
// schema's type.
func defaultFor(s *jsonschema.Schema) any {
	if s == nil {
		return nil
	}
	if len(s.Default) > 0 {
		var v any
		if err := json.Unmarshal(s.Default, &v); err == nil {
			return v
		}
	}
	switch s.Type {
	case "string":
		if len(s.Enum) > 0 {
			return s.Enum[0]
		}
		return ""
	case "number", "integer":
		if s.Minimum != nil {
			return *s.Minimum
		}
		return 0.0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		m := map[string]any{}
		for _, name := range s.Required {
			m[name] = defaultFor(s.Properties[name])
		}
		return m
	}
	return nil
}

func coerceNode(s *jsonschema.Schema, v any) (any, bool) {
	if s.Type == "" || kindMatches(jsonKind(v), s.Type) {
		return v, false
	}
	return coerce(s.Type, v)
}

// coerce converts a scalar into the wanted JSON type when the conversion is
// lossless enough to trust.
func coerce(want string, v any) (any, bool) {
	switch want {
	case "string":
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(x), true
		}
	case "number", "integer":
		var f float64
		switch x := v.(type) {
		case string:
			t := strings.TrimSuffix(strings.TrimSpace(x), "%")
			parsed, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return v, false
			}
			f = parsed
		case float64:
			f = x
		case bool:
			if x {
				f = 1
			}
		default:
			return v, false
		}
		if want == "integer" {
			f = math.Round(f)
		}
		return f, true
	case "boolean":
		switch x := v.(type) {
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "yes", "1":
				return true, true
			case "false", "no", "0":
				return false, true
			}
		case float64:
			if x == 0 || x == 1 {
				return x == 1, true
			}
		}
	}
	return v, false
}

func fixFormatNode(s *jsonschema.Schema, v any) (any, bool) {
	x, ok := v.(string)
	if !ok || s.Pattern == "" {
		return v, false
	}
	if re := compiled(s.Pattern); re == nil || re.MatchString(x) {
		return v, false
	}
	if fixed, ok := fixFormat(s, x); ok {
		return fixed, true
	}
	return v, false
}

// fixFormat rewrites a string into the schema's custom format. The result
// must satisfy the schema pattern.
func fixFormat(s *jsonschema.Schema, x string) (string, bool) {
	var fixed string
	switch s.Format {
	case FormatHexColor:
		fixed = extract.NormalizeColor(x)
	case FormatPxLength:
		if px, ok := extract.LengthPx(x); ok {
			fixed = extract.FormatPx(px)
		} else if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			fixed = extract.FormatPx(f)
		}
	}
	if fixed == "" || fixed == x {
		return x, false
	}
	if re := compiled(s.Pattern); re != nil && !re.MatchString(fixed) {
		return x, false
	}
	return fixed, true
}

func clampNode(s *jsonschema.Schema, v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		c := x
		if s.Minimum != nil {
			c = math.Max(c, *s.Minimum)
		}
		if s.Maximum != nil {
			c = math.Min(c, *s.Maximum)
		}
		return c, c != x
	case string:
		runes := []rune(x)
		if s.MaxLength != nil && len(runes) > *s.MaxLength {
			return string(runes[:*s.MaxLength]), true
		}
		if s.MinLength != nil && len(runes) < *s.MinLength && len(s.Default) > 0 {
			if d, ok := defaultFor(s).(string); ok && d != x {
				return d, true
			}
		}
	case []any:
		if s.MaxItems != nil && len(x) > *s.MaxItems {
			return x[:*s.MaxItems], true
		}
	}
	return v, false
}

func normalizeArray(s *jsonschema.Schema, v any) (any, bool) {
	if s.Type != "array" {
		return v, false
	}
	switch x := v.(type) {
	case []any:
		return v, false
	case nil:
		return []any{}, true
	case string:
		if s.Items != nil && s.Items.Type == "string" && strings.Contains(x, ",") {
			var out []any
			for _, part := range strings.Split(x, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, true
		}
		return []any{x}, true
	case map[string]any:
		// An object of objects keyed by name is a list in disguise.
		if s.Items != nil && s.Items.Type == "object" && len(x) > 0 && allObjects(x) {
			out := make([]any, 0, len(x))
			for _, k := range sortedAnyKeys(x) {
				item := x[k].(map[string]any)
				if _, ok := item["name"]; !ok {
					if _, named := s.Items.Properties["name"]; named {
						item["name"] = k
					}
				}
				out = append(out, item)
			}
			return out, true
		}
		return []any{x}, true
	default:
		return []any{x}, true
	}
}

func remapEnumNode(s *jsonschema.Schema, v any) (any, bool) {
	x, ok := v.(string)
	if !ok || len(s.Enum) == 0 || inEnum(x, s.Enum) {
		return v, false
	}
	if mapped, ok := remapEnum(s, x); ok {
		return mapped, true
	}
	return v, false
}

// remapEnum maps x to an enum value by case-insensitive match, prefix, or
// nearest edit distance, then falls back to the schema default.
func remapEnum(s *jsonschema.Schema, x string) (string, bool) {
	lx := strings.ToLower(strings.TrimSpace(x))
	best, bestScore := "", 0.0
	for _, e := range s.Enum {
		c, ok := e.(string)
		if !ok {
			continue
		}
		lc := strings.ToLower(c)
		if lc == lx {
			return c, true
		}
		if len(lx) >= 3 && strings.HasPrefix(lc, lx) {
			return c, true
		}
		if score := levenshtein.Match(lx, lc, nil); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore >= enumMinSimilarity {
		return best, true
	}
	if d, ok := defaultFor(s).(string); ok && len(s.Default) > 0 && d != x {
		return d, true
	}
	return x, false
}

func rebuildNode(s *jsonschema.Schema, v any) (any, bool) {
	switch s.Type {
	case "object":
		if _, ok := v.(map[string]any); ok {
			return v, false
		}
		if x, ok := v.(string); ok {
			var m map[string]any
			if err := json.Unmarshal([]byte(ai.CleanJSON(x)), &m); err == nil && m != nil {
				return m, true
			}
		}
		return defaultFor(s), true
	case "array":
		x, ok := v.([]any)
		if !ok || s.Items == nil || s.Items.Type != "object" {
			return v, false
		}
		out := make([]any, 0, len(x))
		changed := false
		for _, item := range x {
			switch it := item.(type) {
			case map[string]any:
				out = append(out, it)
			case string:
				var m map[string]any
				if err := json.Unmarshal([]byte(ai.CleanJSON(it)), &m); err == nil && m != nil {
					out = append(out, m)
				}
				changed = true
			default:
				changed = true
			}
		}
		if !changed {
			return v, false
		}
		return out, true
	}
	return v, false
}

func allObjects(m map[string]any) bool {
	for _, v := range m {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
