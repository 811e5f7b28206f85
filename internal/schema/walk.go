package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
)

var patterns sync.Map // pattern -> *regexp.Regexp

func compiled(pattern string) *regexp.Regexp {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	patterns.Store(pattern, re)
	return re
}

// check walks val against s and returns the violations ordered by path.
// It covers the keywords the built-in schemas use; anything else is left to
// the resolved schema's own validation.
func check(s *jsonschema.Schema, val any) []Error {
	var errs []Error
	walk(s, val, "$", &errs)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func walk(s *jsonschema.Schema, val any, path string, errs *[]Error) {
	if s == nil {
		return
	}
	if s.Type != "" {
		if got := jsonKind(val); !kindMatches(got, s.Type) {
			*errs = append(*errs, typeError(s, val, path, got))
			return
		}
	}

	switch x := val.(type) {
	case map[string]any:
		for _, name := range s.Required {
			if _, ok := x[name]; !ok {
				*errs = append(*errs, Error{
					Path:        join(path, name),
					Message:     fmt.Sprintf("missing required field %q", name),
					Severity:    SeverityError,
					Code:        CodeMissingRequired,
					AutoFixable: true,
				})
			}
		}
		for _, name := range sortedKeys(s.Properties) {
			if pv, ok := x[name]; ok {
				walk(s.Properties[name], pv, join(path, name), errs)
			}
		}
	case []any:
		if s.MinItems != nil && len(x) < *s.MinItems {
			*errs = append(*errs, Error{
				Path:     path,
				Message:  fmt.Sprintf("%d items, want at least %d", len(x), *s.MinItems),
				Severity: SeverityError,
				Code:     CodeOutOfRange,
			})
		}
		if s.MaxItems != nil && len(x) > *s.MaxItems {
			*errs = append(*errs, Error{
				Path:        path,
				Message:     fmt.Sprintf("%d items, want at most %d", len(x), *s.MaxItems),
				Severity:    SeverityWarning,
				Code:        CodeOutOfRange,
				AutoFixable: true,
			})
		}
		for i, item := range x {
			walk(s.Items, item, index(path, i), errs)
		}
	case string:
		checkString(s, x, path, errs)
	case float64:
		if (s.Minimum != nil && x < *s.Minimum) || (s.Maximum != nil && x > *s.Maximum) {
			*errs = append(*errs, Error{
				Path:        path,
				Message:     fmt.Sprintf("%g outside %s", x, bounds(s)),
				Severity:    SeverityWarning,
				Code:        CodeOutOfRange,
				AutoFixable: true,
			})
		}
	}
}

func checkString(s *jsonschema.Schema, x, path string, errs *[]Error) {
	if len(s.Enum) > 0 && !inEnum(x, s.Enum) {
		_, fixable := remapEnum(s, x)
		*errs = append(*errs, Error{
			Path:        path,
			Message:     fmt.Sprintf("%q is not one of %v", x, s.Enum),
			Severity:    SeverityError,
			Code:        CodeInvalidEnum,
			AutoFixable: fixable,
		})
	}
	n := utf8.RuneCountInString(x)
	if s.MinLength != nil && n < *s.MinLength {
		*errs = append(*errs, Error{
			Path:        path,
			Message:     fmt.Sprintf("length %d, want at least %d", n, *s.MinLength),
			Severity:    SeverityError,
			Code:        CodeOutOfRange,
			AutoFixable: s.Default != nil,
		})
	}
	if s.MaxLength != nil && n > *s.MaxLength {
		*errs = append(*errs, Error{
			Path:        path,
			Message:     fmt.Sprintf("length %d, want at most %d", n, *s.MaxLength),
			Severity:    SeverityWarning,
			Code:        CodeOutOfRange,
			AutoFixable: true,
		})
	}
	if s.Pattern != "" {
		if re := compiled(s.Pattern); re != nil && !re.MatchString(x) {
			_, fixable := fixFormat(s, x)
			*errs = append(*errs, Error{
				Path:        path,
				Message:     fmt.Sprintf("%q does not match %s", x, s.Pattern),
				Severity:    SeverityError,
				Code:        CodeInvalidFormat,
				AutoFixable: fixable,
			})
		}
	}
}

func typeError(s *jsonschema.Schema, val any, path, got string) Error {
	e := Error{
		Path:     path,
		Message:  fmt.Sprintf("got %s, want %s", got, s.Type),
		Severity: SeverityError,
	}
	switch s.Type {
	case "array":
		e.Code = CodeNotArray
		e.AutoFixable = true
	case "object":
		e.Code = CodeInvalidStructure
		e.AutoFixable = true
		if path == "$" {
			e.Severity = SeverityCritical
		}
	default:
		e.Code = CodeTypeMismatch
		_, e.AutoFixable = coerce(s.Type, val)
	}
	return e
}

func jsonKind(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if _, frac := math.Modf(x); frac == 0 {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "unknown"
}

func kindMatches(got, want string) bool {
	return got == want || (got == "integer" && want == "number")
}

func inEnum(x string, enum []any) bool {
	for _, e := range enum {
		if s, ok := e.(string); ok && s == x {
			return true
		}
	}
	return false
}

func bounds(s *jsonschema.Schema) string {
	lo, hi := "-inf", "+inf"
	if s.Minimum != nil {
		lo = fmt.Sprintf("%g", *s.Minimum)
	}
	if s.Maximum != nil {
		hi = fmt.Sprintf("%g", *s.Maximum)
	}
	return "[" + lo + ", " + hi + "]"
}

func sortedKeys(m map[string]*jsonschema.Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
