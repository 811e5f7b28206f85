// Package schema validates structured model output against JSON Schemas and
// repairs it, first deterministically and then with one model-assisted pass.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/model"
)

// ErrInvalid is returned by Result.Err when the data failed validation.
var ErrInvalid = eris.New("schema: invalid data")

// Severity ranks a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// Code classifies a violation. Each code has one deterministic repair.
type Code string

const (
	CodeMissingRequired  Code = "missing_required"
	CodeTypeMismatch     Code = "type_mismatch"
	CodeInvalidFormat    Code = "invalid_format"
	CodeOutOfRange       Code = "out_of_range"
	CodeNotArray         Code = "not_array"
	CodeInvalidEnum      Code = "invalid_enum"
	CodeInvalidStructure Code = "invalid_structure"
)

// Error is one violation at a JSON path such as $.categories[0].name.
type Error struct {
	Path        string   `json:"path"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Code        Code     `json:"code"`
	AutoFixable bool     `json:"auto_fixable"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid          bool             `json:"valid"`
	Data           any              `json:"data,omitempty"`
	Errors         []Error          `json:"errors,omitempty"`
	Repaired       bool             `json:"repaired"`
	RepairsApplied []string         `json:"repairs_applied,omitempty"`
	ModelRepaired  bool             `json:"model_repaired"`
	Confidence     float64          `json:"confidence"`
	Attempts       int              `json:"attempts"`
	Usage          model.TokenUsage `json:"usage"`
}

// Err returns nil for a valid result and an ErrInvalid wrap listing the
// violations otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return eris.Wrapf(ErrInvalid, "schema: %d violation(s): %s", len(r.Errors), strings.Join(msgs, "; "))
}

// Options control ValidateWithRepair.
type Options struct {
	// MaxRepairAttempts bounds the deterministic repairs. Zero means 3.
	MaxRepairAttempts int
	// ModelRepair enables the final model-assisted pass.
	ModelRepair bool
	// Model and MaxTokens configure the model-assisted pass.
	Model     string
	MaxTokens int
}

// DefaultMaxRepairAttempts is used when Options.MaxRepairAttempts is zero.
const DefaultMaxRepairAttempts = 3

// Validator checks data against schemas. It is safe for concurrent use.
type Validator struct {
	completer ai.Completer

	mu       sync.Mutex
	resolved map[*jsonschema.Schema]*jsonschema.Resolved
}

// New creates a Validator. completer may be nil, which disables
// model-assisted repair.
func New(completer ai.Completer) *Validator {
	return &Validator{
		completer: completer,
		resolved:  make(map[*jsonschema.Schema]*jsonschema.Resolved),
	}
}

// Validate checks data without repairing it.
func (v *Validator) Validate(data any, s *jsonschema.Schema) Result {
	val, errs := v.prepare(data, s)
	if len(errs) > 0 {
		return Result{Data: val, Errors: errs}
	}
	return Result{Valid: true, Data: val, Confidence: 100}
}

// ValidateWithRepair validates data and, on failure, runs up to
// MaxRepairAttempts repair attempts. Each attempt applies every matching
// deterministic repair in order, re-validating after each one. If the data
// is still invalid and ModelRepair is set, one model-assisted repair is
// tried. The caller's data is never mutated.
func (v *Validator) ValidateWithRepair(ctx context.Context, data any, s *jsonschema.Schema, opts Options) Result {
	val, errs := v.prepare(data, s)
	res := Result{Data: val}
	if len(errs) == 0 {
		res.Valid = true
		res.Confidence = 100
		return res
	}

	maxAttempts := opts.MaxRepairAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRepairAttempts
	}
	check := func(val any) []Error { return v.violations(s, val) }
	for range maxAttempts {
		next, remaining, applied := repairPass(s, val, errs, check)
		if len(applied) == 0 {
			break
		}
		res.Attempts++
		res.RepairsApplied = append(res.RepairsApplied, applied...)
		val, errs = next, remaining
		zap.L().Debug("schema: repair attempt",
			zap.Int("attempt", res.Attempts),
			zap.Strings("repairs", applied),
			zap.Int("remaining", len(errs)),
		)
		if len(errs) == 0 {
			return v.accept(res, val)
		}
	}

	if opts.ModelRepair && v.completer != nil && ctx.Err() == nil {
		res.Attempts++
		fixed, usage, err := v.modelRepair(ctx, s, val, errs, opts)
		res.Usage.Add(usage)
		if err != nil {
			zap.L().Warn("schema: model-assisted repair failed", zap.Error(err))
		} else {
			fixedErrs := v.violations(s, fixed)
			if len(fixedErrs) == 0 {
				res.ModelRepaired = true
				return v.accept(res, fixed)
			}
			val, errs = fixed, fixedErrs
		}
	}

	res.Data = val
	res.Errors = errs
	return res
}

func (v *Validator) accept(res Result, val any) Result {
	res.Valid = true
	res.Repaired = true
	res.Data = val
	res.Errors = nil
	conf := 100 - 10*float64(len(res.RepairsApplied))
	if res.ModelRepaired {
		conf -= 25
	}
	res.Confidence = max(conf, 10)
	return res
}

// prepare converts data to plain JSON values and lists its violations.
func (v *Validator) prepare(data any, s *jsonschema.Schema) (any, []Error) {
	val, err := Normalize(data)
	if err != nil {
		return nil, []Error{{
			Path:        "$",
			Message:     err.Error(),
			Severity:    SeverityCritical,
			Code:        CodeInvalidStructure,
			AutoFixable: true,
		}}
	}
	return val, v.violations(s, val)
}

// violations runs the structural walk and, when it finds nothing, confirms
// with the resolved schema.
func (v *Validator) violations(s *jsonschema.Schema, val any) []Error {
	if errs := check(s, val); len(errs) > 0 {
		return errs
	}
	rs, err := v.resolve(s)
	if err != nil {
		return []Error{{Path: "$", Message: err.Error(), Severity: SeverityCritical, Code: CodeInvalidStructure}}
	}
	if err := rs.Validate(val); err != nil {
		return []Error{{Path: "$", Message: err.Error(), Severity: SeverityError, Code: CodeInvalidStructure}}
	}
	return nil
}

func (v *Validator) resolve(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rs, ok := v.resolved[s]; ok {
		return rs, nil
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, eris.Wrap(err, "schema: resolve")
	}
	v.resolved[s] = rs
	return rs, nil
}

// Normalize converts data into plain JSON values: map[string]any, []any,
// string, float64, bool and nil. Strings and byte slices are parsed as JSON,
// tolerating markdown fences and truncation.
func Normalize(data any) (any, error) {
	var raw []byte
	switch d := data.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(ai.CleanJSON(d))
	case []byte:
		raw = []byte(ai.CleanJSON(string(d)))
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, eris.Wrap(err, "schema: marshal data")
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "schema: parse data")
	}
	return out, nil
}

// Decode converts validated data into a typed value.
func Decode(data any, out any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "schema: marshal data")
	}
	return eris.Wrap(json.Unmarshal(b, out), "schema: decode data")
}

func join(path, name string) string {
	return path + "." + name
}

func index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
