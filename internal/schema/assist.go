package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rotisserie/eris"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/model"
)

// OperationRepair tags model-assisted repair requests.
const OperationRepair = "repair"

const repairSystemPrompt = `You repair JSON documents so they conform to a JSON Schema.
Keep every value that is already valid. Reply with the corrected JSON document only.`

// maxViolationsInPrompt bounds the violation list sent to the model.
const maxViolationsInPrompt = 40

func (v *Validator) modelRepair(ctx context.Context, s *jsonschema.Schema, val any, errs []Error, opts Options) (any, model.TokenUsage, error) {
	schemaJSON, err := json.Marshal(s)
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "schema: marshal schema")
	}
	doc, err := json.Marshal(val)
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "schema: marshal document")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	resp, err := v.completer.Complete(ctx, ai.CompletionRequest{
		Operation:   OperationRepair,
		Model:       opts.Model,
		System:      repairSystemPrompt,
		Prompt:      repairPrompt(schemaJSON, doc, errs),
		MaxTokens:   maxTokens,
		Temperature: ai.Temperature(0),
		Format:      ai.FormatJSON,
	})
	if err != nil {
		return nil, model.TokenUsage{}, eris.Wrap(err, "schema: repair completion")
	}
	fixed, err := Normalize(resp.Text)
	if err != nil {
		return nil, resp.Usage, eris.Wrap(err, "schema: parse repaired document")
	}
	return fixed, resp.Usage, nil
}

func repairPrompt(schemaJSON, doc []byte, errs []Error) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.Write(schemaJSON)
	b.WriteString("\n\nViolations:\n")
	for i, e := range errs {
		if i == maxViolationsInPrompt {
			fmt.Fprintf(&b, "- ... %d more\n", len(errs)-i)
			break
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n", e.Path, e.Code, e.Message)
	}
	b.WriteString("\nDocument:\n")
	b.Write(doc)
	return b.String()
}
