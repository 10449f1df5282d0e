package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"docpipe/internal/document"
)

// ValidationResult is the output payload of the validation stage and also
// the document's final structured result.
type ValidationResult struct {
	DocumentType string         `json:"document_type"`
	Valid        bool           `json:"valid"`
	Score        float64        `json:"score"`
	Errors       []string       `json:"errors,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	Data         map[string]any `json:"data"`
}

// minimum score accepted when strict mode is off
const lenientScoreFloor = 0.7

// ValidationAgent checks the structured data against the generated JSON
// Schema plus cross-field quality rules. In strict mode any schema violation
// fails the pipeline; otherwise a score above the floor passes with warnings.
type ValidationAgent struct {
	strict bool
}

func NewValidationAgent(strict bool) *ValidationAgent {
	return &ValidationAgent{strict: strict}
}

func (a *ValidationAgent) Name() string { return "validation-agent" }

func (a *ValidationAgent) Stage() document.Stage { return document.StageValidation }

func (a *ValidationAgent) HealthCheck(ctx context.Context) error { return nil }

func (a *ValidationAgent) Execute(ctx context.Context, input Input) (json.RawMessage, error) {
	var generated SchemaResult
	if err := json.Unmarshal(input.Previous, &generated); err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "decode schema output", "", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("generated.json", bytes.NewReader(generated.Schema)); err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "load schema", "", err)
	}
	schema, err := compiler.Compile("generated.json")
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "compile schema", "", err)
	}

	var problems []string
	if err := schema.Validate(anyValue(generated.Data)); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			problems = append(problems, flattenCauses(validationErr)...)
		} else {
			problems = append(problems, err.Error())
		}
	}

	warnings := qualityWarnings(generated)
	score := validationScore(len(generated.Data), len(problems), len(warnings), generated.Confidence)
	valid := len(problems) == 0
	if !a.strict && !valid {
		valid = score >= lenientScoreFloor
	}

	result := ValidationResult{
		DocumentType: generated.DocumentType,
		Valid:        valid,
		Score:        score,
		Errors:       problems,
		Warnings:     warnings,
		Data:         generated.Data,
	}
	if !valid {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "validate",
			fmt.Sprintf("structured data failed validation (score %.2f): %v", score, problems), nil)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode result", "", err)
	}
	return payload, nil
}

// anyValue round-trips through JSON so the validator sees the generic types
// it expects (float64 numbers, map[string]any objects).
func anyValue(data map[string]any) any {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return data
	}
	return value
}

func flattenCauses(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		return []string{err.Error()}
	}
	var out []string
	for _, cause := range err.Causes {
		out = append(out, flattenCauses(cause)...)
	}
	return out
}

func qualityWarnings(generated SchemaResult) []string {
	var warnings []string
	if generated.Confidence < 0.5 {
		warnings = append(warnings, fmt.Sprintf("low extraction confidence %.2f", generated.Confidence))
	}
	if len(generated.Data) <= 2 {
		warnings = append(warnings, "few fields extracted")
	}
	for name, value := range generated.Data {
		if s, ok := value.(string); ok && s == "" {
			warnings = append(warnings, "empty value for field "+name)
		}
	}
	return warnings
}

func validationScore(fieldCount, errorCount, warningCount int, confidence float64) float64 {
	score := confidence
	if fieldCount > 0 {
		score -= 0.2 * float64(errorCount)
		score -= 0.05 * float64(warningCount)
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
