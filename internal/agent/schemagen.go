package agent

import (
	"context"
	"encoding/json"

	"docpipe/internal/document"
)

// SchemaResult is the output payload of the schema generation stage: the
// structured data assembled from analysis plus the JSON Schema describing it.
type SchemaResult struct {
	DocumentType string          `json:"document_type"`
	Data         map[string]any  `json:"data"`
	Schema       json.RawMessage `json:"schema"`
	Confidence   float64         `json:"confidence"`
}

// SchemaGenAgent converts the flat extracted fields into a typed structure
// and emits a JSON Schema for downstream validation.
type SchemaGenAgent struct{}

func NewSchemaGenAgent() *SchemaGenAgent {
	return &SchemaGenAgent{}
}

func (a *SchemaGenAgent) Name() string { return "schema-generation-agent" }

func (a *SchemaGenAgent) Stage() document.Stage { return document.StageSchemaGen }

func (a *SchemaGenAgent) HealthCheck(ctx context.Context) error { return nil }

func (a *SchemaGenAgent) Execute(ctx context.Context, input Input) (json.RawMessage, error) {
	var analysis AnalysisResult
	if err := json.Unmarshal(input.Previous, &analysis); err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "decode analysis output", "", err)
	}

	data := make(map[string]any, len(analysis.Fields)+2)
	properties := make(map[string]any, len(analysis.Fields)+2)
	required := make([]string, 0, len(analysis.Fields))
	for _, field := range analysis.Fields {
		data[field.Name] = field.Value
		properties[field.Name] = map[string]any{"type": "string"}
		required = append(required, field.Name)
	}
	data["document_type"] = analysis.DocumentType
	data["confidence_score"] = analysis.AverageConfidence
	properties["document_type"] = map[string]any{"type": "string"}
	properties["confidence_score"] = map[string]any{
		"type":    "number",
		"minimum": 0,
		"maximum": 1,
	}
	required = append(required, "document_type", "confidence_score")

	schema, err := json.Marshal(map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": true,
	})
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode schema", "", err)
	}

	result := SchemaResult{
		DocumentType: analysis.DocumentType,
		Data:         data,
		Schema:       schema,
		Confidence:   analysis.AverageConfidence,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode result", "", err)
	}
	return payload, nil
}
