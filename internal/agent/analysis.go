package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"docpipe/internal/document"
	"docpipe/internal/services/mistral"
)

// ExtractedField is one key/value pair pulled from the recognized text.
type ExtractedField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult is the output payload of the analysis stage.
type AnalysisResult struct {
	DocumentType         string           `json:"document_type"`
	Fields               []ExtractedField `json:"fields"`
	AverageConfidence    float64          `json:"average_confidence"`
	TotalFieldsExtracted int              `json:"total_fields_extracted"`
	FieldsAboveThreshold int              `json:"fields_above_threshold"`
}

type fieldExtractor struct {
	name       string
	pattern    *regexp.Regexp
	confidence float64
}

var fieldExtractors = map[string][]fieldExtractor{
	"invoice": {
		{"invoice_number", regexp.MustCompile(`(?i)invoice\s*#?\s*:?\s*([A-Z0-9-]+)`), 0.9},
		{"total_amount", regexp.MustCompile(`(?i)total\s*(?:amount)?\s*:?\s*\$?\s*([\d,]+\.?\d*)`), 0.85},
		{"due_date", regexp.MustCompile(`(?i)due\s*date\s*:?\s*([\d/.-]+)`), 0.8},
		{"bill_to", regexp.MustCompile(`(?i)bill\s*to\s*:?\s*([^\n]+)`), 0.7},
	},
	"receipt": {
		{"receipt_number", regexp.MustCompile(`(?i)receipt\s*#?\s*:?\s*([A-Z0-9-]+)`), 0.9},
		{"total_amount", regexp.MustCompile(`(?i)total\s*:?\s*\$?\s*([\d,]+\.?\d*)`), 0.85},
		{"payment_method", regexp.MustCompile(`(?i)(cash|credit|debit|card)`), 0.7},
		{"purchase_date", regexp.MustCompile(`(?i)(?:purchase\s*)?date\s*:?\s*([\d/.-]+)`), 0.75},
	},
	"contract": {
		{"parties", regexp.MustCompile(`(?i)between\s+([^\n]+?)\s+and\s+([^\n,]+)`), 0.75},
		{"effective_date", regexp.MustCompile(`(?i)effective\s*(?:date|as\s*of)\s*:?\s*([\d/.-]+)`), 0.8},
		{"signature_date", regexp.MustCompile(`(?i)signature\s*date\s*:?\s*([\d/.-]+)`), 0.8},
	},
	"form": {
		{"name", regexp.MustCompile(`(?i)name\s*:?\s*([^\n_]+)`), 0.7},
		{"date", regexp.MustCompile(`(?i)date\s*:?\s*([\d/.-]+)`), 0.75},
	},
}

var genericExtractors = []fieldExtractor{
	{"date", regexp.MustCompile(`(\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4})`), 0.6},
	{"amount", regexp.MustCompile(`\$\s*([\d,]+\.?\d*)`), 0.6},
	{"email", regexp.MustCompile(`([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`), 0.8},
}

// AnalysisAgent identifies key fields in the recognized text, guided by the
// document type picked during classification.
type AnalysisAgent struct {
	confidenceThreshold float64
}

func NewAnalysisAgent(confidenceThreshold float64) *AnalysisAgent {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.5
	}
	return &AnalysisAgent{confidenceThreshold: confidenceThreshold}
}

func (a *AnalysisAgent) Name() string { return "analysis-agent" }

func (a *AnalysisAgent) Stage() document.Stage { return document.StageAnalysis }

func (a *AnalysisAgent) HealthCheck(ctx context.Context) error { return nil }

func (a *AnalysisAgent) Execute(ctx context.Context, input Input) (json.RawMessage, error) {
	var ocr mistral.Result
	if err := json.Unmarshal(input.Previous, &ocr); err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "decode ocr output", "", err)
	}
	if strings.TrimSpace(ocr.Text) == "" {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "execute", "no text extracted from document", nil)
	}

	docType := "generic"
	if raw := input.State.Result(document.StageClassification); raw != nil {
		var classification ClassificationResult
		if err := json.Unmarshal(raw, &classification); err == nil && classification.DocumentType != "" {
			docType = classification.DocumentType
		}
	}

	extractors := append(fieldExtractors[docType], genericExtractors...)
	fields := extractFields(ocr.Text, extractors)

	kept := make([]ExtractedField, 0, len(fields))
	var confidenceSum float64
	for _, field := range fields {
		if field.Confidence < a.confidenceThreshold {
			continue
		}
		kept = append(kept, field)
		confidenceSum += field.Confidence
	}
	average := 0.0
	if len(kept) > 0 {
		average = confidenceSum / float64(len(kept))
	}

	result := AnalysisResult{
		DocumentType:         docType,
		Fields:               kept,
		AverageConfidence:    average,
		TotalFieldsExtracted: len(fields),
		FieldsAboveThreshold: len(kept),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode result", "", err)
	}
	return payload, nil
}

func extractFields(text string, extractors []fieldExtractor) []ExtractedField {
	seen := map[string]bool{}
	var fields []ExtractedField
	for _, extractor := range extractors {
		if seen[extractor.name] {
			continue
		}
		match := extractor.pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		value := match[0]
		if len(match) > 1 {
			value = match[1]
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[extractor.name] = true
		fields = append(fields, ExtractedField{
			Name:       extractor.name,
			Value:      value,
			Confidence: extractor.confidence,
		})
	}
	return fields
}
