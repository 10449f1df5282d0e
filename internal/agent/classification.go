package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"

	"docpipe/internal/document"
)

// ClassificationResult is the output payload of the classification stage.
type ClassificationResult struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
	Complexity   string  `json:"complexity"`
}

type typePattern struct {
	docType  string
	keywords []string
	patterns []*regexp.Regexp
}

// Keyword and pattern tables for the supported document classes. Matching is
// score-based; the class with the most hits wins.
var typePatterns = []typePattern{
	{
		docType:  "invoice",
		keywords: []string{"invoice", "inv #", "invoice number", "bill to", "total amount", "due date"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)invoice\s*#?\s*:?\s*\d+`),
			regexp.MustCompile(`(?i)bill\s*to`),
			regexp.MustCompile(`(?i)total\s*amount`),
			regexp.MustCompile(`(?i)due\s*date`),
		},
	},
	{
		docType:  "receipt",
		keywords: []string{"receipt", "thank you", "cash", "card", "payment", "purchase"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)receipt\s*#?\s*:?\s*\d+`),
			regexp.MustCompile(`(?i)thank\s*you\s*for\s*your`),
			regexp.MustCompile(`(?i)purchase\s*date`),
		},
	},
	{
		docType:  "contract",
		keywords: []string{"contract", "agreement", "party", "terms", "conditions", "signature"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)this\s*agreement`),
			regexp.MustCompile(`(?i)contract\s*between`),
			regexp.MustCompile(`(?i)terms\s*and\s*conditions`),
		},
	},
	{
		docType:  "form",
		keywords: []string{"form", "application", "please fill", "check one"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)application\s*form`),
			regexp.MustCompile(`(?i)please\s*(fill|complete)`),
			regexp.MustCompile(`(?i)check\s*one`),
		},
	},
}

const classificationSampleBytes = 64 * 1024

// ClassificationAgent determines document type and processing complexity
// from upload metadata and a content sample, ahead of OCR.
type ClassificationAgent struct{}

func NewClassificationAgent() *ClassificationAgent {
	return &ClassificationAgent{}
}

func (a *ClassificationAgent) Name() string { return "classification-agent" }

func (a *ClassificationAgent) Stage() document.Stage { return document.StageClassification }

func (a *ClassificationAgent) HealthCheck(ctx context.Context) error { return nil }

func (a *ClassificationAgent) Execute(ctx context.Context, input Input) (json.RawMessage, error) {
	if input.Document == nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "execute", "document metadata missing", nil)
	}

	sample, err := readSample(input.Document.StoragePath, classificationSampleBytes)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "read sample", input.Document.StoragePath, err)
	}

	corpus := strings.ToLower(input.Document.Filename + "\n" + sample)
	docType, confidence := classify(corpus)
	result := ClassificationResult{
		DocumentType: docType,
		Confidence:   confidence,
		Complexity:   assessComplexity(input.Document.SizeBytes, sample),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode result", "", err)
	}
	return payload, nil
}

func classify(corpus string) (string, float64) {
	bestType := "generic"
	bestScore := 0
	total := 0
	for _, candidate := range typePatterns {
		score := 0
		for _, keyword := range candidate.keywords {
			if strings.Contains(corpus, keyword) {
				score++
			}
		}
		for _, pattern := range candidate.patterns {
			if pattern.MatchString(corpus) {
				score += 2
			}
		}
		total += score
		if score > bestScore {
			bestScore = score
			bestType = candidate.docType
		}
	}
	if bestScore == 0 {
		return "generic", 0.3
	}
	confidence := float64(bestScore) / float64(total)
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0.4 {
		confidence = 0.4
	}
	return bestType, confidence
}

func assessComplexity(sizeBytes int64, sample string) string {
	switch {
	case sizeBytes > 5<<20 || strings.Contains(sample, "|"):
		return "high"
	case sizeBytes > 512<<10:
		return "medium"
	default:
		return "low"
	}
}

func readSample(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", err
	}
	// Binary formats contribute nothing to keyword matching; classification
	// then falls back to the filename.
	if !utf8Mostly(raw) {
		return "", nil
	}
	return string(raw), nil
}

func utf8Mostly(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	printable := 0
	for _, b := range raw {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(raw)) > 0.8
}
