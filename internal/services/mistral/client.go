package mistral

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://api.mistral.ai/v1/ocr"
	defaultModel       = "mistral-ocr-latest"
	defaultHTTPTimeout = 60 * time.Second
)

// ErrRateLimited marks HTTP 429 responses so callers can classify them as
// retryable.
var ErrRateLimited = errors.New("mistral ocr: rate limited")

// ErrBadRequest marks 4xx responses other than 429; retrying cannot fix them.
var ErrBadRequest = errors.New("mistral ocr: rejected request")

// Client wraps the Mistral OCR API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option customizes the OCR client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the default API base (useful for tests/mocks).
func WithBaseURL(base string) Option {
	return func(c *Client) {
		base = strings.TrimSpace(base)
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithModel overrides the OCR model name.
func WithModel(model string) Option {
	return func(c *Client) {
		model = strings.TrimSpace(model)
		if model != "" {
			c.model = model
		}
	}
}

// NewClient constructs a Mistral OCR API client.
func NewClient(apiKey string, opts ...Option) *Client {
	client := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.baseURL == "" {
		client.baseURL = defaultBaseURL
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Page is one page of recognized text.
type Page struct {
	Number     int     `json:"page_number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is the full OCR outcome for one document.
type Result struct {
	Text              string  `json:"text"`
	Pages             []Page  `json:"pages"`
	TotalPages        int     `json:"total_pages"`
	AverageConfidence float64 `json:"average_confidence"`
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrResponse struct {
	Pages []struct {
		Index      int     `json:"index"`
		Markdown   string  `json:"markdown"`
		Confidence float64 `json:"confidence"`
	} `json:"pages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Recognize reads the file at path and submits it for OCR. Rate-limit and
// server-side responses are tagged ErrRateLimited or left as plain errors;
// other 4xx responses are tagged ErrBadRequest.
func (c *Client) Recognize(ctx context.Context, path, contentType string) (Result, error) {
	var empty Result
	if strings.TrimSpace(c.apiKey) == "" {
		return empty, fmt.Errorf("%w: api key required", ErrBadRequest)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return empty, fmt.Errorf("mistral ocr: read file: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	payload := ocrRequest{
		Model: c.model,
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(raw),
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return empty, fmt.Errorf("mistral ocr: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return empty, fmt.Errorf("mistral ocr: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("mistral ocr: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("mistral ocr: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return empty, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(body)))
	case resp.StatusCode >= http.StatusInternalServerError:
		return empty, fmt.Errorf("mistral ocr: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= http.StatusBadRequest:
		return empty, fmt.Errorf("%w: http %d: %s", ErrBadRequest, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded ocrResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return empty, fmt.Errorf("mistral ocr: decode response: %w", err)
	}
	if decoded.Error != nil {
		return empty, fmt.Errorf("mistral ocr: api error: %s", strings.TrimSpace(decoded.Error.Message))
	}
	if len(decoded.Pages) == 0 {
		return empty, errors.New("mistral ocr: empty response")
	}

	result := Result{TotalPages: len(decoded.Pages)}
	texts := make([]string, 0, len(decoded.Pages))
	var confidenceSum float64
	for _, page := range decoded.Pages {
		confidence := page.Confidence
		if confidence <= 0 {
			confidence = 1.0
		}
		result.Pages = append(result.Pages, Page{
			Number:     page.Index + 1,
			Text:       page.Markdown,
			Confidence: confidence,
		})
		texts = append(texts, page.Markdown)
		confidenceSum += confidence
	}
	result.Text = strings.Join(texts, "\n\n")
	result.AverageConfidence = confidenceSum / float64(len(decoded.Pages))
	return result, nil
}

// Ping issues a lightweight request to verify credentials and reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.baseURL, "/ocr")+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral ocr: ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mistral ocr: ping failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("mistral ocr: ping http %d", resp.StatusCode)
	}
	return nil
}
