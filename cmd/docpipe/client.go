package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"docpipe/internal/recovery"
	"docpipe/internal/webhook"
)

// apiClient talks to a running docpiped over its HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type documentStatus struct {
	DocumentID    string     `json:"document_id"`
	Stage         string     `json:"stage"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	AutoRecovered bool       `json:"auto_recovered"`
}

type uploadResult struct {
	DocumentID string `json:"document_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
}

func (c *apiClient) upload(ctx context.Context, path string) (*uploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/documents", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result uploadResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *apiClient) listDocuments(ctx context.Context) ([]documentStatus, error) {
	var payload struct {
		Documents []documentStatus `json:"documents"`
	}
	if err := c.get(ctx, "/api/v1/documents", &payload); err != nil {
		return nil, err
	}
	return payload.Documents, nil
}

func (c *apiClient) status(ctx context.Context, documentID string) (*documentStatus, error) {
	var status documentStatus
	if err := c.get(ctx, "/api/v1/documents/"+documentID, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) result(ctx context.Context, documentID string) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.get(ctx, "/api/v1/documents/"+documentID+"/result", &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *apiClient) listWebhooks(ctx context.Context) ([]webhook.Subscription, error) {
	var payload struct {
		Webhooks []webhook.Subscription `json:"webhooks"`
	}
	if err := c.get(ctx, "/api/v1/webhooks", &payload); err != nil {
		return nil, err
	}
	return payload.Webhooks, nil
}

func (c *apiClient) addWebhook(ctx context.Context, name, url string, events []string) (*webhook.Subscription, error) {
	body, err := json.Marshal(map[string]any{"name": name, "url": url, "events": events})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/webhooks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sub webhook.Subscription
	if err := c.do(req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *apiClient) removeWebhook(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/webhooks/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *apiClient) setWebhookActive(ctx context.Context, id string, active bool) error {
	body, err := json.Marshal(map[string]bool{"active": active})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/api/v1/webhooks/"+id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *apiClient) listStuck(ctx context.Context) ([]recovery.StuckPipeline, error) {
	var payload struct {
		Stuck []recovery.StuckPipeline `json:"stuck"`
	}
	if err := c.get(ctx, "/api/v1/admin/stuck", &payload); err != nil {
		return nil, err
	}
	return payload.Stuck, nil
}

func (c *apiClient) forceRetry(ctx context.Context, documentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/admin/stuck/"+documentID+"/retry", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *apiClient) deadLetters(ctx context.Context) ([]webhook.DeadLetter, error) {
	var payload struct {
		DeadLetters []webhook.DeadLetter `json:"dead_letters"`
	}
	if err := c.get(ctx, "/api/v1/admin/deadletters", &payload); err != nil {
		return nil, err
	}
	return payload.DeadLetters, nil
}

func (c *apiClient) health(ctx context.Context) (map[string]any, error) {
	var payload map[string]any
	if err := c.get(ctx, "/health", &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is docpiped running? %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s (http %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("daemon: http %d", resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
