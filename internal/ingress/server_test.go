package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/agent"
	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/ingress"
	"docpipe/internal/pipeline"
	"docpipe/internal/recovery"
	"docpipe/internal/statestore"
	"docpipe/internal/taskqueue"
	"docpipe/internal/testsupport"
	"docpipe/internal/webhook"
)

type apiFixture struct {
	cfg    *config.Config
	store  *statestore.Store
	queue  *taskqueue.Queue
	server *httptest.Server
}

type stubAgent struct {
	stage document.Stage
}

func (s *stubAgent) Name() string { return string(s.stage) + "-stub" }

func (s *stubAgent) Stage() document.Stage { return s.stage }

func (s *stubAgent) HealthCheck(ctx context.Context) error { return nil }

func (s *stubAgent) Execute(ctx context.Context, input agent.Input) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	queue := taskqueue.New(store, cfg.VisibilityTimeout())

	agents := agent.NewEmptyRegistry()
	for _, stage := range document.ProcessingStages() {
		agents.Register(&stubAgent{stage: stage})
	}
	orchestrator := pipeline.New(cfg, store, agents, nil)
	sweeper := recovery.NewSweeper(cfg, store, queue, nil)
	registry := webhook.NewRegistry(store)
	delivery := webhook.NewEngine(cfg, store, registry, nil)

	srv := ingress.New(cfg, store, queue, orchestrator, sweeper, registry, delivery, nil)
	testServer := httptest.NewServer(srv.Handler())
	t.Cleanup(testServer.Close)

	return &apiFixture{cfg: cfg, store: store, queue: queue, server: testServer}
}

func (f *apiFixture) upload(t *testing.T, filename, contents string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := http.Post(f.server.URL+"/api/v1/documents", writer.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUploadAcceptsDocumentAndEnqueuesTask(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.upload(t, "invoice.pdf", "pdf-bytes")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.NotEmpty(t, body["document_id"])
	require.NotEmpty(t, body["task_id"])
	assert.Equal(t, "received", body["status"])

	pending, err := f.queue.Pending(context.Background(), body["document_id"])
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.upload(t, "malware.exe", "nope")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	f := newAPIFixture(t)
	f.cfg.Uploads.MaxFileSizeMB = 1

	resp := f.upload(t, "big.pdf", string(bytes.Repeat([]byte{'x'}, 2<<20)))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadWithoutFileField(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/api/v1/documents", "multipart/form-data; boundary=x", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentStatusLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.upload(t, "invoice.pdf", "pdf-bytes")
	body := decodeBody[map[string]string](t, resp)
	documentID := body["document_id"]

	statusResp, err := http.Get(f.server.URL + "/api/v1/documents/" + documentID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	status := decodeBody[map[string]any](t, statusResp)
	assert.Equal(t, "received", status["stage"])

	missing, err := http.Get(f.server.URL + "/api/v1/documents/doc-unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestResultReturns409UntilCompleted(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	resp := f.upload(t, "invoice.pdf", "pdf-bytes")
	body := decodeBody[map[string]string](t, resp)
	documentID := body["document_id"]

	notReady, err := http.Get(f.server.URL + "/api/v1/documents/" + documentID + "/result")
	require.NoError(t, err)
	notReady.Body.Close()
	assert.Equal(t, http.StatusConflict, notReady.StatusCode)

	// Simulate a completed pipeline by storing the cached result.
	require.NoError(t, f.store.Put(ctx, statestore.NamespaceJobs,
		pipeline.ResultKey(documentID), []byte(`{"valid":true}`), time.Hour))

	ready, err := http.Get(f.server.URL + "/api/v1/documents/" + documentID + "/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, ready.StatusCode)
	result := decodeBody[map[string]any](t, ready)
	assert.Equal(t, true, result["valid"])
}

func TestWebhookCRUD(t *testing.T) {
	f := newAPIFixture(t)

	created, err := http.Post(f.server.URL+"/api/v1/webhooks", "application/json",
		bytes.NewReader([]byte(`{"name":"billing","url":"https://example.com/hook","events":["document.completed"]}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	sub := decodeBody[webhook.Subscription](t, created)
	require.NotEmpty(t, sub.ID)

	listResp, err := http.Get(f.server.URL + "/api/v1/webhooks")
	require.NoError(t, err)
	list := decodeBody[map[string][]webhook.Subscription](t, listResp)
	assert.Len(t, list["webhooks"], 1)

	patch, err := http.NewRequest(http.MethodPatch, f.server.URL+"/api/v1/webhooks/"+sub.ID,
		bytes.NewReader([]byte(`{"active":false}`)))
	require.NoError(t, err)
	patched, err := http.DefaultClient.Do(patch)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, patched.StatusCode)
	updated := decodeBody[webhook.Subscription](t, patched)
	assert.False(t, updated.Active)

	del, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/webhooks/"+sub.ID, nil)
	require.NoError(t, err)
	deleted, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	deleted.Body.Close()
	assert.Equal(t, http.StatusNoContent, deleted.StatusCode)

	gone, err := http.Get(f.server.URL + "/api/v1/webhooks/" + sub.ID)
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestWebhookValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/api/v1/webhooks", "application/json",
		bytes.NewReader([]byte(`{"name":"bad","url":"ftp://example.com"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(f.server.URL+"/api/v1/webhooks", "application/json",
		bytes.NewReader([]byte(`not json`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminStuckListingAndForceRetry(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// Seed a stale in-flight pipeline directly.
	state := document.NewPipelineState("doc-stuck", time.Now().UTC().Add(-time.Hour))
	state.Stage = document.StageOCR
	state.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	encoded, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, statestore.NamespaceApp, document.PipelineKey("doc-stuck"), encoded, 0))

	listResp, err := http.Get(f.server.URL + "/api/v1/admin/stuck")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listing := decodeBody[map[string][]recovery.StuckPipeline](t, listResp)
	require.Len(t, listing["stuck"], 1)
	assert.Equal(t, "doc-stuck", listing["stuck"][0].DocumentID)

	retry, err := http.Post(f.server.URL+"/api/v1/admin/stuck/doc-stuck/retry", "application/json", nil)
	require.NoError(t, err)
	retry.Body.Close()
	assert.Equal(t, http.StatusAccepted, retry.StatusCode)

	pending, err := f.queue.Pending(ctx, "doc-stuck")
	require.NoError(t, err)
	assert.True(t, pending)

	conflict, err := http.Post(f.server.URL+"/api/v1/admin/stuck/doc-unknown/retry", "application/json", nil)
	require.NoError(t, err)
	conflict.Body.Close()
	assert.Equal(t, http.StatusConflict, conflict.StatusCode)
}

func TestDeadLettersListing(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/admin/deadletters")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listing := decodeBody[map[string][]webhook.DeadLetter](t, resp)
	assert.Empty(t, listing["dead_letters"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, true, body["healthy"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
}
