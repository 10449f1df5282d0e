package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/config"
	"docpipe/internal/statestore"
	"docpipe/internal/testsupport"
	"docpipe/internal/webhook"
)

type deliveryFixture struct {
	cfg      *config.Config
	store    *statestore.Store
	registry *webhook.Registry
	engine   *webhook.Engine
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Webhooks.TimeoutSeconds = 2
	cfg.Webhooks.MaxRetries = 3
	cfg.Webhooks.RetryBaseDelaySeconds = 1

	store := testsupport.MustOpenStore(t, cfg)
	registry := webhook.NewRegistry(store)
	engine := webhook.NewEngine(cfg, store, registry, nil,
		webhook.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	return &deliveryFixture{cfg: cfg, store: store, registry: registry, engine: engine}
}

func (f *deliveryFixture) fastRetries(t *testing.T) {
	t.Helper()
	f.engine = webhook.NewEngine(f.cfg, f.store, f.registry, nil,
		webhook.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		webhook.WithRetryBaseDelay(time.Millisecond))
}

func payloadFor(documentID, event string) webhook.Payload {
	return webhook.Payload{
		Event:      event,
		Timestamp:  time.Now().UTC(),
		DocumentID: documentID,
		Result:     json.RawMessage(`{"valid":true}`),
	}
}

func TestDispatchDeliversToMatchingSubscriptionsOnly(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	var completedHits, failedHits atomic.Int64
	completedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		completedHits.Add(1)
		body, _ := io.ReadAll(r.Body)
		var payload webhook.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.DocumentID != "doc-1" || payload.Event != webhook.EventDocumentCompleted {
			t.Errorf("unexpected payload: %+v", payload)
		}
	}))
	defer completedServer.Close()
	failedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failedHits.Add(1)
	}))
	defer failedServer.Close()

	_, err := f.registry.Register(ctx, "w1", completedServer.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "w2", failedServer.URL, []string{webhook.EventDocumentFailed})
	require.NoError(t, err)

	require.NoError(t, f.engine.Dispatch(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))

	assert.Equal(t, int64(1), completedHits.Load())
	assert.Zero(t, failedHits.Load())
}

func TestInactiveSubscriptionsReceiveNothing(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	sub, err := f.registry.Register(ctx, "paused", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)
	off := false
	_, err = f.registry.Apply(ctx, sub.ID, webhook.Update{Active: &off})
	require.NoError(t, err)

	require.NoError(t, f.engine.Dispatch(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))
	assert.Zero(t, hits.Load())
}

func TestFailingEndpointIsRetriedThenDeadLettered(t *testing.T) {
	f := newDeliveryFixture(t)
	f.fastRetries(t)
	ctx := context.Background()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub, err := f.registry.Register(ctx, "broken", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	require.NoError(t, f.engine.Dispatch(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))

	// Initial attempt plus three retries.
	assert.Equal(t, int64(4), hits.Load())

	letters, err := f.engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, sub.ID, letters[0].SubscriptionID)
	assert.Equal(t, "doc-1", letters[0].DocumentID)
	assert.Equal(t, 4, letters[0].Attempts)
}

func TestTransientFailureRecoversWithinRetryBudget(t *testing.T) {
	f := newDeliveryFixture(t)
	f.fastRetries(t)
	ctx := context.Background()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer server.Close()

	_, err := f.registry.Register(ctx, "flaky", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	require.NoError(t, f.engine.Dispatch(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))
	assert.Equal(t, int64(3), hits.Load())

	letters, err := f.engine.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestOneSubscriptionFailureNeverBlocksAnother(t *testing.T) {
	f := newDeliveryFixture(t)
	f.fastRetries(t)
	ctx := context.Background()

	var healthyHits atomic.Int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits.Add(1)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	_, err := f.registry.Register(ctx, "healthy", healthy.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "broken", broken.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	require.NoError(t, f.engine.Dispatch(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))
	assert.Equal(t, int64(1), healthyHits.Load())

	letters, err := f.engine.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestDispatchMarkerLandsOnlyAfterDelivery(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	var markerDuringDelivery atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := f.store.Get(ctx, statestore.NamespaceJobs, webhook.DispatchKey("doc-1"))
		markerDuringDelivery.Store(err == nil)
	}))
	defer server.Close()

	_, err := f.registry.Register(ctx, "ordered", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	require.NoError(t, f.engine.DispatchOnce(ctx, payloadFor("doc-1", webhook.EventDocumentCompleted)))

	// A worker dying mid-delivery must leave no marker behind, so the
	// redelivered task repeats the dispatch instead of skipping it.
	assert.False(t, markerDuringDelivery.Load())
	_, err = f.store.Get(ctx, statestore.NamespaceJobs, webhook.DispatchKey("doc-1"))
	assert.NoError(t, err, "marker missing after successful dispatch")
}

func TestRedeliveryAfterInterruptedDispatchRepeatsFanOut(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	_, err := f.registry.Register(ctx, "resumed", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	payload := payloadFor("doc-1", webhook.EventDocumentCompleted)
	// First run delivered but died before recording completion.
	require.NoError(t, f.engine.Dispatch(ctx, payload))
	require.Equal(t, int64(1), hits.Load())

	// The redelivered task fans out again; a duplicate beats a lost event.
	require.NoError(t, f.engine.DispatchOnce(ctx, payload))
	assert.Equal(t, int64(2), hits.Load())
}

func TestDispatchOnceSuppressesDuplicateFanOut(t *testing.T) {
	f := newDeliveryFixture(t)
	ctx := context.Background()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	_, err := f.registry.Register(ctx, "once", server.URL, []string{webhook.EventDocumentCompleted})
	require.NoError(t, err)

	payload := payloadFor("doc-1", webhook.EventDocumentCompleted)
	require.NoError(t, f.engine.DispatchOnce(ctx, payload))
	require.NoError(t, f.engine.DispatchOnce(ctx, payload))

	assert.Equal(t, int64(1), hits.Load())
}
