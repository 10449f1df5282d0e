package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docpipe/internal/config"
	"docpipe/internal/logging"
	"docpipe/internal/statestore"
)

// ErrDeliveryFailed marks an HTTP delivery attempt that did not produce a
// 2xx response.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

// Payload is the JSON body posted to subscribers.
type Payload struct {
	Event      string          `json:"event"`
	Timestamp  time.Time       `json:"timestamp"`
	DocumentID string          `json:"document_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// DeliveryAttempt is the bookkeeping record kept in the jobs namespace while
// a delivery is being retried. It is removed on success or converted to a
// dead letter when retries run out.
type DeliveryAttempt struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	DocumentID     string    `json:"document_id"`
	Event          string    `json:"event"`
	AttemptNumber  int       `json:"attempt_number"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	DocumentID     string    `json:"document_id"`
	Event          string    `json:"event"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	FailedAt       time.Time `json:"failed_at"`
}

// Engine fans terminal pipeline events out to matching subscriptions with
// bounded retries. Deliveries to different subscriptions are independent;
// one endpoint's failure never blocks another's.
type Engine struct {
	store      *statestore.Store
	registry   *Registry
	logger     *slog.Logger
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	recordTTL  time.Duration
}

// EngineOption customizes the delivery engine.
type EngineOption func(*Engine)

// WithHTTPClient overrides the delivery HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithRetryBaseDelay overrides the first retry interval (useful for tests).
func WithRetryBaseDelay(delay time.Duration) EngineOption {
	return func(e *Engine) {
		if delay > 0 {
			e.baseDelay = delay
		}
	}
}

// NewEngine builds a delivery engine from daemon configuration.
func NewEngine(cfg *config.Config, store *statestore.Store, registry *Registry, logger *slog.Logger, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:      store,
		registry:   registry,
		logger:     logging.NewComponentLogger(logger, "webhook-delivery"),
		maxRetries: cfg.Webhooks.MaxRetries,
		baseDelay:  time.Duration(cfg.Webhooks.RetryBaseDelaySeconds) * time.Second,
		timeout:    time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
		recordTTL:  cfg.DocumentTTL(),
	}
	engine.httpClient = &http.Client{Timeout: engine.timeout}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.maxRetries < 0 {
		engine.maxRetries = 0
	}
	if engine.baseDelay <= 0 {
		engine.baseDelay = time.Second
	}
	if engine.timeout <= 0 {
		engine.timeout = 30 * time.Second
	}
	return engine
}

// DispatchKey is the jobs-namespace marker preventing duplicate fan-out when
// a task is redelivered after the pipeline already turned terminal.
func DispatchKey(documentID string) string {
	return "dispatch:" + documentID
}

// DeliveryKey is the jobs-namespace key for an in-flight delivery record.
func DeliveryKey(id string) string {
	return "delivery:" + id
}

// DeadLetterKey is the jobs-namespace key for an exhausted delivery.
func DeadLetterKey(id string) string {
	return "deadletter:" + id
}

// DispatchOnce fans the event out at most once per terminal transition per
// surviving worker: the completion marker is written only after the fan-out
// returns, so a worker crash mid-delivery leaves no marker and the
// redelivered task repeats the whole dispatch. Duplicate deliveries are
// allowed; lost ones are not.
func (e *Engine) DispatchOnce(ctx context.Context, payload Payload) error {
	key := DispatchKey(payload.DocumentID)
	if _, err := e.store.Get(ctx, statestore.NamespaceJobs, key); err == nil {
		e.logger.Debug("event already dispatched",
			logging.String(logging.FieldDocumentID, payload.DocumentID),
			logging.String(logging.FieldEventType, payload.Event))
		return nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return err
	}

	if err := e.Dispatch(ctx, payload); err != nil {
		return err
	}

	stamp := []byte(payload.Timestamp.UTC().Format(time.RFC3339Nano))
	err := e.store.CompareAndSwap(ctx, statestore.NamespaceJobs, key, nil, stamp, e.recordTTL)
	if err != nil && !errors.Is(err, statestore.ErrConflict) {
		return err
	}
	return nil
}

// Dispatch sends the event to every matching active subscription, retrying
// each one independently. It blocks until all deliveries finish or dead-
// letter; failures are recorded, never returned to the pipeline.
func (e *Engine) Dispatch(ctx context.Context, payload Payload) error {
	subs, err := e.registry.MatchingEvent(ctx, payload.Event)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			e.deliverWithRetry(ctx, sub, payload, body)
		}(sub)
	}
	wg.Wait()
	return nil
}

// DeadLetters lists every exhausted delivery.
func (e *Engine) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	entries, err := e.store.Scan(ctx, statestore.NamespaceJobs, "deadletter:")
	if err != nil {
		return nil, err
	}
	letters := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		var letter DeadLetter
		if err := json.Unmarshal(entry.Value, &letter); err != nil {
			continue
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

func (e *Engine) deliverWithRetry(ctx context.Context, sub Subscription, payload Payload, body []byte) {
	attemptID := sub.ID + ":" + payload.DocumentID + ":" + payload.Event
	log := e.logger.With(
		logging.String(logging.FieldDocumentID, payload.DocumentID),
		logging.String(logging.FieldEventType, payload.Event),
		logging.String("subscription_id", sub.ID))

	attempt := 0
	operation := func() error {
		attempt++
		err := e.deliver(ctx, sub.URL, body)
		if err == nil {
			return nil
		}
		log.Warn("delivery attempt failed", logging.Int("attempt", attempt), logging.Error(err))
		e.recordAttempt(ctx, attemptID, sub, payload, attempt, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries)), ctx))
	if err == nil {
		_ = e.store.Delete(ctx, statestore.NamespaceJobs, DeliveryKey(attemptID))
		log.Info("event delivered", logging.Int("attempts", attempt))
		return
	}

	e.deadLetter(ctx, attemptID, sub, payload, attempt, err)
	log.Error("delivery dead-lettered", logging.Int("attempts", attempt), logging.Error(err))
}

func (e *Engine) deliver(ctx context.Context, rawURL string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "docpipe-webhook/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: http %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func (e *Engine) recordAttempt(ctx context.Context, attemptID string, sub Subscription, payload Payload, attempt int, cause error) {
	now := time.Now().UTC()
	record := DeliveryAttempt{
		ID:             attemptID,
		SubscriptionID: sub.ID,
		DocumentID:     payload.DocumentID,
		Event:          payload.Event,
		AttemptNumber:  attempt,
		Status:         "retrying",
		LastError:      cause.Error(),
		NextRetryAt:    now.Add(e.baseDelay),
		UpdatedAt:      now,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := e.store.Put(ctx, statestore.NamespaceJobs, DeliveryKey(attemptID), encoded, e.recordTTL); err != nil {
		e.logger.Warn("recording delivery attempt failed", logging.Error(err))
	}
}

func (e *Engine) deadLetter(ctx context.Context, attemptID string, sub Subscription, payload Payload, attempts int, cause error) {
	letter := DeadLetter{
		ID:             attemptID,
		SubscriptionID: sub.ID,
		DocumentID:     payload.DocumentID,
		Event:          payload.Event,
		Attempts:       attempts,
		LastError:      cause.Error(),
		FailedAt:       time.Now().UTC(),
	}
	encoded, err := json.Marshal(letter)
	if err != nil {
		return
	}
	if err := e.store.Put(ctx, statestore.NamespaceJobs, DeadLetterKey(attemptID), encoded, 0); err != nil {
		e.logger.Warn("recording dead letter failed", logging.Error(err))
	}
	_ = e.store.Delete(ctx, statestore.NamespaceJobs, DeliveryKey(attemptID))
}
