package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"docpipe/internal/document"
	"docpipe/internal/services/mistral"
)

// OCRClient is the slice of the Mistral client the OCR agent depends on.
type OCRClient interface {
	Recognize(ctx context.Context, path, contentType string) (mistral.Result, error)
	Ping(ctx context.Context) error
}

// OCRAgent extracts text via the external OCR provider. Provider rate limits
// and server faults are transient; malformed inputs are terminal. The shared
// throttle spaces calls across every worker, including the first call.
type OCRAgent struct {
	client   OCRClient
	throttle *Throttle
}

func NewOCRAgent(client OCRClient, throttle *Throttle) *OCRAgent {
	return &OCRAgent{client: client, throttle: throttle}
}

func (a *OCRAgent) Name() string { return "ocr-agent" }

func (a *OCRAgent) Stage() document.Stage { return document.StageOCR }

func (a *OCRAgent) HealthCheck(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("ocr client not configured")
	}
	return a.client.Ping(ctx)
}

func (a *OCRAgent) Execute(ctx context.Context, input Input) (json.RawMessage, error) {
	if input.Document == nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "execute", "document metadata missing", nil)
	}
	if err := a.throttle.Wait(ctx); err != nil {
		return nil, Wrap(ErrTransient, a.Stage().String(), "throttle", "", err)
	}

	result, err := a.client.Recognize(ctx, input.Document.StoragePath, input.Document.ContentType)
	if err != nil {
		switch {
		case errors.Is(err, mistral.ErrBadRequest):
			return nil, Wrap(ErrTerminal, a.Stage().String(), "recognize", "provider rejected document", err)
		case errors.Is(err, mistral.ErrRateLimited):
			return nil, Wrap(ErrTransient, a.Stage().String(), "recognize", "provider rate limit", err)
		default:
			return nil, Wrap(ErrTransient, a.Stage().String(), "recognize", "", err)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, Wrap(ErrTerminal, a.Stage().String(), "encode result", "", err)
	}
	return payload, nil
}
