package agent

import (
	"context"
	"fmt"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/services/mistral"
	"docpipe/internal/statestore"
)

// ThrottleKeyOCR is the shared throttle slot for the OCR provider.
const ThrottleKeyOCR = "ocr:last_call"

// Registry holds the stage agents in execution order.
type Registry struct {
	agents map[document.Stage]Agent
}

// NewRegistry wires the default agent set from configuration. The store is
// needed for the cross-worker OCR throttle.
func NewRegistry(cfg *config.Config, store *statestore.Store) *Registry {
	ocrClient := mistral.NewClient(cfg.OCR.APIKey,
		mistral.WithBaseURL(cfg.OCR.BaseURL),
		mistral.WithModel(cfg.OCR.Model),
	)
	throttle := NewThrottle(store, ThrottleKeyOCR,
		time.Duration(cfg.OCR.RateLimitDelayMillis)*time.Millisecond)

	registry := &Registry{agents: map[document.Stage]Agent{}}
	registry.Register(NewClassificationAgent())
	registry.Register(NewOCRAgent(ocrClient, throttle))
	registry.Register(NewAnalysisAgent(cfg.OCR.ConfidenceThreshold))
	registry.Register(NewSchemaGenAgent())
	registry.Register(NewValidationAgent(cfg.Validation.StrictMode))
	return registry
}

// NewEmptyRegistry builds a registry without agents, for tests that register
// their own.
func NewEmptyRegistry() *Registry {
	return &Registry{agents: map[document.Stage]Agent{}}
}

// Register binds an agent to its stage, replacing any previous binding.
func (r *Registry) Register(a Agent) {
	r.agents[a.Stage()] = a
}

// ForStage returns the agent bound to a stage.
func (r *Registry) ForStage(stage document.Stage) (Agent, error) {
	a, ok := r.agents[stage]
	if !ok {
		return nil, fmt.Errorf("no agent registered for stage %s", stage)
	}
	return a, nil
}

// HealthCheck probes every registered agent and returns the first failure.
func (r *Registry) HealthCheck(ctx context.Context) error {
	for _, stage := range document.ProcessingStages() {
		a, ok := r.agents[stage]
		if !ok {
			continue
		}
		if err := a.HealthCheck(ctx); err != nil {
			return fmt.Errorf("agent %s: %w", a.Name(), err)
		}
	}
	return nil
}
