package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docpipe/internal/agent"
	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/logging"
	"docpipe/internal/statestore"
)

var (
	// ErrConcurrentRun reports that another worker advanced the pipeline
	// state while this run held a stale snapshot. The losing run must stop.
	ErrConcurrentRun = errors.New("pipeline advanced by another worker")
	// ErrDocumentNotFound reports a run against an unknown document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrResultNotReady reports a result read before the pipeline completed.
	ErrResultNotReady = errors.New("result not ready")
)

// Orchestrator drives one document through the fixed stage sequence,
// persisting every transition with compare-and-swap. The CAS on the
// serialized state doubles as the single-writer guard: a recovered worker
// racing a still-running one loses the swap and stops.
type Orchestrator struct {
	store     *statestore.Store
	registry  *agent.Registry
	runner    *agent.Runner
	logger    *slog.Logger
	docTTL    time.Duration
	resultTTL time.Duration
}

// New builds an orchestrator from daemon configuration.
func New(cfg *config.Config, store *statestore.Store, registry *agent.Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		registry:  registry,
		runner:    agent.NewRunner(agent.PolicyFromConfig(cfg), logger),
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		docTTL:    cfg.DocumentTTL(),
		resultTTL: cfg.JobTTL(),
	}
}

// Run executes the pipeline for one document and returns the final state.
// Running an already-completed document is a no-op returning the cached
// state; running a failed one restarts from the beginning with a fresh
// attempt count.
func (o *Orchestrator) Run(ctx context.Context, documentID string) (*document.PipelineState, error) {
	ctx = logging.WithDocumentID(ctx, documentID)
	log := logging.WithContext(ctx, o.logger)

	doc, err := o.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	state, snapshot, err := o.loadState(ctx, documentID)
	if err != nil {
		return nil, err
	}

	switch state.Stage {
	case document.StageCompleted:
		log.Info("pipeline already completed, returning cached result")
		return state, nil
	case document.StageFailed:
		log.Info("restarting failed pipeline")
		state, snapshot, err = o.restart(ctx, state, snapshot)
		if err != nil {
			return nil, err
		}
	}

	// A stage marker without a stored result means a worker died between
	// claiming the stage and persisting its output. The marker records
	// in-progress, not done, so the stage runs again before advancing.
	if stage := state.Stage; stage != document.StageReceived && !stage.IsTerminal() && state.Result(stage) == nil {
		log.Info("resuming interrupted stage", logging.String(logging.FieldStage, stage.String()))
		var done bool
		state, snapshot, done, err = o.runStage(ctx, doc, state, snapshot, stage, log)
		if done || err != nil {
			return state, err
		}
	}

	for {
		nextStage, ok := state.Stage.Next()
		if !ok {
			break
		}
		if nextStage == document.StageCompleted {
			return o.complete(ctx, state, snapshot)
		}

		state, snapshot, err = o.transition(ctx, state, snapshot, func(next *document.PipelineState) {
			next.Stage = nextStage
		})
		if err != nil {
			return nil, err
		}
		log.Info("stage started", logging.String(logging.FieldStage, nextStage.String()))

		var done bool
		state, snapshot, done, err = o.runStage(ctx, doc, state, snapshot, nextStage, log)
		if done || err != nil {
			return state, err
		}
	}
	return state, nil
}

// runStage executes the agent for stage and persists its output. On a
// terminal agent error the pipeline is moved to failed and done is true;
// Run must return the state it gets back.
func (o *Orchestrator) runStage(ctx context.Context, doc *document.Document, state *document.PipelineState, snapshot []byte, stage document.Stage, log *slog.Logger) (*document.PipelineState, []byte, bool, error) {
	stageAgent, err := o.registry.ForStage(stage)
	if err != nil {
		return nil, nil, false, err
	}

	input := agent.Input{
		Document: doc,
		Previous: previousOutput(state),
		State:    state,
	}
	output, runErr := o.runner.Run(logging.WithStage(ctx, stage.String()), stageAgent, input)
	if runErr != nil {
		failed, failErr := o.fail(ctx, state, snapshot, runErr)
		return failed, nil, true, failErr
	}

	state, snapshot, err = o.transition(ctx, state, snapshot, func(next *document.PipelineState) {
		next.SetResult(stage, output)
	})
	if err != nil {
		return nil, nil, false, err
	}
	log.Info("stage finished", logging.String(logging.FieldStage, stage.String()))
	return state, snapshot, false, nil
}

// Status returns the current pipeline state for a document.
func (o *Orchestrator) Status(ctx context.Context, documentID string) (*document.PipelineState, error) {
	state, _, err := o.loadState(ctx, documentID)
	return state, err
}

// Result returns the structured output for a completed document. Reading
// before completion reports ErrResultNotReady.
func (o *Orchestrator) Result(ctx context.Context, documentID string) (json.RawMessage, error) {
	if cached, err := o.store.Get(ctx, statestore.NamespaceJobs, ResultKey(documentID)); err == nil {
		return cached, nil
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}

	state, _, err := o.loadState(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if state.Stage != document.StageCompleted {
		return nil, fmt.Errorf("%w: document %s in stage %s", ErrResultNotReady, documentID, state.Stage)
	}
	result := state.Result(document.StageValidation)
	if result == nil {
		return nil, fmt.Errorf("%w: completed document %s has no stored result", ErrResultNotReady, documentID)
	}
	return result, nil
}

// ResultKey is the jobs-namespace key caching a completed document's output.
func ResultKey(documentID string) string {
	return "result:" + documentID
}

func (o *Orchestrator) loadDocument(ctx context.Context, documentID string) (*document.Document, error) {
	raw, err := o.store.Get(ctx, statestore.NamespaceApp, document.DocumentKey(documentID))
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", documentID, err)
	}
	return &doc, nil
}

func (o *Orchestrator) loadState(ctx context.Context, documentID string) (*document.PipelineState, []byte, error) {
	raw, err := o.store.Get(ctx, statestore.NamespaceApp, document.PipelineKey(documentID))
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: pipeline state for %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, nil, err
	}
	var state document.PipelineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, nil, fmt.Errorf("decode pipeline state %s: %w", documentID, err)
	}
	return &state, raw, nil
}

// transition applies mutate to a copy of the state and swaps it in against
// the held snapshot. Losing the swap means another worker owns the pipeline.
func (o *Orchestrator) transition(ctx context.Context, state *document.PipelineState, snapshot []byte, mutate func(*document.PipelineState)) (*document.PipelineState, []byte, error) {
	next := state.Clone()
	mutate(next)
	next.UpdatedAt = time.Now().UTC()
	next.AutoRecovered = false

	if next.Stage != state.Stage && !state.Stage.CanTransition(next.Stage) {
		return nil, nil, fmt.Errorf("illegal transition %s -> %s for %s", state.Stage, next.Stage, state.DocumentID)
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, nil, fmt.Errorf("encode pipeline state %s: %w", next.DocumentID, err)
	}
	err = o.store.CompareAndSwap(ctx, statestore.NamespaceApp, document.PipelineKey(next.DocumentID), snapshot, encoded, o.docTTL)
	if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConcurrentRun, next.DocumentID)
	}
	if err != nil {
		return nil, nil, err
	}
	return next, encoded, nil
}

func (o *Orchestrator) restart(ctx context.Context, state *document.PipelineState, snapshot []byte) (*document.PipelineState, []byte, error) {
	fresh := document.NewPipelineState(state.DocumentID, time.Now().UTC())
	encoded, err := json.Marshal(fresh)
	if err != nil {
		return nil, nil, fmt.Errorf("encode pipeline state %s: %w", state.DocumentID, err)
	}
	err = o.store.CompareAndSwap(ctx, statestore.NamespaceApp, document.PipelineKey(state.DocumentID), snapshot, encoded, o.docTTL)
	if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConcurrentRun, state.DocumentID)
	}
	if err != nil {
		return nil, nil, err
	}
	return fresh, encoded, nil
}

func (o *Orchestrator) complete(ctx context.Context, state *document.PipelineState, snapshot []byte) (*document.PipelineState, error) {
	result := state.Result(document.StageValidation)
	now := time.Now().UTC()
	final, _, err := o.transition(ctx, state, snapshot, func(next *document.PipelineState) {
		next.Stage = document.StageCompleted
		next.CompletedAt = &now
		next.LastError = ""
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		if err := o.store.Put(ctx, statestore.NamespaceJobs, ResultKey(state.DocumentID), result, o.resultTTL); err != nil {
			logging.WithContext(ctx, o.logger).Warn("caching result failed", logging.Error(err))
		}
	}
	logging.WithContext(ctx, o.logger).Info("pipeline completed",
		logging.String(logging.FieldDocumentID, state.DocumentID))
	return final, nil
}

func (o *Orchestrator) fail(ctx context.Context, state *document.PipelineState, snapshot []byte, cause error) (*document.PipelineState, error) {
	now := time.Now().UTC()
	final, _, err := o.transition(ctx, state, snapshot, func(next *document.PipelineState) {
		next.Stage = document.StageFailed
		next.CompletedAt = &now
		next.LastError = cause.Error()
	})
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx, o.logger).Error("pipeline failed",
		logging.String(logging.FieldDocumentID, state.DocumentID),
		logging.Error(cause))
	return final, nil
}

func previousOutput(state *document.PipelineState) json.RawMessage {
	stage := state.Stage
	for {
		prev, ok := previousStage(stage)
		if !ok {
			return nil
		}
		if output := state.Result(prev); output != nil {
			return output
		}
		stage = prev
	}
}

func previousStage(stage document.Stage) (document.Stage, bool) {
	var prev document.Stage
	for _, candidate := range document.Stages() {
		if candidate == stage {
			if prev == "" {
				return "", false
			}
			return prev, true
		}
		prev = candidate
	}
	return "", false
}
