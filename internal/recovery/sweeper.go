package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/logging"
	"docpipe/internal/statestore"
	"docpipe/internal/taskqueue"
)

// ErrNotStuck reports a force-retry against a document that is terminal or
// still making progress under an un-acked task.
var ErrNotStuck = errors.New("document is not stuck")

// StuckPipeline is one admin-listing entry for a pipeline that stopped
// making progress.
type StuckPipeline struct {
	DocumentID    string         `json:"document_id"`
	Stage         document.Stage `json:"stage"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Age           time.Duration  `json:"age"`
	AutoRecovered bool           `json:"auto_recovered"`
	LastError     string         `json:"last_error,omitempty"`
}

// Sweeper detects pipelines abandoned by dead workers and re-enqueues them.
// A swept state is marked auto_recovered so the next sweep skips it until the
// pipeline progresses again; the orchestrator clears the mark on every
// transition.
type Sweeper struct {
	store     *statestore.Store
	queue     *taskqueue.Queue
	logger    *slog.Logger
	threshold time.Duration
	interval  time.Duration
	docTTL    time.Duration
}

// NewSweeper builds a sweeper from daemon configuration.
func NewSweeper(cfg *config.Config, store *statestore.Store, queue *taskqueue.Queue, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		queue:     queue,
		logger:    logging.NewComponentLogger(logger, "recovery-sweep"),
		threshold: cfg.StalenessThreshold(),
		interval:  time.Duration(cfg.Recovery.SweepIntervalSeconds) * time.Second,
		docTTL:    cfg.DocumentTTL(),
	}
}

// Run sweeps once at startup and then on every interval tick until the
// context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("startup sweep failed", logging.Error(err))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", logging.Error(err))
			}
		}
	}
}

// Sweep re-enqueues every stale pipeline and returns how many it recovered.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	states, err := s.scanStates(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	recovered := 0
	for _, candidate := range states {
		if !candidate.state.Stale(now, s.threshold) {
			continue
		}
		if err := s.recover(ctx, candidate); err != nil {
			s.logger.Warn("recovering pipeline failed",
				logging.String(logging.FieldDocumentID, candidate.state.DocumentID),
				logging.Error(err))
			continue
		}
		recovered++
		s.logger.Info("stale pipeline re-enqueued",
			logging.String(logging.FieldDocumentID, candidate.state.DocumentID),
			logging.String(logging.FieldStage, candidate.state.Stage.String()))
	}
	return recovered, nil
}

// ListStuck returns every non-terminal pipeline older than the staleness
// threshold, including ones already marked auto_recovered, so operators see
// the full backlog.
func (s *Sweeper) ListStuck(ctx context.Context) ([]StuckPipeline, error) {
	states, err := s.scanStates(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var stuck []StuckPipeline
	for _, candidate := range states {
		state := candidate.state
		if state.Stage.IsTerminal() {
			continue
		}
		age := now.Sub(state.UpdatedAt)
		if age <= s.threshold {
			continue
		}
		stuck = append(stuck, StuckPipeline{
			DocumentID:    state.DocumentID,
			Stage:         state.Stage,
			UpdatedAt:     state.UpdatedAt,
			Age:           age,
			AutoRecovered: state.AutoRecovered,
			LastError:     state.LastError,
		})
	}
	return stuck, nil
}

// ForceRetry re-enqueues one non-terminal pipeline regardless of age.
func (s *Sweeper) ForceRetry(ctx context.Context, documentID string) error {
	raw, err := s.store.Get(ctx, statestore.NamespaceApp, document.PipelineKey(documentID))
	if errors.Is(err, statestore.ErrNotFound) {
		return fmt.Errorf("%w: no pipeline state for %s", ErrNotStuck, documentID)
	}
	if err != nil {
		return err
	}
	var state document.PipelineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode pipeline state %s: %w", documentID, err)
	}
	if state.Stage.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotStuck, documentID, state.Stage)
	}
	return s.recover(ctx, stateSnapshot{state: &state, snapshot: raw})
}

type stateSnapshot struct {
	state    *document.PipelineState
	snapshot []byte
}

func (s *Sweeper) scanStates(ctx context.Context) ([]stateSnapshot, error) {
	entries, err := s.store.Scan(ctx, statestore.NamespaceApp, "pipeline:")
	if err != nil {
		return nil, err
	}
	states := make([]stateSnapshot, 0, len(entries))
	for _, entry := range entries {
		var state document.PipelineState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			s.logger.Warn("skipping undecodable pipeline state", logging.String("key", entry.Key), logging.Error(err))
			continue
		}
		states = append(states, stateSnapshot{state: &state, snapshot: entry.Value})
	}
	return states, nil
}

// recover enqueues a fresh task, then marks the state auto_recovered. The
// enqueue goes first: if the mark fails the state stays stale and the next
// sweep retries, where the duplicate enqueue is tolerated. Flagging first
// would strand the document when the enqueue fails, since flagged states
// are skipped by later sweeps.
func (s *Sweeper) recover(ctx context.Context, candidate stateSnapshot) error {
	if _, err := s.queue.Enqueue(ctx, candidate.state.DocumentID); err != nil && !errors.Is(err, taskqueue.ErrDuplicate) {
		return err
	}

	next := candidate.state.Clone()
	next.AutoRecovered = true
	next.AttemptCount++
	next.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode pipeline state: %w", err)
	}
	err = s.store.CompareAndSwap(ctx, statestore.NamespaceApp, document.PipelineKey(next.DocumentID), candidate.snapshot, encoded, s.docTTL)
	if errors.Is(err, statestore.ErrConflict) || errors.Is(err, statestore.ErrNotFound) {
		// The pipeline progressed between scan and swap; the task just
		// enqueued resolves as a cached no-op when a worker picks it up.
		return nil
	}
	return err
}
