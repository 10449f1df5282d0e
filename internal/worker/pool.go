package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/taskqueue"
	"docpipe/internal/webhook"
)

// Pool runs a fixed number of workers pulling from the task queue. Each
// worker drives exactly one pipeline at a time, so pool size bounds
// concurrent pipeline runs.
type Pool struct {
	queue        *taskqueue.Queue
	orchestrator *pipeline.Orchestrator
	delivery     *webhook.Engine
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	errorRetry   time.Duration
}

// NewPool builds a worker pool from daemon configuration.
func NewPool(cfg *config.Config, queue *taskqueue.Queue, orchestrator *pipeline.Orchestrator, delivery *webhook.Engine, logger *slog.Logger) *Pool {
	workers := cfg.Workers.Count
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:        queue,
		orchestrator: orchestrator,
		delivery:     delivery,
		logger:       logging.NewComponentLogger(logger, "worker-pool"),
		workers:      workers,
		pollInterval: time.Duration(cfg.Workers.PollIntervalSeconds) * time.Second,
		errorRetry:   time.Duration(cfg.Workers.ErrorRetryIntervalSeconds) * time.Second,
	}
}

// Run blocks until the context ends, keeping every worker polling.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		group.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	return group.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	log := p.logger.With(logging.String("worker_id", workerID))
	log.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			log.Info("worker stopping")
			return err
		}

		task, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			log.Error("dequeue failed", logging.Error(err))
			if !sleep(ctx, p.errorRetry) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if !sleep(ctx, p.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		p.process(ctx, log, task)
	}
}

// process runs one pipeline to its end. The task is acked only after the
// terminal event dispatch, so a crash anywhere in between leads to
// redelivery rather than lost work.
func (p *Pool) process(ctx context.Context, log *slog.Logger, task *taskqueue.Task) {
	ctx = logging.WithDocumentID(logging.WithTaskID(ctx, task.ID), task.DocumentID)
	log = logging.WithContext(ctx, log)
	log.Info("task dequeued", logging.Int("delivery", task.Deliveries))

	state, err := p.orchestrator.Run(ctx, task.DocumentID)
	switch {
	case errors.Is(err, pipeline.ErrConcurrentRun):
		// Another worker owns this pipeline. Leave the task un-acked; the
		// visibility timeout will redeliver it once the owner is done or dead.
		log.Warn("pipeline owned by another worker, leaving task for redelivery")
		return
	case errors.Is(err, pipeline.ErrDocumentNotFound):
		log.Error("task references unknown document, dropping", logging.Error(err))
		p.ack(ctx, log, task)
		return
	case err != nil:
		log.Error("pipeline run failed, leaving task for redelivery", logging.Error(err))
		return
	}

	if state.Stage.IsTerminal() {
		if err := p.dispatchTerminal(ctx, state); err != nil {
			// Leave un-acked so the redelivered task retries the fan-out.
			log.Error("event dispatch failed, leaving task for redelivery", logging.Error(err))
			return
		}
	}
	p.ack(ctx, log, task)
}

func (p *Pool) dispatchTerminal(ctx context.Context, state *document.PipelineState) error {
	payload := webhook.Payload{
		Timestamp:  time.Now().UTC(),
		DocumentID: state.DocumentID,
	}
	switch state.Stage {
	case document.StageCompleted:
		payload.Event = webhook.EventDocumentCompleted
		payload.Result = state.Result(document.StageValidation)
	case document.StageFailed:
		payload.Event = webhook.EventDocumentFailed
		payload.Error = state.LastError
	default:
		return fmt.Errorf("dispatch for non-terminal stage %s", state.Stage)
	}
	return p.delivery.DispatchOnce(ctx, payload)
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, task *taskqueue.Task) {
	err := p.queue.Ack(ctx, task)
	switch {
	case errors.Is(err, taskqueue.ErrNotOwned):
		log.Warn("ack rejected, task was redelivered", logging.Error(err))
	case err != nil:
		log.Error("ack failed", logging.Error(err))
	default:
		log.Info("task acked")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
