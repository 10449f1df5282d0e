package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docpipe/internal/config"
	"docpipe/internal/document"
	"docpipe/internal/logging"
)

// Input carries everything an agent needs for one stage run. Previous holds
// the preceding stage's output; earlier outputs are reachable through State.
type Input struct {
	Document *document.Document
	Previous json.RawMessage
	State    *document.PipelineState
}

// Agent implements one pipeline stage. Execute must classify its failures
// with ErrTransient or ErrTerminal; transient errors are retried by the
// Runner and never reach the orchestrator. HealthCheck must be free of side
// effects.
type Agent interface {
	Name() string
	Stage() document.Stage
	Execute(ctx context.Context, input Input) (json.RawMessage, error)
	HealthCheck(ctx context.Context) error
}

// RetryPolicy bounds how an agent run retries transient failures. MaxRetries
// counts retries after the first attempt, so MaxRetries=3 yields at most four
// attempts. Timeout applies per attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

// PolicyFromConfig builds the shared retry policy from daemon configuration.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.Agents.MaxRetries,
		BaseDelay:  time.Duration(cfg.Agents.RetryBaseDelayMillis) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Agents.RetryMaxDelaySeconds) * time.Second,
		Timeout:    time.Duration(cfg.Agents.TimeoutSeconds) * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Timeout <= 0 {
		p.Timeout = 60 * time.Second
	}
	return p
}

// Runner executes agents under a retry policy. Retrying happens entirely
// inside Run; callers only ever see terminal errors.
type Runner struct {
	policy RetryPolicy
	logger *slog.Logger
}

// NewRunner builds a Runner. A nil logger is replaced with a no-op one.
func NewRunner(policy RetryPolicy, logger *slog.Logger) *Runner {
	return &Runner{
		policy: policy.normalized(),
		logger: logging.NewComponentLogger(logger, "agent-runner"),
	}
}

// Run invokes the agent with exponential backoff between transient failures.
// Each attempt gets its own timeout derived from the policy.
func (r *Runner) Run(ctx context.Context, a Agent, input Input) (json.RawMessage, error) {
	policy := r.policy
	attempt := 0

	operation := func() (json.RawMessage, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		output, err := a.Execute(attemptCtx, input)
		if err == nil {
			return output, nil
		}
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			err = Wrap(ErrTransient, a.Stage().String(), "execute", "attempt timed out", err)
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("agent attempt failed",
			logging.String(logging.FieldStage, a.Stage().String()),
			logging.Int("attempt", attempt),
			logging.Error(err))
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.MaxInterval = policy.MaxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	output, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxRetries)), ctx))
	if err != nil {
		if IsTransient(err) {
			err = Wrap(ErrTerminal, a.Stage().String(), "execute",
				fmt.Sprintf("retries exhausted after %d attempts", attempt), err)
		}
		return nil, err
	}
	return output, nil
}
