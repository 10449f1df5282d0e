package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/document"
)

type scriptedAgent struct {
	stage    document.Stage
	execute  func(ctx context.Context, attempt int) (json.RawMessage, error)
	attempts int
}

func (s *scriptedAgent) Name() string { return "scripted-agent" }

func (s *scriptedAgent) Stage() document.Stage { return s.stage }

func (s *scriptedAgent) HealthCheck(ctx context.Context) error { return nil }

func (s *scriptedAgent) Execute(ctx context.Context, _ Input) (json.RawMessage, error) {
	s.attempts++
	return s.execute(ctx, s.attempts)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Timeout:    time.Second,
	}
}

func TestRunnerReturnsFirstSuccess(t *testing.T) {
	a := &scriptedAgent{
		stage: document.StageClassification,
		execute: func(context.Context, int) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	runner := NewRunner(fastPolicy(), nil)

	output, err := runner.Run(context.Background(), a, Input{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(output))
	assert.Equal(t, 1, a.attempts)
}

func TestRunnerMakesExactlyFourAttemptsAgainstPermanentFailure(t *testing.T) {
	a := &scriptedAgent{
		stage: document.StageOCR,
		execute: func(context.Context, int) (json.RawMessage, error) {
			return nil, Wrap(ErrTransient, "ocr", "recognize", "connection reset", nil)
		},
	}
	runner := NewRunner(fastPolicy(), nil)

	_, err := runner.Run(context.Background(), a, Input{})
	require.Error(t, err)
	assert.Equal(t, 4, a.attempts)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.False(t, IsTransient(err))
}

func TestRunnerRecoversWithinRetryBudget(t *testing.T) {
	a := &scriptedAgent{
		stage: document.StageOCR,
		execute: func(_ context.Context, attempt int) (json.RawMessage, error) {
			if attempt < 3 {
				return nil, Wrap(ErrTransient, "ocr", "recognize", "rate limit", nil)
			}
			return json.RawMessage(`{"text":"ok"}`), nil
		},
	}
	runner := NewRunner(fastPolicy(), nil)

	output, err := runner.Run(context.Background(), a, Input{})
	require.NoError(t, err)
	assert.Equal(t, 3, a.attempts)
	assert.NotNil(t, output)
}

func TestRunnerStopsImmediatelyOnTerminalError(t *testing.T) {
	a := &scriptedAgent{
		stage: document.StageValidation,
		execute: func(context.Context, int) (json.RawMessage, error) {
			return nil, Wrap(ErrTerminal, "validation", "execute", "malformed input", nil)
		},
	}
	runner := NewRunner(fastPolicy(), nil)

	_, err := runner.Run(context.Background(), a, Input{})
	require.Error(t, err)
	assert.Equal(t, 1, a.attempts)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestRunnerAppliesPerAttemptTimeout(t *testing.T) {
	policy := fastPolicy()
	policy.Timeout = 10 * time.Millisecond
	policy.MaxRetries = 1

	a := &scriptedAgent{
		stage: document.StageOCR,
		execute: func(ctx context.Context, _ int) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	runner := NewRunner(policy, nil)

	start := time.Now()
	_, err := runner.Run(context.Background(), a, Input{})
	require.Error(t, err)
	assert.Equal(t, 2, a.attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunnerHonorsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedAgent{
		stage: document.StageOCR,
		execute: func(context.Context, int) (json.RawMessage, error) {
			cancel()
			return nil, Wrap(ErrTransient, "ocr", "recognize", "flaky", nil)
		},
	}
	runner := NewRunner(fastPolicy(), nil)

	_, err := runner.Run(ctx, a, Input{})
	require.Error(t, err)
	assert.Equal(t, 1, a.attempts)
}

func TestIsTransientClassification(t *testing.T) {
	assert.True(t, IsTransient(errors.New("untagged")))
	assert.True(t, IsTransient(Wrap(ErrTransient, "ocr", "", "", nil)))
	assert.False(t, IsTransient(Wrap(ErrTerminal, "ocr", "", "", nil)))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}
