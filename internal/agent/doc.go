// Package agent defines the capability adapters that implement pipeline
// stages, the retry/timeout Runner that wraps them, and the error taxonomy
// separating retryable from terminal failures.
//
// Transient errors never escape the Runner; the orchestrator only ever sees
// successful output or a terminal error.
package agent
