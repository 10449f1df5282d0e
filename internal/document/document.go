package document

import (
	"encoding/json"
	"time"
)

// Document is the immutable record of one uploaded file. The payload itself
// lives on disk at StoragePath; only this metadata enters the state store.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// PipelineState is the persisted progress record for one document's run.
// Exactly one exists per document and only the orchestrator writes it.
type PipelineState struct {
	DocumentID    string                     `json:"document_id"`
	Stage         Stage                      `json:"stage"`
	StartedAt     time.Time                  `json:"started_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
	LastError     string                     `json:"last_error,omitempty"`
	AttemptCount  int                        `json:"attempt_count"`
	AutoRecovered bool                       `json:"auto_recovered"`
	Results       map[string]json.RawMessage `json:"results,omitempty"`
}

// NewPipelineState seeds the record at enqueue time, before any agent runs.
func NewPipelineState(documentID string, now time.Time) *PipelineState {
	return &PipelineState{
		DocumentID:   documentID,
		Stage:        StageReceived,
		StartedAt:    now,
		UpdatedAt:    now,
		AttemptCount: 1,
		Results:      map[string]json.RawMessage{},
	}
}

// Result returns the stored output of one stage, or nil when the stage has
// not produced output yet.
func (p *PipelineState) Result(stage Stage) json.RawMessage {
	if p == nil || p.Results == nil {
		return nil
	}
	return p.Results[string(stage)]
}

// SetResult records a stage's output on the state.
func (p *PipelineState) SetResult(stage Stage, output json.RawMessage) {
	if p.Results == nil {
		p.Results = map[string]json.RawMessage{}
	}
	p.Results[string(stage)] = output
}

// Clone returns a deep copy so callers can build a CAS "next" value without
// mutating the snapshot they compare against.
func (p *PipelineState) Clone() *PipelineState {
	if p == nil {
		return nil
	}
	next := *p
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		next.CompletedAt = &ts
	}
	if p.Results != nil {
		next.Results = make(map[string]json.RawMessage, len(p.Results))
		for stage, output := range p.Results {
			next.Results[stage] = append(json.RawMessage(nil), output...)
		}
	}
	return &next
}

// Stale reports whether a non-terminal state has not progressed within the
// threshold. Auto-recovered states are excluded until they progress again.
func (p *PipelineState) Stale(now time.Time, threshold time.Duration) bool {
	if p == nil || p.Stage.IsTerminal() || p.AutoRecovered {
		return false
	}
	return now.Sub(p.UpdatedAt) > threshold
}

// DocumentKey is the app-namespace key holding a document record.
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

// PipelineKey is the app-namespace key holding a pipeline state record.
func PipelineKey(documentID string) string {
	return "pipeline:" + documentID
}
