package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docpipe/internal/document"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/statestore"
	"docpipe/internal/taskqueue"
)

// uploadResponse is returned from a successful document upload.
type uploadResponse struct {
	DocumentID string `json:"document_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
}

// statusResponse is the PipelineState projection served to clients.
type statusResponse struct {
	DocumentID    string     `json:"document_id"`
	Stage         string     `json:"stage"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	AutoRecovered bool       `json:"auto_recovered"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadBytes()
	// Allow some slack for multipart framing; the per-file limit is enforced
	// again in saveUpload.
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds %d bytes", maxBytes))
			return
		}
		s.writeError(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !s.cfg.ExtensionAllowed(ext) {
		s.writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("extension %q not allowed", ext))
		return
	}

	documentID := uuid.NewString()
	storagePath := filepath.Join(s.cfg.Paths.UploadDir, documentID+ext)
	size, err := saveUpload(file, storagePath, maxBytes)
	if errors.Is(err, errUploadTooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", maxBytes))
		return
	}
	if err != nil {
		s.logger.Error("storing upload failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "storing upload failed")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	doc := document.Document{
		ID:          documentID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   size,
		StoragePath: storagePath,
		CreatedAt:   time.Now().UTC(),
	}

	task, err := s.admit(r, &doc)
	if err != nil {
		_ = os.Remove(storagePath)
		s.logger.Error("admitting document failed", logging.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "admitting document failed")
		return
	}

	s.logger.Info("document accepted",
		logging.String(logging.FieldDocumentID, documentID),
		logging.String(logging.FieldTaskID, task.ID),
		logging.Int64("size_bytes", size))
	s.writeJSON(w, http.StatusCreated, uploadResponse{
		DocumentID: documentID,
		TaskID:     task.ID,
		Status:     string(document.StageReceived),
	})
}

// admit persists the document record and its pipeline state, then enqueues
// the task. State goes in before the task so a worker can never dequeue a
// document it cannot load.
func (s *Server) admit(r *http.Request, doc *document.Document) (*taskqueue.Task, error) {
	ctx := r.Context()
	ttl := s.cfg.DocumentTTL()

	encodedDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := s.store.Put(ctx, statestore.NamespaceApp, document.DocumentKey(doc.ID), encodedDoc, ttl); err != nil {
		return nil, err
	}

	state := document.NewPipelineState(doc.ID, time.Now().UTC())
	encodedState, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline state: %w", err)
	}
	if err := s.store.Put(ctx, statestore.NamespaceApp, document.PipelineKey(doc.ID), encodedState, ttl); err != nil {
		return nil, err
	}

	return s.queue.Enqueue(ctx, doc.ID)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Scan(r.Context(), statestore.NamespaceApp, "pipeline:")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	statuses := make([]statusResponse, 0, len(entries))
	for _, entry := range entries {
		var state document.PipelineState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			continue
		}
		statuses = append(statuses, projectState(&state))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": statuses})
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	state, err := s.orchestrator.Status(r.Context(), documentID)
	if errors.Is(err, pipeline.ErrDocumentNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, projectState(state))
}

func (s *Server) handleDocumentResult(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	result, err := s.orchestrator.Result(r.Context(), documentID)
	switch {
	case errors.Is(err, pipeline.ErrDocumentNotFound):
		s.writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, pipeline.ErrResultNotReady):
		s.writeError(w, http.StatusConflict, "document has not completed processing")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, json.RawMessage(result))
	}
}

func projectState(state *document.PipelineState) statusResponse {
	return statusResponse{
		DocumentID:    state.DocumentID,
		Stage:         state.Stage.String(),
		StartedAt:     state.StartedAt,
		UpdatedAt:     state.UpdatedAt,
		CompletedAt:   state.CompletedAt,
		LastError:     state.LastError,
		AttemptCount:  state.AttemptCount,
		AutoRecovered: state.AutoRecovered,
	}
}

var errUploadTooLarge = errors.New("upload too large")

func saveUpload(src io.Reader, path string, maxBytes int64) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	size, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	if size > maxBytes {
		_ = os.Remove(path)
		return 0, errUploadTooLarge
	}
	return size, nil
}
