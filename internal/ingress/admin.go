package ingress

import (
	"errors"
	"net/http"

	"docpipe/internal/recovery"
)

func (s *Server) handleListStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.sweeper.ListStuck(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stuck": stuck})
}

func (s *Server) handleForceRetry(w http.ResponseWriter, r *http.Request) {
	err := s.sweeper.ForceRetry(r.Context(), r.PathValue("id"))
	if errors.Is(err, recovery.ErrNotStuck) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "re-enqueued"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.delivery.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}
