package ingress

import (
	"encoding/json"
	"errors"
	"net/http"

	"docpipe/internal/webhook"
)

type registerWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

type updateWebhookRequest struct {
	Name   *string  `json:"name,omitempty"`
	URL    *string  `json:"url,omitempty"`
	Active *bool    `json:"active,omitempty"`
	Events []string `json:"events,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	sub, err := s.registry.Register(r.Context(), req.Name, req.URL, req.Events)
	if errors.Is(err, webhook.ErrInvalidSubscription) {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		s.writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	sub, err := s.registry.Apply(r.Context(), r.PathValue("id"), webhook.Update{
		Name:   req.Name,
		URL:    req.URL,
		Active: req.Active,
		Events: req.Events,
	})
	switch {
	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		s.writeError(w, http.StatusNotFound, "webhook not found")
	case errors.Is(err, webhook.ErrInvalidSubscription):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, sub)
	}
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Remove(r.Context(), r.PathValue("id"))
	if errors.Is(err, webhook.ErrSubscriptionNotFound) {
		s.writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}
