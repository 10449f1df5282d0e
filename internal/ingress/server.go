package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"docpipe/internal/config"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/recovery"
	"docpipe/internal/statestore"
	"docpipe/internal/taskqueue"
	"docpipe/internal/webhook"
)

// Server is the HTTP ingress: uploads, status and result reads, webhook
// subscription management, and the admin surface over stuck pipelines.
type Server struct {
	cfg          *config.Config
	store        *statestore.Store
	queue        *taskqueue.Queue
	orchestrator *pipeline.Orchestrator
	sweeper      *recovery.Sweeper
	registry     *webhook.Registry
	delivery     *webhook.Engine
	logger       *slog.Logger

	listener net.Listener
	server   *http.Server
}

// New wires the ingress server. It does not start listening; call Start.
func New(cfg *config.Config, store *statestore.Store, queue *taskqueue.Queue, orchestrator *pipeline.Orchestrator, sweeper *recovery.Sweeper, registry *webhook.Registry, delivery *webhook.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:          cfg,
		store:        store,
		queue:        queue,
		orchestrator: orchestrator,
		sweeper:      sweeper,
		registry:     registry,
		delivery:     delivery,
		logger:       logging.NewComponentLogger(logger, "ingress"),
	}
	srv.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the route table, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents", s.handleUpload)
	mux.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", s.handleDocumentStatus)
	mux.HandleFunc("GET /api/v1/documents/{id}/result", s.handleDocumentResult)

	mux.HandleFunc("POST /api/v1/webhooks", s.handleRegisterWebhook)
	mux.HandleFunc("GET /api/v1/webhooks", s.handleListWebhooks)
	mux.HandleFunc("GET /api/v1/webhooks/{id}", s.handleGetWebhook)
	mux.HandleFunc("PATCH /api/v1/webhooks/{id}", s.handleUpdateWebhook)
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.handleRemoveWebhook)

	mux.HandleFunc("GET /api/v1/admin/stuck", s.handleListStuck)
	mux.HandleFunc("POST /api/v1/admin/stuck/{id}/retry", s.handleForceRetry)
	mux.HandleFunc("GET /api/v1/admin/deadletters", s.handleDeadLetters)

	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start begins listening on the configured bind address and shuts down when
// the context ends.
func (s *Server) Start(ctx context.Context) error {
	bind := strings.TrimSpace(s.cfg.Paths.APIBind)
	if bind == "" {
		return errors.New("api bind address not configured")
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"state_store": "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		checks["state_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	healthy := status == http.StatusOK
	s.writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"checks":  checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
