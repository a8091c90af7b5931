// Package httpapi exposes the service over REST plus SSE and WebSocket
// event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/auth"
	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/service"
	"github.com/stackbrowse/orchestrator/internal/store"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	svc      *service.Service
	verifier *auth.Verifier
	logger   *zap.Logger
	events   config.EventsConfig

	http *http.Server
}

// New builds the server with its routes mounted.
func New(svc *service.Service, verifier *auth.Verifier, cfg config.ServerConfig, events config.EventsConfig, logger *zap.Logger) *Server {
	s := &Server{
		svc:      svc,
		verifier: verifier,
		logger:   logger,
		events:   events,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/workflows", s.handleCreateWorkflow)
	api.HandleFunc("GET /api/v1/workflows", s.handleListWorkflows)
	api.HandleFunc("GET /api/v1/workflows/{id}", s.handleGetWorkflow)
	api.HandleFunc("DELETE /api/v1/workflows/{id}", s.handleArchiveWorkflow)
	api.HandleFunc("POST /api/v1/workflows/{id}/execute", s.handleExecuteWorkflow)
	api.HandleFunc("GET /api/v1/workflows/{id}/executions", s.handleListExecutions)
	api.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	api.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancelExecution)
	api.HandleFunc("GET /api/v1/executions/{id}/events", s.handleStreamSSE)
	api.HandleFunc("GET /api/v1/executions/{id}/ws", s.handleStreamWS)
	mux.Handle("/api/v1/", verifier.Middleware(api))

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewError(model.ErrInvalidDefinition, "malformed request body: %v", err))
		return
	}
	if owner := auth.Owner(r.Context()); owner != "" {
		req.OwnerID = owner
	}
	wf, err := s.svc.CreateWorkflow(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := auth.Owner(r.Context())
	if owner == "" {
		owner = q.Get("owner")
	}
	f := store.ListFilter{
		Status:        model.WorkflowStatus(q.Get("status")),
		TemplatesOnly: q.Get("templates") == "true",
		Limit:         intParam(q.Get("limit"), 50),
		Offset:        intParam(q.Get("offset"), 0),
	}
	wfs, err := s.svc.ListWorkflows(r.Context(), owner, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": wfs})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeOwner(w, r, wf.OwnerID) {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.svc.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeOwner(w, r, wf.OwnerID) {
		return
	}
	if err := s.svc.ArchiveWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs      model.JSONMap `json:"inputs"`
		TriggerType string        `json:"trigger_type"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, model.NewError(model.ErrInvalidDefinition, "malformed request body: %v", err))
			return
		}
	}
	ex, err := s.svc.ExecuteWorkflow(r.Context(), r.PathValue("id"), body.Inputs, body.TriggerType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 50)
	exs, err := s.svc.ListExecutions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": exs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelExecution(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// authorizeOwner enforces resource ownership when auth is enabled.
func (s *Server) authorizeOwner(w http.ResponseWriter, r *http.Request, ownerID string) bool {
	if !s.verifier.Enabled() {
		return true
	}
	if auth.Owner(r.Context()) != ownerID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not the resource owner"})
		return false
	}
	return true
}

// authorizeSubscriber checks the caller against the execution's owner
// before a stream is opened.
func (s *Server) authorizeSubscriber(w http.ResponseWriter, r *http.Request, executionID string) bool {
	if !s.verifier.Enabled() {
		return true
	}
	owner, err := s.svc.ExecutionOwner(r.Context(), executionID)
	if err != nil {
		writeError(w, err)
		return false
	}
	if auth.Owner(r.Context()) != owner {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not the execution owner"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e := model.AsError(err); e != nil {
		switch e.Kind {
		case model.ErrInvalidDefinition, model.ErrUnresolvedReference:
			status = http.StatusBadRequest
		case model.ErrNotFound:
			status = http.StatusNotFound
		case model.ErrStateConflict, model.ErrTerminal:
			status = http.StatusConflict
		case model.ErrRateLimited:
			status = http.StatusTooManyRequests
		case model.ErrStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"error": e.Message, "kind": e.Kind})
		return
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
