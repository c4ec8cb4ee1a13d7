// Package web exposes the job façade over HTTP: JSON endpoints for job
// lifecycle operations and an SSE stream of per-job progress events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/service"
	"github.com/refinelab/refinery/internal/store"
)

// Server is the HTTP front end over the job service.
type Server struct {
	svc    *service.Service
	logger *zap.Logger
	addr   string
	http   *http.Server
}

// NewServer builds the server; Start binds it to host:port.
func NewServer(svc *service.Service, host string, port int, logger *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		addr:   fmt.Sprintf("%s:%d", host, port),
	}
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.routeJob)
	mux.HandleFunc("/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/queue/limit", s.handleQueueLimit)
	return mux
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.addr))
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

// routeJob dispatches /jobs/{id} and /jobs/{id}/{action}.
func (s *Server) routeJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleJobDetail(w, r, id)
	case len(parts) == 2 && parts[1] == "stream":
		s.handleJobStream(w, r, id)
	case len(parts) == 2 && parts[1] == "segments":
		s.handleJobSegments(w, r, id)
	case len(parts) == 2 && parts[1] == "changes":
		s.handleJobChanges(w, r, id)
	case len(parts) == 2 && parts[1] == "events":
		s.handleJobEvents(w, r, id)
	case len(parts) == 2 && parts[1] == "export":
		s.handleJobExport(w, r, id)
	case len(parts) == 2 && parts[1] == "retry":
		s.handleJobRetry(w, r, id)
	case len(parts) == 2 && parts[1] == "stop":
		s.handleJobStop(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnknownMode),
		errors.Is(err, service.ErrEmptyText),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrNotCompleted):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
