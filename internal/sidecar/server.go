package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/howlerops/recursive-llm-go/sandbox"
)

// maxRequestBodySize limits incoming request bodies (64MB); contexts can be
// large.
const maxRequestBodySize = 64 << 20

// Server exposes a Manager over HTTP.
type Server struct {
	manager    *Manager
	logger     *slog.Logger
	router     *httprouter.Router
	httpServer *http.Server
	draining   atomic.Bool
}

// NewServer creates a server listening on addr.
func NewServer(addr string, manager *Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		logger:  logger,
		router:  httprouter.New(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.POST("/execute", s.handleExecute)
	s.router.GET("/sessions", s.handleListSessions)
	s.router.POST("/session", s.handleCreateSession)
	s.router.POST("/session/:id/execute", s.handleSessionExecute)
	s.router.DELETE("/session/:id", s.handleDeleteSession)
}

// Handler returns the routed handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("sandbox executor listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting work, drains in-flight requests and drops every
// session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	err := s.httpServer.Shutdown(ctx)
	s.manager.Close()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, sandbox.StatusResponse{Status: "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.draining.Load() || s.manager.Full() {
		writeJSON(w, http.StatusServiceUnavailable, sandbox.StatusResponse{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, sandbox.StatusResponse{Status: "ready"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	resp, err := s.manager.ExecuteStateless(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	id, err := s.manager.Create()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sandbox.CreateSessionResponse{SessionID: id})
}

func (s *Server) handleSessionExecute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req, ok := s.decodeExecute(w, r)
	if !ok {
		return
	}
	resp, err := s.manager.Execute(r.Context(), ps.ByName("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteSession always answers 200 so clients can destroy idempotently.
func (s *Server) handleDeleteSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.manager.Destroy(ps.ByName("id"))
	writeJSON(w, http.StatusOK, sandbox.StatusResponse{Status: "deleted"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, sandbox.SessionsResponse{Sessions: s.manager.List()})
}

func (s *Server) decodeExecute(w http.ResponseWriter, r *http.Request) (*sandbox.ExecuteRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, sandbox.ErrorResponse{Error: fmt.Sprintf("failed to read request body: %v", err)})
		return nil, false
	}
	if len(body) > maxRequestBodySize {
		writeJSON(w, http.StatusBadRequest, sandbox.ErrorResponse{Error: fmt.Sprintf("request body too large (max %d bytes)", maxRequestBodySize)})
		return nil, false
	}
	req, err := sandbox.DecodeExecuteRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, sandbox.ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return req, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAtCapacity), errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, sandbox.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
