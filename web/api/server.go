// Package api is the orchestrator's HTTP surface: signed dispatch and
// operator endpoints, worker callbacks signed with the per-task secret, and
// health and metrics for the gateway's selector.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
	"github.com/hochfrequenz/task-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

const maxBodyBytes = 1 << 20

// Orchestrator is what the HTTP layer drives
type Orchestrator interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Task, error)
	Complete(ctx context.Context, c domain.TaskCompletion) error
	Cancel(ctx context.Context, id, reason string) (*domain.Task, error)
	Retry(ctx context.Context, id string) (*domain.Task, error)
	Heartbeat(ctx context.Context, id string) error
	ApplyLogChunk(ctx context.Context, chunk domain.LogChunk) error
	Task(id string) (*domain.Task, error)
	Tasks(status domain.TaskStatus) []*domain.Task
	Health() domain.HealthReport
	SubscribeLogs(taskID string) (<-chan domain.LogChunk, func())
	ReadLog(taskID string) ([]byte, error)
	LogBacklog(taskID string) ([]byte, int64, error)
}

// Server is the HTTP API server
type Server struct {
	orch     Orchestrator
	verifier *signing.DispatchVerifier
	logger   *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates the server. verifier authenticates dispatch and
// operator requests.
func NewServer(orch Orchestrator, verifier *signing.DispatchVerifier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:     orch,
		verifier: verifier,
		logger:   logger.Named("api"),
		now:      time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(MaxBodySize(maxBodyBytes))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireDispatchSignature)
		r.Post("/tasks", s.submitHandler)
		r.Get("/tasks", s.listTasksHandler)
		r.Get("/tasks/{id}", s.getTaskHandler)
		r.Post("/tasks/{id}/cancel", s.cancelHandler)
		r.Post("/tasks/{id}/retry", s.retryHandler)
		r.Get("/tasks/{id}/logs", s.logsHandler)
		r.Get("/tasks/{id}/logs/stream", s.streamLogsHandler)
	})

	r.Route("/internal/webhooks", func(r chi.Router) {
		r.Post("/task-complete", s.taskCompleteHandler)
		r.Post("/log-chunk", s.logChunkHandler)
		r.Post("/heartbeat", s.heartbeatHandler)
	})

	s.router = r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the handler with the timeouts used in production
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorBody{Error: message, Code: errCode})
}

// writeErr maps domain errors to HTTP responses
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, "INVALID_TASK", err.Error())
	case errors.Is(err, orchestrator.ErrDuplicate):
		writeError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, orchestrator.ErrNoCapacity):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "NO_CAPACITY", err.Error())
	case errors.Is(err, orchestrator.ErrNotAccepting):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "NOT_ACCEPTING", err.Error())
	case errors.Is(err, orchestrator.ErrLogGap):
		writeError(w, http.StatusUnprocessableEntity, "LOG_GAP", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
