package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
	"github.com/hochfrequenz/task-orchestrator/web/api"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every gateway error
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler builds the gateway router
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(api.RequestLogger(s.logger))
	r.Use(api.MaxBodySize(maxBodyBytes))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitHandler)
		r.Get("/tasks/{id}/logs", s.logsHandler)
		r.Get("/users/{id}/usage", s.usageHandler)
		r.Post("/webhooks/task-complete", s.taskCompleteHandler)
		r.Post("/webhooks/log-chunk", s.logChunkHandler)
	})
	return r
}

// HTTPServer wraps the handler with production timeouts. Submissions wait
// on a worker health check and a dispatch, so the write timeout leaves room for both.
func (s *Service) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// readAll reads the body and puts it back for later readers
func readAll(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeErr maps service errors to HTTP responses
func writeErr(w http.ResponseWriter, err error) {
	var qerr *admission.QuotaError
	var werr *workers.WorkerError
	var derr *workers.DispatchError
	switch {
	case errors.As(err, &qerr):
		writeError(w, http.StatusTooManyRequests, string(qerr.Code), qerr.Error())
	case errors.As(err, &werr):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, werr.Code, werr.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ErrDuplicate), errors.Is(err, workers.ErrDuplicate):
		writeError(w, http.StatusConflict, "DUPLICATE", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &derr):
		writeError(w, http.StatusBadGateway, "DISPATCH_FAILED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

func (s *Service) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error())
		return
	}
	result, err := s.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Service) usageHandler(w http.ResponseWriter, r *http.Request) {
	usage, err := s.Usage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Service) logsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Dispatch(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	chunks, err := s.Logs(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

// verifyCallback authenticates an orchestrator callback with the secret
// issued at dispatch, then decodes the body into dst
func (s *Service) verifyCallback(w http.ResponseWriter, r *http.Request, dst any) (*domain.DispatchRecord, bool) {
	body, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "reading body: "+err.Error())
		return nil, false
	}
	var envelope struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.TaskID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "body must carry a taskId")
		return nil, false
	}
	rec, err := s.Dispatch(r.Context(), envelope.TaskID)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	if err := signing.VerifyWebhook(r, rec.WebhookSecret, body, s.now()); err != nil {
		s.logger.Warn("rejected callback", zap.String("task_id", rec.TaskID), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return nil, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error())
		return nil, false
	}
	return rec, true
}

func (s *Service) taskCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var c domain.TaskCompletion
	rec, ok := s.verifyCallback(w, r, &c)
	if !ok {
		return
	}
	if err := s.Complete(r.Context(), rec, c); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) logChunkHandler(w http.ResponseWriter, r *http.Request) {
	var chunk domain.LogChunk
	if _, ok := s.verifyCallback(w, r, &chunk); !ok {
		return
	}
	if err := s.StoreLogChunk(r.Context(), chunk); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
