package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

// publicTask strips the per-task webhook secret from API responses
func publicTask(t *domain.Task) *domain.Task {
	if t == nil {
		return nil
	}
	c := t.Clone()
	c.WebhookSecret = ""
	return c
}

// healthHandler reports capacity; the gateway treats non-2xx as unavailable
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.orch.Health()
	status := http.StatusOK
	if !report.Status.AcceptsWork() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body: "+err.Error())
		return
	}
	task, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		if !errors.Is(err, orchestrator.ErrDuplicate) && !errors.Is(err, orchestrator.ErrNoCapacity) {
			s.logger.Warn("submit rejected", zap.String("task_id", req.TaskID), zap.Error(err))
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicTask(task))
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status "+string(status))
		return
	}
	tasks := s.orch.Tasks(status)
	out := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, publicTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Task(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicTask(task))
}

// cancelRequest is the optional body of POST /tasks/{id}/cancel
type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	// The body is optional, and a chunked empty body has no ContentLength
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	task, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicTask(task))
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicTask(task))
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	data, err := s.orch.ReadLog(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ─── Worker callbacks ───────────────────────────────────────────────────────

// verifyCallback authenticates a worker callback with the secret of the task
// named in its body. It writes the error response and returns false on failure.
func (s *Server) verifyCallback(w http.ResponseWriter, r *http.Request, dst any) (taskID string, ok bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "reading body: "+err.Error())
		return "", false
	}
	var envelope struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.TaskID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must carry a taskId")
		return "", false
	}
	task, err := s.orch.Task(envelope.TaskID)
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	if err := signing.VerifyWebhook(r, task.WebhookSecret, body, s.now()); err != nil {
		s.logger.Warn("rejected callback", zap.String("task_id", envelope.TaskID), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return "", false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body: "+err.Error())
		return "", false
	}
	return envelope.TaskID, true
}

func (s *Server) taskCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var c domain.TaskCompletion
	if _, ok := s.verifyCallback(w, r, &c); !ok {
		return
	}
	if err := s.orch.Complete(r.Context(), c); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logChunkHandler(w http.ResponseWriter, r *http.Request) {
	var chunk domain.LogChunk
	if _, ok := s.verifyCallback(w, r, &chunk); !ok {
		return
	}
	if err := s.orch.ApplyLogChunk(r.Context(), chunk); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var hb struct {
		TaskID string `json:"taskId"`
	}
	id, ok := s.verifyCallback(w, r, &hb)
	if !ok {
		return
	}
	if err := s.orch.Heartbeat(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
