package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/usagestore"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
)

const dispatchSecret = "dispatch-secret"

// fakeWorker is an orchestrator that checks dispatch signatures
type fakeWorker struct {
	mu         sync.Mutex
	available  int
	dispatch   int
	dispatched []workers.DispatchRequest
	cancelled  []string
	srv        *httptest.Server
}

func newFakeWorker(t *testing.T, available int) *fakeWorker {
	t.Helper()
	verifier := signing.NewDispatchVerifier(signing.NewSigner(dispatchSecret), time.Minute)
	fw := &fakeWorker{available: available, dispatch: http.StatusCreated}
	fw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		switch {
		case r.URL.Path == "/health":
			json.NewEncoder(w).Encode(domain.HealthReport{
				Status: domain.OrchestratorReady, Capacity: 2, Running: 2 - fw.available, Available: fw.available,
			})
		case r.URL.Path == "/tasks":
			body, _ := io.ReadAll(r.Body)
			if err := verifier.VerifyRequest(r, body); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req workers.DispatchRequest
			json.Unmarshal(body, &req)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(fw.dispatch)
			if fw.dispatch != http.StatusCreated {
				json.NewEncoder(w).Encode(map[string]string{"error": "boom", "code": "INTERNAL"})
				return
			}
			fw.dispatched = append(fw.dispatched, req)
			json.NewEncoder(w).Encode(domain.Task{ID: req.TaskID, Status: domain.StatusQueued})
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			fw.cancelled = append(fw.cancelled, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/cancel"))
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWorker) lastDispatch(t *testing.T) workers.DispatchRequest {
	t.Helper()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	require.NotEmpty(t, fw.dispatched)
	return fw.dispatched[len(fw.dispatched)-1]
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []domain.TaskCompletion
	failed    []domain.TaskCompletion
}

func (n *recordingNotifier) NotifyTaskComplete(_ context.Context, c domain.TaskCompletion) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, c)
}

func (n *recordingNotifier) NotifyTaskFailed(_ context.Context, c domain.TaskCompletion) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, c)
}

type harness struct {
	svc      *Service
	store    *usagestore.SQLite
	mac, vm  *fakeWorker
	notifier *recordingNotifier
	handler  http.Handler
}

func newHarness(t *testing.T, limits admission.Limits) *harness {
	t.Helper()
	store, err := usagestore.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mac := newFakeWorker(t, 2)
	vm := newFakeWorker(t, 2)
	pool := []domain.WorkerConfig{
		{Name: "vm", Location: domain.LocationVM, BaseURL: vm.srv.URL, Capacity: 2},
		{Name: "mac", Location: domain.LocationMac, BaseURL: mac.srv.URL, Capacity: 2},
	}
	notifier := &recordingNotifier{}
	svc := New(Deps{
		Admission:            admission.NewController(store, limits, nil),
		Selector:             workers.NewSelector(pool, nil),
		Client:               workers.NewClient(signing.NewSigner(dispatchSecret), nil),
		Dispatches:           store,
		Logs:                 store,
		Notifier:             notifier,
		PublicURL:            "https://gw.example.com/",
		DefaultEstimatedCost: 1.0,
		Version:              "test",
	})
	return &harness{svc: svc, store: store, mac: mac, vm: vm, notifier: notifier, handler: svc.Handler()}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) submit(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return h.do(t, req)
}

func (h *harness) callback(t *testing.T, path, secret string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, signing.SignWebhook(req, secret, raw, time.Now()))
	return h.do(t, req)
}

func (h *harness) usage(t *testing.T, userID string) domain.UserUsage {
	t.Helper()
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/users/"+userID+"/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var u domain.UserUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	return u
}

func task(userID string) map[string]any {
	return map[string]any{"userId": userID, "workerType": "opus", "prompt": "fix the flaky test"}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmit_DispatchesToMac(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())

	rec := h.submit(t, task("u1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var result SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "mac", result.Worker)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, domain.StatusQueued, result.Status)

	sent := h.mac.lastDispatch(t)
	assert.Equal(t, result.TaskID, sent.TaskID)
	assert.Equal(t, "https://gw.example.com/v1/webhooks/task-complete", sent.WebhookURL)
	assert.Equal(t, "https://gw.example.com/v1/webhooks/log-chunk", sent.LogWebhookURL)
	assert.NotEmpty(t, sent.WebhookSecret)

	stored, err := h.store.GetDispatch(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
	assert.Equal(t, "mac", stored.Worker)
	assert.Equal(t, sent.WebhookSecret, stored.WebhookSecret)

	u := h.usage(t, "u1")
	assert.Equal(t, 1, u.ConcurrentTasks)
	assert.Equal(t, 1, u.TasksThisHour)
	assert.InDelta(t, 1.0, u.CostToday, 1e-9)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())

	for name, body := range map[string]map[string]any{
		"no user":     {"workerType": "opus", "prompt": "x"},
		"bad worker":  {"userId": "u1", "workerType": "gpt", "prompt": "x"},
		"no prompt":   {"userId": "u1", "workerType": "opus", "prompt": "  "},
		"bad task id": {"userId": "u1", "workerType": "opus", "prompt": "x", "taskId": "../etc"},
	} {
		rec := h.submit(t, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code, name)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)
}

func TestSubmit_QuotaRejected(t *testing.T) {
	limits := admission.DefaultLimits()
	limits.MaxConcurrent = 1
	h := newHarness(t, limits)

	require.Equal(t, http.StatusAccepted, h.submit(t, task("u1")).Code)

	rec := h.submit(t, task("u1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(admission.CodeConcurrencyLimit), body.Code)
	assert.NotEmpty(t, body.Message)

	// Other users are unaffected
	assert.Equal(t, http.StatusAccepted, h.submit(t, task("u2")).Code)
}

func TestSubmit_NoCapacityReleasesReservation(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.mac.mu.Lock()
	h.mac.available = 0
	h.mac.mu.Unlock()
	h.vm.mu.Lock()
	h.vm.available = 0
	h.vm.mu.Unlock()

	rec := h.submit(t, task("u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, workers.CodeNoCapacity, decodeError(t, rec).Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	u := h.usage(t, "u1")
	assert.Equal(t, 0, u.ConcurrentTasks)
	assert.InDelta(t, 0, u.CostToday, 1e-9)
}

func TestSubmit_FallsBackToVM(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.mac.mu.Lock()
	h.mac.available = 0
	h.mac.mu.Unlock()

	rec := h.submit(t, task("u1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var result SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "vm", result.Worker)
}

func TestSubmit_WorkerErrorIsBadGateway(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.mac.mu.Lock()
	h.mac.dispatch = http.StatusInternalServerError
	h.mac.mu.Unlock()

	rec := h.submit(t, task("u1"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, h.usage(t, "u1").ConcurrentTasks)
}

func TestSubmit_DuplicateTaskID(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	body := task("u1")
	body["taskId"] = "task-42"

	require.Equal(t, http.StatusAccepted, h.submit(t, body).Code)
	rec := h.submit(t, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE", decodeError(t, rec).Code)
	assert.Equal(t, 1, h.usage(t, "u1").TasksThisHour)
}

func submitted(t *testing.T, h *harness, userID string) workers.DispatchRequest {
	t.Helper()
	require.Equal(t, http.StatusAccepted, h.submit(t, task(userID)).Code)
	return h.mac.lastDispatch(t)
}

func TestTaskComplete_SettlesOnce(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	sent := submitted(t, h, "u1")

	completion := domain.TaskCompletion{
		TaskID: sent.TaskID,
		Status: domain.StatusCompleted,
		Result: &domain.TaskResult{CostUSD: 0.4, PRURL: "https://github.com/o/r/pull/1"},
	}
	rec := h.callback(t, "/v1/webhooks/task-complete", sent.WebhookSecret, completion)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u := h.usage(t, "u1")
	assert.Equal(t, 0, u.ConcurrentTasks)
	assert.InDelta(t, 0.4, u.CostToday, 1e-9)
	assert.InDelta(t, 0.4, u.CostThisMonth, 1e-9)

	// A redelivery is acknowledged without settling again
	rec = h.callback(t, "/v1/webhooks/task-complete", sent.WebhookSecret, completion)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.4, h.usage(t, "u1").CostToday, 1e-9)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.completed, 1)
	assert.Equal(t, "u1", h.notifier.completed[0].UserID)
	assert.Empty(t, h.notifier.failed)
}

func TestTaskComplete_FailureNotifies(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	sent := submitted(t, h, "u1")

	rec := h.callback(t, "/v1/webhooks/task-complete", sent.WebhookSecret, domain.TaskCompletion{
		TaskID: sent.TaskID, Status: domain.StatusFailed, Error: "agent exited 1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	h.notifier.mu.Lock()
	require.Len(t, h.notifier.failed, 1)
	h.notifier.mu.Unlock()

	// The full estimate is refunded when nothing was reported
	assert.InDelta(t, 0, h.usage(t, "u1").CostToday, 1e-9)
}

func TestTaskComplete_Rejections(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	sent := submitted(t, h, "u1")

	rec := h.callback(t, "/v1/webhooks/task-complete", "wrong-secret",
		domain.TaskCompletion{TaskID: sent.TaskID, Status: domain.StatusCompleted})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.callback(t, "/v1/webhooks/task-complete", sent.WebhookSecret,
		domain.TaskCompletion{TaskID: "unknown", Status: domain.StatusCompleted})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.callback(t, "/v1/webhooks/task-complete", sent.WebhookSecret,
		domain.TaskCompletion{TaskID: sent.TaskID, Status: domain.StatusRunning})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/task-complete",
		strings.NewReader(`{"taskId":"`+sent.TaskID+`","status":"completed"}`))
	assert.Equal(t, http.StatusUnauthorized, h.do(t, req).Code)

	// None of the rejected callbacks settled anything
	assert.Equal(t, 1, h.usage(t, "u1").ConcurrentTasks)
}

func TestLogChunks_StoredAndListed(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	sent := submitted(t, h, "u1")

	for _, c := range []domain.LogChunk{
		{TaskID: sent.TaskID, Sequence: 2, Content: "second\n"},
		{TaskID: sent.TaskID, Sequence: 1, Content: "first\n"},
		{TaskID: sent.TaskID, Sequence: 1, Content: "first\n"},
	} {
		rec := h.callback(t, "/v1/webhooks/log-chunk", sent.WebhookSecret, c)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+sent.TaskID+"/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var chunks []domain.LogChunk
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chunks))
	require.Len(t, chunks, 2)
	assert.Equal(t, "first\n", chunks[0].Content)
	assert.Equal(t, "second\n", chunks[1].Content)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/v1/tasks/nope/logs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReportsWorkers(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	submitted(t, h, "u1")

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Contains(t, health.Workers, "mac")
	assert.Equal(t, admission.DefaultLimits(), health.Limits)
}
