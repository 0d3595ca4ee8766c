package workers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

// fakeWorker serves /health and /tasks like an orchestrator
type fakeWorker struct {
	mu       sync.Mutex
	report   domain.HealthReport
	checks   int32
	delay    time.Duration
	dispatch int
	lastBody []byte
	lastHdr  http.Header
	srv      *httptest.Server
}

func newFakeWorker(t *testing.T, report domain.HealthReport) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{report: report, dispatch: http.StatusCreated}
	fw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			atomic.AddInt32(&fw.checks, 1)
			if fw.delay > 0 {
				time.Sleep(fw.delay)
			}
			fw.mu.Lock()
			rep := fw.report
			fw.mu.Unlock()
			json.NewEncoder(w).Encode(rep)
		case "/tasks":
			body, _ := io.ReadAll(r.Body)
			fw.mu.Lock()
			fw.lastBody = body
			fw.lastHdr = r.Header.Clone()
			code := fw.dispatch
			fw.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			switch code {
			case http.StatusCreated:
				var req DispatchRequest
				json.Unmarshal(body, &req)
				json.NewEncoder(w).Encode(domain.Task{ID: req.TaskID, Status: domain.StatusRunning})
			default:
				json.NewEncoder(w).Encode(map[string]string{"error": "refused", "code": "X"})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWorker) setReport(r domain.HealthReport) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.report = r
}

func (fw *fakeWorker) setDispatchStatus(code int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.dispatch = code
}

func ready(available int) domain.HealthReport {
	return domain.HealthReport{Status: domain.OrchestratorReady, Capacity: 2, Running: 2 - available, Available: available}
}

func pool(mac, vm *fakeWorker) []domain.WorkerConfig {
	// VM listed first to prove ordering comes from location, not config order
	return []domain.WorkerConfig{
		{Name: "vm", Location: domain.LocationVM, BaseURL: vm.srv.URL, Capacity: 2},
		{Name: "mac", Location: domain.LocationMac, BaseURL: mac.srv.URL, Capacity: 2},
	}
}

func TestSelector_PrefersMac(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	vm := newFakeWorker(t, ready(2))
	sel := NewSelector(pool(mac, vm), nil)

	w, err := sel.FindAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mac", w.Name)
	assert.Equal(t, int32(0), atomic.LoadInt32(&vm.checks), "VM should not be checked when the Mac has room")
}

func TestSelector_FallsBackToVM(t *testing.T) {
	tests := map[string]func(mac *fakeWorker){
		"mac full":          func(mac *fakeWorker) { mac.setReport(ready(0)) },
		"mac shutting down": func(mac *fakeWorker) { mac.setReport(domain.HealthReport{Status: domain.OrchestratorShuttingDown, Capacity: 2, Available: 2}) },
		"mac unreachable":   func(mac *fakeWorker) { mac.srv.Close() },
	}
	for name, breakMac := range tests {
		t.Run(name, func(t *testing.T) {
			mac := newFakeWorker(t, ready(1))
			vm := newFakeWorker(t, ready(1))
			breakMac(mac)
			sel := NewSelector(pool(mac, vm), nil)

			w, err := sel.FindAvailableWorker(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "vm", w.Name)
		})
	}
}

func TestSelector_NoCapacity(t *testing.T) {
	mac := newFakeWorker(t, ready(0))
	vm := newFakeWorker(t, ready(0))
	sel := NewSelector(pool(mac, vm), nil)

	_, err := sel.FindAvailableWorker(context.Background())
	var werr *WorkerError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, CodeNoCapacity, werr.Code)
}

func TestSelector_CheckTimeoutMarksUnhealthy(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	mac.delay = 300 * time.Millisecond
	vm := newFakeWorker(t, ready(1))
	sel := NewSelector(pool(mac, vm), nil)
	sel.timeout = 50 * time.Millisecond

	w, err := sel.FindAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vm", w.Name)
	assert.False(t, sel.Snapshot()["mac"].Healthy)
}

func TestSelector_HealthIsCached(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	vm := newFakeWorker(t, ready(1))
	sel := NewSelector(pool(mac, vm), nil)
	now := time.Unix(1000, 0)
	sel.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := sel.FindAvailableWorker(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&mac.checks))

	now = now.Add(6 * time.Second)
	_, err := sel.FindAvailableWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&mac.checks))

	sel.Invalidate("mac")
	_, err = sel.FindAvailableWorker(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&mac.checks))
}

func TestSelector_ConcurrentCallersShareOneCheck(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	mac.delay = 100 * time.Millisecond
	vm := newFakeWorker(t, ready(1))
	sel := NewSelector(pool(mac, vm), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel.FindAvailableWorker(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&mac.checks))
}

func TestClient_DispatchIsSigned(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	signer := signing.NewSigner("dispatch-secret")
	client := NewClient(signer, nil)
	w := domain.WorkerConfig{Name: "mac", Location: domain.LocationMac, BaseURL: mac.srv.URL}

	task, err := client.Dispatch(context.Background(), w, DispatchRequest{
		TaskID: "t1", UserID: "u1", WorkerType: domain.WorkerOpus, Prompt: "do it",
		WebhookURL: "https://cb", WebhookSecret: "whsec_abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)

	mac.mu.Lock()
	body, hdr := mac.lastBody, mac.lastHdr
	mac.mu.Unlock()
	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header = hdr
	assert.NoError(t, signing.NewDispatchVerifier(signer, 0).VerifyRequest(req, body))
}

func TestClient_DispatchStatusMapping(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	client := NewClient(signing.NewSigner("s"), nil)
	w := domain.WorkerConfig{Name: "mac", BaseURL: mac.srv.URL}
	req := DispatchRequest{TaskID: "t1"}

	mac.setDispatchStatus(http.StatusConflict)
	_, err := client.Dispatch(context.Background(), w, req)
	assert.ErrorIs(t, err, ErrDuplicate)

	mac.setDispatchStatus(http.StatusServiceUnavailable)
	_, err = client.Dispatch(context.Background(), w, req)
	var werr *WorkerError
	assert.ErrorAs(t, err, &werr)

	mac.setDispatchStatus(http.StatusUnauthorized)
	_, err = client.Dispatch(context.Background(), w, req)
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusUnauthorized, derr.StatusCode)
}

func TestSelectAndDispatch_MovesOnWhenMacRefuses(t *testing.T) {
	mac := newFakeWorker(t, ready(1))
	mac.setDispatchStatus(http.StatusServiceUnavailable)
	vm := newFakeWorker(t, ready(1))
	sel := NewSelector(pool(mac, vm), nil)
	client := NewClient(signing.NewSigner("s"), nil)

	w, task, err := SelectAndDispatch(context.Background(), sel, client, DispatchRequest{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "vm", w.Name)
	assert.Equal(t, "t1", task.ID)
	_, cached := sel.Snapshot()["mac"]
	assert.False(t, cached, "refusing worker should be invalidated")
}
