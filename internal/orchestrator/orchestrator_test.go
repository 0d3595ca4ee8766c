package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/statestore"
)

// recordingStore wraps the real store, counts saves and can be told to fail
type recordingStore struct {
	inner *statestore.Store

	mu     sync.Mutex
	saves  int
	fail   bool
	events []string // taskID:status of every task in every save
}

func (s *recordingStore) Load() (*domain.OrchestratorState, error) {
	return s.inner.Load()
}

func (s *recordingStore) Save(st *domain.OrchestratorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	if err := s.inner.Save(st); err != nil {
		return err
	}
	s.saves++
	for id, t := range st.Tasks {
		s.events = append(s.events, id+":"+string(t.Status))
	}
	return nil
}

func (s *recordingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *recordingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *recordingStore) statusesOf(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if status, ok := strings.CutPrefix(e, id+":"); ok {
			if len(out) == 0 || out[len(out)-1] != status {
				out = append(out, status)
			}
		}
	}
	return out
}

type fakeWorktrees struct {
	base string

	mu      sync.Mutex
	created []string
	removed []string
	failFor string
}

func (f *fakeWorktrees) RepoDir(repository string) (string, error) {
	if repository == "missing/repo" {
		return "", errors.New("repository not cloned")
	}
	return "/repos/default", nil
}

func (f *fakeWorktrees) Create(_ context.Context, taskID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == f.failFor {
		return "", errors.New("git worktree add failed")
	}
	p := filepath.Join(f.base, taskID)
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeWorktrees) Remove(_ context.Context, _, wtPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, wtPath)
	return nil
}

func (f *fakeWorktrees) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeAgents struct {
	mu       sync.Mutex
	running  map[string]executor.Hooks
	specs    map[string]executor.RunSpec
	stopped  []string
	startErr error
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{running: map[string]executor.Hooks{}, specs: map[string]executor.RunSpec{}}
}

func (f *fakeAgents) Start(_ context.Context, spec executor.RunSpec, hooks executor.Hooks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running[spec.TaskID] = hooks
	f.specs[spec.TaskID] = spec
	return nil
}

func (f *fakeAgents) Stop(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[taskID]; !ok {
		return false
	}
	delete(f.running, taskID)
	f.stopped = append(f.stopped, taskID)
	return true
}

func (f *fakeAgents) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.running {
		delete(f.running, id)
	}
}

func (f *fakeAgents) IsRunning(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[taskID]
	return ok
}

// finish simulates the agent process exiting on its own
func (f *fakeAgents) finish(taskID string, exit executor.Exit) {
	f.mu.Lock()
	hooks, ok := f.running[taskID]
	delete(f.running, taskID)
	f.mu.Unlock()
	if ok {
		exit.TaskID = taskID
		hooks.OnExit(exit)
	}
}

func (f *fakeAgents) output(taskID, chunk string) {
	f.mu.Lock()
	hooks := f.running[taskID]
	f.mu.Unlock()
	hooks.OnOutput(taskID, chunk)
}

// gatedAgents holds Start until the test opens the gate
type gatedAgents struct {
	*fakeAgents
	entered chan string
	gate    chan struct{}
}

func (g *gatedAgents) Start(ctx context.Context, spec executor.RunSpec, hooks executor.Hooks) error {
	g.entered <- spec.TaskID
	<-g.gate
	return g.fakeAgents.Start(ctx, spec, hooks)
}

type fixture struct {
	o         *Orchestrator
	store     *recordingStore
	worktrees *fakeWorktrees
	agents    *fakeAgents
	dir       string
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		store:     &recordingStore{inner: statestore.New(filepath.Join(dir, "state.json"), nil)},
		worktrees: &fakeWorktrees{base: filepath.Join(dir, "worktrees")},
		agents:    newFakeAgents(),
		dir:       dir,
	}
	f.o = New(Deps{
		Config:    Config{Capacity: capacity, LogDir: filepath.Join(dir, "logs")},
		Store:     f.store,
		Worktrees: f.worktrees,
		Agents:    f.agents,
	})
	require.NoError(t, f.o.Recover(context.Background()))
	t.Cleanup(func() {
		// background starts write into dir, which is removed after this
		assert.Eventually(t, func() bool {
			f.o.mu.Lock()
			defer f.o.mu.Unlock()
			return len(f.o.starting) == 0
		}, 5*time.Second, 5*time.Millisecond)
	})
	return f
}

func submitReq(id string) SubmitRequest {
	return SubmitRequest{
		TaskID:        id,
		UserID:        "u1",
		WorkerType:    domain.WorkerOpus,
		Prompt:        "fix the flaky test in " + id,
		WebhookURL:    "https://cb",
		WebhookSecret: "whsec_abc",
	}
}

// waitStarted blocks until the background start of id has finished and
// returns the task as it then stands
func (f *fixture) waitStarted(t *testing.T, id string) *domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		f.o.mu.Lock()
		defer f.o.mu.Unlock()
		return !f.o.starting[id]
	}, 5*time.Second, 5*time.Millisecond)
	task, err := f.o.Task(id)
	require.NoError(t, err)
	return task
}

// seed places a task directly into memory and on disk
func (f *fixture) seed(t *testing.T, task *domain.Task) {
	t.Helper()
	f.o.mu.Lock()
	defer f.o.mu.Unlock()
	require.NoError(t, f.o.mutate(context.Background(), func(st *domain.OrchestratorState) error {
		st.Tasks[task.ID] = task
		return nil
	}))
}

func TestSubmit_QueuedThenRunning(t *testing.T) {
	f := newFixture(t, 1)

	task, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)

	task = f.waitStarted(t, "t1")
	assert.Equal(t, domain.StatusRunning, task.Status)
	assert.Equal(t, filepath.Join(f.worktrees.base, "t1"), task.WorktreePath)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, []string{"queued", "running"}, f.store.statusesOf("t1"))
	assert.Equal(t, "task/t1", f.agents.specs["t1"].Branch)
	assert.Equal(t, DefaultTaskTimeout, f.agents.specs["t1"].Timeout)

	reloaded, err := statestore.New(filepath.Join(f.dir, "state.json"), nil).Load()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, reloaded.Tasks["t1"].Status)
}

func TestSubmit_RejectsDuplicates(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	_, err = f.o.Submit(ctx, submitReq("t1"))
	assert.ErrorIs(t, err, ErrDuplicate, "same task id")

	same := submitReq("t2")
	same.Prompt = submitReq("t1").Prompt
	_, err = f.o.Submit(ctx, same)
	assert.ErrorIs(t, err, ErrDuplicate, "same logical request under a new id")

	// Once the first finishes, the same request may run again
	require.NoError(t, f.o.Complete(ctx, domain.TaskCompletion{TaskID: "t1", Status: domain.StatusCompleted}))
	_, err = f.o.Submit(ctx, same)
	assert.NoError(t, err)
}

func TestSubmit_NoCapacity(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")
	_, err = f.o.Submit(ctx, submitReq("t2"))
	assert.ErrorIs(t, err, ErrNoCapacity)

	assert.Equal(t, 0, f.o.Health().Available)
}

func TestSubmit_Invalid(t *testing.T) {
	f := newFixture(t, 1)
	tests := map[string]func(r *SubmitRequest){
		"bad id":      func(r *SubmitRequest) { r.TaskID = "../x" },
		"worker type": func(r *SubmitRequest) { r.WorkerType = "gpt" },
		"no prompt":   func(r *SubmitRequest) { r.Prompt = "  " },
		"no webhook":  func(r *SubmitRequest) { r.WebhookURL = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := submitReq("t1")
			mutate(&req)
			_, err := f.o.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

func TestSubmit_SetupFailureFailsTask(t *testing.T) {
	f := newFixture(t, 2)
	f.worktrees.failFor = "t1"

	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	task := f.waitStarted(t, "t1")
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "creating worktree")
	assert.Equal(t, []string{"queued", "failed"}, f.store.statusesOf("t1"))
	require.Len(t, f.o.PendingWebhooks(), 1)
}

func TestSubmit_AgentStartFailure(t *testing.T) {
	f := newFixture(t, 2)
	f.agents.startErr = errors.New("claude: not found")

	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	task := f.waitStarted(t, "t1")
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "claude: not found")
	assert.Contains(t, f.worktrees.removedPaths(), filepath.Join(f.worktrees.base, "t1"))
}

func TestSubmit_NotAcceptingWhileShuttingDown(t *testing.T) {
	f := newFixture(t, 2)
	f.o.Shutdown(context.Background())

	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestComplete_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	done := domain.TaskCompletion{
		TaskID: "t1",
		Status: domain.StatusCompleted,
		Result: &domain.TaskResult{PRURL: "https://github.com/acme/api/pull/1", CostUSD: 0.8},
	}
	require.NoError(t, f.o.Complete(ctx, done))
	saves := f.store.saveCount()
	pending := f.o.PendingWebhooks()
	require.Len(t, pending, 1)

	var payload domain.TaskCompletion
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, domain.StatusCompleted, payload.Status)
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, 0.8, payload.CostUSD())
	assert.Equal(t, "whsec_abc", pending[0].Secret)

	// Replayed callback, even with a different outcome
	require.NoError(t, f.o.Complete(ctx, done))
	require.NoError(t, f.o.Complete(ctx, domain.TaskCompletion{TaskID: "t1", Status: domain.StatusFailed}))

	assert.Equal(t, saves, f.store.saveCount(), "duplicate completion must not write state")
	assert.Len(t, f.o.PendingWebhooks(), 1)
	task, _ := f.o.Task("t1")
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Contains(t, f.worktrees.removedPaths(), task.WorktreePath)
}

func TestComplete_RejectsQueuedTask(t *testing.T) {
	f := newFixture(t, 1)
	f.seed(t, &domain.Task{ID: "q1", Status: domain.StatusQueued, CreatedAt: time.Now()})

	err := f.o.Complete(context.Background(), domain.TaskCompletion{TaskID: "q1", Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.o.Complete(context.Background(), domain.TaskCompletion{TaskID: "nope", Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.o.Complete(context.Background(), domain.TaskCompletion{TaskID: "q1", Status: domain.StatusCancelled})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestAgentExit_CompletesTask(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	f.agents.finish("t1", executor.Exit{Result: domain.TaskResult{Summary: "done", PRURL: "https://github.com/a/b/pull/3"}})

	task, err := f.o.Task("t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, "https://github.com/a/b/pull/3", task.Result.PRURL)
}

func TestAgentExit_TimeoutFailsTask(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	f.agents.finish("t1", executor.Exit{TimedOut: true})

	task, _ := f.o.Task("t1")
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "timed out")
}

func TestCancel_ReleasesSlotAndWorktree(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	task, err := f.o.Cancel(ctx, "t1", "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.Equal(t, "cancelled: operator request", task.Error)
	assert.False(t, f.agents.IsRunning("t1"))
	assert.Contains(t, f.worktrees.removedPaths(), task.WorktreePath)
	assert.Equal(t, 1, f.o.Health().Available)

	var payload domain.TaskCompletion
	pending := f.o.PendingWebhooks()
	require.Len(t, pending, 1)
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, domain.StatusCancelled, payload.Status)

	again, err := f.o.Cancel(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)

	_, err = f.o.Submit(ctx, submitReq("t2"))
	assert.NoError(t, err, "slot should be free again")
}

func TestSubmit_ReturnsWhileAgentLaunches(t *testing.T) {
	f := newFixture(t, 1)
	gated := &gatedAgents{fakeAgents: f.agents, entered: make(chan string, 1), gate: make(chan struct{})}
	f.o.agents = gated

	task, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Equal(t, "t1", <-gated.entered)

	close(gated.gate)
	assert.Equal(t, domain.StatusRunning, f.waitStarted(t, "t1").Status)
	assert.True(t, f.agents.IsRunning("t1"))
}

func TestCancel_DuringAgentLaunchStopsAgent(t *testing.T) {
	f := newFixture(t, 1)
	gated := &gatedAgents{fakeAgents: f.agents, entered: make(chan string, 1), gate: make(chan struct{})}
	f.o.agents = gated
	ctx := context.Background()

	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	<-gated.entered

	task, err := f.o.Cancel(ctx, "t1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)

	close(gated.gate)
	task = f.waitStarted(t, "t1")
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.False(t, f.agents.IsRunning("t1"), "agent launched for a cancelled task must be stopped")
	assert.Equal(t, 1, f.o.Health().Available)
}

func TestCancel_CompletedTaskRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")
	require.NoError(t, f.o.Complete(ctx, domain.TaskCompletion{TaskID: "t1", Status: domain.StatusCompleted}))

	_, err = f.o.Cancel(ctx, "t1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSweepZombies(t *testing.T) {
	f := newFixture(t, 3)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	f.o.now = func() time.Time { return now }

	f.seed(t, &domain.Task{ID: "stale", Status: domain.StatusRunning, LastHeartbeat: now.Add(-31 * time.Minute)})
	f.seed(t, &domain.Task{ID: "fresh", Status: domain.StatusRunning, LastHeartbeat: now.Add(-time.Minute)})
	f.seed(t, &domain.Task{ID: "alive", Status: domain.StatusRunning, LastHeartbeat: now.Add(-2 * time.Hour)})
	f.agents.running["alive"] = executor.Hooks{}

	zombies, err := f.o.SweepZombies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, zombies)

	stale, _ := f.o.Task("stale")
	fresh, _ := f.o.Task("fresh")
	alive, _ := f.o.Task("alive")
	assert.Equal(t, domain.StatusInterrupted, stale.Status)
	assert.Contains(t, stale.Error, "no heartbeat since")
	assert.Equal(t, domain.StatusRunning, fresh.Status)
	assert.Equal(t, domain.StatusRunning, alive.Status, "a live local agent is not a zombie")
}

func TestSweepZombies_CompletionWins(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")
	f.agents.StopAll()

	require.NoError(t, f.o.Complete(ctx, domain.TaskCompletion{TaskID: "t1", Status: domain.StatusCompleted}))
	f.o.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	zombies, err := f.o.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Empty(t, zombies)
	task, _ := f.o.Task("t1")
	assert.Equal(t, domain.StatusCompleted, task.Status)
}

func TestRetry_RequeuesAndStarts(t *testing.T) {
	f := newFixture(t, 1)
	f.seed(t, &domain.Task{
		ID: "t1", UserID: "u1", WorkerType: domain.WorkerAuto, Prompt: "again",
		Status: domain.StatusInterrupted, Attempts: 1, Error: "no heartbeat",
	})

	task, err := f.o.Retry(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Empty(t, task.Error)

	assert.Eventually(t, func() bool {
		got, _ := f.o.Task("t1")
		return got.Status == domain.StatusRunning && got.Attempts == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.o.Retry(context.Background(), "t1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRecover_InterruptsRunningAndStartsQueued(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := domain.NewState()
	st.Tasks["r1"] = &domain.Task{ID: "r1", Status: domain.StatusRunning, WorkerType: domain.WorkerOpus, Prompt: "x"}
	st.Tasks["q1"] = &domain.Task{ID: "q1", Status: domain.StatusQueued, WorkerType: domain.WorkerOpus, Prompt: "y"}
	require.NoError(t, statestore.New(path, nil).Save(st))

	agents := newFakeAgents()
	o := New(Deps{
		Config:    Config{Capacity: 2},
		Store:     statestore.New(path, nil),
		Worktrees: &fakeWorktrees{base: filepath.Join(dir, "wt")},
		Agents:    agents,
	})
	assert.Equal(t, domain.OrchestratorInitializing, o.Status())
	require.NoError(t, o.Recover(context.Background()))
	assert.Equal(t, domain.OrchestratorReady, o.Status())

	r1, _ := o.Task("r1")
	assert.Equal(t, domain.StatusInterrupted, r1.Status)
	assert.Eventually(t, func() bool { return agents.IsRunning("q1") }, 5*time.Second, 10*time.Millisecond)
}

func TestRecover_BreaksLockLeftByCrashedWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := domain.NewState()
	st.Tasks["r1"] = &domain.Task{ID: "r1", Status: domain.StatusRunning, WorkerType: domain.WorkerOpus, Prompt: "x"}
	require.NoError(t, statestore.New(path, nil).Save(st))

	// killed mid-save; the restarted process got the same pid
	require.NoError(t, os.WriteFile(path+".lock", []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))

	o := New(Deps{
		Config:    Config{Capacity: 1},
		Store:     statestore.New(path, nil),
		Worktrees: &fakeWorktrees{base: filepath.Join(dir, "wt")},
		Agents:    newFakeAgents(),
	})
	require.NoError(t, o.Recover(context.Background()))
	assert.Equal(t, domain.OrchestratorReady, o.Status())

	r1, _ := o.Task("r1")
	assert.Equal(t, domain.StatusInterrupted, r1.Status)
	reloaded, err := statestore.New(path, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInterrupted, reloaded.Tasks["r1"].Status)
}

func TestPersistFailure_LeavesMemoryUnchanged(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	f.store.setFail(true)
	_, err = f.o.Cancel(ctx, "t1", "")
	require.Error(t, err)

	task, _ := f.o.Task("t1")
	assert.Equal(t, domain.StatusRunning, task.Status)
	assert.Empty(t, f.o.PendingWebhooks())
	assert.Equal(t, domain.OrchestratorDegraded, f.o.Status())

	f.store.setFail(false)
	_, err = f.o.Cancel(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrchestratorReady, f.o.Status())
}

func TestHeartbeat_Throttled(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	base := time.Now()
	f.o.now = func() time.Time { return base }
	saves := f.store.saveCount()

	f.o.now = func() time.Time { return base.Add(5 * time.Second) }
	require.NoError(t, f.o.Heartbeat(ctx, "t1"))
	assert.Equal(t, saves, f.store.saveCount(), "heartbeat inside the throttle window is not saved")
	task, _ := f.o.Task("t1")
	assert.True(t, task.LastHeartbeat.Equal(base.Add(5*time.Second)))

	f.o.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, f.o.Heartbeat(ctx, "t1"))
	assert.Equal(t, saves+1, f.store.saveCount())

	assert.ErrorIs(t, f.o.Heartbeat(ctx, "missing"), domain.ErrNotFound)
}

func TestApplyLogChunk_OrdersAndDeduplicates(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	req := submitReq("t1")
	req.LogWebhookURL = "https://cb/logs"
	_, err := f.o.Submit(ctx, req)
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	sub, cancel := f.o.SubscribeLogs("t1")
	defer cancel()

	chunk := func(seq int64, content string) domain.LogChunk {
		return domain.LogChunk{TaskID: "t1", Sequence: seq, Content: content}
	}
	require.NoError(t, f.o.ApplyLogChunk(ctx, chunk(2, "c")))
	require.NoError(t, f.o.ApplyLogChunk(ctx, chunk(1, "b")))
	assert.Empty(t, f.o.PendingWebhooks(), "nothing applies before sequence 0")

	require.NoError(t, f.o.ApplyLogChunk(ctx, chunk(0, "a")))
	require.NoError(t, f.o.ApplyLogChunk(ctx, chunk(1, "b-again")))

	data, err := f.o.ReadLog("t1")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	task, _ := f.o.Task("t1")
	assert.EqualValues(t, 3, task.LogSequence)

	pending := f.o.PendingWebhooks()
	require.Len(t, pending, 3)
	for i, wh := range pending {
		assert.Equal(t, domain.WebhookLogChunk, wh.Kind)
		var c domain.LogChunk
		require.NoError(t, json.Unmarshal(wh.Payload, &c))
		assert.EqualValues(t, i, c.Sequence)
	}

	var streamed []string
	for i := 0; i < 3; i++ {
		c := <-sub
		streamed = append(streamed, c.Content)
	}
	assert.Equal(t, []string{"a", "b", "c"}, streamed)
}

func TestLogBacklog_ReturnsNextSequence(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	data, next, err := f.o.LogBacklog("t1")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.EqualValues(t, 0, next)

	require.NoError(t, f.o.ApplyLogChunk(ctx, domain.LogChunk{TaskID: "t1", Sequence: 0, Content: "a"}))
	require.NoError(t, f.o.ApplyLogChunk(ctx, domain.LogChunk{TaskID: "t1", Sequence: 1, Content: "b"}))
	require.NoError(t, f.o.ApplyLogChunk(ctx, domain.LogChunk{TaskID: "t1", Sequence: 3, Content: "d"}))

	data, next, err = f.o.LogBacklog("t1")
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
	assert.EqualValues(t, 2, next, "buffered chunk 3 is not in the log yet")

	_, _, err = f.o.LogBacklog("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyLogChunk_ForwardsWhenSaveFails(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	req := submitReq("t1")
	req.LogWebhookURL = "https://cb/logs"
	_, err := f.o.Submit(ctx, req)
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	f.store.setFail(true)
	require.NoError(t, f.o.ApplyLogChunk(ctx, domain.LogChunk{TaskID: "t1", Sequence: 0, Content: "a"}))
	require.Len(t, f.o.PendingWebhooks(), 1, "chunk is queued for forwarding even though the save failed")
	task, _ := f.o.Task("t1")
	assert.EqualValues(t, 1, task.LogSequence)
	assert.Equal(t, domain.OrchestratorDegraded, f.o.Status())

	f.store.setFail(false)
	require.NoError(t, f.o.ApplyLogChunk(ctx, domain.LogChunk{TaskID: "t1", Sequence: 1, Content: "b"}))

	reloaded, err := statestore.New(filepath.Join(f.dir, "state.json"), nil).Load()
	require.NoError(t, err)
	assert.EqualValues(t, 2, reloaded.Tasks["t1"].LogSequence)
	var seqs []int64
	for _, wh := range reloaded.PendingWebhooks {
		var c domain.LogChunk
		require.NoError(t, json.Unmarshal(wh.Payload, &c))
		seqs = append(seqs, c.Sequence)
	}
	assert.Equal(t, []int64{0, 1}, seqs)
}

func TestAgentOutput_AppendsToLog(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	f.agents.output("t1", "line one\n")
	f.agents.output("t1", "line two\n")

	data, err := os.ReadFile(f.o.LogPath("t1"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestSubscribeLogs_ClosedWhenTaskFinishes(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")

	sub, cancel := f.o.SubscribeLogs("t1")
	require.NoError(t, f.o.Complete(ctx, domain.TaskCompletion{TaskID: "t1", Status: domain.StatusFailed}))

	_, open := <-sub
	assert.False(t, open)
	cancel() // safe after close
}

func TestStores(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	assert.Nil(t, f.o.GitHubToken())
	exp := time.Date(2025, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, f.o.SetGitHubToken(ctx, &domain.GitHubToken{Token: "ghs_1", ExpiresAt: exp}))
	assert.Equal(t, "ghs_1", f.o.GitHubToken().Token)
	require.NotNil(t, f.o.Health().GitHubTokenExpiresAt)
	assert.True(t, f.o.Health().GitHubTokenExpiresAt.Equal(exp))

	wh := domain.PendingWebhook{ID: "w1", TaskID: "t1", URL: "https://cb"}
	require.NoError(t, f.o.EnqueueWebhook(ctx, wh))
	wh.Attempts = 2
	require.NoError(t, f.o.UpdateWebhook(ctx, wh))
	assert.Equal(t, 2, f.o.PendingWebhooks()[0].Attempts)
	require.NoError(t, f.o.RemoveWebhook(ctx, "w1"))
	assert.Empty(t, f.o.PendingWebhooks())
	require.NoError(t, f.o.RemoveWebhook(ctx, "w1"))

	_, err := f.o.Submit(ctx, submitReq("t1"))
	require.NoError(t, err)
	f.waitStarted(t, "t1")
	assert.Equal(t, []string{filepath.Join(f.worktrees.base, "t1")}, f.o.WorktreePaths())
}

func TestAuthDegradedStatus(t *testing.T) {
	f := newFixture(t, 1)
	f.o.SetAuthDegraded(true)
	assert.Equal(t, domain.OrchestratorAuthDegraded, f.o.Health().Status)
	assert.True(t, f.o.Status().AcceptsWork())

	// Tasks without a repository still run
	_, err := f.o.Submit(context.Background(), submitReq("t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, f.waitStarted(t, "t1").Status)

	f.o.SetAuthDegraded(false)
	assert.Equal(t, domain.OrchestratorReady, f.o.Status())
}
