// Package orchestrator owns the task state machine of one worker host. All
// state lives in a single OrchestratorState guarded by one mutex; every
// change is made on a clone, saved, and only then swapped in. Heartbeats and
// the log position are the exception: they are saved lazily with the next
// write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
	"github.com/hochfrequenz/task-orchestrator/internal/retry"
	"github.com/hochfrequenz/task-orchestrator/internal/statestore"
)

var (
	ErrDuplicate    = errors.New("duplicate task")
	ErrNoCapacity   = errors.New("no local capacity")
	ErrNotAccepting = errors.New("orchestrator is not accepting tasks")
	ErrInvalidTask  = errors.New("invalid task")
)

const (
	DefaultCapacity                 = 2
	DefaultTaskTimeout              = 60 * time.Minute
	DefaultZombieThreshold          = 30 * time.Minute
	DefaultSweepInterval            = time.Minute
	DefaultHeartbeatPersistInterval = 15 * time.Second
)

// persistRetry retries saves that lost the lock to another writer
var persistRetry = retry.Config{
	MaxAttempts: 5,
	Backoff:     retry.Backoff{Base: 50 * time.Millisecond, Max: time.Second, Factor: 2},
	Retryable:   func(err error) bool { return errors.Is(err, statestore.ErrLocked) },
}

// StateStore loads and saves full snapshots
type StateStore interface {
	Load() (*domain.OrchestratorState, error)
	Save(st *domain.OrchestratorState) error
}

// Worktrees manages per-task git worktrees
type Worktrees interface {
	RepoDir(repository string) (string, error)
	Create(ctx context.Context, taskID, repoDir, baseBranch string) (string, error)
	Remove(ctx context.Context, repoDir, wtPath string) error
}

// Agents runs the coding agent processes
type Agents interface {
	Start(ctx context.Context, spec executor.RunSpec, hooks executor.Hooks) error
	Stop(taskID string) bool
	StopAll()
	IsRunning(taskID string) bool
}

// Credentials hands out GitHub tokens
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the orchestrator's tunables
type Config struct {
	Capacity                 int
	TaskTimeout              time.Duration
	LogDir                   string
	ZombieThreshold          time.Duration
	HeartbeatPersistInterval time.Duration
	Version                  string
}

// Deps is everything the orchestrator needs, built once at startup
type Deps struct {
	Config      Config
	Store       StateStore
	Worktrees   Worktrees
	Agents      Agents
	Credentials Credentials
	Logger      *zap.Logger
}

// Orchestrator is the task FSM of one host
type Orchestrator struct {
	cfg       Config
	store     StateStore
	worktrees Worktrees
	agents    Agents
	creds     Credentials
	logger    *zap.Logger
	now       func() time.Time

	// baseCtx outlives requests; agent processes and worktree setup run under it
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu            sync.Mutex
	state         *domain.OrchestratorState
	status        domain.OrchestratorStatus
	authDegraded  bool
	persistFailed bool
	lastPersist   time.Time
	starting      map[string]bool
	pendingLogs   map[string]map[int64]string

	subMu       sync.Mutex
	subscribers map[string]map[chan domain.LogChunk]struct{}

	webhookWake func()
}

// New creates an orchestrator in the initializing state. Call Recover
// before serving.
func New(deps Deps) *Orchestrator {
	cfg := deps.Config
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.ZombieThreshold <= 0 {
		cfg.ZombieThreshold = DefaultZombieThreshold
	}
	if cfg.HeartbeatPersistInterval <= 0 {
		cfg.HeartbeatPersistInterval = DefaultHeartbeatPersistInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		worktrees:   deps.Worktrees,
		agents:      deps.Agents,
		creds:       deps.Credentials,
		logger:      logger.Named("orchestrator"),
		now:         time.Now,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		state:       domain.NewState(),
		status:      domain.OrchestratorInitializing,
		starting:    make(map[string]bool),
		pendingLogs: make(map[string]map[int64]string),
		subscribers: make(map[string]map[chan domain.LogChunk]struct{}),
		webhookWake: func() {},
	}
}

// SetWebhookNotifier registers the callback that wakes the delivery loop
func (o *Orchestrator) SetWebhookNotifier(wake func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if wake == nil {
		wake = func() {}
	}
	o.webhookWake = wake
}

// mutate applies fn to a clone of the state, saves the clone and commits it.
// On any error the in-memory state is untouched. Caller holds o.mu.
func (o *Orchestrator) mutate(ctx context.Context, fn func(st *domain.OrchestratorState) error) error {
	next := o.state.Clone()
	if err := fn(next); err != nil {
		return err
	}

	err := retry.Do(ctx, persistRetry, func() error { return o.store.Save(next) })
	if err != nil {
		metrics.StatePersists.WithLabelValues("error").Inc()
		o.persistFailed = true
		o.logger.Error("persisting state failed", zap.Error(err))
		return fmt.Errorf("persisting state: %w", err)
	}
	metrics.StatePersists.WithLabelValues("ok").Inc()
	o.persistFailed = false
	o.lastPersist = o.now()
	o.state = next
	metrics.TasksRunning.Set(float64(next.CountByStatus(domain.StatusRunning)))
	return nil
}

// Recover loads the state file and repairs what the previous process left
// behind: running tasks lost their agent and become interrupted, and queued
// tasks are started as capacity allows.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	o.status = domain.OrchestratorRecovering

	st, err := o.store.Load()
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("loading state: %w", err)
	}
	o.state = st

	now := o.now()
	var interrupted []string
	for id, t := range st.Tasks {
		if t.Status == domain.StatusRunning {
			interrupted = append(interrupted, id)
		}
	}
	if len(interrupted) > 0 {
		sort.Strings(interrupted)
		err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
			for _, id := range interrupted {
				t := st.Tasks[id]
				if err := t.Transition(domain.StatusInterrupted, now); err != nil {
					return err
				}
				t.Error = "orchestrator restarted while the task was running"
			}
			return nil
		})
		if err != nil {
			o.mu.Unlock()
			return err
		}
		metrics.TasksFinished.WithLabelValues(string(domain.StatusInterrupted)).Add(float64(len(interrupted)))
		o.logger.Warn("tasks interrupted by restart", zap.Strings("task_ids", interrupted))
	}

	o.status = domain.OrchestratorReady
	o.logger.Info("state recovered",
		zap.Int("tasks", len(o.state.Tasks)),
		zap.Int("queued", o.state.CountByStatus(domain.StatusQueued)),
		zap.Int("interrupted", o.state.CountByStatus(domain.StatusInterrupted)),
		zap.Int("pending_webhooks", len(o.state.PendingWebhooks)))
	wake := o.webhookWake
	o.mu.Unlock()

	wake()
	o.pump()
	return nil
}

// Shutdown stops accepting work, marks running tasks interrupted and stops
// their agents. Exits reported after this point are ignored.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.status == domain.OrchestratorShuttingDown {
		o.mu.Unlock()
		return
	}
	o.status = domain.OrchestratorShuttingDown

	now := o.now()
	var running []string
	for id, t := range o.state.Tasks {
		if t.Status == domain.StatusRunning {
			running = append(running, id)
		}
	}
	if len(running) > 0 {
		err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
			for _, id := range running {
				t := st.Tasks[id]
				if err := t.Transition(domain.StatusInterrupted, now); err != nil {
					return err
				}
				t.Error = "orchestrator shut down while the task was running"
			}
			return nil
		})
		if err != nil {
			// Recover marks them interrupted on the next start
			o.logger.Warn("could not mark running tasks interrupted", zap.Error(err))
		}
	}
	o.mu.Unlock()

	o.agents.StopAll()
	o.cancelBase()
	metrics.TasksRunning.Set(0)
	o.logger.Info("orchestrator stopped", zap.Int("interrupted", len(running)))
}

// Status returns the effective health status
func (o *Orchestrator) Status() domain.OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() domain.OrchestratorStatus {
	if o.status != domain.OrchestratorReady {
		return o.status
	}
	if o.persistFailed {
		return domain.OrchestratorDegraded
	}
	if o.authDegraded {
		return domain.OrchestratorAuthDegraded
	}
	return o.status
}

// SetAuthDegraded records whether the last credential refresh failed
func (o *Orchestrator) SetAuthDegraded(degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.authDegraded != degraded {
		o.logger.Info("auth status changed", zap.Bool("degraded", degraded))
	}
	o.authDegraded = degraded
}

// Health is the body of GET /health
func (o *Orchestrator) Health() domain.HealthReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	running := o.state.CountByStatus(domain.StatusRunning)
	queued := o.state.CountByStatus(domain.StatusQueued)
	available := o.cfg.Capacity - running - queued
	if available < 0 {
		available = 0
	}
	report := domain.HealthReport{
		Status:          o.statusLocked(),
		Capacity:        o.cfg.Capacity,
		Running:         running,
		Available:       available,
		Queued:          queued,
		PendingWebhooks: len(o.state.PendingWebhooks),
		Version:         o.cfg.Version,
	}
	if tok := o.state.GitHubToken; tok != nil {
		exp := tok.ExpiresAt
		report.GitHubTokenExpiresAt = &exp
	}
	return report
}

// Task returns a copy of one task
func (o *Orchestrator) Task(id string) (*domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.state.Tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

// Tasks returns copies of all tasks, newest first. An empty status matches all.
func (o *Orchestrator) Tasks(status domain.TaskStatus) []*domain.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*domain.Task, 0, len(o.state.Tasks))
	for _, t := range o.state.Tasks {
		if status == "" || t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
