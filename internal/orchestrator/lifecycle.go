package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/credentials"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
	"github.com/hochfrequenz/task-orchestrator/internal/webhooks"
)

// SubmitRequest is the body of a signed POST /tasks
type SubmitRequest struct {
	TaskID           string            `json:"taskId"`
	UserID           string            `json:"userId"`
	WorkerType       domain.WorkerType `json:"workerType"`
	Prompt           string            `json:"prompt"`
	Repository       string            `json:"repository,omitempty"`
	BaseBranch       string            `json:"baseBranch,omitempty"`
	LinearIssueID    string            `json:"linearIssueId,omitempty"`
	LinearIssueTitle string            `json:"linearIssueTitle,omitempty"`
	Slug             string            `json:"slug,omitempty"`
	ActionID         string            `json:"actionId,omitempty"`
	WebhookURL       string            `json:"webhookUrl"`
	WebhookSecret    string            `json:"webhookSecret"`
	LogWebhookURL    string            `json:"logWebhookUrl,omitempty"`
}

// Validate checks the request shape
func (r SubmitRequest) Validate() error {
	if err := domain.ValidateTaskID(r.TaskID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if !r.WorkerType.Valid() {
		return fmt.Errorf("%w: unknown worker type %q", ErrInvalidTask, r.WorkerType)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	}
	if r.WebhookURL == "" || r.WebhookSecret == "" {
		return fmt.Errorf("%w: webhookUrl and webhookSecret are required", ErrInvalidTask)
	}
	return nil
}

// activeLocked counts tasks holding a local slot
func (o *Orchestrator) activeLocked() int {
	return o.state.CountByStatus(domain.StatusRunning) + o.state.CountByStatus(domain.StatusQueued)
}

// Submit admits a task as queued and returns it once the queued state is
// saved. Worktree setup and the agent launch happen in the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if !o.status.AcceptsWork() {
		status := o.status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrNotAccepting, status)
	}
	if _, ok := o.state.Tasks[req.TaskID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already exists", ErrDuplicate, req.TaskID)
	}
	key := domain.DedupKey(req.UserID, req.ActionID, req.LinearIssueID, req.Repository, req.BaseBranch, req.Prompt)
	if existing := o.state.ActiveByDedupKey(key); existing != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already handles this request", ErrDuplicate, existing.ID)
	}
	if o.activeLocked() >= o.cfg.Capacity {
		o.mu.Unlock()
		return nil, ErrNoCapacity
	}

	now := o.now()
	task := &domain.Task{
		ID:               req.TaskID,
		UserID:           req.UserID,
		WorkerType:       req.WorkerType,
		Prompt:           req.Prompt,
		Repository:       req.Repository,
		BaseBranch:       req.BaseBranch,
		LinearIssueID:    req.LinearIssueID,
		LinearIssueTitle: req.LinearIssueTitle,
		Slug:             req.Slug,
		ActionID:         req.ActionID,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
		LogWebhookURL:    req.LogWebhookURL,
		Status:           domain.StatusQueued,
		DedupKey:         key,
		LastHeartbeat:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		st.Tasks[task.ID] = task
		return nil
	})
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.starting[task.ID] = true
	o.mu.Unlock()

	o.logger.Info("task queued", zap.String("task_id", task.ID), zap.String("user_id", task.UserID),
		zap.String("worker_type", string(task.WorkerType)), zap.String("repository", task.Repository))

	go o.start(task.ID)
	return task.Clone(), nil
}

// start prepares the worktree, moves the task to running and launches the
// agent. The caller has marked id as starting.
func (o *Orchestrator) start(id string) {
	defer func() {
		o.mu.Lock()
		delete(o.starting, id)
		o.mu.Unlock()
	}()

	ctx := o.baseCtx
	log := o.logger.With(zap.String("task_id", id))
	t, err := o.Task(id)
	if err != nil || t.Status != domain.StatusQueued {
		return
	}

	repoDir, err := o.worktrees.RepoDir(t.Repository)
	if err != nil {
		o.failStart(ctx, id, fmt.Errorf("resolving repository: %w", err))
		return
	}

	var token string
	if t.NeedsGitHub() && o.creds != nil {
		token, err = o.creds.Token(ctx)
		if err != nil && !errors.Is(err, credentials.ErrNotConfigured) {
			o.failStart(ctx, id, fmt.Errorf("github credentials unavailable: %w", err))
			return
		}
	}

	wtPath, err := o.worktrees.Create(ctx, id, repoDir, t.BaseBranch)
	if err != nil {
		o.failStart(ctx, id, fmt.Errorf("creating worktree: %w", err))
		return
	}

	o.mu.Lock()
	if o.status == domain.OrchestratorShuttingDown {
		o.mu.Unlock()
		return
	}
	now := o.now()
	err = o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[id]
		if t == nil {
			return domain.ErrNotFound
		}
		if other := st.ActiveByWorktree(wtPath); other != nil && other.ID != id {
			return fmt.Errorf("worktree %s is owned by task %s", wtPath, other.ID)
		}
		if err := t.Transition(domain.StatusRunning, now); err != nil {
			return err
		}
		t.WorktreePath = wtPath
		t.Attempts++
		t.LastHeartbeat = now
		t.Error = ""
		return nil
	})
	o.mu.Unlock()
	if err != nil {
		// Cancelled while the worktree was being made, or the save failed and
		// the task stays queued for the next pump
		log.Warn("task not started", zap.Error(err))
		o.removeWorktree(repoDir, wtPath)
		return
	}

	err = o.agents.Start(ctx, executor.RunSpec{
		TaskID:       id,
		WorkerType:   t.WorkerType,
		Prompt:       t.Prompt,
		WorktreePath: wtPath,
		Branch:       executor.BranchName(id),
		GitHubToken:  token,
		Timeout:      o.cfg.TaskTimeout,
	}, executor.Hooks{
		OnOutput: o.onAgentOutput,
		OnExit:   o.onAgentExit,
	})
	if err != nil {
		log.Error("agent failed to start", zap.Error(err))
		if err := o.Complete(ctx, domain.TaskCompletion{
			TaskID: id,
			Status: domain.StatusFailed,
			Error:  "starting agent: " + err.Error(),
		}); err != nil {
			log.Error("could not fail task", zap.Error(err))
		}
		return
	}

	// The task was unlocked while the agent launched. If it was cancelled
	// or interrupted meanwhile, nothing else will stop this agent.
	o.mu.Lock()
	cur := o.state.Tasks[id]
	stillRunning := cur != nil && cur.Status == domain.StatusRunning && o.status != domain.OrchestratorShuttingDown
	o.mu.Unlock()
	if !stillRunning {
		o.agents.Stop(id)
		log.Info("agent stopped, task left running state during launch")
		return
	}
	log.Info("task running", zap.String("worktree", wtPath), zap.Int("attempt", t.Attempts+1))
}

// failStart fails a queued task that could not be set up. The FSM has no
// queued->failed edge, so the task passes through running.
func (o *Orchestrator) failStart(ctx context.Context, id string, cause error) {
	o.logger.Error("task setup failed", zap.String("task_id", id), zap.Error(cause))

	o.mu.Lock()
	now := o.now()
	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[id]
		if t == nil {
			return domain.ErrNotFound
		}
		if err := t.Transition(domain.StatusRunning, now); err != nil {
			return err
		}
		t.Attempts++
		if err := t.Transition(domain.StatusFailed, now); err != nil {
			return err
		}
		t.Error = cause.Error()
		return o.enqueueCompletion(st, t)
	})
	wake := o.webhookWake
	o.mu.Unlock()
	if err != nil {
		o.logger.Warn("could not record setup failure", zap.String("task_id", id), zap.Error(err))
		return
	}
	metrics.TasksFinished.WithLabelValues(string(domain.StatusFailed)).Inc()
	wake()
}

// enqueueCompletion queues the result webhook for t inside a mutation
func (o *Orchestrator) enqueueCompletion(st *domain.OrchestratorState, t *domain.Task) error {
	if t.WebhookURL == "" {
		return nil
	}
	payload := domain.TaskCompletion{
		TaskID: t.ID,
		UserID: t.UserID,
		Status: t.Status,
		Result: t.Result,
		Error:  t.Error,
	}
	if t.FinishedAt != nil {
		payload.FinishedAt = *t.FinishedAt
	}
	wh, err := webhooks.NewPending(t.ID, domain.WebhookTaskComplete, t.WebhookURL, t.WebhookSecret, payload, o.now())
	if err != nil {
		return err
	}
	st.PendingWebhooks = append(st.PendingWebhooks, wh)
	return nil
}

// Complete records a task's outcome. A completion for a task that already
// reached a terminal state is accepted and changes nothing.
func (o *Orchestrator) Complete(ctx context.Context, c domain.TaskCompletion) error {
	if c.Status != domain.StatusCompleted && c.Status != domain.StatusFailed {
		return fmt.Errorf("%w: completion status must be completed or failed, got %q", ErrInvalidTask, c.Status)
	}

	o.mu.Lock()
	cur, ok := o.state.Tasks[c.TaskID]
	if !ok {
		o.mu.Unlock()
		return domain.ErrNotFound
	}
	if cur.Status.IsTerminal() {
		o.mu.Unlock()
		o.logger.Debug("duplicate completion ignored", zap.String("task_id", c.TaskID),
			zap.String("status", string(cur.Status)))
		return nil
	}
	if cur.Status != domain.StatusRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, c.TaskID, cur.Status)
	}

	now := o.now()
	var done *domain.Task
	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[c.TaskID]
		if err := t.Transition(c.Status, now); err != nil {
			return err
		}
		if c.Result != nil {
			res := *c.Result
			t.Result = &res
		}
		t.Error = c.Error
		done = t.Clone()
		return o.enqueueCompletion(st, t)
	})
	wake := o.webhookWake
	o.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.TasksFinished.WithLabelValues(string(c.Status)).Inc()
	o.logger.Info("task finished", zap.String("task_id", c.TaskID), zap.String("status", string(c.Status)),
		zap.String("error", c.Error))
	wake()
	o.release(done)
	return nil
}

// Cancel is the operator stop. Queued, running and interrupted tasks become
// cancelled; cancelling a cancelled task is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*domain.Task, error) {
	o.mu.Lock()
	cur, ok := o.state.Tasks[id]
	if !ok {
		o.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if cur.Status == domain.StatusCancelled {
		t := cur.Clone()
		o.mu.Unlock()
		return t, nil
	}

	now := o.now()
	var done *domain.Task
	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[id]
		if err := t.Transition(domain.StatusCancelled, now); err != nil {
			return err
		}
		t.Error = "cancelled"
		if reason != "" {
			t.Error = "cancelled: " + reason
		}
		done = t.Clone()
		return o.enqueueCompletion(st, t)
	})
	wake := o.webhookWake
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.TasksFinished.WithLabelValues(string(domain.StatusCancelled)).Inc()
	o.logger.Info("task cancelled", zap.String("task_id", id), zap.String("reason", reason))
	wake()
	o.release(done)
	return done, nil
}

// Retry requeues an interrupted task
func (o *Orchestrator) Retry(ctx context.Context, id string) (*domain.Task, error) {
	o.mu.Lock()
	cur, ok := o.state.Tasks[id]
	if !ok {
		o.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if cur.Status != domain.StatusInterrupted {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: only interrupted tasks can be retried, %s is %s",
			domain.ErrInvalidTransition, id, cur.Status)
	}

	now := o.now()
	var queued *domain.Task
	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[id]
		if err := t.Transition(domain.StatusQueued, now); err != nil {
			return err
		}
		t.Error = ""
		t.LastHeartbeat = now
		queued = t.Clone()
		return nil
	})
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o.logger.Info("task requeued", zap.String("task_id", id), zap.Int("attempts", queued.Attempts))
	o.pump()
	return queued, nil
}

// release frees what a finished task held: its agent, its worktree, its log
// subscribers and its slot
func (o *Orchestrator) release(t *domain.Task) {
	o.agents.Stop(t.ID)
	o.dropLogState(t.ID)
	if t.WorktreePath != "" {
		if repoDir, err := o.worktrees.RepoDir(t.Repository); err == nil {
			o.removeWorktree(repoDir, t.WorktreePath)
		} else {
			o.logger.Warn("cannot resolve repository to remove worktree",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	o.pump()
}

func (o *Orchestrator) removeWorktree(repoDir, wtPath string) {
	if err := o.worktrees.Remove(o.baseCtx, repoDir, wtPath); err != nil {
		o.logger.Warn("removing worktree failed", zap.String("worktree", wtPath), zap.Error(err))
	}
}

// pump starts queued tasks while slots are free, oldest first
func (o *Orchestrator) pump() {
	o.mu.Lock()
	if o.status != domain.OrchestratorReady {
		o.mu.Unlock()
		return
	}
	free := o.cfg.Capacity - o.state.CountByStatus(domain.StatusRunning) - len(o.starting)
	var queued []*domain.Task
	for id, t := range o.state.Tasks {
		if t.Status == domain.StatusQueued && !o.starting[id] {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })

	var ids []string
	for _, t := range queued {
		if free <= 0 {
			break
		}
		o.starting[t.ID] = true
		ids = append(ids, t.ID)
		free--
	}
	o.mu.Unlock()

	for _, id := range ids {
		go o.start(id)
	}
}

// onAgentOutput turns local agent output into log chunks
func (o *Orchestrator) onAgentOutput(taskID, content string) {
	if err := o.appendLocalOutput(o.baseCtx, taskID, content); err != nil {
		o.logger.Debug("agent output dropped", zap.String("task_id", taskID), zap.Error(err))
	}
}

// onAgentExit completes the task from the agent's exit. Exits during
// shutdown are ignored; the tasks were already marked interrupted.
func (o *Orchestrator) onAgentExit(exit executor.Exit) {
	o.mu.Lock()
	shuttingDown := o.status == domain.OrchestratorShuttingDown
	t, ok := o.state.Tasks[exit.TaskID]
	running := ok && t.Status == domain.StatusRunning
	o.mu.Unlock()
	if shuttingDown || !running {
		return
	}

	res := exit.Result
	c := domain.TaskCompletion{TaskID: exit.TaskID, Status: domain.StatusCompleted, Result: &res}
	if exit.Failed() {
		c.Status = domain.StatusFailed
		switch {
		case exit.TimedOut:
			c.Error = fmt.Sprintf("agent timed out after %s", o.cfg.TaskTimeout)
		case exit.Err != nil:
			c.Error = exit.Err.Error()
		}
	}
	if err := o.Complete(o.baseCtx, c); err != nil {
		o.logger.Error("recording agent exit failed", zap.String("task_id", exit.TaskID), zap.Error(err))
	}
}
