// Package gateway is the control-plane entry point. A submission passes
// admission, goes to the first worker with a free slot as a signed dispatch,
// and is remembered so the worker's callbacks can be authenticated and the
// user's quota settled exactly once.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/admission"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/notify"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicate      = errors.New("task id already dispatched")
)

// DispatchRepository remembers dispatched tasks
type DispatchRepository interface {
	SaveDispatch(ctx context.Context, rec *domain.DispatchRecord) error
	GetDispatch(ctx context.Context, taskID string) (*domain.DispatchRecord, error)
	// MarkFinalized reports true only for the first caller
	MarkFinalized(ctx context.Context, taskID string, at time.Time) (bool, error)
}

// LogRepository stores and returns forwarded log chunks
type LogRepository interface {
	admission.LogChunkRepository
	Chunks(ctx context.Context, taskID string) ([]domain.LogChunk, error)
}

// Deps is everything the gateway needs, built once at startup
type Deps struct {
	Admission  *admission.Controller
	Selector   *workers.Selector
	Client     *workers.Client
	Dispatches DispatchRepository
	Logs       LogRepository
	Notifier   notify.Notifier

	// PublicURL is where workers send callbacks
	PublicURL            string
	DefaultEstimatedCost float64
	Version              string
	Logger               *zap.Logger
}

// Service implements the gateway operations
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New creates the service
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewAsync(notify.NoopSender{}, deps.Logger)
	}
	deps.PublicURL = strings.TrimRight(deps.PublicURL, "/")
	return &Service{deps: deps, logger: deps.Logger.Named("gateway"), now: time.Now}
}

// SubmitRequest is the body of POST /v1/tasks
type SubmitRequest struct {
	TaskID           string            `json:"taskId,omitempty"`
	UserID           string            `json:"userId"`
	WorkerType       domain.WorkerType `json:"workerType"`
	Prompt           string            `json:"prompt"`
	Repository       string            `json:"repository,omitempty"`
	BaseBranch       string            `json:"baseBranch,omitempty"`
	LinearIssueID    string            `json:"linearIssueId,omitempty"`
	LinearIssueTitle string            `json:"linearIssueTitle,omitempty"`
	Slug             string            `json:"slug,omitempty"`
	ActionID         string            `json:"actionId,omitempty"`
	EstimatedCost    float64           `json:"estimatedCost,omitempty"`
}

// SubmitResult is the 202 body
type SubmitResult struct {
	TaskID string            `json:"taskId"`
	Worker string            `json:"worker"`
	Status domain.TaskStatus `json:"status,omitempty"`
}

func (r *SubmitRequest) validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if !r.WorkerType.Valid() {
		return fmt.Errorf("%w: unknown worker type %q", ErrInvalidRequest, r.WorkerType)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.EstimatedCost < 0 {
		return fmt.Errorf("%w: estimatedCost must not be negative", ErrInvalidRequest)
	}
	if r.TaskID != "" {
		if err := domain.ValidateTaskID(r.TaskID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// Submit admits, places and dispatches a task. A reservation whose dispatch
// fails is released before returning.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	} else if _, err := s.deps.Dispatches.GetDispatch(ctx, req.TaskID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.TaskID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("looking up %s: %w", req.TaskID, err)
	}
	if req.EstimatedCost == 0 {
		req.EstimatedCost = s.deps.DefaultEstimatedCost
	}
	log := s.logger.With(zap.String("task_id", req.TaskID), zap.String("user_id", req.UserID))

	res, err := s.deps.Admission.Admit(ctx, admission.Request{
		UserID:        req.UserID,
		PromptLength:  utf8.RuneCountInString(req.Prompt),
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		return nil, err
	}

	secret, err := signing.GenerateWebhookSecret()
	if err != nil {
		s.release(res, log)
		return nil, err
	}

	worker, task, err := workers.SelectAndDispatch(ctx, s.deps.Selector, s.deps.Client, workers.DispatchRequest{
		TaskID:           req.TaskID,
		UserID:           req.UserID,
		WorkerType:       req.WorkerType,
		Prompt:           req.Prompt,
		Repository:       req.Repository,
		BaseBranch:       req.BaseBranch,
		LinearIssueID:    req.LinearIssueID,
		LinearIssueTitle: req.LinearIssueTitle,
		Slug:             req.Slug,
		ActionID:         req.ActionID,
		WebhookURL:       s.deps.PublicURL + "/v1/webhooks/task-complete",
		WebhookSecret:    secret,
		LogWebhookURL:    s.deps.PublicURL + "/v1/webhooks/log-chunk",
	})
	if err != nil {
		log.Warn("dispatch failed", zap.Error(err))
		s.release(res, log)
		return nil, err
	}

	rec := &domain.DispatchRecord{
		TaskID:         req.TaskID,
		UserID:         req.UserID,
		Worker:         worker.Name,
		EstimatedCost:  res.EstimatedCost,
		WebhookSecret:  secret,
		DayStartedAt:   res.DayStartedAt,
		MonthStartedAt: res.MonthStartedAt,
		DispatchedAt:   s.now().UTC(),
	}
	if err := s.deps.Dispatches.SaveDispatch(ctx, rec); err != nil {
		// Without the record the callbacks cannot be verified; take the task back
		log.Error("saving dispatch record failed, cancelling task", zap.String("worker", worker.Name), zap.Error(err))
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workers.DefaultDispatchTimeout)
		defer cancel()
		if cerr := s.deps.Client.Cancel(cancelCtx, worker, req.TaskID, "gateway could not record dispatch"); cerr != nil {
			log.Error("cancelling unrecorded task failed", zap.Error(cerr))
		}
		s.release(res, log)
		return nil, fmt.Errorf("recording dispatch: %w", err)
	}

	log.Info("task dispatched", zap.String("worker", worker.Name), zap.Float64("estimated_cost", res.EstimatedCost))
	result := &SubmitResult{TaskID: req.TaskID, Worker: worker.Name}
	if task != nil {
		result.Status = task.Status
	}
	return result, nil
}

func (s *Service) release(res *admission.Reservation, log *zap.Logger) {
	// The caller's request may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Admission.Release(ctx, res); err != nil {
		log.Error("releasing reservation failed", zap.Error(err))
	}
}

// Dispatch returns the record of a dispatched task, domain.ErrNotFound if unknown
func (s *Service) Dispatch(ctx context.Context, taskID string) (*domain.DispatchRecord, error) {
	return s.deps.Dispatches.GetDispatch(ctx, taskID)
}

// Complete settles a finished task. Only the first completion for a task
// settles cost and notifies; repeats return nil.
func (s *Service) Complete(ctx context.Context, rec *domain.DispatchRecord, c domain.TaskCompletion) error {
	if !c.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidRequest, c.Status)
	}
	log := s.logger.With(zap.String("task_id", rec.TaskID), zap.String("user_id", rec.UserID))

	first, err := s.deps.Dispatches.MarkFinalized(ctx, rec.TaskID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("finalizing %s: %w", rec.TaskID, err)
	}
	if !first {
		log.Debug("duplicate completion ignored")
		return nil
	}

	res := &admission.Reservation{
		UserID:         rec.UserID,
		EstimatedCost:  rec.EstimatedCost,
		DayStartedAt:   rec.DayStartedAt,
		MonthStartedAt: rec.MonthStartedAt,
		AdmittedAt:     rec.DispatchedAt,
	}
	if err := s.deps.Admission.RecordActualCost(ctx, res, c.CostUSD()); err != nil {
		// Finalized already; a retry would be ignored, so this is only logged
		log.Error("settling cost failed", zap.Float64("actual_cost", c.CostUSD()), zap.Error(err))
	}

	c.UserID = rec.UserID
	if c.Succeeded() {
		s.deps.Notifier.NotifyTaskComplete(ctx, c)
	} else {
		s.deps.Notifier.NotifyTaskFailed(ctx, c)
	}
	log.Info("task finished", zap.String("status", string(c.Status)), zap.Float64("cost", c.CostUSD()))
	return nil
}

// StoreLogChunk saves a forwarded log chunk
func (s *Service) StoreLogChunk(ctx context.Context, chunk domain.LogChunk) error {
	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = s.now().UTC()
	}
	return s.deps.Logs.StoreBatch(ctx, chunk.TaskID, []domain.LogChunk{chunk})
}

// Logs returns the stored chunks of a task in sequence order
func (s *Service) Logs(ctx context.Context, taskID string) ([]domain.LogChunk, error) {
	return s.deps.Logs.Chunks(ctx, taskID)
}

// Usage returns a user's quota counters
func (s *Service) Usage(ctx context.Context, userID string) (*domain.UserUsage, error) {
	return s.deps.Admission.Usage(ctx, userID)
}

// Health is the body of the gateway's GET /health
type Health struct {
	Status  string                         `json:"status"`
	Workers map[string]domain.WorkerHealth `json:"workers"`
	Limits  admission.Limits               `json:"limits"`
	Version string                         `json:"version,omitempty"`
}

// Health reports the cached worker health without checking again
func (s *Service) Health() Health {
	return Health{
		Status:  "ok",
		Workers: s.deps.Selector.Snapshot(),
		Limits:  s.deps.Admission.Limits(),
		Version: s.deps.Version,
	}
}
