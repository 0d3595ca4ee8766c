// Package admission enforces per-user quotas before a task is dispatched.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
)

// Limits are the per-user quotas
type Limits struct {
	MaxConcurrent   int     `json:"maxConcurrent" toml:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxPerHour      int     `json:"maxPerHour" toml:"max_per_hour" yaml:"max_per_hour" mapstructure:"max_per_hour"`
	MaxPromptLength int     `json:"maxPromptLength" toml:"max_prompt_length" yaml:"max_prompt_length" mapstructure:"max_prompt_length"`
	DailyCostCap    float64 `json:"dailyCostCap" toml:"daily_cost_cap" yaml:"daily_cost_cap" mapstructure:"daily_cost_cap"`
	MonthlyCostCap  float64 `json:"monthlyCostCap" toml:"monthly_cost_cap" yaml:"monthly_cost_cap" mapstructure:"monthly_cost_cap"`
}

// DefaultLimits returns the stock quotas
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent:   3,
		MaxPerHour:      10,
		MaxPromptLength: 10000,
		DailyCostCap:    20,
		MonthlyCostCap:  200,
	}
}

// UsageRepository stores quota counters. IncrementConcurrent must be an
// atomic conditional update so several gateway replicas can share one store.
type UsageRepository interface {
	GetOrCreate(ctx context.Context, userID string, now time.Time) (*domain.UserUsage, error)
	// Update persists the window fields after a roll. ConcurrentTasks is
	// owned by Increment/DecrementConcurrent and is not written.
	Update(ctx context.Context, usage *domain.UserUsage) error
	IncrementConcurrent(ctx context.Context, userID string, limit int) (bool, error)
	DecrementConcurrent(ctx context.Context, userID string) error
	RecordTaskStart(ctx context.Context, userID string, estimatedCost float64, now time.Time) error
	RecordActualCost(ctx context.Context, userID string, dayDelta, monthDelta float64, now time.Time) error
}

// LogChunkRepository stores agent output forwarded by orchestrators
type LogChunkRepository interface {
	StoreBatch(ctx context.Context, taskID string, chunks []domain.LogChunk) error
}

// Request describes a submission awaiting admission
type Request struct {
	UserID        string
	PromptLength  int
	EstimatedCost float64
}

// Reservation is what Admit took from the user's quota
type Reservation struct {
	UserID         string    `json:"userId"`
	EstimatedCost  float64   `json:"estimatedCost"`
	DayStartedAt   time.Time `json:"dayStartedAt"`
	MonthStartedAt time.Time `json:"monthStartedAt"`
	AdmittedAt     time.Time `json:"admittedAt"`
}

// Controller admits or rejects requests
type Controller struct {
	repo   UsageRepository
	limits atomic.Pointer[Limits]
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewController creates a controller over repo
func NewController(repo UsageRepository, limits Limits, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		repo:   repo,
		logger: logger.Named("admission"),
		now:    time.Now,
		users:  make(map[string]*sync.Mutex),
	}
	c.SetLimits(limits)
	return c
}

// SetLimits replaces the quotas; safe to call while requests are in flight
func (c *Controller) SetLimits(l Limits) {
	c.limits.Store(&l)
}

// Limits returns the active quotas
func (c *Controller) Limits() Limits {
	return *c.limits.Load()
}

// userLock serializes the read-check-increment sequence per user within
// this process. The repository's conditional increment covers other replicas.
func (c *Controller) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.users[userID]
	if !ok {
		m = &sync.Mutex{}
		c.users[userID] = m
	}
	return m
}

// Admit checks the quotas in order (concurrency, hourly, prompt length,
// daily cost, monthly cost) and reserves a slot on success.
func (c *Controller) Admit(ctx context.Context, req Request) (*Reservation, error) {
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}
	lock := c.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := c.now().UTC()
	limits := c.Limits()

	usage, err := c.repo.GetOrCreate(ctx, req.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("loading usage for %s: %w", req.UserID, err)
	}
	if usage.Roll(now) {
		if err := c.repo.Update(ctx, usage); err != nil {
			return nil, fmt.Errorf("rolling usage windows for %s: %w", req.UserID, err)
		}
	}

	if qerr := check(limits, usage, req); qerr != nil {
		c.reject(req.UserID, qerr)
		return nil, qerr
	}

	ok, err := c.repo.IncrementConcurrent(ctx, req.UserID, limits.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("incrementing concurrency for %s: %w", req.UserID, err)
	}
	if !ok {
		// Another replica took the last slot between our read and the increment.
		qerr := &QuotaError{Code: CodeConcurrencyLimit, Limit: float64(limits.MaxConcurrent), Current: float64(limits.MaxConcurrent)}
		c.reject(req.UserID, qerr)
		return nil, qerr
	}

	if err := c.repo.RecordTaskStart(ctx, req.UserID, req.EstimatedCost, now); err != nil {
		if derr := c.repo.DecrementConcurrent(ctx, req.UserID); derr != nil {
			c.logger.Error("failed to undo concurrency increment",
				zap.String("user_id", req.UserID), zap.Error(derr))
		}
		return nil, fmt.Errorf("recording task start for %s: %w", req.UserID, err)
	}

	metrics.Admissions.WithLabelValues("admitted").Inc()
	return &Reservation{
		UserID:         req.UserID,
		EstimatedCost:  req.EstimatedCost,
		DayStartedAt:   usage.DayStartedAt,
		MonthStartedAt: usage.MonthStartedAt,
		AdmittedAt:     now,
	}, nil
}

func check(l Limits, u *domain.UserUsage, req Request) *QuotaError {
	switch {
	case u.ConcurrentTasks >= l.MaxConcurrent:
		return &QuotaError{Code: CodeConcurrencyLimit, Limit: float64(l.MaxConcurrent), Current: float64(u.ConcurrentTasks)}
	case u.TasksThisHour >= l.MaxPerHour:
		return &QuotaError{Code: CodeHourlyLimit, Limit: float64(l.MaxPerHour), Current: float64(u.TasksThisHour)}
	case req.PromptLength > l.MaxPromptLength:
		return &QuotaError{Code: CodePromptTooLong, Limit: float64(l.MaxPromptLength), Current: float64(req.PromptLength)}
	case u.CostToday+req.EstimatedCost > l.DailyCostCap:
		return &QuotaError{Code: CodeDailyCostCap, Limit: l.DailyCostCap, Current: u.CostToday + req.EstimatedCost}
	case u.CostThisMonth+req.EstimatedCost > l.MonthlyCostCap:
		return &QuotaError{Code: CodeMonthlyCostCap, Limit: l.MonthlyCostCap, Current: u.CostThisMonth + req.EstimatedCost}
	}
	return nil
}

func (c *Controller) reject(userID string, qerr *QuotaError) {
	metrics.Admissions.WithLabelValues(string(qerr.Code)).Inc()
	c.logger.Info("admission rejected", zap.String("user_id", userID),
		zap.String("code", string(qerr.Code)), zap.String("reason", qerr.Error()))
}

// RecordActualCost settles a finished task: the estimate is swapped for the
// actual cost and the concurrency slot is returned. A window that rolled
// since admission no longer holds the estimate, so only the current
// window's share is corrected.
func (c *Controller) RecordActualCost(ctx context.Context, res *Reservation, actual float64) error {
	lock := c.userLock(res.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := c.now().UTC()
	usage, err := c.repo.GetOrCreate(ctx, res.UserID, now)
	if err != nil {
		return fmt.Errorf("loading usage for %s: %w", res.UserID, err)
	}
	if usage.Roll(now) {
		if err := c.repo.Update(ctx, usage); err != nil {
			return fmt.Errorf("rolling usage windows for %s: %w", res.UserID, err)
		}
	}

	dayDelta := actual
	if usage.DayStartedAt.Equal(res.DayStartedAt) {
		dayDelta = actual - res.EstimatedCost
	}
	monthDelta := actual
	if usage.MonthStartedAt.Equal(res.MonthStartedAt) {
		monthDelta = actual - res.EstimatedCost
	}

	if err := c.repo.RecordActualCost(ctx, res.UserID, dayDelta, monthDelta, now); err != nil {
		return fmt.Errorf("recording cost for %s: %w", res.UserID, err)
	}
	if err := c.repo.DecrementConcurrent(ctx, res.UserID); err != nil {
		return fmt.Errorf("releasing concurrency for %s: %w", res.UserID, err)
	}
	return nil
}

// Release returns a reservation whose task never ran (dispatch failed).
// The hourly count is kept: the attempt still happened.
func (c *Controller) Release(ctx context.Context, res *Reservation) error {
	return c.RecordActualCost(ctx, res, 0)
}

// Usage returns the current counters for a user with elapsed windows rolled
func (c *Controller) Usage(ctx context.Context, userID string) (*domain.UserUsage, error) {
	usage, err := c.repo.GetOrCreate(ctx, userID, c.now().UTC())
	if err != nil {
		return nil, err
	}
	usage.Roll(c.now().UTC())
	return usage, nil
}
