// Package workers picks an execution worker for a task and sends it the
// signed dispatch. Workers are tried in fixed priority: the Mac first, the
// VM as overflow.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
)

const (
	DefaultHealthTTL    = 5 * time.Second
	DefaultCheckTimeout = 800 * time.Millisecond
)

// CodeNoCapacity is reported when no worker can take the task
const CodeNoCapacity = "NO_CAPACITY"

// WorkerError is returned when selection or dispatch fails for capacity reasons
type WorkerError struct {
	Code    string
	Message string
}

func (e *WorkerError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// Selector checks workers and returns the first with spare capacity
type Selector struct {
	workers []domain.WorkerConfig
	client  *http.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]domain.WorkerHealth
}

// NewSelector creates a selector. Workers are ordered Mac first, then VM,
// keeping the configured order within a location.
func NewSelector(workers []domain.WorkerConfig, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered := make([]domain.WorkerConfig, len(workers))
	copy(ordered, workers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priority(ordered[i].Location) < priority(ordered[j].Location)
	})
	return &Selector{
		workers: ordered,
		client:  &http.Client{},
		ttl:     DefaultHealthTTL,
		timeout: DefaultCheckTimeout,
		logger:  logger.Named("selector"),
		now:     time.Now,
		cache:   make(map[string]domain.WorkerHealth),
	}
}

func priority(loc domain.WorkerLocation) int {
	switch loc {
	case domain.LocationMac:
		return 0
	case domain.LocationVM:
		return 1
	}
	return 2
}

// Workers returns the configured workers in priority order
func (s *Selector) Workers() []domain.WorkerConfig {
	out := make([]domain.WorkerConfig, len(s.workers))
	copy(out, s.workers)
	return out
}

// Worker looks up a configured worker by name
func (s *Selector) Worker(name string) (domain.WorkerConfig, bool) {
	for _, w := range s.workers {
		if w.Name == name {
			return w, true
		}
	}
	return domain.WorkerConfig{}, false
}

// FindAvailableWorker returns the highest-priority healthy worker with a free slot
func (s *Selector) FindAvailableWorker(ctx context.Context) (domain.WorkerConfig, error) {
	return s.findExcluding(ctx, nil)
}

// findExcluding is FindAvailableWorker skipping workers already tried
func (s *Selector) findExcluding(ctx context.Context, skip map[string]bool) (domain.WorkerConfig, error) {
	for _, w := range s.workers {
		if skip[w.Name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return domain.WorkerConfig{}, err
		}
		h := s.Health(ctx, w)
		if h.HasCapacity() {
			metrics.WorkerSelections.WithLabelValues(w.Name).Inc()
			return w, nil
		}
		s.logger.Debug("worker unavailable", zap.String("worker", w.Name),
			zap.Bool("healthy", h.Healthy), zap.Int("available", h.Available), zap.String("error", h.Error))
	}
	metrics.WorkerSelections.WithLabelValues("none").Inc()
	return domain.WorkerConfig{}, &WorkerError{Code: CodeNoCapacity, Message: "no worker has a free slot"}
}

// Health returns the cached health check result for w, checking again if the entry is
// older than the TTL. Concurrent callers share one check.
func (s *Selector) Health(ctx context.Context, w domain.WorkerConfig) domain.WorkerHealth {
	s.mu.Lock()
	h, ok := s.cache[w.Name]
	s.mu.Unlock()
	if ok && s.now().Sub(h.CheckedAt) < s.ttl {
		return h
	}

	ch := s.group.DoChan(w.Name, func() (interface{}, error) {
		// Detached from the caller so one cancelled request does not fail
		// the check for everyone waiting on it.
		checkCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		h := s.check(checkCtx, w)
		s.mu.Lock()
		s.cache[w.Name] = h
		s.mu.Unlock()
		return h, nil
	})

	select {
	case res := <-ch:
		return res.Val.(domain.WorkerHealth)
	case <-ctx.Done():
		return domain.WorkerHealth{CheckedAt: s.now(), Error: ctx.Err().Error()}
	}
}

// Invalidate drops the cached health of a worker, e.g. after it refused a
// dispatch for capacity
func (s *Selector) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
}

// Snapshot returns the cached health of every worker without probing
func (s *Selector) Snapshot() map[string]domain.WorkerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.WorkerHealth, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

func (s *Selector) check(ctx context.Context, w domain.WorkerConfig) domain.WorkerHealth {
	h := domain.WorkerHealth{Capacity: w.Capacity, CheckedAt: s.now()}
	report, err := s.fetchHealth(ctx, w)
	if err != nil {
		h.Error = err.Error()
		metrics.WorkerHealthChecks.WithLabelValues(w.Name, "false").Inc()
		s.logger.Warn("health check failed", zap.String("worker", w.Name), zap.Error(err))
		return h
	}

	h.Status = report.Status
	h.Healthy = report.Status.AcceptsWork()
	h.Running = report.Running
	if report.Capacity > 0 {
		h.Capacity = report.Capacity
	}
	h.Available = report.Available
	if h.Available > h.Capacity-h.Running {
		h.Available = h.Capacity - h.Running
	}
	if h.Available < 0 {
		h.Available = 0
	}
	metrics.WorkerHealthChecks.WithLabelValues(w.Name, strconv.FormatBool(h.Healthy)).Inc()
	return h
}

func (s *Selector) fetchHealth(ctx context.Context, w domain.WorkerConfig) (*domain.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.BaseURL, "/")+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var report domain.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding health (HTTP %d): %w", resp.StatusCode, err)
	}
	// A 503 still carries a report; the status field decides.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	return &report, nil
}
