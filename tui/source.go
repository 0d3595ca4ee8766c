package tui

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
)

// WorkerView is one worker's row on the dashboard
type WorkerView struct {
	Name     string
	Location domain.WorkerLocation
	Report   *domain.HealthReport
	Err      string
}

// TaskRow is a task together with the worker that owns it
type TaskRow struct {
	Worker string
	Task   *domain.Task
}

// Snapshot is one poll of every worker
type Snapshot struct {
	Workers   []WorkerView
	Tasks     []TaskRow
	FetchedAt time.Time
}

// Source loads dashboard data
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Logs(ctx context.Context, worker, taskID string) (string, error)
}

// ClientSource polls orchestrators over their signed HTTP API
type ClientSource struct {
	client  *workers.Client
	workers []domain.WorkerConfig
}

// NewClientSource creates a source over the given workers
func NewClientSource(client *workers.Client, pool []domain.WorkerConfig) *ClientSource {
	return &ClientSource{client: client, workers: pool}
}

// Snapshot polls all workers in parallel. An unreachable worker shows up
// with its error instead of failing the whole snapshot.
func (s *ClientSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Workers: make([]WorkerView, len(s.workers)), FetchedAt: time.Now()}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, w := range s.workers {
		g.Go(func() error {
			view := WorkerView{Name: w.Name, Location: w.Location}
			report, err := s.client.Report(ctx, w)
			if err != nil {
				view.Err = err.Error()
				snap.Workers[i] = view
				return nil
			}
			view.Report = report

			tasks, err := s.client.Tasks(ctx, w, "")
			if err != nil {
				view.Err = err.Error()
			}
			snap.Workers[i] = view

			mu.Lock()
			defer mu.Unlock()
			for _, t := range tasks {
				snap.Tasks = append(snap.Tasks, TaskRow{Worker: w.Name, Task: t})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	sortTasks(snap.Tasks)
	return snap, nil
}

// Logs fetches one task's log from its worker
func (s *ClientSource) Logs(ctx context.Context, worker, taskID string) (string, error) {
	for _, w := range s.workers {
		if w.Name == worker {
			return s.client.Logs(ctx, w, taskID)
		}
	}
	return "", domain.ErrNotFound
}

// statusRank orders active work first
var statusRank = map[domain.TaskStatus]int{
	domain.StatusRunning:     0,
	domain.StatusQueued:      1,
	domain.StatusInterrupted: 2,
	domain.StatusFailed:      3,
	domain.StatusCancelled:   4,
	domain.StatusCompleted:   5,
}

// sortTasks orders by status, then newest first
func sortTasks(rows []TaskRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Task, rows[j].Task
		if statusRank[a.Status] != statusRank[b.Status] {
			return statusRank[a.Status] < statusRank[b.Status]
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}
