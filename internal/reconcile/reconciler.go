// Package reconcile compares the git worktrees on disk with the tasks in the
// orchestrator state and reports worktrees no task owns. It never deletes.
package reconcile

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
)

// Worktrees lists the worktrees that exist on disk
type Worktrees interface {
	List(ctx context.Context, repoDir string) ([]string, error)
	RepoDir(repository string) (string, error)
	Repos() []string
}

// Tasks exposes the worktree paths recorded in the orchestrator state
type Tasks interface {
	WorktreePaths() []string
}

// Report is the outcome of one reconcile pass
type Report struct {
	CheckedAt time.Time `json:"checkedAt"`
	Repos     []string  `json:"repos"`
	Orphans   []string  `json:"orphans"`
}

// Reconciler finds orphaned worktrees
type Reconciler struct {
	worktrees Worktrees
	tasks     Tasks
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	last Report
}

// New creates a Reconciler
func New(worktrees Worktrees, tasks Tasks, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		worktrees: worktrees,
		tasks:     tasks,
		logger:    logger.Named("reconcile"),
		now:       time.Now,
	}
}

// DetectOrphanWorktrees returns worktrees of repository under the worktree
// base that no tracked task references. Failures are logged and yield no
// orphans.
func (r *Reconciler) DetectOrphanWorktrees(ctx context.Context, repository string) []string {
	repoDir, err := r.worktrees.RepoDir(repository)
	if err != nil {
		r.logger.Warn("cannot resolve repository", zap.String("repository", repository), zap.Error(err))
		return nil
	}
	return r.detect(ctx, repoDir)
}

func (r *Reconciler) detect(ctx context.Context, repoDir string) []string {
	paths, err := r.worktrees.List(ctx, repoDir)
	if err != nil {
		r.logger.Warn("listing worktrees failed", zap.String("repo", repoDir), zap.Error(err))
		return nil
	}

	tracked := make(map[string]bool)
	for _, p := range r.tasks.WorktreePaths() {
		if p != "" {
			tracked[filepath.Clean(p)] = true
		}
	}

	var orphans []string
	for _, p := range paths {
		if !tracked[filepath.Clean(p)] {
			orphans = append(orphans, p)
		}
	}
	sort.Strings(orphans)
	return orphans
}

// Run reconciles every known repository and records the report
func (r *Reconciler) Run(ctx context.Context) Report {
	report := Report{CheckedAt: r.now(), Repos: r.worktrees.Repos(), Orphans: []string{}}
	for _, repoDir := range report.Repos {
		if ctx.Err() != nil {
			break
		}
		report.Orphans = append(report.Orphans, r.detect(ctx, repoDir)...)
	}
	sort.Strings(report.Orphans)

	metrics.OrphanWorktrees.Set(float64(len(report.Orphans)))
	if len(report.Orphans) > 0 {
		r.logger.Warn("orphaned worktrees found", zap.Strings("paths", report.Orphans))
	} else {
		r.logger.Debug("no orphaned worktrees", zap.Int("repos", len(report.Repos)))
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report
}

// Last returns the most recent report
func (r *Reconciler) Last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
