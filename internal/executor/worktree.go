package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeManager handles git worktree operations. Every task gets its own
// worktree at <worktreeDir>/<taskID> on branch task/<taskID>.
type WorktreeManager struct {
	worktreeDir string
	repoBase    string
	defaultRepo string
}

// NewWorktreeManager creates a new WorktreeManager. repoBase holds local
// clones laid out as <owner>/<name>; defaultRepo is used for tasks that do
// not name a repository.
func NewWorktreeManager(worktreeDir, repoBase, defaultRepo string) *WorktreeManager {
	return &WorktreeManager{
		worktreeDir: worktreeDir,
		repoBase:    repoBase,
		defaultRepo: defaultRepo,
	}
}

// Dir returns the worktree base directory
func (m *WorktreeManager) Dir() string {
	return m.worktreeDir
}

// Path returns where the worktree for taskID lives
func (m *WorktreeManager) Path(taskID string) string {
	return filepath.Join(m.worktreeDir, taskID)
}

// BranchName returns the branch name for a task
func BranchName(taskID string) string {
	return "task/" + taskID
}

// RepoDir resolves a task's repository to a local clone. An absolute path
// is used as is; "owner/name" maps to <repoBase>/owner/name.
func (m *WorktreeManager) RepoDir(repository string) (string, error) {
	if repository == "" {
		repository = m.defaultRepo
	}
	if repository == "" {
		return "", fmt.Errorf("no repository given and no default repository configured")
	}

	dir := repository
	if !filepath.IsAbs(repository) {
		name := strings.TrimSuffix(strings.TrimPrefix(repository, "https://github.com/"), ".git")
		if strings.Contains(name, "..") {
			return "", fmt.Errorf("invalid repository %q", repository)
		}
		dir = filepath.Join(m.repoBase, filepath.FromSlash(name))
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return "", fmt.Errorf("repository %q is not cloned at %s", repository, dir)
	}
	return dir, nil
}

// Repos returns every local clone the manager knows about: the default
// repository plus <repoBase>/<owner>/<name> directories
func (m *WorktreeManager) Repos() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(dir string) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	if m.defaultRepo != "" {
		if dir, err := m.RepoDir(m.defaultRepo); err == nil {
			add(dir)
		}
	}
	if m.repoBase != "" {
		matches, _ := filepath.Glob(filepath.Join(m.repoBase, "*", "*", ".git"))
		for _, gitDir := range matches {
			add(filepath.Dir(gitDir))
		}
	}
	return out
}

// Create creates the worktree for a task from baseBranch. A leftover
// worktree or branch with the same name is cleaned up first.
func (m *WorktreeManager) Create(ctx context.Context, taskID, repoDir, baseBranch string) (string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	branch := BranchName(taskID)
	wtPath := m.Path(taskID)
	m.cleanupExisting(ctx, repoDir, wtPath, branch)

	if baseBranch == "" {
		baseBranch = "main"
	}

	// Remote might not exist (tests, local-only repos)
	git(ctx, repoDir, "fetch", "origin", baseBranch)

	base := "HEAD"
	for _, ref := range []string{"origin/" + baseBranch, baseBranch} {
		if _, err := git(ctx, repoDir, "rev-parse", "--verify", "--quiet", ref); err == nil {
			base = ref
			break
		}
	}

	if out, err := git(ctx, repoDir, "worktree", "add", "-b", branch, wtPath, base); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}
	return wtPath, nil
}

// cleanupExisting removes a stale worktree and branch left by an earlier attempt
func (m *WorktreeManager) cleanupExisting(ctx context.Context, repoDir, wtPath, branch string) {
	git(ctx, repoDir, "worktree", "prune")

	entries, _ := listWorktrees(ctx, repoDir)
	for _, e := range entries {
		if e.path == wtPath || e.branch == "refs/heads/"+branch {
			git(ctx, repoDir, "worktree", "remove", "--force", e.path)
		}
	}
	if _, err := os.Stat(wtPath); err == nil {
		os.RemoveAll(wtPath)
		git(ctx, repoDir, "worktree", "prune")
	}

	git(ctx, repoDir, "branch", "-D", branch)
}

// Remove removes a worktree and its task branch
func (m *WorktreeManager) Remove(ctx context.Context, repoDir, wtPath string) error {
	branchOut, _ := git(ctx, wtPath, "rev-parse", "--abbrev-ref", "HEAD")
	branch := strings.TrimSpace(branchOut)

	if out, err := git(ctx, repoDir, "worktree", "remove", "--force", wtPath); err != nil {
		// Directory already gone or never registered: clear what is left
		if _, statErr := os.Stat(wtPath); statErr == nil {
			if rmErr := os.RemoveAll(wtPath); rmErr != nil {
				return fmt.Errorf("git worktree remove: %s: %w", out, err)
			}
		}
		git(ctx, repoDir, "worktree", "prune")
	}

	if strings.HasPrefix(branch, "task/") {
		git(ctx, repoDir, "branch", "-D", branch)
	}
	return nil
}

// List returns the worktree paths of repoDir that live under the worktree base
func (m *WorktreeManager) List(ctx context.Context, repoDir string) ([]string, error) {
	entries, err := listWorktrees(ctx, repoDir)
	if err != nil {
		return nil, err
	}

	base := filepath.Clean(m.worktreeDir) + string(filepath.Separator)
	resolvedBase := base
	if r, err := filepath.EvalSymlinks(m.worktreeDir); err == nil {
		resolvedBase = filepath.Clean(r) + string(filepath.Separator)
	}

	var paths []string
	for _, e := range entries {
		p := filepath.Clean(e.path)
		switch {
		case strings.HasPrefix(p, base):
			paths = append(paths, p)
		case strings.HasPrefix(p, resolvedBase):
			// git reports resolved paths (e.g. /private/var on macOS)
			paths = append(paths, filepath.Join(m.worktreeDir, strings.TrimPrefix(p, resolvedBase)))
		}
	}
	return paths, nil
}

type worktreeEntry struct {
	path   string
	branch string
}

// listWorktrees parses `git worktree list --porcelain`
func listWorktrees(ctx context.Context, repoDir string) ([]worktreeEntry, error) {
	out, err := git(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %s: %w", strings.TrimSpace(out), err)
	}

	var entries []worktreeEntry
	var cur *worktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			entries = append(entries, worktreeEntry{path: strings.TrimPrefix(line, "worktree ")})
			cur = &entries[len(entries)-1]
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.branch = strings.TrimPrefix(line, "branch ")
		case line == "":
			cur = nil
		}
	}
	return entries, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
