package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTaskID checks that a caller-supplied id is safe to use as a
// directory name under the worktree and log bases
func ValidateTaskID(id string) error {
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("invalid task ID %q (expected [A-Za-z0-9._-], max 128 chars)", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("invalid task ID %q", id)
	}
	return nil
}

// TaskResult holds what the agent reported on completion
type TaskResult struct {
	Summary      string  `json:"summary,omitempty"`
	PRURL        string  `json:"prUrl,omitempty"`
	Branch       string  `json:"branch,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	TokensInput  int     `json:"tokensInput,omitempty"`
	TokensOutput int     `json:"tokensOutput,omitempty"`
}

// Task is one unit of dispatched work
type Task struct {
	ID               string     `json:"taskId"`
	UserID           string     `json:"userId,omitempty"`
	WorkerType       WorkerType `json:"workerType"`
	Prompt           string     `json:"prompt"`
	Repository       string     `json:"repository,omitempty"`
	BaseBranch       string     `json:"baseBranch,omitempty"`
	LinearIssueID    string     `json:"linearIssueId,omitempty"`
	LinearIssueTitle string     `json:"linearIssueTitle,omitempty"`
	Slug             string     `json:"slug,omitempty"`
	ActionID         string     `json:"actionId,omitempty"`

	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
	LogWebhookURL string `json:"logWebhookUrl,omitempty"`

	Status        TaskStatus  `json:"status"`
	WorktreePath  string      `json:"worktreePath,omitempty"`
	DedupKey      string      `json:"dedupKey"`
	LogSequence   int64       `json:"logSequence"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty"`
}

// Transition moves the task along an FSM edge
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	if to.IsTerminal() {
		finished := now
		t.FinishedAt = &finished
	}
	return nil
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// NeedsGitHub reports whether starting the task requires an installation token
func (t *Task) NeedsGitHub() bool {
	return t.Repository != ""
}

// DedupKey derives the key that guards against dispatching the same logical
// request twice. An explicit action id wins, then the Linear issue, then a
// digest of what the agent would actually do.
func DedupKey(userID, actionID, linearIssueID, repository, baseBranch, prompt string) string {
	switch {
	case actionID != "":
		return "action:" + actionID
	case linearIssueID != "":
		return "linear:" + linearIssueID
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{userID, repository, baseBranch, prompt}, "\x00")))
	return "prompt:" + hex.EncodeToString(sum[:8])
}
