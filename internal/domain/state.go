package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// GitHubToken is a short-lived installation credential
type GitHubToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidFor reports whether the token is still usable for at least margin
func (g *GitHubToken) ValidFor(now time.Time, margin time.Duration) bool {
	if g == nil || g.Token == "" {
		return false
	}
	return g.ExpiresAt.Sub(now) > margin
}

// PendingWebhook is an undelivered notification
type PendingWebhook struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Kind          WebhookKind     `json:"kind"`
	URL           string          `json:"url"`
	Secret        string          `json:"secret"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"createdAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
}

// OrchestratorState is the single persisted aggregate root
type OrchestratorState struct {
	Tasks           map[string]*Task `json:"tasks"`
	GitHubToken     *GitHubToken     `json:"githubToken"`
	PendingWebhooks []PendingWebhook `json:"pendingWebhooks"`
}

// NewState returns the empty initial state
func NewState() *OrchestratorState {
	return &OrchestratorState{
		Tasks:           make(map[string]*Task),
		PendingWebhooks: []PendingWebhook{},
	}
}

// Normalize fills nil collections left by older or hand-edited snapshots
func (s *OrchestratorState) Normalize() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.PendingWebhooks == nil {
		s.PendingWebhooks = []PendingWebhook{}
	}
}

// Clone returns a deep copy so mutations can be rolled back by discarding it
func (s *OrchestratorState) Clone() *OrchestratorState {
	c := &OrchestratorState{
		Tasks:           make(map[string]*Task, len(s.Tasks)),
		PendingWebhooks: make([]PendingWebhook, len(s.PendingWebhooks)),
	}
	for id, t := range s.Tasks {
		c.Tasks[id] = t.Clone()
	}
	copy(c.PendingWebhooks, s.PendingWebhooks)
	if s.GitHubToken != nil {
		tok := *s.GitHubToken
		c.GitHubToken = &tok
	}
	return c
}

// ActiveByDedupKey returns the non-terminal task holding key, if any
func (s *OrchestratorState) ActiveByDedupKey(key string) *Task {
	for _, t := range s.Tasks {
		if t.DedupKey == key && !t.Status.IsTerminal() {
			return t
		}
	}
	return nil
}

// ActiveByWorktree returns the non-terminal task owning path, if any
func (s *OrchestratorState) ActiveByWorktree(path string) *Task {
	if path == "" {
		return nil
	}
	for _, t := range s.Tasks {
		if t.WorktreePath == path && !t.Status.IsTerminal() {
			return t
		}
	}
	return nil
}

// CountByStatus counts tasks in the given status
func (s *OrchestratorState) CountByStatus(status TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// LogChunk is an ordered segment of agent output
type LogChunk struct {
	TaskID     string    `json:"taskId"`
	Sequence   int64     `json:"sequence"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}
