package orchestrator

import (
	"context"
	"sort"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// The orchestrator state backs the credential manager, the webhook queue and
// the reconciler. Each accessor returns copies; each setter is a mutation.

// GitHubToken returns the cached installation token, nil if none
func (o *Orchestrator) GitHubToken() *domain.GitHubToken {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.GitHubToken == nil {
		return nil
	}
	tok := *o.state.GitHubToken
	return &tok
}

// SetGitHubToken persists a fresh token
func (o *Orchestrator) SetGitHubToken(ctx context.Context, tok *domain.GitHubToken) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mutate(ctx, func(st *domain.OrchestratorState) error {
		if tok == nil {
			st.GitHubToken = nil
			return nil
		}
		c := *tok
		st.GitHubToken = &c
		return nil
	})
}

// PendingWebhooks returns the undelivered webhooks in queue order
func (o *Orchestrator) PendingWebhooks() []domain.PendingWebhook {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.PendingWebhook(nil), o.state.PendingWebhooks...)
}

// EnqueueWebhook appends wh to the queue
func (o *Orchestrator) EnqueueWebhook(ctx context.Context, wh domain.PendingWebhook) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mutate(ctx, func(st *domain.OrchestratorState) error {
		st.PendingWebhooks = append(st.PendingWebhooks, wh)
		return nil
	})
}

// UpdateWebhook replaces the queued entry with the same id
func (o *Orchestrator) UpdateWebhook(ctx context.Context, wh domain.PendingWebhook) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if webhookIndex(o.state.PendingWebhooks, wh.ID) < 0 {
		return nil
	}
	return o.mutate(ctx, func(st *domain.OrchestratorState) error {
		st.PendingWebhooks[webhookIndex(st.PendingWebhooks, wh.ID)] = wh
		return nil
	})
}

// RemoveWebhook drops the entry with id from the queue
func (o *Orchestrator) RemoveWebhook(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if webhookIndex(o.state.PendingWebhooks, id) < 0 {
		return nil
	}
	return o.mutate(ctx, func(st *domain.OrchestratorState) error {
		i := webhookIndex(st.PendingWebhooks, id)
		st.PendingWebhooks = append(st.PendingWebhooks[:i], st.PendingWebhooks[i+1:]...)
		return nil
	})
}

func webhookIndex(list []domain.PendingWebhook, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// WorktreePaths returns the worktree path of every tracked task, terminal
// ones included
func (o *Orchestrator) WorktreePaths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.state.Tasks))
	for _, t := range o.state.Tasks {
		if t.WorktreePath != "" {
			paths = append(paths, t.WorktreePath)
		}
	}
	sort.Strings(paths)
	return paths
}
