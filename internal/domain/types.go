package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusInterrupted TaskStatus = "interrupted"
	StatusCancelled   TaskStatus = "cancelled"
)

// transitions lists every legal FSM edge. Anything absent is rejected.
var transitions = map[TaskStatus][]TaskStatus{
	StatusQueued:      {StatusRunning, StatusCancelled},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted},
	StatusInterrupted: {StatusQueued, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the task FSM
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerType selects the coding agent that executes a task
type WorkerType string

const (
	WorkerOpus WorkerType = "opus"
	WorkerAuto WorkerType = "auto"
	WorkerGLM  WorkerType = "glm"
)

// Valid reports whether w is a supported worker type
func (w WorkerType) Valid() bool {
	switch w {
	case WorkerOpus, WorkerAuto, WorkerGLM:
		return true
	}
	return false
}

// OrchestratorStatus is the health state reported by /health
type OrchestratorStatus string

const (
	OrchestratorInitializing OrchestratorStatus = "initializing"
	OrchestratorRecovering   OrchestratorStatus = "recovering"
	OrchestratorReady        OrchestratorStatus = "ready"
	OrchestratorDegraded     OrchestratorStatus = "degraded"
	OrchestratorAuthDegraded OrchestratorStatus = "auth_degraded"
	OrchestratorShuttingDown OrchestratorStatus = "shutting_down"
)

// AcceptsWork reports whether a worker in this status can take new tasks
func (s OrchestratorStatus) AcceptsWork() bool {
	switch s {
	case OrchestratorReady, OrchestratorDegraded, OrchestratorAuthDegraded:
		return true
	}
	return false
}

// WebhookKind distinguishes queued notifications
type WebhookKind string

const (
	WebhookTaskComplete WebhookKind = "task-complete"
	WebhookLogChunk     WebhookKind = "log-chunk"
)
