package domain

import "time"

// TaskCompletion reports a task's outcome. Workers send it to the
// orchestrator, and the orchestrator forwards it to the task's webhook URL.
type TaskCompletion struct {
	TaskID     string      `json:"taskId"`
	UserID     string      `json:"userId,omitempty"`
	Status     TaskStatus  `json:"status"`
	Result     *TaskResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
}

// Succeeded reports whether the task completed
func (c TaskCompletion) Succeeded() bool {
	return c.Status == StatusCompleted
}

// CostUSD returns the reported cost, zero when no result was sent
func (c TaskCompletion) CostUSD() float64 {
	if c.Result == nil {
		return 0
	}
	return c.Result.CostUSD
}
