package domain

import "time"

// DispatchRecord is the gateway's memory of a task it sent to a worker. The
// webhook secret authenticates the worker's callbacks; the window starts let
// the cost reservation be settled against the right quota windows.
type DispatchRecord struct {
	TaskID         string     `json:"taskId"`
	UserID         string     `json:"userId"`
	Worker         string     `json:"worker"`
	EstimatedCost  float64    `json:"estimatedCost"`
	WebhookSecret  string     `json:"webhookSecret"`
	DayStartedAt   time.Time  `json:"dayStartedAt"`
	MonthStartedAt time.Time  `json:"monthStartedAt"`
	DispatchedAt   time.Time  `json:"dispatchedAt"`
	FinalizedAt    *time.Time `json:"finalizedAt,omitempty"`
}

// Finalized reports whether the task's outcome has already been settled
func (d *DispatchRecord) Finalized() bool {
	return d.FinalizedAt != nil
}
