package domain

import "time"

// WorkerLocation tags the two execution hosts
type WorkerLocation string

const (
	LocationMac WorkerLocation = "mac"
	LocationVM  WorkerLocation = "vm"
)

// WorkerConfig is the static description of a worker
type WorkerConfig struct {
	Name     string         `json:"name" toml:"name" yaml:"name"`
	Location WorkerLocation `json:"location" toml:"location" yaml:"location"`
	BaseURL  string         `json:"baseUrl" toml:"base_url" yaml:"base_url"`
	Capacity int            `json:"capacity" toml:"capacity" yaml:"capacity"`
}

// WorkerHealth is the cached result of one health check
type WorkerHealth struct {
	Healthy   bool               `json:"healthy"`
	Status    OrchestratorStatus `json:"status,omitempty"`
	Capacity  int                `json:"capacity"`
	Running   int                `json:"running"`
	Available int                `json:"available"`
	CheckedAt time.Time          `json:"checkedAt"`
	Error     string             `json:"error,omitempty"`
}

// HasCapacity reports whether the worker can take another task
func (h WorkerHealth) HasCapacity() bool {
	return h.Healthy && h.Available > 0
}

// HealthReport is the body of an orchestrator's GET /health
type HealthReport struct {
	Status               OrchestratorStatus `json:"status"`
	Capacity             int                `json:"capacity"`
	Running              int                `json:"running"`
	Available            int                `json:"available"`
	Queued               int                `json:"queued"`
	PendingWebhooks      int                `json:"pendingWebhooks"`
	GitHubTokenExpiresAt *time.Time         `json:"githubTokenExpiresAt,omitempty"`
	Version              string             `json:"version,omitempty"`
}
