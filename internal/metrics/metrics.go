// Package metrics declares the Prometheus collectors shared by the gateway
// and the orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskorch"

var (
	// ─── Gateway ────────────────────────────────────────────────────────────────

	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions, labelled by result (admitted or a quota code).",
	}, []string{"result"})

	WorkerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "selections_total",
		Help:      "Worker selections, labelled by chosen worker or none.",
	}, []string{"worker"})

	WorkerHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workers",
		Name:      "health_checks_total",
		Help:      "Health checks actually sent, labelled by worker and outcome.",
	}, []string{"worker", "healthy"})

	// ─── Orchestrator ───────────────────────────────────────────────────────────

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Tasks reaching a terminal or interrupted state.",
	}, []string{"status"})

	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "running",
		Help:      "Tasks currently running on this orchestrator.",
	})

	ZombiesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "zombies_reclaimed_total",
		Help:      "Running tasks marked interrupted for missing heartbeats.",
	})

	StatePersists = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "state",
		Name:      "persists_total",
		Help:      "State file writes, labelled by result.",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts, labelled by kind and result.",
	}, []string{"kind", "result"})

	WebhookDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "dead_letters_total",
		Help:      "Webhooks abandoned after exhausting retries.",
	}, []string{"kind"})

	WebhookQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "queue_depth",
		Help:      "Pending webhook deliveries.",
	})

	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "github",
		Name:      "token_refreshes_total",
		Help:      "Installation token refreshes, labelled by result.",
	}, []string{"result"})

	OrphanWorktrees = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "orphan_worktrees",
		Help:      "Worktrees found by the last reconcile with no owning task.",
	})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
