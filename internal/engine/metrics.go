package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Agent Metrics
// =============================================================================

// Metrics exposes the agent's counters to Prometheus. The same numbers back
// the in-memory Stats snapshot.
type Metrics struct {
	cycles     prometheus.Counter
	processed  prometheus.Counter
	succeeded  prometheus.Counter
	failed     prometheus.Counter
	rolledBack prometheus.Counter
	panics     prometheus.Counter
	errors     prometheus.Counter
}

// NewMetrics creates and registers the agent counters. A nil registerer
// leaves the counters unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "poll_cycles_total",
			Help:      "Completed polling cycles.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "tasks_processed_total",
			Help:      "Deployment tasks dispatched to the orchestrator.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "deployments_succeeded_total",
			Help:      "Deployments that reached deployed status.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "deployments_failed_total",
			Help:      "Deployments that reached deployment_failed status.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "deployments_rolled_back_total",
			Help:      "Deployments that failed and were rolled back.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "task_panics_total",
			Help:      "Panics recovered at the task processing boundary.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployd",
			Name:      "agent_errors_total",
			Help:      "Uncaught task errors and failed polling cycles.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.processed, m.succeeded, m.failed, m.rolledBack, m.panics, m.errors)
	}
	return m
}
