// Package metrics declares the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finagent"

// ─── Orchestrator ───────────────────────────────────────────────────────────

// EventsProcessed counts dispatched events by type and outcome (ok|failed).
var EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "events_processed_total",
	Help:      "Events dispatched to an agent handler.",
}, []string{"type", "outcome"})

var EventsUnroutable = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "events_unroutable_total",
	Help:      "Events rejected because no route exists for their type.",
})

var EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "events_duplicate_total",
	Help:      "Events skipped by the idempotency check.",
})

// JobSteps counts scheduled job steps by job, step and outcome.
var JobSteps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "orchestrator",
	Name:      "job_steps_total",
	Help:      "Scheduled job steps run.",
}, []string{"job", "step", "outcome"})

// ─── Agents ─────────────────────────────────────────────────────────────────

var AgentActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "agent",
	Name:      "actions_total",
	Help:      "Action log entries written, by agent and action.",
}, []string{"agent", "action"})

var ApprovalsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "agent",
	Name:      "approvals_requested_total",
	Help:      "Approval requests created, by agent and approval type.",
}, []string{"agent", "type"})

var ProcessingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "agent",
	Name:      "processing_errors_total",
	Help:      "Items that failed inside an agent handler.",
}, []string{"agent"})

// ─── Audit and notifications ────────────────────────────────────────────────

var AuditDurableFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "durable_failures_total",
	Help:      "Action log entries kept only in the in-memory ring.",
})

// NotificationDeliveries counts sink calls by outcome (sent|failed).
var NotificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Notification sink deliveries.",
}, []string{"outcome"})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
