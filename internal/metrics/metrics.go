// Package metrics exposes devbot's Prometheus collectors. Everything is
// registered on the default registry at init time and served by the
// daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts inbound webhook deliveries by event kind and
	// trigger decision (triggered, ignored, duplicate, rejected).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devbot_webhook_events_total",
		Help: "Inbound webhook deliveries by event kind and trigger decision",
	}, []string{"kind", "decision"})

	// TaskTransitions counts task status changes by target status.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devbot_task_transitions_total",
		Help: "Task status transitions by target status",
	}, []string{"status"})

	// GateInFlight tracks how many pipelines currently hold a permit.
	GateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devbot_gate_in_flight",
		Help: "Pipelines currently holding a concurrency permit",
	})

	// GateCapacity reports the configured permit ceiling.
	GateCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devbot_gate_capacity",
		Help: "Configured maximum number of concurrent pipelines",
	})

	// AgentAttempts counts agent subprocess attempts by outcome
	// (success, failure, timeout, cancelled).
	AgentAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devbot_agent_attempts_total",
		Help: "Agent subprocess attempts by outcome",
	}, []string{"outcome"})

	// AgentAttemptSeconds tracks how long individual agent attempts run.
	AgentAttemptSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devbot_agent_attempt_seconds",
		Help:    "Agent subprocess attempt duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	})

	// PipelineRunSeconds tracks end-to-end pipeline duration from the
	// running transition to the terminal one.
	PipelineRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devbot_pipeline_run_seconds",
		Help:    "End-to-end pipeline run duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// Proposals counts change proposal outcomes (created, adopted,
	// skipped, failed).
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devbot_proposals_total",
		Help: "Change proposal outcomes at the end of a pipeline run",
	}, []string{"outcome"})

	// StreamFollowers tracks open log-stream connections.
	StreamFollowers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devbot_stream_followers",
		Help: "Currently open task log stream connections",
	})

	// ForgeRequests counts outbound code-host API calls by operation and
	// result (ok, error).
	ForgeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devbot_forge_requests_total",
		Help: "Outbound code-host API requests by operation and result",
	}, []string{"operation", "result"})
)
