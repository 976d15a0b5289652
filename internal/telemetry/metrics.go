package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the orchestrator.
type Metrics struct {
	StateTransitions  *prometheus.CounterVec
	TransitionErrors  *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	SessionDuration   *prometheus.HistogramVec
	HandoffsTotal     *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	JiraSyncTotal     *prometheus.CounterVec
	JiraAPIRequests   *prometheus.CounterVec
	JiraRateLimited   prometheus.Counter
	OutputLinesTotal  prometheus.Counter
	EscalationsTotal  prometheus.Counter
	LockContention    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_state_transitions_total",
				Help: "Accepted pipeline state transitions",
			},
			[]string{"from", "to"},
		),
		TransitionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_transition_errors_total",
				Help: "Rejected or failed pipeline transitions",
			},
			[]string{"reason"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cli_sessions_active",
				Help: "Currently running CLI agent sessions",
			},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cli_session_duration_seconds",
				Help:    "Wall-clock duration of finished CLI sessions",
				Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"agent_type", "outcome"},
		),
		HandoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_handoffs_total",
				Help: "Processed agent handoffs by type",
			},
			[]string{"handoff_type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_handoff_queue_depth",
				Help: "Queued handoffs per workspace",
			},
			[]string{"workspace"},
		),
		JiraSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jira_sync_operations_total",
				Help: "Jira sync operations by direction and result",
			},
			[]string{"direction", "result"},
		),
		JiraAPIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jira_api_requests_total",
				Help: "Jira REST requests by method and status",
			},
			[]string{"method", "status"},
		),
		JiraRateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jira_rate_limited_total",
				Help: "Requests rejected by the local rate limiter",
			},
		),
		OutputLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cli_output_lines_total",
				Help: "Lines streamed from CLI sessions",
			},
		),
		EscalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_escalations_total",
				Help: "QA loops escalated to a human",
			},
		),
		LockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distributed_lock_contention_total",
				Help: "Failed distributed lock acquisitions",
			},
			[]string{"lock"},
		),
	}

	prometheus.MustRegister(
		m.StateTransitions,
		m.TransitionErrors,
		m.ActiveSessions,
		m.SessionDuration,
		m.HandoffsTotal,
		m.QueueDepth,
		m.JiraSyncTotal,
		m.JiraAPIRequests,
		m.JiraRateLimited,
		m.OutputLinesTotal,
		m.EscalationsTotal,
		m.LockContention,
	)

	return m
}
