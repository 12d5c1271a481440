package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// vmgate metrics collectors, shared by the master and agent daemons
var (
	// Agent registry

	Agents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmgate_agents",
			Help: "Number of registered agents by liveness status",
		},
		[]string{"status"},
	)

	AgentRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_agent_registrations_total",
			Help: "Total number of agent registrations",
		},
		[]string{"result"},
	)

	AgentHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_agent_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
		[]string{"known"},
	)

	AgentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_agent_status_transitions_total",
			Help: "Liveness transitions applied by the sweep",
		},
		[]string{"to"},
	)

	// Master to agent calls

	AgentCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_agent_calls_total",
			Help: "Outbound calls from the master to agents",
		},
		[]string{"agent_id", "operation", "result"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmgate_agent_call_duration_seconds",
			Help:    "Outbound agent call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// Command runner

	MultipassCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmgate_multipass_command_duration_seconds",
			Help:    "multipass invocation latency in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"command", "result"},
	)

	// Terminal relay

	RelaySessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmgate_relay_sessions_active",
			Help: "Number of open terminal relay sessions",
		},
		[]string{"path"},
	)

	RelaySessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_relay_sessions_total",
			Help: "Terminal relay sessions by outcome",
		},
		[]string{"path", "result"},
	)

	RelaySessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmgate_relay_session_duration_seconds",
			Help:    "Terminal relay session lifetime in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"path"},
	)

	// HTTP

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)
