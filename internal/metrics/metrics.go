// Package metrics provides Prometheus instrumentation for coderelay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderelay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coderelay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Agent RPC metrics.
var (
	AgentCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderelay_agent_calls_total",
		Help: "Total number of JSON-RPC calls to the agent subprocess.",
	}, []string{"method", "outcome"})

	AgentCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coderelay_agent_call_duration_seconds",
		Help:    "Agent JSON-RPC call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	AgentRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderelay_agent_restarts_total",
		Help: "Total number of agent subprocess restarts.",
	})
)

// Session metrics.
var (
	RunningJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderelay_running_jobs",
		Help: "Number of jobs currently in a non-terminal state.",
	})

	EventsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderelay_events_appended_total",
		Help: "Total number of events appended to the event store.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderelay_active_subscriptions",
		Help: "Number of currently active job subscriptions.",
	})

	SlowConsumersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderelay_slow_consumers_total",
		Help: "Total number of subscriptions evicted for slow consumption.",
	})
)
