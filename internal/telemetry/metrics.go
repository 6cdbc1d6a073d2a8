package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the API edge.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scancore",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QueueDepth is the number of queued (not-yet-admitted) requests, by plan.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "scancore",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of queued scan requests.",
	},
	[]string{"plan"},
)

// AdmissionOutcomesTotal counts Enqueue outcomes by result code.
var AdmissionOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "queue",
		Name:      "admission_outcomes_total",
		Help:      "Total admission decisions by outcome.",
	},
	[]string{"outcome"},
)

// ActiveScans is the number of currently running scan sessions, by plan.
var ActiveScans = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "scancore",
		Subsystem: "queue",
		Name:      "active_scans",
		Help:      "Current number of running scan sessions.",
	},
	[]string{"plan"},
)

// ScanSessionDuration tracks wall-clock duration of completed scan sessions.
var ScanSessionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scancore",
		Subsystem: "scanagent",
		Name:      "session_duration_seconds",
		Help:      "Scan session duration in seconds, by terminal state.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	},
	[]string{"state"},
)

// ViolationsFoundTotal counts violations recorded, by risk level.
var ViolationsFoundTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "scanagent",
		Name:      "violations_found_total",
		Help:      "Total violations recorded, by risk level.",
	},
	[]string{"risk_level"},
)

// FetchErrorsTotal counts fetch failures, by reason.
var FetchErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "scanagent",
		Name:      "fetch_errors_total",
		Help:      "Total site fetch failures, by reason.",
	},
	[]string{"reason"},
)

// AbuseStateTransitionsTotal counts abuse-state transitions.
var AbuseStateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "abuse",
		Name:      "state_transitions_total",
		Help:      "Total abuse-control state transitions, by from/to state.",
	},
	[]string{"from", "to"},
)

// CacheOpsTotal counts content/violation cache operations by result.
var CacheOpsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by cache name and result (hit/miss/singleflight).",
	},
	[]string{"cache", "result"},
)

// CircuitBreakerState reports the current gobreaker state (0=closed,
// 1=half-open, 2=open) for the key-value service guard.
var CircuitBreakerState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scancore",
		Subsystem: "ratelimit",
		Name:      "circuit_breaker_state",
		Help:      "Key-value service circuit breaker state (0=closed, 1=half-open, 2=open).",
	},
)

// ProgressSubscribers is the number of active progress-fabric subscribers.
var ProgressSubscribers = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "scancore",
		Subsystem: "progress",
		Name:      "subscribers",
		Help:      "Current number of subscribers, by namespace.",
	},
	[]string{"namespace"},
)

// ProgressOverflowsTotal counts subscriber buffer overflow events.
var ProgressOverflowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scancore",
		Subsystem: "progress",
		Name:      "overflows_total",
		Help:      "Total subscriber buffer overflow events, by namespace.",
	},
	[]string{"namespace"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP metric, and every domain collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(All()...)
	return reg
}

// All returns every scancore-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		QueueDepth,
		AdmissionOutcomesTotal,
		ActiveScans,
		ScanSessionDuration,
		ViolationsFoundTotal,
		FetchErrorsTotal,
		AbuseStateTransitionsTotal,
		CacheOpsTotal,
		CircuitBreakerState,
		ProgressSubscribers,
		ProgressOverflowsTotal,
	}
}
