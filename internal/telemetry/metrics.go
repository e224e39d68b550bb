package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics for the node-lifecycle orchestrator, registered the way the
// teacher codebase registers its own metric vectors: package-level
// collectors, gathered into one registry by All().

var ConvergenceAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "convergence",
		Name:      "attempts_total",
		Help:      "Total number of ApplyAndVerify attempts, by operation and outcome.",
	},
	[]string{"operation", "outcome"},
)

var ConvergenceDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nodewarden",
		Subsystem: "convergence",
		Name:      "duration_seconds",
		Help:      "Total ApplyAndVerify wall-clock duration in seconds, by operation.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"operation"},
)

var VerifyProbeFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "convergence",
		Name:      "verify_probe_failures_total",
		Help:      "Total number of verify probe failures, by probe name.",
	},
	[]string{"probe"},
)

var PoolAvailableNodes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "nodewarden",
		Subsystem: "pool",
		Name:      "available_nodes",
		Help:      "Number of warmed, unbound nodes currently available.",
	},
)

var PoolInProgressNodes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "nodewarden",
		Subsystem: "pool",
		Name:      "in_progress_nodes",
		Help:      "Number of unbound nodes currently creating or provisioning.",
	},
)

var PoolTotalNodes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "nodewarden",
		Subsystem: "pool",
		Name:      "total_nodes",
		Help:      "Total number of non-error nodes across the fleet.",
	},
)

var PoolReapedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "pool",
		Name:      "reaped_total",
		Help:      "Total number of nodes reaped by the pool maintainer, by reason.",
	},
	[]string{"reason"},
)

var AssignmentDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nodewarden",
		Subsystem: "assignment",
		Name:      "duration_seconds",
		Help:      "Time from PaymentSucceeded to deployment_stage=ready, by path.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"path"}, // "quick" or "full"
)

var AssignmentNoCapacityTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "assignment",
		Name:      "no_capacity_total",
		Help:      "Total number of PaymentSucceeded events that found no available node.",
	},
)

var LifecycleTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Total number of Node lifecycle state transitions.",
	},
	[]string{"from", "to"},
)

var SweeperRenewalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "sweeper",
		Name:      "renewals_total",
		Help:      "Total number of subscription renewal attempts, by outcome.",
	},
	[]string{"outcome"},
)

var SweeperExpirationsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "nodewarden",
		Subsystem: "sweeper",
		Name:      "expirations_total",
		Help:      "Total number of subscriptions transitioned to expired.",
	},
)

// All returns every nodewarden metric collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConvergenceAttemptsTotal,
		ConvergenceDuration,
		VerifyProbeFailuresTotal,
		PoolAvailableNodes,
		PoolInProgressNodes,
		PoolTotalNodes,
		PoolReapedTotal,
		AssignmentDuration,
		AssignmentNoCapacityTotal,
		LifecycleTransitionsTotal,
		SweeperRenewalsTotal,
		SweeperExpirationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus the given domain collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
