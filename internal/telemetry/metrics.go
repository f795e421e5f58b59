package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// RunsQueuedGauge is the queue-depth gauge, labeled by workflow id. Like the
// other collectors in Domain(), it is registered but no code in this module
// sets or increments it.
var RunsQueuedGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "dsentr",
		Subsystem: "runs",
		Name:      "queued",
		Help:      "Number of runs currently queued, by workflow id.",
	},
	[]string{"workflow_id"},
)

var RunsLeasedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "runs",
		Name:      "leased_total",
		Help:      "Total number of runs leased by workers.",
	},
	[]string{"worker_id"},
)

var RunsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "runs",
		Name:      "completed_total",
		Help:      "Total number of runs reaching a terminal status.",
	},
	[]string{"status"},
)

var NodeExecutionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dsentr",
		Subsystem: "engine",
		Name:      "node_duration_seconds",
		Help:      "Per-node execution duration in seconds, by node kind and outcome.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"kind", "status"},
)

var NodeRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "engine",
		Name:      "node_retries_total",
		Help:      "Total number of node attempt retries.",
	},
	[]string{"kind"},
)

var DeadLettersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "engine",
		Name:      "dead_letters_total",
		Help:      "Total number of runs promoted to dead-letter, by reason.",
	},
	[]string{"reason"},
)

var WebhookRejectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "webhook",
		Name:      "rejects_total",
		Help:      "Total number of rejected webhook deliveries, by reason.",
	},
	[]string{"reason"},
)

var WebhookAcceptedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "webhook",
		Name:      "accepted_total",
		Help:      "Total number of accepted webhook deliveries.",
	},
)

var OAuthRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "oauth",
		Name:      "refresh_total",
		Help:      "Total number of OAuth refresh attempts, by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

var SchedulerTicksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Total number of scheduler tick iterations.",
	},
)

var SchedulerEnqueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "scheduler",
		Name:      "enqueued_total",
		Help:      "Total number of runs enqueued by the scheduler.",
	},
)

var OrphansRecoveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dsentr",
		Subsystem: "dispatcher",
		Name:      "orphans_recovered_total",
		Help:      "Total number of runs recovered from an expired lease.",
	},
)

// Domain returns the dsentr-specific collectors for registration.
func Domain() []prometheus.Collector {
	return []prometheus.Collector{
		RunsQueuedGauge,
		RunsLeasedTotal,
		RunsCompletedTotal,
		NodeExecutionDuration,
		NodeRetriesTotal,
		DeadLettersTotal,
		WebhookRejectsTotal,
		WebhookAcceptedTotal,
		OAuthRefreshTotal,
		SchedulerTicksTotal,
		SchedulerEnqueuedTotal,
		OrphansRecoveredTotal,
	}
}

// NewMetricsRegistry builds a Prometheus registry with the Go/process
// collectors and any extra collectors (the domain set from Domain(),
// typically). The shared HTTP duration histogram is registered separately,
// by httpserver when a server is built.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
