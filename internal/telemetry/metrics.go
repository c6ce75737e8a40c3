package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every handler behind
// the API server's Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "limiter",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var AdmissionRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "admission",
		Name:      "requests_total",
		Help:      "Total number of Acquire calls by outcome.",
	},
	[]string{"outcome"}, // "admitted", "rate_limit_exceeded", "unavailable", "validation_error"
)

var AdmissionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "limiter",
		Subsystem: "admission",
		Name:      "duration_seconds",
		Help:      "Acquire call latency in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
)

var SlowPathTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "admission",
		Name:      "slow_path_total",
		Help:      "Total number of admissions that fell through to the transactional bucket-creation path.",
	},
)

var ShardRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "admission",
		Name:      "shard_retries_total",
		Help:      "Total number of speculative consume attempts retried on a different shard after app-limit exhaustion.",
	},
)

var ShardsDoubledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "aggregator",
		Name:      "shards_doubled_total",
		Help:      "Total number of successful shard-count doublings, by resource.",
	},
	[]string{"resource"},
)

var RefillsWrittenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "aggregator",
		Name:      "refills_written_total",
		Help:      "Total number of eager refill writes the aggregator applied, by resource.",
	},
	[]string{"resource"},
)

var AggregatorBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "limiter",
		Subsystem: "aggregator",
		Name:      "batch_duration_seconds",
		Help:      "Stream aggregator ProcessBatch duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

var AlertsRaisedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "limiter",
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Total number of operational alerts posted, by kind.",
	},
	[]string{"kind"},
)

// All returns every service-specific metric for registration against a
// prometheus.Registerer. HTTPRequestDuration is registered separately by
// NewMetricsRegistry since it is shared across every handler, not specific
// to admission or aggregation.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		AdmissionRequestsTotal,
		AdmissionDuration,
		SlowPathTotal,
		ShardRetriesTotal,
		ShardsDoubledTotal,
		RefillsWrittenTotal,
		AggregatorBatchDuration,
		AlertsRaisedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
