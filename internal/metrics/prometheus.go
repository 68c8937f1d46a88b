// Package metrics provides Prometheus metrics for the dbmux router.
// It tracks operations, retry attempts, cache lookups, write fan-outs, and pool health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dbmux"
)

// LatencyBuckets defines histogram buckets for operation latency (in seconds).
// Retried operations reach several seconds because of backoff waits.
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 10.0, 30.0, 60.0,
}

// =============================================================================
// Operation Metrics
// =============================================================================

var (
	// OperationsTotal counts routed operations.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of routed operations",
		},
		[]string{"family", "mode", "group", "status"},
	)

	// OperationLatency tracks end-to-end routed operation latency.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Routed operation latency in seconds, including retries",
			Buckets:   LatencyBuckets,
		},
		[]string{"family", "mode"},
	)

	// AttemptsTotal counts single attempts against an instance.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of attempts against an instance",
		},
		[]string{"target", "outcome"},
	)

	// FanOutsTotal counts write fan-outs by outcome.
	FanOutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_fanouts_total",
			Help:      "Total number of write fan-outs by outcome",
		},
		[]string{"family", "outcome"}, // complete, partial, failed
	)
)

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheLookups counts result cache lookups.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total result cache lookups",
		},
		[]string{"family", "group", "result"}, // hit, miss
	)
)

// =============================================================================
// Instance Metrics
// =============================================================================

var (
	// InstanceUp reports the last heartbeat outcome per instance.
	InstanceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_up",
			Help:      "Whether the last heartbeat of an instance succeeded",
		},
		[]string{"family", "instance"},
	)

	// RegisteredInstances counts instances by registry state.
	RegisteredInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_instances",
			Help:      "Number of declared instances by state",
		},
		[]string{"family", "state"}, // ready, unavailable
	)

	// DBConnectionPoolSize tracks relational pool connections.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Relational connection pool size by state",
		},
		[]string{"instance", "state"}, // active, idle, max
	)

	// DocumentPoolEvents counts document driver pool events.
	DocumentPoolEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_pool_events_total",
			Help:      "Document driver connection pool events",
		},
		[]string{"instance", "event"},
	)
)

// =============================================================================
// Swipe Metrics
// =============================================================================

var (
	// SwipesFlushed counts buffered swipes moved to the relational family.
	SwipesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swipes_flushed_total",
			Help:      "Buffered attendance swipes flushed to relational instances",
		},
		[]string{"status"}, // written, failed, malformed
	)
)
