// Package metrics holds the Prometheus collectors shared by the order engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts newly persisted orders by type and initial status
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"type", "status"},
	)

	// OrderTransitions counts state changes by target status
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_order_transitions_total",
			Help: "Total number of order state transitions by target status",
		},
		[]string{"status"},
	)

	// ExecutionDuration tracks provider execution latency
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klear_order_execution_duration_seconds",
			Help:    "Order execution duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"provider", "outcome"},
	)

	// ExecutionFailures counts failed attempts by error code
	ExecutionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_order_execution_failures_total",
			Help: "Total number of failed execution attempts by error code",
		},
		[]string{"code"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "klear_dispatch_queue_depth",
			Help: "Orders waiting for asynchronous execution",
		},
	)

	DispatchRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "klear_dispatch_rejected_total",
			Help: "Orders that could not be queued for asynchronous execution",
		},
	)

	// TriggersFired counts conditional orders whose condition was met
	TriggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_monitor_triggers_total",
			Help: "Total number of advanced orders triggered",
		},
		[]string{"advanced_type"},
	)

	MonitorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "klear_monitor_tick_duration_seconds",
			Help:    "Duration of one advanced order monitor pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PriceCacheLookups counts price cache reads by result
	PriceCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_price_cache_lookups_total",
			Help: "Price cache lookups by result",
		},
		[]string{"result"},
	)

	// ScheduledRuns counts scheduler executions by outcome
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_scheduler_runs_total",
			Help: "Scheduled order executions by outcome",
		},
		[]string{"outcome"},
	)

	// HTTPRequestDuration tracks request latency by method and path
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)
)
