// Package metrics declares the Prometheus collectors shared by the HTTP
// layer, the ingestion gate, the task queue and the orchestrator.
//
// Label sets are fixed and small:
//
//   - method, path, status: HTTP verb, registered route, numeric code
//   - outcome: ingestion or task result (accepted, duplicate, throttled, ...)
//   - state: task state or orchestrator state name
//
// All collectors are registered on the default registry at init and are
// safe for concurrent use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequests counts requests by method, route path, and status code.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration records request duration in seconds by method and route path.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPInflight gauges requests currently being served.
	HTTPInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// HTTPResponseSize captures response sizes in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: []float64{64, 128, 256, 512, 1 << 10, 4 << 10, 16 << 10, 64 << 10},
		},
		[]string{"method", "path"},
	)

	// IngestOutcomes counts webhook decisions at the gate.
	IngestOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Inbound events by gate outcome.",
		},
		[]string{"outcome"},
	)

	// TasksProcessed counts finished task attempts by outcome
	// (succeeded, retry, terminal).
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_processed_total",
			Help: "Task attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// TaskDuration observes wall-clock time per task attempt.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_task_duration_seconds",
			Help:    "Duration of task attempts in seconds.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// QueueDepth is the last observed task count per state.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_tasks",
			Help: "Tasks per state at the last sweep.",
		},
		[]string{"state"},
	)

	// Transitions counts orchestrator state entries.
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_transitions_total",
			Help: "Orchestrator state transitions by target state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequests, HTTPDuration, HTTPInflight, HTTPResponseSize,
		IngestOutcomes, TasksProcessed, TaskDuration, QueueDepth, Transitions,
	)
}
