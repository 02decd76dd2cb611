package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_tasks_published_total",
			Help: "Total number of tasks published by queue.",
		},
		[]string{"queue"},
	)

	PublishConfirmSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskbus_publish_confirm_seconds",
			Help:    "Time from publish to broker confirm.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	PublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_publish_errors_total",
			Help: "Total number of failed publishes by kind.",
		},
		[]string{"kind"}, // e.g. timeout, nacked, transport_lost
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_deliveries_total",
			Help: "Total number of task deliveries by outcome.",
		},
		[]string{"status", "queue"},
	)

	HandlerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskbus_handler_latency_seconds",
			Help:    "Handler execution time per delivery.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. handler_error, lease_expired, store_5xx
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_dlq_total",
			Help: "Total number of tasks moved to the dead letter queue.",
		},
		[]string{"reason"},
	)

	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbus_dedup_hits_total",
			Help: "Total number of duplicate deliveries suppressed.",
		},
		[]string{"queue"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskbus_broker_reconnects_total",
			Help: "Total number of broker reconnects.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskbus_worker_backlog",
			Help: "Current number of deliveries waiting in the worker.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskbus_queue_depth",
			Help: "Current broker queue depth.",
		},
		[]string{"queue"},
	)

	InflightLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskbus_inflight_leases",
			Help: "Current number of active delivery leases.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksPublishedTotal,
		PublishConfirmSeconds,
		PublishErrorsTotal,
		DeliveriesTotal,
		HandlerLatencySeconds,
		RetriesTotal,
		DLQTotal,
		DedupHitsTotal,
		ReconnectsTotal,
		WorkerBacklog,
		QueueDepth,
		InflightLeases,
	)
}

// RecordPublish records a confirmed publish and its round-trip time
func RecordPublish(queue string, duration time.Duration) {
	TasksPublishedTotal.WithLabelValues(queue).Inc()
	PublishConfirmSeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordPublishError records a failed publish
func RecordPublishError(kind string) {
	PublishErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDelivery records a completed delivery attempt and its handler latency
func RecordDelivery(status, queue string, duration time.Duration) {
	DeliveriesTotal.WithLabelValues(status, queue).Inc()
	HandlerLatencySeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRetry records a scheduled retry
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ records a dead-lettered task
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// RecordDedupHit records a suppressed duplicate delivery
func RecordDedupHit(queue string) {
	DedupHitsTotal.WithLabelValues(queue).Inc()
}

// RecordReconnect records a broker reconnect
func RecordReconnect() {
	ReconnectsTotal.Inc()
}

// UpdateWorkerBacklog sets the current worker backlog size
func UpdateWorkerBacklog(count float64) {
	WorkerBacklog.Set(count)
}

// UpdateQueueDepth sets the observed depth of a broker queue
func UpdateQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

// LeaseStarted records a handler entering its lease
func LeaseStarted() {
	InflightLeases.Inc()
}

// LeaseEnded records a handler leaving its lease
func LeaseEnded() {
	InflightLeases.Dec()
}
