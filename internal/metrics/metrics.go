package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_ingested_total",
			Help: "Total number of inbound events by result.",
		},
		[]string{"result"}, // accepted, filtered, rejected
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_attempts_total",
			Help: "Total number of delivery attempts by status.",
		},
		[]string{"status"},
	)

	AttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_attempt_latency_seconds",
			Help:    "Outbound webhook request latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, timeout, network
	)

	ExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_exhausted_total",
			Help: "Total number of deliveries that used every attempt without success.",
		},
	)

	PersistenceFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_persistence_failures_total",
			Help: "Total number of attempt rows that could not be written after retries.",
		},
	)

	WorkerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_worker_inflight",
			Help: "Number of delivery tasks currently being handled.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_queue_depth",
			Help: "Pending delivery tasks per topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		AttemptsTotal,
		AttemptLatencySeconds,
		RetriesTotal,
		ExhaustedTotal,
		PersistenceFailuresTotal,
		WorkerInflight,
		QueueDepth,
	)
}

func RecordIngest(result string) {
	EventsIngestedTotal.WithLabelValues(result).Inc()
}

// RecordAttempt counts one executed attempt and observes its request latency
func RecordAttempt(status string, d time.Duration) {
	AttemptsTotal.WithLabelValues(status).Inc()
	AttemptLatencySeconds.WithLabelValues(status).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordExhausted() {
	ExhaustedTotal.Inc()
}

func RecordPersistenceFailure() {
	PersistenceFailuresTotal.Inc()
}

func UpdateQueueDepth(topic, channel string, depth float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
}
