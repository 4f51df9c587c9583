package mailqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailroom"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Number of queue entries by status",
		},
		[]string{"status"},
	)

	emailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Queue entries processed by the delivery worker",
		},
		[]string{"email_type", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the transport send call",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"email_type"},
	)

	queueFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Due entries fetched from the store before the claim step",
		},
	)

	tickErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tick_errors_total",
			Help:      "Store failures during worker ticks, a worker-health signal",
		},
	)
)

func recordEmailProcessed(emailType, outcome string) {
	emailsProcessed.WithLabelValues(emailType, outcome).Inc()
}

func recordSendDuration(emailType string, d time.Duration) {
	sendDuration.WithLabelValues(emailType).Observe(d.Seconds())
}

func recordQueueFetched(count int) {
	queueFetched.Add(float64(count))
}

func recordTickError() {
	tickErrors.Inc()
}

// RecordQueueStats updates queue size gauges.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
	queueSize.WithLabelValues(string(StatusCancelled)).Set(float64(stats.Cancelled))
}
