package campaigns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var campaignFanOut = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailroom",
		Subsystem: "campaigns",
		Name:      "fanout_entries_total",
		Help:      "Queue entries created by campaign fan-out",
	},
	[]string{"audience"},
)

func recordFanOut(audience string, count int) {
	campaignFanOut.WithLabelValues(audience).Add(float64(count))
}
