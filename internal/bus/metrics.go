package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// busReqs counts resolved requests by message type and outcome
	// ("ok" or the failure kind).
	busReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_requests_total",
			Help: "Total number of bus requests by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// busLat records the time from Send to resolution by message type.
	busLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_request_duration_seconds",
			Help:    "Duration of bus requests in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(busReqs, busLat)
}

func observe(msgType string, r Response, d time.Duration) {
	outcome := "ok"
	if !r.Success {
		outcome = string(r.Kind)
		if outcome == "" {
			outcome = string(KindInternal)
		}
	}
	busReqs.WithLabelValues(msgType, outcome).Inc()
	busLat.WithLabelValues(msgType).Observe(d.Seconds())
}
