package services

import "github.com/prometheus/client_golang/prometheus"

var (
	sagaRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tryon_saga_runs_total",
			Help: "Try-on saga runs by outcome (completed or error kind).",
		},
		[]string{"outcome"},
	)
	sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tryon_saga_duration_seconds",
			Help:    "Try-on saga duration by outcome.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 90},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(sagaRuns, sagaDuration)
}
