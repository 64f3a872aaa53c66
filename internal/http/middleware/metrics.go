package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled by the gateway.",
		},
		[]string{"method", "route", "status"},
	)

	// Try-on requests are dominated by backend generation time.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"method", "route"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_http_requests_inflight",
			Help: "HTTP requests currently being served.",
		},
	)

	// Generated images travel back as data URLs, so sizes reach megabytes.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9), // 256B..16MiB
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// Metrics records request count, latency, in-flight requests and response
// size. Unmatched routes are labelled "unmatched" to bound cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
