package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the launcher-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "job_launcher",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "job_launcher",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "job_launcher",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	jobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "job_launcher",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of jobs created.",
		},
		[]string{"request_type"},
	)

	jobsLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "job_launcher",
			Subsystem: "jobs",
			Name:      "launched_total",
			Help:      "Total number of escrows launched.",
		},
		[]string{"chain_id"},
	)

	sweepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "job_launcher",
			Subsystem: "sweeper",
			Name:      "outcomes_total",
			Help:      "Total number of sweep transitions by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		jobsCreated,
		jobsLaunched,
		sweepOutcomes,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latencies per route. The gin route
// template keeps the label cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordJobCreated counts a successful job creation.
func RecordJobCreated(requestType string) {
	jobsCreated.WithLabelValues(requestType).Inc()
}

// RecordJobLaunched counts a successful escrow launch.
func RecordJobLaunched(chainID int) {
	jobsLaunched.WithLabelValues(strconv.Itoa(chainID)).Inc()
}

// RecordSweepOutcome counts one sweep transition (launched, failed, canceled).
func RecordSweepOutcome(outcome string) {
	sweepOutcomes.WithLabelValues(outcome).Inc()
}
