package federationapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tafedSubordinatesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tafed_subordinates_total",
		Help: "Total number of admitted subordinates by active status.",
	}, []string{"active"})

	tafedRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tafed_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	tafedRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tafed_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tafedAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tafed_admissions_total",
		Help: "Total subordinate admission attempts by outcome.",
	}, []string{"outcome"})

	tafedTrustMarksIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tafed_trust_marks_issued_total",
		Help: "Total trust marks issued.",
	})

	tafedTreeWalksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tafed_tree_walks_total",
		Help: "Total federation tree-walk runs by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		tafedRequestsTotal.WithLabelValues(method, path, status).Inc()
		tafedRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAdmission records a subordinate admission attempt outcome.
func RecordAdmission(success bool) {
	if success {
		tafedAdmissionsTotal.WithLabelValues("success").Inc()
	} else {
		tafedAdmissionsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordTrustMarkIssued records a trust mark issuance.
func RecordTrustMarkIssued() {
	tafedTrustMarksIssuedTotal.Inc()
}

// RecordTreeWalk records a tree-walk run outcome.
func RecordTreeWalk(result string) {
	tafedTreeWalksTotal.WithLabelValues(result).Inc()
}

// SetSubordinatesGauge sets the subordinate count gauge for active/inactive.
func SetSubordinatesGauge(active string, count float64) {
	tafedSubordinatesTotal.WithLabelValues(active).Set(count)
}
