// Package metrics provides Prometheus instrumentation for the UniBazaar platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "unibazaar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RequestTransitionsTotal counts exchange-request state transitions by event and outcome.
	RequestTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "request_transitions_total",
			Help:      "Total exchange-request transitions by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// ListingTransitionsTotal counts listing state transitions by event and outcome.
	ListingTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "listing_transitions_total",
			Help:      "Total listing transitions by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// IdempotentReplaysTotal counts mutating calls answered from idempotency records.
	IdempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unibazaar",
		Name:      "idempotent_replays_total",
		Help:      "Total mutating calls answered from a stored idempotency record.",
	})

	// DisputesTotal counts dispute lifecycle operations by action.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "disputes_total",
			Help:      "Total dispute operations by action (opened, reviewed, resolved, rejected, escalated).",
		},
		[]string{"action"},
	)

	// RestrictionDenialsTotal counts mutating calls denied by the restriction engine.
	RestrictionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "restriction_denials_total",
			Help:      "Total mutating calls denied by the restriction engine, by capability.",
		},
		[]string{"capability"},
	)

	// RecoverySweepTotal counts recovery sweep items by sub-sweep.
	RecoverySweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "recovery_sweep_total",
			Help:      "Total items handled by the recovery job, by sub-sweep.",
		},
		[]string{"sweep"},
	)

	// AuditEntriesTotal counts audit log writes by action.
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unibazaar",
			Name:      "audit_entries_total",
			Help:      "Total audit log entries written, by action.",
		},
		[]string{"action"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "unibazaar", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "unibazaar", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "unibazaar", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "unibazaar", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RequestTransitionsTotal,
		ListingTransitionsTotal,
		IdempotentReplaysTotal,
		DisputesTotal,
		RestrictionDenialsTotal,
		RecoverySweepTotal,
		AuditEntriesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
