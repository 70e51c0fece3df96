// Package metrics provides Prometheus instrumentation for the Checkpoint service.
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
			Namespace: "checkpoint",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checkpoint",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts finalized verification decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkpoint",
			Name:      "decisions_total",
			Help:      "Total verification decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// ThreatsDetectedTotal counts text threats by tag.
	ThreatsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkpoint",
			Name:      "threats_detected_total",
			Help:      "Total text threats detected by tag.",
		},
		[]string{"tag"},
	)

	// ChallengesIssuedTotal counts attempts moved into the challenge path.
	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "challenges_issued_total",
		Help:      "Total human challenges issued.",
	})

	// ChallengeProofsTotal counts supplied challenge proofs by result.
	ChallengeProofsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkpoint",
			Name:      "challenge_proofs_total",
			Help:      "Total challenge proofs supplied by result.",
		},
		[]string{"result"},
	)

	// AuditWriteFailures counts audit events dropped by storage errors.
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "audit_write_failures_total",
		Help:      "Total audit events that failed to persist.",
	})

	// AbuseFlagsTotal counts suspicious-activity flags raised.
	AbuseFlagsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "checkpoint",
		Name:      "abuse_flags_total",
		Help:      "Total suspicious-activity flags raised on subjects.",
	})

	// RiskScore observes the distribution of final risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkpoint",
		Name:      "risk_score",
		Help:      "Distribution of final risk scores.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "checkpoint",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkpoint", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ThreatsDetectedTotal,
		ChallengesIssuedTotal,
		ChallengeProofsTotal,
		AuditWriteFailures,
		AbuseFlagsTotal,
		RiskScore,
		ActiveWebSocketClients,
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
