// Package metrics provides Prometheus instrumentation for the governance service.
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
			Namespace: "payguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts governance decisions by outcome and reason.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "decisions_total",
			Help:      "Total governance decisions by decision and reason code.",
		},
		[]string{"decision", "reason"},
	)

	// DecisionDuration observes full governance cycle latency.
	DecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payguard",
		Name:      "decision_duration_seconds",
		Help:      "Governance cycle duration from intake to audit commit.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// BudgetChecksTotal counts atomic budget reservations by result.
	BudgetChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "budget_checks_total",
			Help:      "Total budget reserve attempts by result (ok, denied, error).",
		},
		[]string{"result"},
	)

	// ReputationChecksTotal counts vendor reputation lookups by result.
	ReputationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "reputation_checks_total",
			Help:      "Total reputation lookups by result (safe, unsafe, infra_failure, cached).",
		},
		[]string{"result"},
	)

	// RateLimitChecksTotal counts per-agent rate limit checks by result.
	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "rate_limit_checks_total",
			Help:      "Total per-agent rate limit checks by result (allowed, limited).",
		},
		[]string{"result"},
	)

	// AuditFallbackTotal counts audit records written to the local fallback path.
	AuditFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "audit_fallback_writes_total",
		Help:      "Total audit records written to the filesystem fallback.",
	})

	// CompensationsTotal counts compensating rollbacks after post-commit
	// payment action failures. Non-zero values need operator attention.
	CompensationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "compensations_total",
		Help:      "Total compensating rollbacks after approved payouts failed to execute.",
	})

	// NotificationsTotal counts human-approval notifications by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "notifications_total",
			Help:      "Total held-payout notifications by result.",
		},
		[]string{"result"},
	)

	// PollCyclesTotal counts pull-mode poll iterations by result.
	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "poll_cycles_total",
			Help:      "Total pull-mode poll cycles by result (ok, error).",
		},
		[]string{"result"},
	)

	// IntentsInFlight tracks governance cycles currently executing.
	IntentsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard",
		Name:      "intents_in_flight",
		Help:      "Number of governance cycles currently in flight.",
	})

	// ActiveFeedClients tracks connected decision-feed WebSocket clients.
	ActiveFeedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard",
		Name:      "active_feed_clients",
		Help:      "Number of currently connected decision feed clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DecisionDuration,
		BudgetChecksTotal,
		ReputationChecksTotal,
		RateLimitChecksTotal,
		AuditFallbackTotal,
		CompensationsTotal,
		NotificationsTotal,
		PollCyclesTotal,
		IntentsInFlight,
		ActiveFeedClients,
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
