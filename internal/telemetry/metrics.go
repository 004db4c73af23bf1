// Package telemetry provides application-level observability for the security backend.
//
// All metrics are registered against the default Prometheus registry and exposed
// on a side-channel HTTP server started by main.go:
//
//	GET http://<host>:<SFS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns the Prometheus text exposition format
// and is intended to be scraped every 15–60 seconds. It is NOT served by the Gin
// router.
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/vault/:provider)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by method and route template.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Session lifecycle metrics.
var (
	// SessionTransitionsTotal counts session lifecycle transitions by event type
	// (login, logout, extended, expired, warning, activity).
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session lifecycle transitions by event type.",
		},
		[]string{"event"},
	)
)

// Vault metrics.
var (
	// VaultOperationsTotal counts credential vault operations by operation name
	// (save, load, delete, toggle, set_expiration) and outcome (success, failure).
	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Credential vault operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
)

// Access control metrics.
var (
	// AccessDecisionsTotal counts ownership checks by resource type and outcome
	// (allowed, denied).
	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access control decisions by resource type and outcome.",
		},
		[]string{"resource_type", "outcome"},
	)
)

// Audit metrics.
var (
	// SuspiciousActivityTotal counts anomaly detections by rule name.
	SuspiciousActivityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suspicious_activity_detections_total",
			Help: "Suspicious-activity rule detections by pattern.",
		},
		[]string{"pattern"},
	)

	// ActivityLogEntriesTotal counts appended activity log entries by category.
	ActivityLogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_log_entries_total",
			Help: "Activity log entries appended, by category.",
		},
		[]string{"category"},
	)
)
