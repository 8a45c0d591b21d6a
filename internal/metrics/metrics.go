// Package metrics registers the service's Prometheus metrics with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "familyvault"

// ── HTTP ──────────────────────────────────────────────────────────────────────

// HTTPRequestsTotal counts handled requests by chi route pattern and status code.
var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests handled.",
	},
	[]string{"method", "route", "status"},
)

var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// ── Authentication ────────────────────────────────────────────────────────────

// AuthAttemptsTotal counts authentication flow outcomes.
// Labels:
//   - flow: certificate, master_password, session_create, session_validate
//   - outcome: success, or the failure code
var AuthAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by flow and outcome.",
	},
	[]string{"flow", "outcome"},
)

var RateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests refused by the rate limiter, by action.",
	},
	[]string{"action"},
)

var AccountLocksTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "account_locks_total",
		Help:      "Members locked after repeated master-password failures.",
	},
)

var KeyDerivationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "key_derivation_duration_seconds",
		Help:      "Time spent verifying a master password, including waiting for a slot.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	},
)

// ── Sessions ──────────────────────────────────────────────────────────────────

// SessionTransitionsTotal counts session lifecycle changes.
// Label:
//   - op: created, promoted, invalidated, swept
var SessionTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions.",
	},
	[]string{"op"},
)

// ── Audit ─────────────────────────────────────────────────────────────────────

var AuditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_events_total",
		Help:      "Security events recorded, by action and success.",
	},
	[]string{"action", "success"},
)

var AuditSinkErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_sink_errors_total",
		Help:      "Security events a sink failed to store.",
	},
	[]string{"sink"},
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
