// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts inbound API requests by path, method and code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of http requests handled by the orchestrator API.",
		},
		[]string{"path", "method", "code"},
	)

	// JobsTotal counts jobs reaching a terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Total number of pipeline jobs by terminal status.",
		},
		[]string{"status"},
	)

	// StageCallsTotal counts outbound stage calls by service, operation and outcome.
	StageCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_calls_total",
			Help: "Total number of outbound downstream stage calls.",
		},
		[]string{"service", "operation", "outcome"},
	)

	// BreakerState exposes the circuit breaker state per downstream service
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_breaker_state",
			Help: "Circuit breaker state per downstream service. 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service"},
	)

	// StageUp reflects the latest liveness probe result per downstream
	// service. Dashboard-only: probe results never feed the breaker.
	StageUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_stage_up",
			Help: "Latest liveness probe result per downstream service. 1 up, 0 down.",
		},
		[]string{"service"},
	)

	// PollAttemptsTotal counts status polls issued while waiting for
	// downstream jobs.
	PollAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_poll_attempts_total",
			Help: "Total number of downstream status polls.",
		},
		[]string{"service"},
	)
)
