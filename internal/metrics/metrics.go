// Package metrics declares the Prometheus collectors exported on the ops server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_polls_total",
			Help: "Connector poll cycles per stream outcome.",
		},
		[]string{"source", "result"},
	)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_events_total",
			Help: "Dispatched events by outcome.",
		},
		[]string{"source", "outcome"},
	)
	PlatformRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_platform_requests_total",
			Help: "HTTP requests to collaboration platforms by status class.",
		},
		[]string{"platform", "status"},
	)
	PlatformRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pmagent_platform_request_duration_seconds",
			Help:    "Duration of HTTP requests to collaboration platforms.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"platform"},
	)
	ReasoningCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_reasoning_calls_total",
			Help: "Reasoning service attempts by result.",
		},
		[]string{"result"},
	)
	ReasoningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pmagent_reasoning_duration_seconds",
			Help:    "Duration of reasoning service attempts.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	ApprovalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_approval_transitions_total",
			Help: "Approval workflow transitions by target status.",
		},
		[]string{"status"},
	)
	SLAAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_sla_alerts_total",
			Help: "SLA alert decisions.",
		},
		[]string{"decision"},
	)
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_job_runs_total",
			Help: "Scheduled job runs by result.",
		},
		[]string{"job", "result"},
	)
	WorkerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pmagent_worker_restarts_total",
			Help: "Supervised worker restarts after an error or panic.",
		},
		[]string{"worker"},
	)
)

// StatusClass buckets an HTTP status code into "2xx".."5xx", or "error" for transport failures.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code == 429:
		return "429"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
