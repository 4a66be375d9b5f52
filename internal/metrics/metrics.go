// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts completed assessments by recommended action.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "assessments_total",
			Help:      "Total assessments completed by recommended action.",
		},
		[]string{"action"},
	)

	// AssessmentScore observes the distribution of total risk scores.
	AssessmentScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "assessment_score",
		Help:      "Distribution of total risk scores.",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.25, 0.35, 0.5, 0.65, 0.75, 0.9, 1},
	})

	// AssessmentDuration observes end-to-end assessment latency.
	AssessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "assessment_duration_seconds",
		Help:      "End-to-end assessment latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// SignalValue observes per-signal contribution values.
	SignalValue = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "signal_value",
			Help:      "Per-signal risk values across assessments.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.4, 0.6, 0.8, 1},
		},
		[]string{"signal"},
	)

	// PolicyEscalationsTotal counts policy rule escalations by rule name.
	PolicyEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "policy_escalations_total",
			Help:      "Total action escalations by policy rule.",
		},
		[]string{"rule"},
	)

	// AccountsFrozenTotal counts account freezes by origin.
	AccountsFrozenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "accounts_frozen_total",
			Help:      "Total account freezes by origin (assessment or admin).",
		},
		[]string{"origin"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// AsyncQueueDepth tracks assessment requests waiting on the bus worker.
	AsyncQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Name:      "async_queue_depth",
		Help:      "Assessment requests accepted but not yet processed.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		AssessmentScore,
		AssessmentDuration,
		SignalValue,
		PolicyEscalationsTotal,
		AccountsFrozenTotal,
		WebhookDeliveriesTotal,
		AsyncQueueDepth,
	)
}

// ObserveAssessment records the standard per-assessment metrics.
func ObserveAssessment(action string, score float64, signals map[string]float64, elapsed time.Duration, escalatedBy string) {
	AssessmentsTotal.WithLabelValues(action).Inc()
	AssessmentScore.Observe(score)
	AssessmentDuration.Observe(elapsed.Seconds())
	for name, value := range signals {
		SignalValue.WithLabelValues(name).Observe(value)
	}
	if escalatedBy != "" {
		PolicyEscalationsTotal.WithLabelValues(escalatedBy).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func StatusBucket(code int) string {
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
