package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tribebuild/tribehooks/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	grantsTotal               *prometheus.CounterVec
	planChangesTotal          *prometheus.CounterVec
	unmatchedTotal            *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for webhook providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Total number of webhook events received, by outcome.",
		}, []string{"provider", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "grants_total",
			Help:      "Total number of product access grants created.",
		}, []string{"provider", "kind"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "plan_changes_total",
			Help:      "Total number of plan updates written to producer profiles.",
		}, []string{"provider", "plan", "plan_status"}),

		unmatchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "unmatched_total",
			Help:      "Total number of events whose product, profile or price could not be resolved.",
		}, []string{"provider", "reason"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Total number of outbound calls to billing APIs and relay upstreams.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of outbound calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordGrant(provider string, bonus bool) {
	kind := "product"
	if bonus {
		kind = "bonus"
	}
	m.grantsTotal.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) RecordPlanChange(provider, planTier, planStatus string) {
	m.planChangesTotal.WithLabelValues(provider, planTier, planStatus).Inc()
}

func (m *Metrics) RecordUnmatched(provider, reason string) {
	m.unmatchedTotal.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
