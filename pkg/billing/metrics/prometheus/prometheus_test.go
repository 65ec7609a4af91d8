package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribebuild/tribehooks/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tribehooks")

	m.RecordWebhookEvent("hotmart", "PURCHASE_APPROVED", "success")
	m.RecordWebhookEvent("hotmart", "PURCHASE_APPROVED", "success")
	m.RecordWebhookError("stripe", "invalid_signature")
	m.RecordGrant("hotmart", false)
	m.RecordGrant("hotmart", true)
	m.RecordGrant("hotmart", true)
	m.RecordPlanChange("stripe", "business", "trial")
	m.RecordUnmatched("stripe", "price_unmapped")
	m.RecordAPICall("relay", "kiwify", "502")

	families := gather(t, reg)

	events := families["tribehooks_webhooks_events_total"]
	require.NotNil(t, events)
	require.Len(t, events.GetMetric(), 1)
	assert.Equal(t, 2.0, events.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, map[string]string{
		"provider": "hotmart", "event_type": "PURCHASE_APPROVED", "status": "success",
	}, labelsOf(events.GetMetric()[0]))

	grants := families["tribehooks_access_grants_total"]
	require.NotNil(t, grants)
	byKind := map[string]float64{}
	for _, metric := range grants.GetMetric() {
		byKind[labelsOf(metric)["kind"]] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"product": 1, "bonus": 2}, byKind)

	for _, name := range []string{
		"tribehooks_webhooks_errors_total",
		"tribehooks_access_plan_changes_total",
		"tribehooks_webhooks_unmatched_total",
		"tribehooks_upstream_calls_total",
	} {
		assert.Contains(t, families, name)
	}
}

func TestMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tribehooks")

	m.RecordWebhookProcessingDuration("stripe", "customer.subscription.updated", 25*time.Millisecond)
	m.RecordAPICallDuration("stripe", "subscription_retrieve", 120*time.Millisecond)

	families := gather(t, reg)
	hist := families["tribehooks_webhooks_processing_duration_seconds"]
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.025, hist.GetMetric()[0].GetHistogram().GetSampleSum(), 0.0001)

	api := families["tribehooks_upstream_call_duration_seconds"]
	require.NotNil(t, api)
	assert.Equal(t, uint64(1), api.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "tribehooks")
	assert.Panics(t, func() { NewMetrics(reg, "tribehooks") })
}
