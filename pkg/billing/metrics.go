package billing

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider.
	// eventType: The type of event (e.g., "PURCHASE_APPROVED", "checkout.session.completed")
	// status: "success", "duplicate", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordGrant records a product access grant created from a sale.
	RecordGrant(provider string, bonus bool)

	// RecordPlanChange records a plan tier/status written to producer profiles.
	RecordPlanChange(provider, planTier, planStatus string)

	// RecordUnmatched records an event whose target could not be resolved.
	// reason: "product_not_found", "profile_not_found", "price_unmapped"
	RecordUnmatched(provider, reason string)

	// RecordAPICall records an outbound call (provider API or relay upstream).
	// endpoint: The API endpoint called (e.g., "checkout_line_items")
	// status: HTTP status code or outcome as string (e.g., "200", "error")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordGrant(_ string, _ bool)                                 {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordUnmatched(_, _ string)                                  {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
