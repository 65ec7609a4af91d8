package billing

import (
	"context"
	"time"
)

// WebhookCallback is invoked after a webhook event was processed successfully.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// WebhookEvent contains information about a successful webhook processing event.
type WebhookEvent struct {
	// Provider is the billing provider name ("hotmart", "stripe")
	Provider string `json:"provider"`

	// EventType is the provider-specific event type
	// Stripe: "checkout.session.completed", "customer.subscription.updated", ...
	// Hotmart: "PURCHASE_APPROVED", "PURCHASE_COMPLETE", ...
	EventType string `json:"event_type"`

	// EventID is the provider delivery id (may be empty for Hotmart v1 payloads)
	EventID string `json:"event_id,omitempty"`

	// EventTimestamp is when the event was processed
	EventTimestamp time.Time `json:"event_timestamp"`

	// Email is the buyer (Hotmart) or customer (Stripe) email when known
	Email string `json:"email,omitempty"`

	// AppID is the app the buyer became a client of (Hotmart)
	AppID string `json:"app_id,omitempty"`

	// Granted lists the grants created (Hotmart), bonuses prefixed
	Granted []string `json:"granted,omitempty"`

	// PlanTier and PlanStatus are the values written to matched profiles (Stripe)
	PlanTier   string `json:"plan_tier,omitempty"`
	PlanStatus string `json:"plan_status,omitempty"`

	// ProfilesUpdated is the number of profiles changed (Stripe)
	ProfilesUpdated int64 `json:"profiles_updated,omitempty"`

	// Metadata contains provider-specific additional data
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
