package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface every webhook-driven billing backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "hotmart", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, and storage updates internally.
	WebhookHandler() http.Handler
}

// Reconciler is implemented by providers that can rebuild a profile's plan from
// the provider's own API. It repairs profiles whose webhooks were lost.
type Reconciler interface {
	// Reconcile re-reads the customer's state and rewrites the matching profile.
	Reconcile(ctx context.Context, customerID string) (*WebhookEvent, error)
}
