package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUnauthorized is returned when a webhook shared secret does not match
	ErrUnauthorized = errors.New("webhook token mismatch")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrTierNotConfigured is returned when a tier mapping names an unknown tier
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")
)
