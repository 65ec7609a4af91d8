package billing

import (
	"net/http"

	"github.com/tribebuild/tribehooks/pkg/access"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage is the access store mutated by webhook events
	Storage access.Storage

	// TierMapping maps provider price IDs to plan tiers.
	// For example: map[string]string{"price_1SlI8p": "starter", "price_1SpuPc": "enterprise"}
	// Reserved keys:
	//   - "*" or "default": provisional tier used when a price is not mapped
	TierMapping map[string]string

	// WebhookSecret is used to verify incoming webhook requests (Stripe signing
	// secret, Hotmart hottok).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; defaults to access.NoopLogger.
	Logger access.Logger

	// Ledger records processed event ids so re-deliveries are acknowledged
	// without reprocessing. If nil, every delivery is processed.
	Ledger EventLedger

	// WebhookCallback is invoked after an event has been processed successfully.
	// Errors are logged; the webhook is still acknowledged because the state
	// change is already committed.
	WebhookCallback WebhookCallback

	// MatchMode selects how marketplace product ids are matched against the
	// catalog (Hotmart only). Defaults to access.MatchContains.
	MatchMode access.MatchMode

	// GrantEvents restricts which marketplace events grant access (Hotmart only).
	// Empty means every event grants.
	GrantEvents []string

	// RateLimitPerMinute caps webhook requests per client IP.
	// 0 uses the provider default, negative disables rate limiting.
	RateLimitPerMinute int
}

// LoggerOrNoop returns the configured logger or a no-op logger.
func (c Config) LoggerOrNoop() access.Logger {
	if c.Logger == nil {
		return &access.NoopLogger{}
	}
	return c.Logger
}

// MetricsOrNoop returns the configured metrics or a no-op collector.
func (c Config) MetricsOrNoop() Metrics {
	if c.Metrics == nil {
		return &NoopMetrics{}
	}
	return c.Metrics
}

// LedgerOrNoop returns the configured ledger or a ledger that remembers nothing.
func (c Config) LedgerOrNoop() EventLedger {
	if c.Ledger == nil {
		return NoopLedger{}
	}
	return c.Ledger
}
