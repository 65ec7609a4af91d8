// Package stripe processes Stripe subscription-lifecycle webhooks and keeps
// producer profiles' platform plan in sync with their Stripe subscription.
package stripe

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/internal"
)

const (
	providerName           = "stripe"
	defaultHTTPTimeout     = 10 * time.Second
	defaultTierKeyWildcard = "*"
	defaultTierKeyDefault  = "default"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Storage, TierMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// API overrides the Stripe API client used for checkout lookups.
	// If nil, a stripe-go client is built from StripeAPIKey.
	API API

	// Now overrides the clock used for updated_at (tests)
	Now func() time.Time
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config        Config
	storage       access.Storage
	api           API
	rateLimiter   *internal.RateLimiter
	tierMapping   map[string]access.PlanTier // Price ID -> Tier
	defaultTier   access.PlanTier
	webhookSecret string
	ledger        billing.EventLedger
	metrics       billing.Metrics
	logger        access.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe provider
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.MetricsOrNoop()

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(config.APIKey)
		}
		if apiKey == "" {
			return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
		}
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
		api = NewStripeAPI(stripe.NewClient(apiKey, stripe.WithBackends(backends)), metrics)
	}

	tierMapping, defaultTier, err := buildTierMapping(config.TierMapping)
	if err != nil {
		return nil, err
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	var limiter *internal.RateLimiter
	if config.RateLimitPerMinute >= 0 {
		limiter = internal.NewRateLimiter(config.RateLimitPerMinute)
	}

	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Provider{
		config:        config,
		storage:       config.Storage,
		api:           api,
		rateLimiter:   limiter,
		tierMapping:   tierMapping,
		defaultTier:   defaultTier,
		webhookSecret: webhookSecret,
		ledger:        config.LedgerOrNoop(),
		metrics:       metrics,
		logger:        config.LoggerOrNoop(),
		now:           now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// GetDefaultTier returns the provisional tier used for unmapped prices
func (p *Provider) GetDefaultTier() access.PlanTier {
	return p.defaultTier
}

// MapPriceToTier maps a Stripe Price ID to a plan tier. ok is false when the
// price is not mapped and the provisional default tier was returned.
func (p *Provider) MapPriceToTier(priceID string) (tier access.PlanTier, ok bool) {
	key := strings.ToLower(strings.TrimSpace(priceID))
	if key == "" {
		return p.defaultTier, false
	}
	if tier, ok := p.tierMapping[key]; ok {
		return tier, true
	}
	return p.defaultTier, false
}

func buildTierMapping(raw map[string]string) (map[string]access.PlanTier, access.PlanTier, error) {
	mapping := make(map[string]access.PlanTier, len(raw))
	defaultTier := access.PlanStarter

	for priceID, tierName := range raw {
		tier, ok := access.ParsePlanTier(tierName)
		if !ok {
			return nil, "", fmt.Errorf("%w: %q (price %s)", billing.ErrTierNotConfigured, tierName, priceID)
		}
		key := strings.ToLower(strings.TrimSpace(priceID))
		if key == defaultTierKeyWildcard || key == defaultTierKeyDefault {
			defaultTier = tier
			continue
		}
		mapping[key] = tier
	}
	return mapping, defaultTier, nil
}
