// Package hotmart processes Hotmart sale webhooks: every approved purchase
// grants the buyer access to the matching catalog products and their bonuses.
package hotmart

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/internal"
)

const (
	providerName = "hotmart"
	hottokHeader = "X-HOTMART-HOTTOK"
)

// Provider implements billing.Provider for Hotmart
type Provider struct {
	config      billing.Config
	granter     *access.Granter
	rateLimiter *internal.RateLimiter
	hottok      []byte
	grantEvents map[string]struct{}
	ledger      billing.EventLedger
	metrics     billing.Metrics
	logger      access.Logger
}

// NewProvider creates a new Hotmart provider. WebhookSecret, when set, is the
// hottok Hotmart sends in the X-HOTMART-HOTTOK header.
func NewProvider(config billing.Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	logger := config.LoggerOrNoop()
	granter, err := access.NewGranter(access.GranterConfig{
		Storage:   config.Storage,
		MatchMode: config.MatchMode,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	grantEvents := make(map[string]struct{}, len(config.GrantEvents))
	for _, e := range config.GrantEvents {
		if e = strings.ToUpper(strings.TrimSpace(e)); e != "" {
			grantEvents[e] = struct{}{}
		}
	}

	var limiter *internal.RateLimiter
	if config.RateLimitPerMinute >= 0 {
		limiter = internal.NewRateLimiter(config.RateLimitPerMinute)
	}

	return &Provider{
		config:      config,
		granter:     granter,
		rateLimiter: limiter,
		hottok:      []byte(strings.TrimSpace(config.WebhookSecret)),
		grantEvents: grantEvents,
		ledger:      config.LedgerOrNoop(),
		metrics:     config.MetricsOrNoop(),
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Hotmart webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// authorized checks the hottok header when a secret is configured.
func (p *Provider) authorized(r *http.Request) bool {
	if len(p.hottok) == 0 {
		return true
	}
	token := strings.TrimSpace(r.Header.Get(hottokHeader))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), p.hottok) == 1
}

// grants reports whether eventType should grant access.
func (p *Provider) grants(eventType string) bool {
	if len(p.grantEvents) == 0 {
		return true
	}
	_, ok := p.grantEvents[strings.ToUpper(eventType)]
	return ok
}
