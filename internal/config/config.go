// Package config loads tribehooks configuration from the environment.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/relay"
)

// Config holds all process configuration.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"auto"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// Redis fronts the Postgres event ledger when RedisAddr is set
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LedgerTTL     time.Duration `env:"LEDGER_TTL" envDefault:"168h"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// StripePricePlans maps price ids to plan tiers, e.g. "price_1:starter,*:starter"
	StripePricePlans map[string]string `env:"STRIPE_PRICE_PLANS" envSeparator:"," envKeyValSeparator:":"`

	HotmartHottok      string   `env:"HOTMART_HOTTOK"`
	HotmartMatchMode   string   `env:"HOTMART_MATCH_MODE" envDefault:"contains"`
	HotmartGrantEvents []string `env:"HOTMART_GRANT_EVENTS" envSeparator:","`

	// RelayRoutes maps relay route names to upstream URLs, e.g. "hotmart|https://..."
	RelayRoutes       map[string]string `env:"RELAY_ROUTES" envSeparator:"," envKeyValSeparator:"|"`
	RelayUpstreamBase string            `env:"RELAY_UPSTREAM_BASE"`
	RelayTimeout      time.Duration     `env:"RELAY_TIMEOUT" envDefault:"15s"`

	KafkaBrokers         string        `env:"KAFKA_BROKERS"`
	KafkaTopic           string        `env:"KAFKA_TOPIC" envDefault:"tribehooks.webhook-events"`
	KafkaDeliveryTimeout time.Duration `env:"KAFKA_DELIVERY_TIMEOUT" envDefault:"2s"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"100"`

	// TrustedProxyList holds the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are honored.
	TrustedProxyList []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load reads configuration from the environment. A .env file is loaded if
// present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFrom reads configuration from the given variables instead of the process
// environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	events := c.HotmartGrantEvents[:0]
	for _, e := range c.HotmartGrantEvents {
		if e = strings.ToUpper(strings.TrimSpace(e)); e != "" {
			events = append(events, e)
		}
	}
	c.HotmartGrantEvents = events
}

// StripeEnabled reports whether the Stripe webhook route is served.
func (c *Config) StripeEnabled() bool {
	return c.StripeWebhookSecret != ""
}

// KafkaEnabled reports whether processed events are published to Kafka.
func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}

// MatchMode returns the parsed Hotmart product match mode.
func (c *Config) MatchMode() access.MatchMode {
	mode, _ := access.ParseMatchMode(c.HotmartMatchMode)
	return mode
}

// Routes returns the relay routes: RELAY_ROUTES when set, otherwise the
// default routes under RELAY_UPSTREAM_BASE, otherwise none.
func (c *Config) Routes() map[string]string {
	if len(c.RelayRoutes) > 0 {
		return c.RelayRoutes
	}
	if c.RelayUpstreamBase != "" {
		return relay.DefaultRoutes(c.RelayUpstreamBase)
	}
	return nil
}

// TrustedProxies parses TRUSTED_PROXIES. Bare addresses become single-host
// prefixes.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxyList))
	for _, raw := range c.TrustedProxyList {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ValidateServe checks the settings required by the webhook server.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StripeEnabled() && c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if _, ok := access.ParseMatchMode(c.HotmartMatchMode); !ok {
		return fmt.Errorf("HOTMART_MATCH_MODE must be exact or contains, got %q", c.HotmartMatchMode)
	}
	if err := c.validatePricePlans(); err != nil {
		return err
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be greater than 0, got %d", c.DBMaxConns)
	}
	if c.LedgerTTL <= 0 {
		return fmt.Errorf("LEDGER_TTL must be greater than 0, got %s", c.LedgerTTL)
	}
	if c.KafkaEnabled() && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.KafkaEnabled() && c.KafkaDeliveryTimeout <= 0 {
		return fmt.Errorf("KAFKA_DELIVERY_TIMEOUT must be greater than 0, got %s", c.KafkaDeliveryTimeout)
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	return c.validateRoutes()
}

// ValidateReconcile checks the settings required to reconcile Stripe customers.
func (c *Config) ValidateReconcile() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return c.validatePricePlans()
}

func (c *Config) validatePricePlans() error {
	for price, tier := range c.StripePricePlans {
		if _, ok := access.ParsePlanTier(tier); !ok {
			return fmt.Errorf("STRIPE_PRICE_PLANS: unknown tier %q for price %q", tier, price)
		}
	}
	return nil
}

// ValidateRelay checks the settings required by the standalone relay.
func (c *Config) ValidateRelay() error {
	if len(c.Routes()) == 0 {
		return fmt.Errorf("missing required environment variables: RELAY_ROUTES or RELAY_UPSTREAM_BASE")
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	return c.validateRoutes()
}

func (c *Config) validateRoutes() error {
	for name, upstream := range c.Routes() {
		u, err := url.Parse(upstream)
		if err != nil {
			return fmt.Errorf("relay route %q must be a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("relay route %q must use http or https scheme", name)
		}
		if u.Host == "" {
			return fmt.Errorf("relay route %q must include a host", name)
		}
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("RELAY_TIMEOUT must be greater than 0, got %s", c.RelayTimeout)
	}
	return nil
}
