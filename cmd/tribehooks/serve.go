package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tribebuild/tribehooks/internal/config"
	"github.com/tribebuild/tribehooks/internal/logging"
	"github.com/tribebuild/tribehooks/internal/server"
	"github.com/tribebuild/tribehooks/pkg/access"
	zerologadapter "github.com/tribebuild/tribehooks/pkg/access/logger/zerolog"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/hotmart"
	prommetrics "github.com/tribebuild/tribehooks/pkg/billing/metrics/prometheus"
	kafkanotify "github.com/tribebuild/tribehooks/pkg/billing/notify/kafka"
	"github.com/tribebuild/tribehooks/pkg/billing/stripe"
	"github.com/tribebuild/tribehooks/pkg/relay"
	"github.com/tribebuild/tribehooks/storage/postgres"
	redisledger "github.com/tribebuild/tribehooks/storage/redis"
	"github.com/tribebuild/tribehooks/storage/tiered"
)

const metricsNamespace = "tribehooks"

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook endpoints, relay routes and metrics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "tribehooks"})
	accessLogger := zerologadapter.NewLogger(logger)

	reg := newRegistry()
	metrics := prommetrics.NewMetrics(reg, metricsNamespace)

	if migrateOnStart {
		if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info().Msg("database migrations applied")
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.Logger = accessLogger
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	checks := map[string]server.Pinger{"postgres": store}

	ledger, closeLedger, err := buildLedger(cfg, store, logger, checks)
	if err != nil {
		return err
	}
	defer closeLedger()

	var callback billing.WebhookCallback
	if cfg.KafkaEnabled() {
		producer, err := kafkanotify.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return err
		}
		publisher, err := kafkanotify.New(producer, kafkanotify.Config{
			Topic:           cfg.KafkaTopic,
			DeliveryTimeout: cfg.KafkaDeliveryTimeout,
			Logger:          accessLogger,
		})
		if err != nil {
			producer.Close()
			return err
		}
		defer publisher.Close()
		callback = publisher.Callback()
	}

	base := billing.Config{
		Storage:            store,
		Ledger:             ledger,
		Metrics:            metrics,
		Logger:             accessLogger,
		WebhookCallback:    callback,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}

	hotmartConfig := base
	hotmartConfig.Logger = accessLogger.With(access.F("provider", "hotmart"))
	hotmartConfig.WebhookSecret = cfg.HotmartHottok
	hotmartConfig.MatchMode = cfg.MatchMode()
	hotmartConfig.GrantEvents = cfg.HotmartGrantEvents
	hotmartProvider, err := hotmart.NewProvider(hotmartConfig)
	if err != nil {
		return fmt.Errorf("hotmart: %w", err)
	}

	trusted, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}
	routes := server.Config{Hotmart: hotmartProvider, Checks: checks, TrustedProxies: trusted, Logger: logger}

	if cfg.StripeEnabled() {
		stripeConfig := base
		stripeConfig.Logger = accessLogger.With(access.F("provider", "stripe"))
		stripeConfig.TierMapping = cfg.StripePricePlans
		stripeProvider, err := stripe.NewProvider(stripe.Config{
			Config:              stripeConfig,
			StripeAPIKey:        cfg.StripeSecretKey,
			StripeWebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("stripe: %w", err)
		}
		routes.Stripe = stripeProvider
	} else {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, stripe webhooks disabled")
	}

	if relayRoutes := cfg.Routes(); len(relayRoutes) > 0 {
		rl, err := relay.New(relay.Config{
			Routes:  relayRoutes,
			Timeout: cfg.RelayTimeout,
			Metrics: metrics,
			Logger:  accessLogger,
		})
		if err != nil {
			return err
		}
		routes.Relay = rl
	}

	logger.Info().Str("version", Version).Msg("starting tribehooks")
	return server.Run(ctx, logger,
		server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(routes)),
		server.NewHTTPServer(cfg.MetricsAddr, server.NewMetricsRouter(reg)),
	)
}

// buildLedger returns the Postgres ledger, fronted by Redis when REDIS_ADDR
// is set.
func buildLedger(
	cfg *config.Config, store *postgres.Storage, logger zerolog.Logger, checks map[string]server.Pinger,
) (billing.EventLedger, func(), error) {
	if cfg.RedisAddr == "" {
		return store, func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	hot, err := redisledger.New(client, redisledger.Config{TTL: cfg.LedgerTTL})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	ledger, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           store,
		AsyncHotWrites: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn().Err(err).Msg("event ledger hot write failed")
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	checks["redis"] = hot

	return ledger, func() {
		_ = ledger.Close()
		_ = client.Close()
	}, nil
}
