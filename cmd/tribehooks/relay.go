package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tribebuild/tribehooks/internal/config"
	"github.com/tribebuild/tribehooks/internal/logging"
	"github.com/tribebuild/tribehooks/internal/server"
	zerologadapter "github.com/tribebuild/tribehooks/pkg/access/logger/zerolog"
	prommetrics "github.com/tribebuild/tribehooks/pkg/billing/metrics/prometheus"
	"github.com/tribebuild/tribehooks/pkg/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve only the edge relay routes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.ValidateRelay(); err != nil {
			return err
		}

		logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "relay"})
		reg := newRegistry()
		metrics := prommetrics.NewMetrics(reg, metricsNamespace)

		rl, err := relay.New(relay.Config{
			Routes:  cfg.Routes(),
			Timeout: cfg.RelayTimeout,
			Metrics: metrics,
			Logger:  zerologadapter.NewLogger(logger),
		})
		if err != nil {
			return err
		}
		trusted, err := cfg.TrustedProxies()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info().Int("routes", len(rl.Routes())).Msg("starting relay")
		return server.Run(ctx, logger,
			server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(server.Config{Relay: rl, TrustedProxies: trusted, Logger: logger})),
			server.NewHTTPServer(cfg.MetricsAddr, server.NewMetricsRouter(reg)),
		)
	},
}
