package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tribebuild/tribehooks/internal/config"
	"github.com/tribebuild/tribehooks/internal/logging"
	"github.com/tribebuild/tribehooks/pkg/access"
	zerologadapter "github.com/tribebuild/tribehooks/pkg/access/logger/zerolog"
	"github.com/tribebuild/tribehooks/pkg/billing"
	"github.com/tribebuild/tribehooks/pkg/billing/stripe"
	"github.com/tribebuild/tribehooks/storage/postgres"
)

var reconcileCustomers []string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild producer plans from their Stripe subscriptions",
	Long: `reconcile lists each customer's subscriptions in Stripe and rewrites the
plan of the profile linked to that customer. Use it after lost or failed
webhook deliveries.`,
	Example: "  tribehooks reconcile --customer cus_123 --customer cus_456",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.ValidateReconcile(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "reconcile"})
		accessLogger := zerologadapter.NewLogger(logger)

		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.MaxConns = cfg.DBMaxConns
		pgConfig.Logger = accessLogger
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return err
		}
		defer store.Close()

		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Storage:            store,
				TierMapping:        cfg.StripePricePlans,
				Logger:             accessLogger,
				RateLimitPerMinute: -1,
			},
			StripeAPIKey: cfg.StripeSecretKey,
		})
		if err != nil {
			return fmt.Errorf("stripe: %w", err)
		}
		return runReconcile(ctx, cmd.OutOrStdout(), provider, reconcileCustomers)
	},
}

func init() {
	reconcileCmd.Flags().StringSliceVar(&reconcileCustomers, "customer", nil, "Stripe customer id to reconcile (repeatable)")
	_ = reconcileCmd.MarkFlagRequired("customer")
}

// runReconcile reconciles every customer and reports one line each. A
// customer with no linked profile is reported and skipped.
func runReconcile(ctx context.Context, out io.Writer, r billing.Reconciler, customers []string) error {
	var errs []error
	for _, customerID := range customers {
		outcome, err := r.Reconcile(ctx, customerID)
		switch {
		case errors.Is(err, access.ErrProfileNotFound):
			fmt.Fprintf(out, "%s: no profile linked to this customer\n", customerID)
		case err != nil:
			fmt.Fprintf(out, "%s: failed: %v\n", customerID, err)
			errs = append(errs, fmt.Errorf("%s: %w", customerID, err))
		default:
			fmt.Fprintf(out, "%s: plan=%s status=%s profiles=%d\n",
				customerID, outcome.PlanTier, outcome.PlanStatus, outcome.ProfilesUpdated)
		}
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}
