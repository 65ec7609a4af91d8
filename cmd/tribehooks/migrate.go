package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tribebuild/tribehooks/internal/config"
	"github.com/tribebuild/tribehooks/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dsn, err := databaseURL()
		if err != nil {
			return err
		}
		if err := postgres.MigrateUp(dsn); err != nil {
			return err
		}
		return printVersion(cmd, dsn)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dsn, err := databaseURL()
		if err != nil {
			return err
		}
		if err := postgres.MigrateDown(dsn); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dsn, err := databaseURL()
		if err != nil {
			return err
		}
		return printVersion(cmd, dsn)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func databaseURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.DatabaseURL == "" {
		return "", errors.New("missing required environment variables: DATABASE_URL")
	}
	return cfg.DatabaseURL, nil
}

func printVersion(cmd *cobra.Command, dsn string) error {
	version, dirty, err := postgres.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
	return nil
}
