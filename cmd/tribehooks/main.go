// Command tribehooks runs the TribeBuild payment webhook service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "tribehooks",
	Short:         "TribeBuild payment webhook service",
	Long:          `tribehooks ingests Hotmart sales and Stripe subscription events, grants product access and keeps producer plans in sync.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tribehooks %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
