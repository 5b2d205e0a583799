// Package cmd defines the CLI commands for the ingestor executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Content ingestion service for crawled pages and RSS feeds.",
		Long: `ingestor discovers documents from subscribed RSS/Atom feeds, crawls
them page by page with resumable cursors, stores the extracted content, and
pushes lifecycle events to downstream consumers.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus INGESTOR_* env vars)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
