package handlers

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	logPretty  bool
	logLevel   string
)

// NewRootCmd builds the msgtool command tree: fetch and schedule.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msgtool",
		Short: "Multi-source AI-content ingestion pipeline",
		Long: `msgtool fetches, classifies, translates, and normalizes items from
headline aggregators, code-host trending search, paper indexes, and
syndication feeds into a deterministic daily output layout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path")
	root.PersistentFlags().BoolVar(&logPretty, "pretty", false, "human-readable console logging instead of JSON")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newFetchCmd())
	root.AddCommand(newScheduleCmd())

	return root
}

// Execute runs the root command and exits with the process's exit code
// (spec §6: 0 success, 1 partial failure, 2 configuration invalid, 130
// interrupted).
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
