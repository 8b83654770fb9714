package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	catalogPaths []string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "goalctl",
		Short: "goalflow - delivery goal graph engine",
		Long: `goalflow resolves change events into goal graphs and drives every goal
through its lifecycle: preconditions, fulfillment, approval gates,
retries and cancellation.

Catalogs declare goals, goal sets, graphs, rules and Starlark conditions
in YAML or CUE. The service config (TOML) binds goals to SSH commands,
WASM modules or external side effects.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "service config file (TOML)")
	rootCmd.PersistentFlags().StringSliceVarP(&catalogPaths, "catalog", "f", nil, "catalog files or directories")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newServeCommand(version))

	return rootCmd
}
