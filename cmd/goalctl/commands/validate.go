package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
)

// validationReport summarizes a catalog that compiled.
type validationReport struct {
	Sources              []string `json:"sources" yaml:"sources"`
	Goals                int      `json:"goals" yaml:"goals"`
	GoalSets             []string `json:"goal_sets" yaml:"goal_sets"`
	Graphs               []string `json:"graphs" yaml:"graphs"`
	Rules                int      `json:"rules" yaml:"rules"`
	CancellationSets     []string `json:"cancellation_sets,omitempty" yaml:"cancellation_sets,omitempty"`
	Conditions           int      `json:"conditions" yaml:"conditions"`
	UnresolvedConditions []string `json:"unresolved_conditions,omitempty" yaml:"unresolved_conditions,omitempty"`
	Executors            int      `json:"executors,omitempty" yaml:"executors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate goal catalogs and the service config",
		Long: `Validate goal catalogs and, with --config, the service config.

This command checks:
  - YAML/CUE syntax and the catalog schema
  - Duplicate goals, dangling preconditions and cycles
  - Rules, graphs and cancellation sets referencing known names
  - Starlark conditions compile
  - Executor bindings name goals of the catalog`,
		Example: `  # Validate a catalog directory
  goalctl validate ./catalog

  # Validate the catalog and executor bindings of a service config
  goalctl validate --config goalflow.toml

  # Fail on conditions the catalog references but does not define
  goalctl validate --strict ./catalog`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, svc, err := catalogSources(args)
			if err != nil {
				return err
			}

			log.Debug().Strs("sources", sources).Bool("strict", strict).Msg("Validating catalog")

			loaded, err := loadCatalog(cmd.Context(), sources, conditionTimeout(svc))
			if err != nil {
				return err
			}

			report := reportOf(loaded)
			if strict && len(report.UnresolvedConditions) > 0 {
				return fmt.Errorf("catalog references undefined conditions: %v", report.UnresolvedConditions)
			}

			if svc != nil {
				if err := checkBindings(loaded.Compiled, svc.Executors); err != nil {
					return err
				}
				report.Executors = len(svc.Executors)
			}

			return printOutput(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail on undefined conditions")

	return cmd
}

func reportOf(loaded *loadedCatalog) validationReport {
	c := loaded.Compiled
	return validationReport{
		Sources:              loaded.Sources,
		Goals:                c.Registry.Len(),
		GoalSets:             c.SetNames(),
		Graphs:               c.GraphNames(),
		Rules:                len(loaded.Catalog.Rules),
		CancellationSets:     c.CancellationSets(),
		Conditions:           len(c.Conditions),
		UnresolvedConditions: c.UnresolvedConditions(),
	}
}

func checkBindings(c *config.Compiled, bindings []config.ExecutorBinding) error {
	for _, b := range bindings {
		if _, err := c.Registry.Lookup(b.Goal); err != nil {
			return fmt.Errorf("executor binding: %w", err)
		}
	}
	return nil
}
