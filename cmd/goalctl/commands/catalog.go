package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/goalflow/pkg/config"
)

// loadedCatalog is a parsed catalog together with its compiled form.
type loadedCatalog struct {
	Sources  []string
	Catalog  *config.Catalog
	Compiled *config.Compiled
}

// catalogSources picks catalog paths from the arguments, the --catalog flag or
// the service config, in that order.
func catalogSources(args []string) ([]string, *config.ServiceConfig, error) {
	var svc *config.ServiceConfig
	if configPath != "" {
		cfg, err := config.LoadServiceConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		svc = cfg
	}

	sources := append(append([]string{}, args...), catalogPaths...)
	if len(sources) == 0 && svc != nil {
		sources = svc.Catalog.Paths
	}
	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("no catalog given: pass paths, --catalog or --config")
	}
	return sources, svc, nil
}

func loadCatalog(ctx context.Context, sources []string, conditionTimeout time.Duration) (*loadedCatalog, error) {
	cat, err := config.NewLoader().Load(ctx, sources...)
	if err != nil {
		return nil, err
	}
	compiled, err := config.Build(cat, config.BuildOptions{ConditionTimeout: conditionTimeout})
	if err != nil {
		return nil, err
	}
	return &loadedCatalog{Sources: sources, Catalog: cat, Compiled: compiled}, nil
}

func conditionTimeout(svc *config.ServiceConfig) time.Duration {
	if svc == nil {
		return config.DefaultServiceConfig().Catalog.ConditionTimeout.Std()
	}
	return svc.Catalog.ConditionTimeout.Std()
}

// printOutput writes v as YAML, or JSON with --json.
func printOutput(w io.Writer, v interface{}) error {
	return encode(w, v, jsonOutput)
}

func encode(w io.Writer, v interface{}, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
