package commands

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/goalflow/pkg/api"
	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/executors"
	"github.com/openfroyo/goalflow/pkg/policy"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the goal engine with its HTTP API",
		Long: `Run the goal engine behind the REST API.

The service config binds goals to executors, points at the snapshot store
and the policy directory, and tunes telemetry. Goals without a binding
cannot be submitted.`,
		Example: `  # Serve with a config file
  goalctl serve --config goalflow.toml

  # Override the listen address
  goalctl serve --config goalflow.toml --listen 127.0.0.1:8081`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := config.DefaultServiceConfig()
			if configPath != "" {
				cfg, err := config.LoadServiceConfig(configPath)
				if err != nil {
					return err
				}
				svc = cfg
			}
			if len(catalogPaths) > 0 {
				svc.Catalog.Paths = catalogPaths
			}
			if listen != "" {
				svc.Server.Listen = listen
			}
			if err := svc.Validate(); err != nil {
				return err
			}

			s, err := newService(cmd.Context(), svc, version)
			if err != nil {
				return err
			}
			defer s.close()

			ln, err := net.Listen("tcp", svc.Server.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", svc.Server.Listen, err)
			}
			return s.run(cmd.Context(), ln)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides the config)")

	return cmd
}

// service is the engine wired to its store, executors, policies and API.
type service struct {
	cfg       *config.ServiceConfig
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	engine    *engine.Engine
	store     *stores.SQLiteStore
	runtime   *executors.WASMRuntime
	policies  *policy.Engine
	watcher   *policy.Loader
	server    *api.Server
}

func newService(ctx context.Context, cfg *config.ServiceConfig, version string) (_ *service, err error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &service{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Component("service"),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	loaded, err := loadCatalog(ctx, cfg.Catalog.Paths, cfg.Catalog.ConditionTimeout.Std())
	if err != nil {
		return nil, err
	}
	if unresolved := loaded.Compiled.UnresolvedConditions(); len(unresolved) > 0 {
		return nil, fmt.Errorf("catalog references undefined conditions: %v", unresolved)
	}

	opts := tel.EngineOptions()
	opts.MaxParallel = cfg.Engine.MaxParallel

	if cfg.Store.Path != "" {
		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		s.store = store
		opts.Store = store
	}

	s.engine = engine.NewEngine(loaded.Compiled.Registry, opts)
	if err := loaded.Compiled.RegisterConditions(s.engine); err != nil {
		return nil, err
	}

	if err := s.bindExecutors(ctx); err != nil {
		return nil, err
	}
	if err := s.loadPolicies(ctx); err != nil {
		return nil, err
	}
	s.engine.AddGateListener(policy.NewAutoApprover(s.policies, s.engine, s.logger))

	apiCfg := api.Config{
		Engine:   s.engine,
		Catalog:  loaded.Compiled,
		Events:   tel.Events,
		Policies: s.policies,
		Logger:   s.logger,
	}
	if s.store != nil {
		apiCfg.Store = s.store
	}
	if cfg.TelemetryConfig(version).Metrics.Enabled {
		apiCfg.Metrics = tel.Metrics.Handler()
		apiCfg.Recorder = tel.Metrics
	}
	s.server, err = api.NewServer(apiCfg)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("goals", loaded.Compiled.Registry.Len()).
		Strs("graphs", loaded.Compiled.GraphNames()).
		Int("executors", len(cfg.Executors)).
		Bool("store", s.store != nil).
		Msg("Service initialized")
	return s, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Path,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *service) bindExecutors(ctx context.Context) error {
	opts := executors.Options{
		Logger:     s.logger,
		Limiter:    executors.NewHostLimiter(s.cfg.Engine.HostConcurrency),
		Instrument: s.telemetry.InstrumentExecutor,
	}
	for _, b := range s.cfg.Executors {
		if b.Kind != config.ExecutorWASM {
			continue
		}
		rt, err := executors.NewWASMRuntime(ctx, executors.WASMRuntimeConfig{}, s.logger)
		if err != nil {
			return err
		}
		s.runtime = rt
		opts.Runtime = rt
		break
	}
	return executors.Bind(ctx, s.engine, s.cfg.Executors, opts)
}

func (s *service) loadPolicies(ctx context.Context) error {
	policies, err := policy.NewEngine(s.logger)
	if err != nil {
		return err
	}
	s.policies = policies

	if dir := s.cfg.Policy.Dir; dir != "" {
		if err := policies.LoadPolicies(ctx, []string{dir}); err != nil {
			return err
		}
		if s.cfg.Policy.Watch {
			s.watcher = policy.NewLoader(s.logger)
			reload := func(loaded []policy.Policy) error {
				return policies.Load(context.Background(), loaded)
			}
			if err := s.watcher.Watch(ctx, []string{dir}, reload); err != nil {
				return err
			}
		}
	}

	for _, name := range s.cfg.Policy.Enable {
		if err := policies.EnablePolicy(name); err != nil {
			return err
		}
	}
	return nil
}

// run serves the API on ln and prunes the store until ctx is done, then
// stops the engine.
func (s *service) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.server.Serve(gctx, ln, s.cfg.Server.ShutdownTimeout.Std())
	})

	if s.store != nil && s.cfg.Store.PruneAfter > 0 {
		g.Go(func() error {
			s.pruneLoop(gctx, s.cfg.Store.PruneAfter.Std())
			return nil
		})
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if serr := s.engine.Shutdown(shutdownCtx); serr != nil {
		s.logger.Warn().Err(serr).Msg("Engine shutdown incomplete")
	}
	return err
}

// pruneLoop deletes complete snapshots older than retention.
func (s *service) pruneLoop(ctx context.Context, retention time.Duration) {
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.prune(ctx, retention)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *service) prune(ctx context.Context, retention time.Duration) {
	n, err := s.store.PruneCompleted(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Failed to prune snapshots")
		}
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Dur("retention", retention).Msg("Pruned complete snapshots")
	}
}

func (s *service) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.watcher != nil {
		_ = s.watcher.StopWatching()
	}
	if s.runtime != nil {
		_ = s.runtime.Close(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}
