package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

type simulateOptions struct {
	graph       string
	event       engine.ChangeEvent
	fail        []string
	deny        []string
	unsatisfied []string
	step        time.Duration
	timeout     time.Duration
	events      bool
}

// simulation is the printed result of a simulated run.
type simulation struct {
	Graph    string                   `json:"graph" yaml:"graph"`
	Rule     string                   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Outcome  string                   `json:"outcome" yaml:"outcome"`
	Counts   map[engine.GoalState]int `json:"counts" yaml:"counts"`
	Snapshot *engine.Snapshot         `json:"snapshot" yaml:"snapshot"`
	Events   []timelineEntry          `json:"events,omitempty" yaml:"events,omitempty"`
}

type timelineEntry struct {
	Type    engine.EventType `json:"type" yaml:"type"`
	Goal    string           `json:"goal,omitempty" yaml:"goal,omitempty"`
	From    engine.GoalState `json:"from,omitempty" yaml:"from,omitempty"`
	To      engine.GoalState `json:"to,omitempty" yaml:"to,omitempty"`
	Message string           `json:"message" yaml:"message"`
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a graph with simulated fulfillments",
		Long: `Submit a change event to an in-process engine in which every goal is
fulfilled by a simulated executor and every approval gate is answered
automatically. Starlark conditions from the catalog run for real;
conditions the catalog does not define pass unless listed in --unsatisfied.

The final snapshot is printed when every goal is terminal.`,
		Example: `  # Simulate the graph a push to main gets
  goalctl simulate -f ./catalog --repo acme/shop --branch main

  # Fail the build and deny the production approval
  goalctl simulate -f ./catalog --graph pipeline --fail build --deny deploy-prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, svc, err := catalogSources(nil)
			if err != nil {
				return err
			}
			loaded, err := loadCatalog(cmd.Context(), sources, conditionTimeout(svc))
			if err != nil {
				return err
			}

			result, err := simulate(cmd.Context(), loaded.Compiled, opts)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&opts.graph, "graph", "", "graph to run (default: selected by rules)")
	cmd.Flags().StringVar(&opts.event.ID, "id", "simulation", "change event ID")
	cmd.Flags().StringVar(&opts.event.Repository, "repo", "", "change event repository")
	cmd.Flags().StringVar(&opts.event.Branch, "branch", "", "change event branch")
	cmd.Flags().StringVar(&opts.event.SHA, "sha", "", "change event commit")
	cmd.Flags().StringToStringVar(&opts.event.Metadata, "meta", nil, "change event metadata (key=value)")
	cmd.Flags().StringSliceVar(&opts.fail, "fail", nil, "goals whose fulfillment fails")
	cmd.Flags().StringSliceVar(&opts.deny, "deny", nil, "goals whose approval gates are denied")
	cmd.Flags().StringSliceVar(&opts.unsatisfied, "unsatisfied", nil, "undefined conditions that never hold")
	cmd.Flags().DurationVar(&opts.step, "step", 0, "simulated duration of each fulfillment")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "give up when the graph is not complete in time")
	cmd.Flags().BoolVar(&opts.events, "events", false, "include the event timeline")

	return cmd
}

func simulate(ctx context.Context, c *config.Compiled, opts simulateOptions) (*simulation, error) {
	var (
		graph *engine.ResolvedGraph
		rule  string
		err   error
	)
	if opts.graph != "" {
		graph, err = c.Graph(opts.graph)
	} else {
		graph, rule, err = c.Select(opts.event)
	}
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.TestConfig()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tcfg.Metrics.Enabled = false
	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	eng := engine.NewEngine(c.Registry, tel.EngineOptions())
	defer func() { _ = eng.Shutdown(context.Background()) }()

	logger := tel.Logger.Component("simulate")
	failing := toSet(opts.fail)
	for _, goal := range graph.Names() {
		if err := eng.RegisterExecutor(goal, simulatedExecutor(opts.step, failing[goal], logger)); err != nil {
			return nil, err
		}
	}

	if err := c.RegisterConditions(eng); err != nil {
		return nil, err
	}
	unsatisfied := toSet(opts.unsatisfied)
	for _, name := range c.UnresolvedConditions() {
		holds := !unsatisfied[name]
		if err := eng.RegisterCondition(name, func(context.Context, engine.ChangeEvent) (bool, error) {
			return holds, nil
		}); err != nil {
			return nil, err
		}
	}

	eng.AddGateListener(&simulatedApprover{decider: eng, deny: toSet(opts.deny), logger: logger})

	// Wait returns as soon as the last goal is terminal; the completion event
	// is published right after.
	completed := make(chan struct{})
	var once sync.Once
	unsubscribe := tel.Events.Subscribe(func(e engine.Event) {
		if e.Type == engine.EventTypeGraphCompleted {
			once.Do(func() { close(completed) })
		}
	}, telemetry.FilterByChangeEvent(opts.event.ID))
	defer unsubscribe()

	if _, err := eng.Submit(ctx, opts.event, graph); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	snapshot, err := eng.Wait(waitCtx, opts.event.ID)
	if err == nil {
		select {
		case <-completed:
		case <-waitCtx.Done():
			err = waitCtx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("graph %s did not complete: %w", graph.Name(), err)
	}

	result := &simulation{
		Graph:    graph.Name(),
		Rule:     rule,
		Outcome:  outcomeOf(snapshot),
		Counts:   snapshot.Counts(),
		Snapshot: snapshot,
	}
	if opts.events {
		for _, e := range tel.Events.History(opts.event.ID) {
			result.Events = append(result.Events, timelineEntry{
				Type: e.Type, Goal: e.Goal, From: e.From, To: e.To, Message: e.Message,
			})
		}
	}
	return result, nil
}

func simulatedExecutor(step time.Duration, fail bool, logger zerolog.Logger) engine.Executor {
	return engine.ExecutorFunc(func(ctx context.Context, inv engine.Invocation) (engine.Outcome, error) {
		logger.Debug().Str("goal", inv.Goal.Name).Int("attempt", inv.Attempt).Msg("Simulating fulfillment")
		if step > 0 {
			select {
			case <-time.After(step):
			case <-ctx.Done():
				return engine.Outcome{}, ctx.Err()
			}
		}
		if fail {
			return engine.Outcome{Result: engine.ResultFailure, Diagnostics: "simulated failure"}, nil
		}
		return engine.Outcome{Result: engine.ResultSuccess}, nil
	})
}

type gateDecider interface {
	DecidePreApproval(ctx context.Context, changeEventID, goal string, d engine.Decision) (engine.ApprovalRecord, error)
	DecideApproval(ctx context.Context, changeEventID, goal string, d engine.Decision) (engine.ApprovalRecord, error)
}

// simulatedApprover grants every gate except those of denied goals.
type simulatedApprover struct {
	decider gateDecider
	deny    map[string]bool
	logger  zerolog.Logger
}

func (a *simulatedApprover) GateOpened(ctx context.Context, req engine.GateRequest) {
	d := engine.Decision{
		Approved: !a.deny[req.Goal.Name],
		Approver: "goalctl simulate",
	}
	decide := a.decider.DecideApproval
	if req.Gate == engine.GatePreApproval {
		decide = a.decider.DecidePreApproval
	}
	if _, err := decide(ctx, req.ChangeEvent.ID, req.Goal.Name, d); err != nil {
		a.logger.Warn().Err(err).Str("goal", req.Goal.Name).Str("gate", string(req.Gate)).Msg("Simulated decision rejected")
	}
}

func outcomeOf(s *engine.Snapshot) string {
	for _, g := range s.Goals {
		if !g.State.IsSuccessful() {
			return "failed"
		}
	}
	return "succeeded"
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
