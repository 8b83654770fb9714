package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/goalflow/pkg/engine"

// Options configures an Engine. Every field is optional.
type Options struct {
	// Logger receives engine logs. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// Publisher receives engine events.
	Publisher EventPublisher

	// Metrics receives measurements.
	Metrics MetricsRecorder

	// Store persists snapshots after every applied trigger.
	Store StateStore

	// GateListeners are told about opened approval gates.
	GateListeners []GateListener

	// MaxParallel bounds concurrently running internal executors. Defaults to 10.
	MaxParallel int

	// Tracer overrides the global OpenTelemetry tracer.
	Tracer trace.Tracer
}

// Engine orchestrates goal graphs of change events. It is the single writer of goal
// states; every mutation of a graph happens inside that graph's critical section.
type Engine struct {
	registry   *Registry
	dispatcher *Dispatcher

	condMu     sync.RWMutex
	conditions map[string]ConditionFunc

	mu     sync.RWMutex
	graphs map[string]*graphRun

	logger        zerolog.Logger
	tracer        trace.Tracer
	metrics       MetricsRecorder
	publisher     EventPublisher
	store         StateStore
	gateListeners []GateListener

	active atomic.Int64

	// launchMu guards closing and every wg.Add, so no goroutine is started
	// once Shutdown waits on wg.
	launchMu sync.Mutex
	closing  bool
	wg       sync.WaitGroup
}

// NewEngine creates an engine. registry may be nil when fulfillments need no
// name validation.
func NewEngine(registry *Registry, opts Options) *Engine {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "engine").Logger()

	e := &Engine{
		registry:      registry,
		dispatcher:    NewDispatcher(opts.MaxParallel, logger),
		conditions:    make(map[string]ConditionFunc),
		graphs:        make(map[string]*graphRun),
		logger:        logger,
		tracer:        opts.Tracer,
		metrics:       opts.Metrics,
		publisher:     opts.Publisher,
		store:         opts.Store,
		gateListeners: opts.GateListeners,
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.metrics == nil {
		e.metrics = noopMetrics{}
	}
	return e
}

// Registry returns the registry the engine validates goal names against.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// AddGateListener registers a listener for approval gates opened from now on.
func (e *Engine) AddGateListener(l GateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gateListeners = append(e.gateListeners, l)
}

// RegisterExecutor binds an internal executor to a goal.
func (e *Engine) RegisterExecutor(goal string, executor Executor) error {
	if err := e.knownGoal(goal); err != nil {
		return err
	}
	return e.dispatcher.RegisterExecutor(goal, executor)
}

// RegisterSideEffect marks a goal as fulfilled by an external system.
func (e *Engine) RegisterSideEffect(goal string, opts SideEffectOptions) error {
	if err := e.knownGoal(goal); err != nil {
		return err
	}
	return e.dispatcher.RegisterSideEffect(goal, opts)
}

// RegisterCondition registers a custom precondition under name.
func (e *Engine) RegisterCondition(name string, fn ConditionFunc) error {
	if name == "" || fn == nil {
		return NewPermanentError("condition needs a name and a function", nil).WithCode(ErrCodeValidation)
	}

	e.condMu.Lock()
	defer e.condMu.Unlock()

	if _, exists := e.conditions[name]; exists {
		return NewConflictError(fmt.Sprintf("condition %s is already registered", name), nil).
			WithCode(ErrCodeConflict).WithResource(name)
	}
	e.conditions[name] = fn
	return nil
}

func (e *Engine) condition(name string) (ConditionFunc, bool) {
	e.condMu.RLock()
	defer e.condMu.RUnlock()
	fn, ok := e.conditions[name]
	return fn, ok
}

func (e *Engine) knownGoal(goal string) error {
	if e.registry == nil {
		return nil
	}
	_, err := e.registry.Lookup(goal)
	return err
}

// Submit starts orchestrating graph for the change event. Submitting the same event
// again with an identical graph returns the current snapshot; a different graph
// fails with CONFLICTING_RESUBMISSION. Missing fulfillments and conditions are
// reported here, before any goal starts.
func (e *Engine) Submit(ctx context.Context, event ChangeEvent, graph *ResolvedGraph) (*Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit",
		trace.WithAttributes(attribute.String("change_event.id", event.ID)))
	defer span.End()

	snap, err := e.submit(ctx, event, graph)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("graph.name", graph.Name()), attribute.Int("graph.goals", graph.Len()))
	span.SetStatus(codes.Ok, "")
	return snap, nil
}

func (e *Engine) submit(ctx context.Context, event ChangeEvent, graph *ResolvedGraph) (*Snapshot, error) {
	if event.ID == "" {
		return nil, NewPermanentError("change event has empty id", nil).WithCode(ErrCodeValidation)
	}
	if graph == nil {
		return nil, NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation).WithResource(event.ID)
	}
	if err := e.validateBindings(graph); err != nil {
		e.recordError(err)
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.graphs[event.ID]; ok {
		e.mu.Unlock()
		if existing.graph.Fingerprint() != graph.Fingerprint() {
			err := NewConflictError(
				fmt.Sprintf("change event %s was already submitted with a different graph", event.ID), nil,
			).WithCode(ErrCodeConflictingResubmission).
				WithResource(event.ID).
				WithDetail("existing_fingerprint", existing.graph.Fingerprint()).
				WithDetail("fingerprint", graph.Fingerprint())
			e.recordError(err)
			return nil, err
		}
		return e.CurrentState(event.ID)
	}
	run := newGraphRun(event, graph)
	e.graphs[event.ID] = run
	e.mu.Unlock()

	e.metrics.RecordGraphSubmitted(graph.Name())
	e.setActiveGraphs(1)
	e.logger.Info().
		Str("change_event", event.ID).
		Str("graph", graph.Name()).
		Int("goals", graph.Len()).
		Msg("Graph submitted")

	err := e.withRun(ctx, event.ID, func(run *graphRun, fx *effects) error {
		fx.event(run, EventTypeGraphSubmitted, "", "Graph submitted: "+graph.Name(), map[string]interface{}{
			"graph":       graph.Name(),
			"fingerprint": graph.Fingerprint(),
			"goals":       graph.Len(),
		})
		return nil
	})
	snap, snapErr := e.CurrentState(event.ID)
	if snapErr != nil {
		return nil, snapErr
	}
	return snap, err
}

// validateBindings checks every goal has a fulfillment and every condition a function.
func (e *Engine) validateBindings(graph *ResolvedGraph) error {
	missingFulfillment := make([]string, 0)
	missingCondition := make([]string, 0)
	for _, name := range graph.order {
		if _, err := e.dispatcher.resolve(name); err != nil {
			missingFulfillment = append(missingFulfillment, name)
		}
		for _, cond := range graph.goals[name].Conditions() {
			if _, ok := e.condition(cond.Condition); !ok {
				missingCondition = append(missingCondition, name+"/"+cond.Condition)
			}
		}
	}
	if len(missingFulfillment) > 0 {
		return NewPermanentError(
			fmt.Sprintf("no executor or side effect registered for goals: %s", strings.Join(missingFulfillment, ", ")),
			nil,
		).WithCode(ErrCodeNoFulfillmentRegistered).
			WithResource(missingFulfillment[0]).
			WithDetail("goals", missingFulfillment)
	}
	if len(missingCondition) > 0 {
		return NewPermanentError(
			fmt.Sprintf("unregistered conditions: %s", strings.Join(missingCondition, ", ")), nil,
		).WithCode(ErrCodeUnknownCondition).WithDetail("conditions", missingCondition)
	}
	return nil
}

// ReportCompletion applies the outcome of a goal's fulfillment. Reports for goals
// that were stopped meanwhile are dropped without error.
func (e *Engine) ReportCompletion(ctx context.Context, event ExecutionEvent) error {
	if err := event.Result.Validate(); err != nil {
		return NewPermanentError("invalid execution event", err).
			WithCode(ErrCodeValidation).WithResource(event.Goal)
	}

	return e.withRun(ctx, event.ChangeEventID, func(run *graphRun, fx *effects) error {
		inst, err := run.instance(event.Goal)
		if err != nil {
			return err
		}
		if event.FulfillmentID != "" && event.FulfillmentID != inst.fulfillmentID {
			return NewConflictError("execution event does not match the current dispatch", nil).
				WithCode(ErrCodeConflict).
				WithResource(event.Goal).
				WithDetail("fulfillment_id", event.FulfillmentID)
		}
		if inst.state == GoalStateStopped {
			e.logger.Debug().Str("change_event", run.event.ID).Str("goal", event.Goal).
				Msg("Dropping completion of stopped goal")
			return nil
		}
		if inst.state != GoalStateInProcess {
			to := GoalStateSuccess
			if event.Result == ResultFailure {
				to = GoalStateFailure
			}
			return newInvalidTransitionError(event.Goal, inst.state, to)
		}

		inst.diagnostics = event.Diagnostics
		switch {
		case event.Result == ResultFailure:
			return e.transition(run, inst, GoalStateFailure, ErrCodeExecutorFailed, fx)
		case inst.def.ApprovalRequired:
			if err := e.transition(run, inst, GoalStateWaitingForApproval, "", fx); err != nil {
				return err
			}
			fx.gates = append(fx.gates, e.gateRequest(run, inst, GateApproval))
			return nil
		default:
			return e.transition(run, inst, GoalStateSuccess, "", fx)
		}
	})
}

// RequestRetry re-runs a failed goal whose definition allows retries. The failed
// attempt is kept as a Failure record in GoalSnapshot.Attempts and a new attempt
// starts in Planned. Dependents that were skipped because of the failure get a new
// attempt as well, their Skipped attempts kept the same way.
func (e *Engine) RequestRetry(ctx context.Context, changeEventID, goal string) error {
	return e.withRun(ctx, changeEventID, func(run *graphRun, fx *effects) error {
		inst, err := run.instance(goal)
		if err != nil {
			return err
		}
		if !inst.def.RetryFeasible {
			return NewConflictError(fmt.Sprintf("goal %s does not allow retries", goal), nil).
				WithCode(ErrCodeRetryNotFeasible).WithResource(goal)
		}
		if inst.state != GoalStateFailure {
			return NewConflictError(fmt.Sprintf("goal %s is %s, only failed goals can be retried", goal, inst.state), nil).
				WithCode(ErrCodeRetryNotFeasible).WithResource(goal)
		}

		e.openAttempt(run, inst, "retry requested", fx)
		for _, dependent := range run.graph.TransitiveDependents(goal) {
			if d := run.instances[dependent]; d.state == GoalStateSkipped {
				e.openAttempt(run, d, "upstream retry: "+goal, fx)
			}
		}
		if run.completed {
			run.completed = false
			run.done = make(chan struct{})
			e.setActiveGraphs(1)
		}
		e.metrics.RecordRetry(goal)
		return nil
	})
}

// CurrentState returns a consistent snapshot of every goal of the change event.
func (e *Engine) CurrentState(changeEventID string) (*Snapshot, error) {
	run, err := e.lookupRun(changeEventID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.snapshotLocked(), nil
}

// Wait blocks until every goal of the change event is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, changeEventID string) (*Snapshot, error) {
	for {
		run, err := e.lookupRun(changeEventID)
		if err != nil {
			return nil, err
		}
		run.mu.RLock()
		done := run.done
		run.mu.RUnlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}

		snap, err := e.CurrentState(changeEventID)
		if err != nil || snap.Complete {
			return snap, err
		}
	}
}

// ChangeEvents returns the ids of all tracked change events, sorted.
func (e *Engine) ChangeEvents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.graphs))
	for id := range e.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops a completed change event from memory.
func (e *Engine) Forget(changeEventID string) error {
	run, err := e.lookupRun(changeEventID)
	if err != nil {
		return err
	}
	run.mu.RLock()
	completed := run.completed
	run.mu.RUnlock()
	if !completed {
		return NewConflictError("change event still has active goals", nil).
			WithCode(ErrCodeConflict).WithResource(changeEventID)
	}

	e.mu.Lock()
	delete(e.graphs, changeEventID)
	e.mu.Unlock()
	return nil
}

// Shutdown stops every running internal executor and waits for in-flight work
// (executors, condition checks, hooks, gate listeners) until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.launchMu.Lock()
	e.closing = true
	e.launchMu.Unlock()

	e.mu.RLock()
	runs := make([]*graphRun, 0, len(e.graphs))
	for _, run := range e.graphs {
		runs = append(runs, run)
	}
	e.mu.RUnlock()

	for _, run := range runs {
		run.mu.Lock()
		for _, inst := range run.instances {
			if inst.cancel != nil {
				inst.cancel()
			}
			if inst.timer != nil {
				inst.timer.Stop()
			}
		}
		run.evaluator.stopRechecks()
		run.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}

func (e *Engine) lookupRun(changeEventID string) (*graphRun, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.graphs[changeEventID]
	if !ok {
		return nil, newUnknownChangeEventError(changeEventID)
	}
	return run, nil
}

func (e *Engine) setActiveGraphs(delta int64) {
	e.metrics.SetActiveGraphs(float64(e.active.Add(delta)))
}

func (e *Engine) recordError(err error) {
	if ee, ok := err.(*EngineError); ok {
		e.metrics.RecordError(string(ee.Class), ee.Code)
	}
}

// publishEvent publishes an engine event.
func (e *Engine) publishEvent(ctx context.Context, event *Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}

func (e *Engine) listeners() []GateListener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]GateListener(nil), e.gateListeners...)
}
