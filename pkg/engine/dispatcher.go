package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// FulfillmentKind tells how a goal is fulfilled.
type FulfillmentKind string

const (
	// FulfillmentExecutor runs an in-process executor.
	FulfillmentExecutor FulfillmentKind = "executor"

	// FulfillmentSideEffect hands the goal to an external system.
	FulfillmentSideEffect FulfillmentKind = "side_effect"
)

type fulfillment struct {
	kind       FulfillmentKind
	executor   Executor
	sideEffect SideEffectOptions
}

// Dispatcher maps goal names to fulfillments and runs internal executors under a
// concurrency bound.
type Dispatcher struct {
	mu           sync.RWMutex
	fulfillments map[string]fulfillment

	// sem bounds concurrently running internal executors
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher allowing maxParallel concurrent executors.
func NewDispatcher(maxParallel int, logger zerolog.Logger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent executors
	}
	return &Dispatcher{
		fulfillments: make(map[string]fulfillment),
		sem:          semaphore.NewWeighted(int64(maxParallel)),
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// RegisterExecutor binds an internal executor to a goal name.
func (d *Dispatcher) RegisterExecutor(goal string, executor Executor) error {
	if executor == nil {
		return NewPermanentError("executor is nil", nil).WithCode(ErrCodeValidation).WithResource(goal)
	}
	return d.register(goal, fulfillment{kind: FulfillmentExecutor, executor: executor})
}

// RegisterSideEffect marks a goal as fulfilled by an external system.
func (d *Dispatcher) RegisterSideEffect(goal string, opts SideEffectOptions) error {
	if opts.Timeout < 0 {
		return NewPermanentError("side effect timeout is negative", nil).
			WithCode(ErrCodeValidation).WithResource(goal)
	}
	return d.register(goal, fulfillment{kind: FulfillmentSideEffect, sideEffect: opts})
}

func (d *Dispatcher) register(goal string, f fulfillment) error {
	if goal == "" {
		return NewPermanentError("fulfillment has empty goal name", nil).WithCode(ErrCodeValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.fulfillments[goal]; ok {
		return NewConflictError(
			fmt.Sprintf("goal %s already has a %s fulfillment", goal, existing.kind), nil,
		).WithCode(ErrCodeConflict).WithResource(goal)
	}
	d.fulfillments[goal] = f
	d.logger.Debug().Str("goal", goal).Str("kind", string(f.kind)).Msg("Registered fulfillment")
	return nil
}

// Kind returns how goal is fulfilled, or NO_FULFILLMENT_REGISTERED.
func (d *Dispatcher) Kind(goal string) (FulfillmentKind, error) {
	f, err := d.resolve(goal)
	if err != nil {
		return "", err
	}
	return f.kind, nil
}

func (d *Dispatcher) resolve(goal string) (fulfillment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.fulfillments[goal]
	if !ok {
		return fulfillment{}, NewPermanentError(
			fmt.Sprintf("no executor or side effect registered for goal %s", goal), nil,
		).WithCode(ErrCodeNoFulfillmentRegistered).WithResource(goal)
	}
	return f, nil
}

// execute runs an internal executor and converts its return into an ExecutionEvent.
func (d *Dispatcher) execute(ctx context.Context, executor Executor, inv Invocation) ExecutionEvent {
	event := ExecutionEvent{
		ChangeEventID: inv.ChangeEvent.ID,
		Goal:          inv.Goal.Name,
		FulfillmentID: inv.FulfillmentID,
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		event.Result = ResultFailure
		event.Diagnostics = fmt.Sprintf("executor not started: %v", err)
		event.ReportedAt = time.Now()
		return event
	}
	defer d.sem.Release(1)

	outcome, err := safeExecute(ctx, executor, inv)
	event.ReportedAt = time.Now()
	switch {
	case err != nil:
		event.Result = ResultFailure
		event.Diagnostics = err.Error()
	case outcome.Result.Validate() != nil:
		event.Result = ResultFailure
		event.Diagnostics = fmt.Sprintf("executor returned invalid result %q", outcome.Result)
	default:
		event.Result = outcome.Result
		event.Diagnostics = outcome.Diagnostics
	}
	return event
}

func safeExecute(ctx context.Context, executor Executor, inv Invocation) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, inv)
}
