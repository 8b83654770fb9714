package engine

import (
	"context"
	"errors"
	"time"
)

// ConditionFunc is a custom precondition. It reports whether the condition currently
// holds for the change event. An error counts as a failed attempt.
type ConditionFunc func(ctx context.Context, event ChangeEvent) (bool, error)

// Invocation is handed to an internal executor when its goal starts.
type Invocation struct {
	// ChangeEvent is the event the graph was submitted for.
	ChangeEvent ChangeEvent `json:"change_event"`

	// Goal is the goal definition being fulfilled.
	Goal GoalDefinition `json:"goal"`

	// Attempt is the goal's attempt number, starting at 1.
	Attempt int `json:"attempt"`

	// FulfillmentID identifies this dispatch.
	FulfillmentID string `json:"fulfillment_id"`
}

// Outcome is what an internal executor returns.
type Outcome struct {
	Result      ExecutionResult `json:"result"`
	Diagnostics string          `json:"diagnostics,omitempty"`
}

// Executor performs a goal's work in-process.
type Executor interface {
	// Execute runs the goal. The context is canceled when the goal is stopped.
	// A returned error is recorded as a failure with the error text as diagnostics.
	Execute(ctx context.Context, inv Invocation) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inv Invocation) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// SideEffectOptions describes a goal fulfilled outside the engine. The external
// system reports back through ReportCompletion.
type SideEffectOptions struct {
	// Timeout fails the goal with FULFILLMENT_TIMEOUT if no completion arrives in time. Zero disables it.
	Timeout time.Duration

	// OnStart is notified when the goal enters InProcess.
	OnStart func(ctx context.Context, inv Invocation)

	// OnStop is notified when the goal is stopped or times out while InProcess.
	OnStop func(ctx context.Context, inv Invocation)
}

// EventPublisher publishes engine events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// Publishers fans an event out to several publishers. Every publisher is
// called; the errors are joined.
type Publishers []EventPublisher

// Publish implements EventPublisher.
func (ps Publishers) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StateStore persists graph snapshots. Snapshots carry a version; stores keep the highest.
type StateStore interface {
	// SaveSnapshot upserts the snapshot of one change event.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// GateRequest describes an approval gate that has just opened.
type GateRequest struct {
	Gate        ApprovalGate   `json:"gate"`
	ChangeEvent ChangeEvent    `json:"change_event"`
	Goal        GoalDefinition `json:"goal"`
	Attempt     int            `json:"attempt"`
	Diagnostics string         `json:"diagnostics,omitempty"`
}

// GateListener is notified when a goal starts waiting for a decision. Listeners may
// answer by calling DecidePreApproval or DecideApproval.
type GateListener interface {
	GateOpened(ctx context.Context, req GateRequest)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordGraphSubmitted(graph string)
	RecordGraphCompleted(graph, outcome string, duration time.Duration)
	RecordTransition(goal string, from, to GoalState)
	RecordConditionAttempt(condition string, satisfied bool)
	RecordExecution(goal string, result ExecutionResult, duration time.Duration)
	RecordApproval(gate ApprovalGate, approved bool)
	RecordCancellation(affected int)
	RecordRetry(goal string)
	RecordError(class, code string)
	SetActiveGraphs(count float64)
	AddQueuedGoals(delta float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordGraphSubmitted(string) {}
func (noopMetrics) RecordGraphCompleted(string, string, time.Duration) {}
func (noopMetrics) RecordTransition(string, GoalState, GoalState) {}
func (noopMetrics) RecordConditionAttempt(string, bool) {}
func (noopMetrics) RecordExecution(string, ExecutionResult, time.Duration) {}
func (noopMetrics) RecordApproval(ApprovalGate, bool) {}
func (noopMetrics) RecordCancellation(int) {}
func (noopMetrics) RecordRetry(string) {}
func (noopMetrics) RecordError(string, string) {}
func (noopMetrics) SetActiveGraphs(float64) {}
func (noopMetrics) AddQueuedGoals(float64) {}
