package engine

import (
	"encoding/json"
	"fmt"
)

// GoalState represents the lifecycle state of a goal instance.
type GoalState string

const (
	// GoalStatePlanned indicates the goal is part of the graph but not yet started.
	GoalStatePlanned GoalState = "planned"

	// GoalStateRequested indicates the goal has been admitted and is being handed to its fulfillment.
	GoalStateRequested GoalState = "requested"

	// GoalStateInProcess indicates the goal's fulfillment is running.
	GoalStateInProcess GoalState = "in_process"

	// GoalStateWaitingForPreApproval indicates the goal is blocked on a sign-off before it may start.
	GoalStateWaitingForPreApproval GoalState = "waiting_for_pre_approval"

	// GoalStatePreApproved indicates the pre-approval was granted.
	GoalStatePreApproved GoalState = "pre_approved"

	// GoalStateWaitingForApproval indicates the fulfillment finished and awaits sign-off.
	GoalStateWaitingForApproval GoalState = "waiting_for_approval"

	// GoalStateApproved indicates the post-completion approval was granted.
	GoalStateApproved GoalState = "approved"

	// GoalStateSuccess indicates the goal completed successfully.
	GoalStateSuccess GoalState = "success"

	// GoalStateFailure indicates the goal failed.
	GoalStateFailure GoalState = "failure"

	// GoalStateSkipped indicates the goal will never run because a dependency did not succeed.
	GoalStateSkipped GoalState = "skipped"

	// GoalStateCanceled indicates the goal was canceled before it started, or an approval was denied.
	GoalStateCanceled GoalState = "canceled"

	// GoalStateStopped indicates the goal was canceled while its fulfillment was running.
	GoalStateStopped GoalState = "stopped"
)

// AllGoalStates lists every goal state in lifecycle order.
var AllGoalStates = []GoalState{
	GoalStatePlanned,
	GoalStateRequested,
	GoalStateInProcess,
	GoalStateWaitingForPreApproval,
	GoalStatePreApproved,
	GoalStateWaitingForApproval,
	GoalStateApproved,
	GoalStateSuccess,
	GoalStateFailure,
	GoalStateSkipped,
	GoalStateCanceled,
	GoalStateStopped,
}

// transitions is the complete set of permitted state changes. Terminal states have no entry.
var transitions = map[GoalState][]GoalState{
	GoalStatePlanned: {
		GoalStateRequested,
		GoalStateWaitingForPreApproval,
		GoalStateSkipped,
		GoalStateCanceled,
		GoalStateFailure,
	},
	GoalStateWaitingForPreApproval: {GoalStatePreApproved, GoalStateCanceled},
	GoalStatePreApproved:           {GoalStateRequested, GoalStateCanceled},
	GoalStateRequested:             {GoalStateInProcess, GoalStateCanceled, GoalStateFailure},
	GoalStateInProcess: {
		GoalStateSuccess,
		GoalStateFailure,
		GoalStateWaitingForApproval,
		GoalStateStopped,
	},
	GoalStateWaitingForApproval: {GoalStateApproved, GoalStateCanceled},
}

// IsTerminal returns true if no further transition is possible from this state.
func (s GoalState) IsTerminal() bool {
	switch s {
	case GoalStateSuccess, GoalStateApproved, GoalStateFailure,
		GoalStateSkipped, GoalStateCanceled, GoalStateStopped:
		return true
	default:
		return false
	}
}

// IsSuccessful returns true if dependents may treat this state as satisfied.
func (s GoalState) IsSuccessful() bool {
	return s == GoalStateSuccess || s == GoalStateApproved
}

// IsActive returns true if the goal holds a fulfillment or an open approval gate.
func (s GoalState) IsActive() bool {
	return s == GoalStateRequested || s == GoalStateInProcess || s == GoalStateWaitingForApproval
}

// IsStarted returns true once the goal has reached InProcess at least in this attempt.
func (s GoalState) IsStarted() bool {
	switch s {
	case GoalStateInProcess, GoalStateWaitingForApproval, GoalStateApproved,
		GoalStateSuccess, GoalStateFailure, GoalStateStopped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a goal may move from s to next.
func (s GoalState) CanTransition(next GoalState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the goal state is valid.
func (s GoalState) Validate() error {
	for _, known := range AllGoalStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid goal state: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s GoalState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *GoalState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = GoalState(str)
	return s.Validate()
}

// Environment is the deployment environment a goal acts on.
type Environment string

const (
	// EnvironmentIndependent marks goals that do not touch a deployment target.
	EnvironmentIndependent Environment = "independent"

	// EnvironmentStaging marks goals acting on the staging environment.
	EnvironmentStaging Environment = "staging"

	// EnvironmentProduction marks goals acting on production.
	EnvironmentProduction Environment = "production"
)

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentIndependent, EnvironmentStaging, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// OrDefault returns EnvironmentIndependent for the empty value.
func (e Environment) OrDefault() Environment {
	if e == "" {
		return EnvironmentIndependent
	}
	return e
}

// ApprovalGate identifies which of the two approval gates a record belongs to.
type ApprovalGate string

const (
	// GatePreApproval is the sign-off required before a goal starts.
	GatePreApproval ApprovalGate = "pre_approval"

	// GateApproval is the sign-off required after a goal's fulfillment completes.
	GateApproval ApprovalGate = "approval"
)

// ExecutionResult is the outcome reported by a fulfillment.
type ExecutionResult string

const (
	// ResultSuccess reports a successful fulfillment.
	ResultSuccess ExecutionResult = "success"

	// ResultFailure reports a failed fulfillment.
	ResultFailure ExecutionResult = "failure"
)

// Validate checks if the execution result is valid.
func (r ExecutionResult) Validate() error {
	switch r {
	case ResultSuccess, ResultFailure:
		return nil
	default:
		return fmt.Errorf("invalid execution result: %s", r)
	}
}

// EventType represents the type of event emitted by the engine.
type EventType string

const (
	// EventTypeGraphSubmitted indicates a change event's graph was accepted.
	EventTypeGraphSubmitted EventType = "graph_submitted"

	// EventTypeGraphCompleted indicates every goal in a graph reached a terminal state.
	EventTypeGraphCompleted EventType = "graph_completed"

	// EventTypeGoalTransitioned indicates a goal instance changed state.
	EventTypeGoalTransitioned EventType = "goal_transitioned"

	// EventTypeGoalRetried indicates a failed goal opened a new attempt.
	EventTypeGoalRetried EventType = "goal_retried"

	// EventTypeConditionChecked indicates a custom precondition attempt finished.
	EventTypeConditionChecked EventType = "condition_checked"

	// EventTypeApprovalDecided indicates an approval gate was decided.
	EventTypeApprovalDecided EventType = "approval_decided"

	// EventTypeCancellationRequested indicates a cancellation request was applied.
	EventTypeCancellationRequested EventType = "cancellation_requested"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeError:
		return "error"
	case EventTypeCancellationRequested:
		return "warning"
	default:
		return "info"
	}
}
