package engine

import (
	"fmt"
	"time"
)

// GoalDefinition is the immutable description of a kind of delivery step.
type GoalDefinition struct {
	// Name uniquely identifies the goal within a registry.
	Name string `json:"name" yaml:"name"`

	// DisplayName is the human-readable label. Defaults to Name.
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`

	// Environment is the deployment environment the goal acts on.
	Environment Environment `json:"environment" yaml:"environment"`

	// OrderKey is a tie-breaker used when admitting isolated goals and ordering snapshots.
	OrderKey int `json:"order_key" yaml:"order_key"`

	// Isolated goals never run concurrently with other isolated goals of the same graph.
	Isolated bool `json:"isolated,omitempty" yaml:"isolated,omitempty"`

	// ApprovalRequired holds the goal in WaitingForApproval after its fulfillment succeeds.
	ApprovalRequired bool `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`

	// PreApprovalRequired holds the goal in WaitingForPreApproval before it may start.
	PreApprovalRequired bool `json:"pre_approval_required,omitempty" yaml:"pre_approval_required,omitempty"`

	// RetryFeasible allows an explicit retry signal to re-run a failed goal.
	RetryFeasible bool `json:"retry_feasible,omitempty" yaml:"retry_feasible,omitempty"`

	// Preconditions are structural dependencies and custom conditions declared on the goal itself.
	Preconditions []Precondition `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`

	// Descriptions overrides the display string shown for a given state.
	Descriptions map[GoalState]string `json:"descriptions,omitempty" yaml:"descriptions,omitempty"`
}

// Label returns the display name, falling back to the goal name.
func (d GoalDefinition) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Describe returns the display string for the given state.
func (d GoalDefinition) Describe(state GoalState) string {
	if desc, ok := d.Descriptions[state]; ok && desc != "" {
		return desc
	}
	label := d.Label()
	switch state {
	case GoalStatePlanned:
		return "Planned: " + label
	case GoalStateRequested:
		return "Requested: " + label
	case GoalStateInProcess:
		return "Working: " + label
	case GoalStateWaitingForPreApproval:
		return "Start required: " + label
	case GoalStatePreApproved:
		return "Start approved: " + label
	case GoalStateWaitingForApproval:
		return "Approval required: " + label
	case GoalStateApproved:
		return "Approved: " + label
	case GoalStateSuccess:
		return "Complete: " + label
	case GoalStateFailure:
		return "Failed: " + label
	case GoalStateSkipped:
		return "Skipped: " + label
	case GoalStateCanceled:
		return "Canceled: " + label
	case GoalStateStopped:
		return "Stopped: " + label
	default:
		return label
	}
}

// Dependencies returns the names of goals this definition declares as structural preconditions.
func (d GoalDefinition) Dependencies() []string {
	deps := make([]string, 0, len(d.Preconditions))
	for _, p := range d.Preconditions {
		if p.Goal != "" {
			deps = append(deps, p.Goal)
		}
	}
	return deps
}

// Conditions returns the custom preconditions declared on the definition.
func (d GoalDefinition) Conditions() []Precondition {
	conds := make([]Precondition, 0, len(d.Preconditions))
	for _, p := range d.Preconditions {
		if p.Condition != "" {
			conds = append(conds, p)
		}
	}
	return conds
}

// Validate checks the definition for structural problems.
func (d GoalDefinition) Validate() error {
	if d.Name == "" {
		return NewPermanentError("goal definition has empty name", nil).
			WithCode(ErrCodeValidation)
	}
	if err := d.Environment.OrDefault().Validate(); err != nil {
		return NewPermanentError("invalid goal definition", err).
			WithCode(ErrCodeValidation).WithResource(d.Name)
	}
	for i, p := range d.Preconditions {
		if err := p.Validate(); err != nil {
			return NewPermanentError(fmt.Sprintf("invalid precondition %d", i), err).
				WithCode(ErrCodeValidation).WithResource(d.Name)
		}
		if p.Goal == d.Name {
			return newCyclicDependencyError([]string{d.Name, d.Name})
		}
	}
	return nil
}

// Precondition is either a structural dependency on another goal or a named custom condition.
// Exactly one of Goal and Condition is set.
type Precondition struct {
	// Goal names a goal that must reach a successful state first.
	Goal string `json:"goal,omitempty" yaml:"goal,omitempty"`

	// Condition names a registered custom condition.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Retries is the number of failed attempts allowed before the goal fails. Minimum 1.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Timeout bounds a single attempt and is also the delay before the next re-check.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DependsOn returns a structural precondition on the named goal.
func DependsOn(goal string) Precondition {
	return Precondition{Goal: goal}
}

// Condition returns a custom precondition with a retry budget and per-attempt timeout.
func Condition(name string, retries int, timeout time.Duration) Precondition {
	return Precondition{Condition: name, Retries: retries, Timeout: timeout}
}

// Validate checks that exactly one precondition kind is set.
func (p Precondition) Validate() error {
	switch {
	case p.Goal != "" && p.Condition != "":
		return fmt.Errorf("precondition sets both goal %q and condition %q", p.Goal, p.Condition)
	case p.Goal == "" && p.Condition == "":
		return fmt.Errorf("precondition sets neither goal nor condition")
	case p.Retries < 0:
		return fmt.Errorf("condition %s has negative retries", p.Condition)
	case p.Timeout < 0:
		return fmt.Errorf("condition %s has negative timeout", p.Condition)
	}
	return nil
}

// budget returns the number of attempts allowed for a custom condition.
func (p Precondition) budget() int {
	if p.Retries < 1 {
		return 1
	}
	return p.Retries
}

// attemptTimeout returns the per-attempt timeout, defaulting to DefaultConditionTimeout.
func (p Precondition) attemptTimeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultConditionTimeout
	}
	return p.Timeout
}

// DefaultConditionTimeout applies when a custom condition declares no timeout.
const DefaultConditionTimeout = 30 * time.Second

// ChangeEvent is an external occurrence (a push, a commit) that triggers a goal graph.
type ChangeEvent struct {
	// ID uniquely identifies the change event and its graph.
	ID string `json:"id"`

	// Repository is the source repository slug.
	Repository string `json:"repository,omitempty"`

	// Branch is the pushed branch.
	Branch string `json:"branch,omitempty"`

	// SHA is the head commit.
	SHA string `json:"sha,omitempty"`

	// Metadata carries free-form attributes available to conditions and policies.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutionEvent reports the outcome of a goal's fulfillment. It is consumed exactly once.
type ExecutionEvent struct {
	// ChangeEventID identifies the graph.
	ChangeEventID string `json:"change_event_id"`

	// Goal is the goal name.
	Goal string `json:"goal"`

	// Result is success or failure.
	Result ExecutionResult `json:"result"`

	// Diagnostics is optional output attached to the goal.
	Diagnostics string `json:"diagnostics,omitempty"`

	// FulfillmentID ties the report to a dispatch. Empty matches the current dispatch.
	FulfillmentID string `json:"fulfillment_id,omitempty"`

	// ReportedAt is when the result was produced.
	ReportedAt time.Time `json:"reported_at"`
}

// Decision is an approver's answer to an approval gate.
type Decision struct {
	// Approved grants the gate when true and denies it otherwise.
	Approved bool `json:"approved"`

	// Approver identifies who decided, a person or "policy:<name>".
	Approver string `json:"approver"`

	// Comment is optional free text.
	Comment string `json:"comment,omitempty"`
}

// ApprovalRecord is the immutable record of a gate decision.
type ApprovalRecord struct {
	// Gate is the gate the decision applies to.
	Gate ApprovalGate `json:"gate"`

	// Goal is the goal the decision applies to.
	Goal string `json:"goal"`

	// Approved is the decision.
	Approved bool `json:"approved"`

	// Approver identifies the decider.
	Approver string `json:"approver"`

	// Comment is optional free text.
	Comment string `json:"comment,omitempty"`

	// DecidedAt is when the decision was recorded.
	DecidedAt time.Time `json:"decided_at"`
}

// CancellationRequest asks the engine to cancel goals of one change event.
type CancellationRequest struct {
	// ChangeEventID identifies the graph.
	ChangeEventID string `json:"change_event_id"`

	// Goals names the goals to cancel. Empty cancels every goal of the graph.
	Goals []string `json:"goals,omitempty"`

	// Reason is recorded on every affected goal.
	Reason string `json:"reason,omitempty"`

	// RequestedBy identifies the requester.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Event represents a timeline event emitted by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ChangeEventID is the graph this event belongs to.
	ChangeEventID string `json:"change_event_id"`

	// Goal is the goal name, if applicable.
	Goal string `json:"goal,omitempty"`

	// From is the previous state for transition events.
	From GoalState `json:"from,omitempty"`

	// To is the new state for transition events.
	To GoalState `json:"to,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// GoalSnapshot is a point-in-time copy of one goal instance.
type GoalSnapshot struct {
	Goal        string      `json:"goal" yaml:"goal"`
	Environment Environment `json:"environment" yaml:"environment"`
	OrderKey    int         `json:"order_key" yaml:"order_key"`
	State       GoalState   `json:"state" yaml:"state"`
	Description string      `json:"description" yaml:"description"`

	// Reason explains the most recent transition, for example PRECONDITION_EXHAUSTED.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// Attempt counts explicit retries, starting at 1.
	Attempt int `json:"attempt" yaml:"attempt"`

	// Attempts holds every closed attempt, oldest first. State and the fields
	// below describe the current attempt only.
	Attempts []AttemptRecord `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	// ConditionAttempts is the number of failed attempts per custom condition.
	ConditionAttempts map[string]int `json:"condition_attempts,omitempty" yaml:"condition_attempts,omitempty"`

	// Queued is true while an isolated goal is ready but waiting for the isolation slot.
	Queued bool `json:"queued,omitempty" yaml:"queued,omitempty"`

	FulfillmentID string          `json:"fulfillment_id,omitempty" yaml:"fulfillment_id,omitempty"`
	Diagnostics   string          `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	PreApproval   *ApprovalRecord `json:"pre_approval,omitempty" yaml:"pre_approval,omitempty"`
	Approval      *ApprovalRecord `json:"approval,omitempty" yaml:"approval,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"updated_at"`
}

// AttemptRecord is the final state of an attempt that was closed by a retry.
// Records never change once written.
type AttemptRecord struct {
	Attempt       int             `json:"attempt" yaml:"attempt"`
	State         GoalState       `json:"state" yaml:"state"`
	Reason        string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	FulfillmentID string          `json:"fulfillment_id,omitempty" yaml:"fulfillment_id,omitempty"`
	Diagnostics   string          `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	PreApproval   *ApprovalRecord `json:"pre_approval,omitempty" yaml:"pre_approval,omitempty"`
	Approval      *ApprovalRecord `json:"approval,omitempty" yaml:"approval,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
}

// Snapshot is a consistent copy of every goal instance of one change event.
type Snapshot struct {
	// ChangeEvent is the event the graph was submitted for.
	ChangeEvent ChangeEvent `json:"change_event" yaml:"change_event"`

	// Graph is the resolved graph name.
	Graph string `json:"graph" yaml:"graph"`

	// Fingerprint identifies the graph's goals and edges.
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`

	// Version increases with every applied trigger.
	Version int64 `json:"version" yaml:"version"`

	// Goals are ordered by OrderKey then Name.
	Goals []GoalSnapshot `json:"goals" yaml:"goals"`

	// Complete is true when every goal is terminal.
	Complete bool `json:"complete" yaml:"complete"`

	SubmittedAt time.Time `json:"submitted_at" yaml:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Goal returns the snapshot of the named goal.
func (s *Snapshot) Goal(name string) (GoalSnapshot, bool) {
	for _, g := range s.Goals {
		if g.Goal == name {
			return g, true
		}
	}
	return GoalSnapshot{}, false
}

// StateOf returns the state of the named goal, or "" if the goal is absent.
func (s *Snapshot) StateOf(name string) GoalState {
	g, _ := s.Goal(name)
	return g.State
}

// Counts returns the number of goals per state.
func (s *Snapshot) Counts() map[GoalState]int {
	counts := make(map[GoalState]int)
	for _, g := range s.Goals {
		counts[g.State]++
	}
	return counts
}
