package policy

import (
	"time"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// PackagePrefix is the Rego package every approval policy must live under.
const PackagePrefix = "goalflow.approval"

// Outcome is a policy verdict on one gate.
type Outcome string

const (
	// OutcomeApprove grants the gate.
	OutcomeApprove Outcome = "approve"

	// OutcomeDeny denies the gate, which cancels the goal.
	OutcomeDeny Outcome = "deny"

	// OutcomeAbstain leaves the gate to a human.
	OutcomeAbstain Outcome = "abstain"
)

// Policy is an approval policy with its Rego source.
type Policy struct {
	// Name is the unique name of the policy. It becomes the approver "policy:<name>".
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. It defines approve and/or deny partial sets.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is consulted.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the service. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was read from.
	Source string `json:"source,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Verdict is the combined answer of all enabled policies for one gate.
type Verdict struct {
	// Outcome is approve, deny or abstain.
	Outcome Outcome `json:"outcome"`

	// Policy names the deciding policy. Empty when every policy abstained.
	Policy string `json:"policy,omitempty"`

	// Reasons are the messages produced by the deciding policy.
	Reasons []string `json:"reasons,omitempty"`

	// Evaluated lists the policies consulted, in evaluation order.
	Evaluated []string `json:"evaluated"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Approver returns the approver recorded on the engine decision.
func (v Verdict) Approver() string {
	return "policy:" + v.Policy
}

// Input is the document policies see as input.
type Input struct {
	Gate        engine.ApprovalGate `json:"gate"`
	Goal        GoalInput           `json:"goal"`
	ChangeEvent engine.ChangeEvent  `json:"change_event"`
	Attempt     int                 `json:"attempt"`
	Diagnostics string              `json:"diagnostics,omitempty"`
	Now         time.Time           `json:"now"`
}

// GoalInput is the part of a goal definition exposed to policies.
type GoalInput struct {
	Name                string `json:"name"`
	DisplayName         string `json:"display_name"`
	Environment         string `json:"environment"`
	Isolated            bool   `json:"isolated"`
	ApprovalRequired    bool   `json:"approval_required"`
	PreApprovalRequired bool   `json:"pre_approval_required"`
}

// NewInput builds the policy input for a gate request.
func NewInput(req engine.GateRequest, now time.Time) Input {
	return Input{
		Gate: req.Gate,
		Goal: GoalInput{
			Name:                req.Goal.Name,
			DisplayName:         req.Goal.Label(),
			Environment:         string(req.Goal.Environment.OrDefault()),
			Isolated:            req.Goal.Isolated,
			ApprovalRequired:    req.Goal.ApprovalRequired,
			PreApprovalRequired: req.Goal.PreApprovalRequired,
		},
		ChangeEvent: req.ChangeEvent,
		Attempt:     req.Attempt,
		Diagnostics: req.Diagnostics,
		Now:         now.UTC(),
	}
}
