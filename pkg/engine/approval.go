package engine

import (
	"context"
	"fmt"
	"time"
)

// gateSpec binds an approval gate to the states it moves between.
type gateSpec struct {
	gate     ApprovalGate
	waiting  GoalState
	approved GoalState
}

var (
	preApprovalGate = gateSpec{gate: GatePreApproval, waiting: GoalStateWaitingForPreApproval, approved: GoalStatePreApproved}
	approvalGate    = gateSpec{gate: GateApproval, waiting: GoalStateWaitingForApproval, approved: GoalStateApproved}
)

func (g gateSpec) record(inst *goalInstance) **ApprovalRecord {
	if g.gate == GatePreApproval {
		return &inst.preApproval
	}
	return &inst.approval
}

// DecidePreApproval answers the pre-approval gate of a goal. Approving moves it to
// PreApproved; denying cancels it. A gate is decided once; a second decision fails
// with ALREADY_DECIDED and returns the recorded decision.
func (e *Engine) DecidePreApproval(ctx context.Context, changeEventID, goal string, d Decision) (ApprovalRecord, error) {
	return e.decide(ctx, preApprovalGate, changeEventID, goal, d)
}

// DecideApproval answers the post-completion approval gate of a goal. Approving
// moves it to Approved; denying cancels it.
func (e *Engine) DecideApproval(ctx context.Context, changeEventID, goal string, d Decision) (ApprovalRecord, error) {
	return e.decide(ctx, approvalGate, changeEventID, goal, d)
}

func (e *Engine) decide(ctx context.Context, gate gateSpec, changeEventID, goal string, d Decision) (ApprovalRecord, error) {
	if d.Approver == "" {
		return ApprovalRecord{}, NewPermanentError("decision has no approver", nil).
			WithCode(ErrCodeValidation).WithResource(goal)
	}

	var result ApprovalRecord
	err := e.withRun(ctx, changeEventID, func(run *graphRun, fx *effects) error {
		inst, err := run.instance(goal)
		if err != nil {
			return err
		}

		slot := gate.record(inst)
		if *slot != nil {
			result = **slot
			return NewConflictError(
				fmt.Sprintf("%s of goal %s was already decided by %s", gate.gate, goal, result.Approver), nil,
			).WithCode(ErrCodeAlreadyDecided).
				WithResource(goal).
				WithDetail("approved", result.Approved).
				WithDetail("approver", result.Approver)
		}
		if inst.state != gate.waiting {
			return NewConflictError(
				fmt.Sprintf("goal %s is %s, not %s", goal, inst.state, gate.waiting), nil,
			).WithCode(ErrCodeInvalidTransition).WithResource(goal)
		}

		next := gate.approved
		reason := "approved by " + d.Approver
		if !d.Approved {
			next = GoalStateCanceled
			reason = "denied by " + d.Approver
		}

		record := &ApprovalRecord{
			Gate:      gate.gate,
			Goal:      goal,
			Approved:  d.Approved,
			Approver:  d.Approver,
			Comment:   d.Comment,
			DecidedAt: time.Now(),
		}
		if err := e.transition(run, inst, next, reason, fx); err != nil {
			return err
		}
		*slot = record
		result = *record

		fx.event(run, EventTypeApprovalDecided, goal, reason, map[string]interface{}{
			"gate":     string(gate.gate),
			"approved": d.Approved,
			"approver": d.Approver,
		})
		e.metrics.RecordApproval(gate.gate, d.Approved)
		return nil
	})
	return result, err
}
