package engine

import (
	"context"
	"sort"
	"strings"
)

// cancellationPlan lists the state each affected goal must move to.
type cancellationPlan struct {
	cancel []string
	stop   []string
	skip   []string
}

func (p cancellationPlan) affected() []string {
	out := make([]string, 0, len(p.cancel)+len(p.stop)+len(p.skip))
	out = append(out, p.cancel...)
	out = append(out, p.stop...)
	out = append(out, p.skip...)
	sort.Strings(out)
	return out
}

// planCancellation computes the effect of canceling names in graph. Named goals
// that are running are stopped, other non-terminal named goals are canceled.
// Transitive dependents that have not started are skipped when still Planned and
// canceled otherwise. Terminal goals are never touched.
func planCancellation(graph *ResolvedGraph, stateOf func(string) GoalState, names []string) cancellationPlan {
	var plan cancellationPlan
	named := make(map[string]bool, len(names))
	for _, name := range names {
		if named[name] {
			continue
		}
		named[name] = true

		state := stateOf(name)
		switch {
		case state.IsTerminal():
		case state == GoalStateInProcess:
			plan.stop = append(plan.stop, name)
		default:
			plan.cancel = append(plan.cancel, name)
		}
	}

	for _, dependent := range graph.TransitiveDependents(names...) {
		if named[dependent] {
			continue
		}
		state := stateOf(dependent)
		switch {
		case state.IsTerminal(), state.IsStarted():
		case state == GoalStatePlanned:
			plan.skip = append(plan.skip, dependent)
		default:
			plan.cancel = append(plan.cancel, dependent)
		}
	}

	sort.Strings(plan.cancel)
	sort.Strings(plan.stop)
	sort.Strings(plan.skip)
	return plan
}

// RequestCancellation cancels the named goals of a change event together with
// everything that depends on them. The whole request is applied inside one critical
// section, so no goal starts half-way through it. It returns the affected goals.
func (e *Engine) RequestCancellation(ctx context.Context, req CancellationRequest) ([]string, error) {
	var affected []string
	err := e.withRun(ctx, req.ChangeEventID, func(run *graphRun, fx *effects) error {
		names := req.Goals
		if len(names) == 0 {
			names = run.graph.Names()
		}
		for _, name := range names {
			if _, err := run.instance(name); err != nil {
				return err
			}
		}

		reason := "canceled"
		if req.Reason != "" {
			reason = "canceled: " + req.Reason
		}

		plan := planCancellation(run.graph, run.stateOf, names)
		for _, name := range plan.stop {
			inst := run.instances[name]
			inv := e.invocation(run, inst)
			e.mustTransition(run, inst, GoalStateStopped, reason, fx)
			e.stop(inst, inv, fx)
		}
		for _, name := range plan.cancel {
			inst := run.instances[name]
			inst.queued = false
			e.mustTransition(run, inst, GoalStateCanceled, reason, fx)
		}
		for _, name := range plan.skip {
			inst := run.instances[name]
			inst.queued = false
			e.mustTransition(run, inst, GoalStateSkipped, reason+" upstream", fx)
		}

		affected = plan.affected()
		fx.event(run, EventTypeCancellationRequested, "", "Cancellation requested", map[string]interface{}{
			"goals":        strings.Join(names, ","),
			"affected":     affected,
			"requested_by": req.RequestedBy,
		})
		e.metrics.RecordCancellation(len(affected))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}
