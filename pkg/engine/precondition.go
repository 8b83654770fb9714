package engine

import (
	"context"
	"fmt"
	"time"
)

// Readiness is the verdict of a precondition evaluation.
type Readiness int

const (
	// NotReady means at least one precondition is still pending.
	NotReady Readiness = iota

	// Ready means every structural dependency succeeded and every custom condition holds.
	Ready

	// Blocked means a structural dependency reached a terminal state other than success.
	Blocked

	// Exhausted means a custom condition used up its retry budget.
	Exhausted
)

// String returns the readiness name.
func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Exhausted:
		return "exhausted"
	default:
		return "not_ready"
	}
}

// Verdict is the result of evaluating one goal.
type Verdict struct {
	Readiness Readiness

	// Reason explains Blocked and Exhausted verdicts.
	Reason string

	// Launch lists custom conditions that need a new attempt now.
	Launch []Precondition
}

type conditionKey struct {
	goal      string
	condition string
}

// conditionCheck is the bounded retry counter of one custom condition.
type conditionCheck struct {
	failures  int
	satisfied bool
	inFlight  bool
	waiting   bool
	lastError string

	// recheck fires when the next attempt may start
	recheck *time.Timer
}

// PreconditionEvaluator decides readiness of goal instances. It belongs to one graph
// and is only touched while holding that graph's lock.
type PreconditionEvaluator struct {
	checks map[conditionKey]*conditionCheck
}

// NewPreconditionEvaluator creates an evaluator with no recorded attempts.
func NewPreconditionEvaluator() *PreconditionEvaluator {
	return &PreconditionEvaluator{checks: make(map[conditionKey]*conditionCheck)}
}

// Evaluate classifies a goal given the current states of its graph. Apart from
// reporting which conditions need an attempt it has no side effects.
func (e *PreconditionEvaluator) Evaluate(
	def GoalDefinition,
	graph *ResolvedGraph,
	stateOf func(string) GoalState,
) Verdict {
	pending := false
	for _, dep := range graph.DependsOn(def.Name) {
		state := stateOf(dep)
		switch {
		case state.IsSuccessful():
		case state.IsTerminal():
			return Verdict{
				Readiness: Blocked,
				Reason:    fmt.Sprintf("%s: %s is %s", ErrCodeDependencyFailed, dep, state),
			}
		default:
			pending = true
		}
	}
	if pending {
		return Verdict{Readiness: NotReady}
	}

	verdict := Verdict{Readiness: Ready}
	for _, cond := range def.Conditions() {
		check := e.check(def.Name, cond.Condition)
		if check.satisfied {
			continue
		}
		if check.failures >= cond.budget() {
			return Verdict{
				Readiness: Exhausted,
				Reason: fmt.Sprintf("%s: condition %s failed %d attempts: %s",
					ErrCodePreconditionExhausted, cond.Condition, check.failures, check.lastError),
			}
		}
		verdict.Readiness = NotReady
		if !check.inFlight && !check.waiting {
			verdict.Launch = append(verdict.Launch, cond)
		}
	}
	return verdict
}

func (e *PreconditionEvaluator) check(goal, condition string) *conditionCheck {
	key := conditionKey{goal: goal, condition: condition}
	c, ok := e.checks[key]
	if !ok {
		c = &conditionCheck{}
		e.checks[key] = c
	}
	return c
}

// begin marks an attempt as in flight.
func (e *PreconditionEvaluator) begin(goal, condition string) {
	e.check(goal, condition).inFlight = true
}

// record stores the outcome of an attempt and returns the failure count so far.
// A failed attempt within budget leaves the check waiting for its scheduled re-check.
func (e *PreconditionEvaluator) record(goal string, cond Precondition, satisfied bool, cause error) (int, bool) {
	c := e.check(goal, cond.Condition)
	c.inFlight = false
	if satisfied {
		c.satisfied = true
		return c.failures, false
	}
	c.failures++
	if cause != nil {
		c.lastError = cause.Error()
	} else {
		c.lastError = "condition not met"
	}
	recheck := c.failures < cond.budget()
	c.waiting = recheck
	return c.failures, recheck
}

// scheduleRecheck calls fn after delay. The timer is kept so that reset and
// stopRechecks can cancel it.
func (e *PreconditionEvaluator) scheduleRecheck(goal, condition string, delay time.Duration, fn func()) {
	c := e.check(goal, condition)
	if c.recheck != nil {
		c.recheck.Stop()
	}
	c.recheck = time.AfterFunc(delay, fn)
}

// rearm allows the next attempt after a scheduled re-check fires.
func (e *PreconditionEvaluator) rearm(goal, condition string) {
	c := e.check(goal, condition)
	c.waiting = false
	c.recheck = nil
}

// reset forgets every attempt recorded for goal.
func (e *PreconditionEvaluator) reset(goal string) {
	for key, c := range e.checks {
		if key.goal == goal {
			if c.recheck != nil {
				c.recheck.Stop()
			}
			delete(e.checks, key)
		}
	}
}

// stopRechecks cancels every pending re-check and returns how many were stopped.
func (e *PreconditionEvaluator) stopRechecks() int {
	stopped := 0
	for _, c := range e.checks {
		if c.recheck != nil && c.recheck.Stop() {
			stopped++
		}
		c.recheck = nil
	}
	return stopped
}

// pendingRechecks returns the number of scheduled re-checks.
func (e *PreconditionEvaluator) pendingRechecks() int {
	n := 0
	for _, c := range e.checks {
		if c.recheck != nil {
			n++
		}
	}
	return n
}

// Failures returns the failed attempt count per condition of goal.
func (e *PreconditionEvaluator) Failures(goal string) map[string]int {
	var out map[string]int
	for key, c := range e.checks {
		if key.goal != goal || c.failures == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]int)
		}
		out[key.condition] = c.failures
	}
	return out
}

// callCondition runs fn under ctx. A deadline or cancellation counts as a failed attempt
// even when fn does not observe the context.
func callCondition(ctx context.Context, fn ConditionFunc, event ChangeEvent) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("condition panicked: %v", r)}
			}
		}()
		ok, err := fn(ctx, event)
		ch <- result{ok: ok, err: err}
	}()

	select {
	case r := <-ch:
		return r.ok && r.err == nil, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", ErrCodeTimeout, ctx.Err())
	}
}
