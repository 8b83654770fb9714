// Package engine provides the goal graph orchestration engine of goalflow.
//
// # Overview
//
// A change event (a push, a commit) is turned into a graph of goals: build, test,
// publish, deploy to staging, deploy to production. Each goal is a state machine;
// the engine advances goals when their preconditions are met, enforces approval
// gates and isolation, dispatches goals to their fulfillments and propagates
// cancellation.
//
// # Core Domain Types
//
//   - GoalDefinition: immutable description of a delivery step (environment, flags, preconditions)
//   - Registry: write-once catalog of goal definitions keyed by unique name
//   - GoalSet: named collection of goals with ordering edges, built with Plan/After
//   - ResolvedGraph: frozen union of goal sets, validated for cycles and dangling edges
//   - GoalState: the twelve lifecycle states and the transition table between them
//   - Snapshot: consistent copy of every goal instance of one change event
//
// # Composition
//
//	checks := engine.NewGoalSet("checks").Plan(autofix).Plan(version).After(autofix).MustBuild()
//	deploy := engine.NewGoalSet("deploy").Include(checks).Plan(deployStaging).After(version).MustBuild()
//	graph, err := engine.Compose("push", checks, deploy)
//
// Compose is associative and idempotent. Goals are deduplicated by name and a
// repeated name keeps its first definition with the union of the preconditions.
//
// # Lifecycle
//
//	Planned -> Requested -> InProcess -> Success | Failure
//	Planned -> WaitingForPreApproval -> PreApproved -> Requested
//	InProcess -> WaitingForApproval -> Approved | Canceled
//	Planned -> Skipped (a dependency failed or was canceled)
//	any non-terminal -> Canceled, InProcess -> Stopped (cancellation)
//
// Success, Approved, Failure, Skipped, Canceled and Stopped are terminal. A failed
// goal marked RetryFeasible may be retried explicitly; the retry opens a new attempt.
//
// # Scheduling
//
// All triggers for one graph (completions, approvals, cancellations, condition
// results, timeouts) are applied one at a time under the graph's lock. After each
// trigger the engine re-evaluates readiness until nothing changes, then performs
// side effects (executor launches, events, snapshot persistence) outside the lock.
// Isolated goals are admitted one at a time, ordered by OrderKey then Name.
package engine
