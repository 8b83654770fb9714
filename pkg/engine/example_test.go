package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Example_pipeline shows a change event flowing through a small delivery graph
// with an approval gate on the staging deployment.
func Example_pipeline() {
	build := engine.GoalDefinition{Name: "build", OrderKey: 1}
	deploy := engine.GoalDefinition{
		Name:             "deployToStaging",
		Environment:      engine.EnvironmentStaging,
		OrderKey:         2,
		ApprovalRequired: true,
	}

	registry := engine.NewRegistry().MustRegister(build, deploy)
	e := engine.NewEngine(registry, engine.Options{})
	for _, name := range registry.Names() {
		if err := e.RegisterSideEffect(name, engine.SideEffectOptions{}); err != nil {
			panic(err)
		}
	}

	graph := engine.MustCompose("push", engine.NewGoalSet("build and deploy").
		Plan(build).
		Plan(deploy).After(build).
		MustBuild())

	ctx := context.Background()
	if _, err := e.Submit(ctx, engine.ChangeEvent{ID: "push-42", Branch: "main"}, graph); err != nil {
		panic(err)
	}

	report := func(goal string) {
		if err := e.ReportCompletion(ctx, engine.ExecutionEvent{
			ChangeEventID: "push-42",
			Goal:          goal,
			Result:        engine.ResultSuccess,
		}); err != nil {
			panic(err)
		}
	}
	report("build")
	report("deployToStaging")

	if _, err := e.DecideApproval(ctx, "push-42", "deployToStaging", engine.Decision{Approved: true, Approver: "alice"}); err != nil {
		panic(err)
	}

	snap, err := e.CurrentState("push-42")
	if err != nil {
		panic(err)
	}
	for _, g := range snap.Goals {
		fmt.Printf("%s: %s (%s)\n", g.Goal, g.State, g.Description)
	}
	fmt.Println("complete:", snap.Complete)

	// Output:
	// build: success (Complete: build)
	// deployToStaging: approved (Approved: deployToStaging)
	// complete: true
}

// Example_compose shows that goal sets compose into a single graph.
func Example_compose() {
	autofix := engine.GoalDefinition{Name: "autofix"}
	version := engine.GoalDefinition{Name: "version"}
	build := engine.GoalDefinition{Name: "build"}

	checks := engine.NewGoalSet("checks").Plan(autofix).Plan(version).After(autofix).MustBuild()
	builds := engine.NewGoalSet("build").Plan(build).After(version).MustBuild()

	graph, err := engine.Compose("push", checks, builds)
	if err != nil {
		panic(err)
	}
	for i, level := range graph.Levels() {
		fmt.Println(i, level)
	}

	_, err = engine.Compose("broken", builds)
	fmt.Println(engine.CodeOf(err))

	// Output:
	// 0 [autofix]
	// 1 [version]
	// 2 [build]
	// DANGLING_PRECONDITION
}
