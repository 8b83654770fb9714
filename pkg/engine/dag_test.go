package engine

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(autofixGoal); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	def, err := r.Lookup("autofix")
	if err != nil {
		t.Fatalf("Expected lookup to succeed, got: %v", err)
	}
	if def.Environment != EnvironmentIndependent {
		t.Errorf("Expected default environment independent, got %s", def.Environment)
	}

	if _, err := r.Lookup("missing"); !errors.Is(err, ErrUnknownGoal) {
		t.Errorf("Expected UNKNOWN_GOAL, got: %v", err)
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(buildGoal); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	err := r.Register(GoalDefinition{Name: "build", Isolated: true})
	if !errors.Is(err, ErrDuplicateGoalName) {
		t.Fatalf("Expected DUPLICATE_GOAL_NAME, got: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 registered goal, got %d", r.Len())
	}
}

func TestRegistry_RejectsInvalidDefinition(t *testing.T) {
	r := NewRegistry()
	tests := []GoalDefinition{
		{Name: ""},
		{Name: "x", Environment: "moon"},
		{Name: "x", Preconditions: []Precondition{{Goal: "a", Condition: "b"}}},
		{Name: "x", Preconditions: []Precondition{{}}},
	}
	for _, def := range tests {
		if err := r.Register(def); err == nil {
			t.Errorf("Expected error registering %+v", def)
		}
	}
}

func TestCompose_Adjacency(t *testing.T) {
	set := NewGoalSet("checks").
		Plan(autofixGoal).
		Plan(versionGoal).After(autofixGoal).
		Plan(buildGoal).After(versionGoal).
		Plan(deployGoal).After(buildGoal).
		MustBuild()

	g, err := Compose("push", set)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if g.Len() != 4 {
		t.Errorf("Expected 4 goals, got %d", g.Len())
	}
	if deps := g.DependsOn("version"); len(deps) != 1 || deps[0] != "autofix" {
		t.Errorf("Expected version to depend on autofix, got %v", deps)
	}
	if deps := g.DependedOnBy("build"); len(deps) != 1 || deps[0] != "deploy" {
		t.Errorf("Expected deploy to depend on build, got %v", deps)
	}
	if levels := g.Levels(); len(levels) != 4 {
		t.Errorf("Expected 4 levels, got %d", len(levels))
	}
	if dependents := g.TransitiveDependents("autofix"); strings.Join(dependents, ",") != "build,deploy,version" {
		t.Errorf("Unexpected transitive dependents: %v", dependents)
	}
}

func TestCompose_Cycle(t *testing.T) {
	a := GoalDefinition{Name: "a"}
	b := GoalDefinition{Name: "b"}
	c := GoalDefinition{Name: "c"}

	set := NewGoalSet("cyclic").
		Plan(a).After(c).
		Plan(b).After(a).
		Plan(c).After(b).
		MustBuild()

	_, err := Compose("cyclic", set)
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected CYCLIC_DEPENDENCY, got: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected cycle error to name %s: %v", name, err)
		}
	}
}

func TestCompose_SelfDependency(t *testing.T) {
	def := GoalDefinition{Name: "loop", Preconditions: []Precondition{DependsOn("loop")}}
	_, err := NewGoalSet("self").Plan(def).Build()
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected CYCLIC_DEPENDENCY, got: %v", err)
	}
}

func TestCompose_DanglingPrecondition(t *testing.T) {
	set := NewGoalSet("dangling").Plan(deployGoal).After(buildGoal).MustBuild()
	_, err := Compose("dangling", set)
	if !errors.Is(err, ErrDanglingPrecondition) {
		t.Fatalf("Expected DANGLING_PRECONDITION, got: %v", err)
	}

	withPrecondition := GoalDefinition{Name: "publish", Preconditions: []Precondition{DependsOn("build")}}
	set = NewGoalSet("declared").Plan(withPrecondition).MustBuild()
	if _, err := Compose("declared", set); !errors.Is(err, ErrDanglingPrecondition) {
		t.Fatalf("Expected DANGLING_PRECONDITION for declared precondition, got: %v", err)
	}
}

func TestCompose_DefinitionPreconditionsBecomeEdges(t *testing.T) {
	publish := GoalDefinition{Name: "publish", Preconditions: []Precondition{DependsOn("build")}}
	g := MustCompose("declared",
		NewGoalSet("a").Plan(buildGoal).MustBuild(),
		NewGoalSet("b").Plan(publish).MustBuild(),
	)
	if deps := g.DependsOn("publish"); len(deps) != 1 || deps[0] != "build" {
		t.Fatalf("Expected publish to depend on build, got %v", deps)
	}
}

func TestCompose_Idempotent(t *testing.T) {
	set := NewGoalSet("checks").Plan(autofixGoal).Plan(versionGoal).After(autofixGoal).MustBuild()

	once := MustCompose("x", set)
	twice := MustCompose("x", set, set)
	if once.Fingerprint() != twice.Fingerprint() {
		t.Errorf("Expected composing a set with itself to be a no-op")
	}
	if twice.Len() != 2 || len(twice.Edges()) != 1 {
		t.Errorf("Expected 2 goals and 1 edge, got %d goals and %d edges", twice.Len(), len(twice.Edges()))
	}
}

func TestCompose_Associative(t *testing.T) {
	a := NewGoalSet("a").Plan(autofixGoal).Plan(versionGoal).After(autofixGoal).MustBuild()
	b := NewGoalSet("b").Plan(versionGoal).Plan(buildGoal).After(versionGoal).MustBuild()
	c := NewGoalSet("c").Plan(buildGoal).Plan(deployGoal).After(buildGoal).MustBuild()

	left := MustCompose("x", MustCompose("ab", a, b).GoalSet(), c)
	right := MustCompose("x", a, MustCompose("bc", b, c).GoalSet())
	flat := MustCompose("x", a, b, c)

	if left.Fingerprint() != right.Fingerprint() || left.Fingerprint() != flat.Fingerprint() {
		t.Fatalf("Expected compose to be associative")
	}
	if flat.Len() != 4 {
		t.Errorf("Expected 4 goals, got %d", flat.Len())
	}
}

func TestCompose_MergesPreconditionsOfDuplicateNames(t *testing.T) {
	a := NewGoalSet("a").
		Plan(autofixGoal).
		Plan(GoalDefinition{Name: "version", Preconditions: []Precondition{DependsOn("autofix")}}).
		MustBuild()
	b := NewGoalSet("b").
		Plan(buildGoal).
		Plan(GoalDefinition{
			Name:          "version",
			Isolated:      true,
			Descriptions:  map[GoalState]string{},
			Preconditions: []Precondition{DependsOn("build"), DependsOn("autofix"), Condition("tag-free", 2, time.Second)},
		}).
		MustBuild()

	g, err := Compose("x", a, b)
	if err != nil {
		t.Fatalf("Expected duplicate names to merge, got: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("Expected 3 goals, got %d", g.Len())
	}
	if deps := g.DependsOn("version"); strings.Join(deps, ",") != "autofix,build" {
		t.Errorf("Expected version after autofix and build, got %v", deps)
	}

	version, _ := g.Goal("version")
	if version.Isolated {
		t.Errorf("Expected the first definition to be kept")
	}
	if conds := version.Conditions(); len(conds) != 1 || conds[0].Condition != "tag-free" {
		t.Errorf("Expected the tag-free condition to be merged in, got %v", conds)
	}

	// Inputs stay untouched.
	first, _ := MustCompose("a", a).Goal("version")
	if len(first.Preconditions) != 1 {
		t.Errorf("Expected compose not to mutate its inputs, got %v", first.Preconditions)
	}

	if g.Fingerprint() != MustCompose("x", a, b, a).Fingerprint() {
		t.Errorf("Expected re-including a set to change nothing")
	}
}

func TestGoalSet_PlanSameNameTwiceMerges(t *testing.T) {
	set := NewGoalSet("s").
		Plan(autofixGoal, buildGoal).
		Plan(GoalDefinition{Name: "deploy", Preconditions: []Precondition{DependsOn("build")}}).
		Plan(GoalDefinition{Name: "deploy", Preconditions: []Precondition{DependsOn("autofix")}}).
		MustBuild()

	if set.Len() != 3 {
		t.Fatalf("Expected 3 goals, got %d", set.Len())
	}
	g := MustCompose("s", set)
	if deps := g.DependsOn("deploy"); strings.Join(deps, ",") != "autofix,build" {
		t.Errorf("Expected deploy after autofix and build, got %v", deps)
	}
}

func TestGoalSet_IncludeAndAfterSets(t *testing.T) {
	checks := NewGoalSet("checks").Plan(autofixGoal, versionGoal).MustBuild()
	deploy := NewGoalSet("deploy").
		Include(checks).
		Plan(buildGoal).AfterSets(checks).
		MustBuild()

	if deploy.Len() != 3 {
		t.Fatalf("Expected 3 goals, got %d", deploy.Len())
	}
	g := MustCompose("deploy", deploy)
	if deps := g.DependsOn("build"); strings.Join(deps, ",") != "autofix,version" {
		t.Errorf("Expected build after autofix and version, got %v", deps)
	}
	if checks.Len() != 2 {
		t.Errorf("Expected Include not to mutate its input, got %d goals", checks.Len())
	}
}

func TestResolvedGraph_ToDOT(t *testing.T) {
	k8s := GoalDefinition{Name: "k8s", Isolated: true, Preconditions: []Precondition{Condition("cluster", 3, time.Second)}}
	g := MustCompose("push", NewGoalSet("s").Plan(buildGoal).Plan(k8s).After(buildGoal).MustBuild())

	dot := g.ToDOT()
	for _, want := range []string{`digraph "push"`, `"build" -> "k8s"`, "isolated", "cluster_level_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}

func TestFingerprint_SensitiveToFlags(t *testing.T) {
	plain := MustCompose("x", NewGoalSet("s").Plan(buildGoal).MustBuild())
	isolated := MustCompose("x", NewGoalSet("s").Plan(GoalDefinition{Name: "build", OrderKey: 3, Isolated: true}).MustBuild())
	if plain.Fingerprint() == isolated.Fingerprint() {
		t.Errorf("Expected different fingerprints for different goal flags")
	}
}
