package engine

// Edge is a structural dependency: To may not start until From has succeeded.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GoalSet is a named, frozen collection of goals with ordering edges.
// Goal sets are values: composing them never mutates the inputs.
type GoalSet struct {
	name  string
	goals []GoalDefinition
	index map[string]int
	edges []Edge
	seen  map[Edge]bool
}

// Name returns the goal set name.
func (s *GoalSet) Name() string {
	return s.name
}

// Goals returns the goals in the order they were first added.
func (s *GoalSet) Goals() []GoalDefinition {
	out := make([]GoalDefinition, len(s.goals))
	copy(out, s.goals)
	return out
}

// Edges returns the ordering edges in insertion order.
func (s *GoalSet) Edges() []Edge {
	out := make([]Edge, len(s.edges))
	copy(out, s.edges)
	return out
}

// Has reports whether the set contains the named goal.
func (s *GoalSet) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Len returns the number of goals in the set.
func (s *GoalSet) Len() int {
	return len(s.goals)
}

func newGoalSet(name string) *GoalSet {
	return &GoalSet{
		name:  name,
		goals: make([]GoalDefinition, 0),
		index: make(map[string]int),
		edges: make([]Edge, 0),
		seen:  make(map[Edge]bool),
	}
}

// addGoal adds a goal. A goal whose name is already present is not re-added:
// the first definition is kept and the preconditions of def it lacks are
// appended, so both dependency sets become edges of the composed graph.
func (s *GoalSet) addGoal(def GoalDefinition) {
	i, exists := s.index[def.Name]
	if !exists {
		s.index[def.Name] = len(s.goals)
		s.goals = append(s.goals, def)
		return
	}

	kept := s.goals[i]
	extra := make([]Precondition, 0)
	for _, p := range def.Preconditions {
		if !hasPrecondition(kept.Preconditions, p) && !hasPrecondition(extra, p) {
			extra = append(extra, p)
		}
	}
	if len(extra) == 0 {
		return
	}
	// Copy so the input set's backing array is never written.
	merged := make([]Precondition, 0, len(kept.Preconditions)+len(extra))
	merged = append(merged, kept.Preconditions...)
	kept.Preconditions = append(merged, extra...)
	s.goals[i] = kept
}

// hasPrecondition matches goal dependencies by goal and custom conditions by name.
func hasPrecondition(list []Precondition, p Precondition) bool {
	for _, q := range list {
		if p.Goal != "" && q.Goal == p.Goal {
			return true
		}
		if p.Condition != "" && q.Condition == p.Condition {
			return true
		}
	}
	return false
}

func (s *GoalSet) addEdge(e Edge) {
	if s.seen[e] {
		return
	}
	s.seen[e] = true
	s.edges = append(s.edges, e)
}

// merge unions other into s.
func (s *GoalSet) merge(other *GoalSet) {
	for _, def := range other.goals {
		s.addGoal(def)
	}
	for _, e := range other.edges {
		s.addEdge(e)
	}
}

// GoalSetBuilder accumulates goals and edges for a goal set.
//
//	set := engine.NewGoalSet("docker build").
//		Include(checks).
//		Plan(build).
//		Plan(dockerBuild).After(build).
//		Build()
type GoalSetBuilder struct {
	set     *GoalSet
	pending []string
	err     error
}

// NewGoalSet starts building a goal set with the given name.
func NewGoalSet(name string) *GoalSetBuilder {
	return &GoalSetBuilder{set: newGoalSet(name)}
}

// Include unions the goals and edges of other sets into this one.
func (b *GoalSetBuilder) Include(sets ...*GoalSet) *GoalSetBuilder {
	b.pending = nil
	for _, other := range sets {
		if b.err != nil || other == nil {
			continue
		}
		b.set.merge(other)
	}
	return b
}

// Plan adds goals to the set. A following After applies to exactly these goals.
func (b *GoalSetBuilder) Plan(goals ...GoalDefinition) *GoalSetBuilder {
	b.pending = b.pending[:0]
	for _, def := range goals {
		if b.err != nil {
			return b
		}
		def.Environment = def.Environment.OrDefault()
		if err := def.Validate(); err != nil {
			b.err = err
			return b
		}
		b.set.addGoal(def)
		b.pending = append(b.pending, def.Name)
	}
	return b
}

// After adds edges from each dependency to every goal of the preceding Plan call.
// Dependencies may be goals or whole goal sets; a set contributes all of its goals.
func (b *GoalSetBuilder) After(deps ...GoalDefinition) *GoalSetBuilder {
	for _, dep := range deps {
		for _, goal := range b.pending {
			b.set.addEdge(Edge{From: dep.Name, To: goal})
		}
	}
	return b
}

// AfterSets adds edges from every goal of the given sets to the goals of the preceding Plan call.
func (b *GoalSetBuilder) AfterSets(sets ...*GoalSet) *GoalSetBuilder {
	for _, set := range sets {
		b.After(set.goals...)
	}
	return b
}

// Build freezes the goal set. The builder must not be used afterwards.
func (b *GoalSetBuilder) Build() (*GoalSet, error) {
	if b.err != nil {
		return nil, b.err
	}
	set := b.set
	b.set = nil
	return set, nil
}

// MustBuild is Build that panics on error. Intended for static catalogs.
func (b *GoalSetBuilder) MustBuild() *GoalSet {
	set, err := b.Build()
	if err != nil {
		panic(err)
	}
	return set
}
