package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ResolvedGraph is the frozen, validated union of goal sets for one change event.
// It is read-only after Compose returns.
type ResolvedGraph struct {
	name  string
	goals map[string]GoalDefinition

	// order is the composition order of goal names
	order []string

	// dependsOn maps a goal to the goals it waits for
	dependsOn map[string][]string

	// dependedOnBy maps a goal to the goals waiting for it
	dependedOnBy map[string][]string

	// levels groups goals by topological depth. Advisory only.
	levels [][]string

	fingerprint string
}

// Compose unions goal sets into a validated graph. Composition is associative and
// idempotent: goals are deduplicated by name, keeping the first definition with
// the union of both precondition sets, and edges are deduplicated by endpoints.
func Compose(name string, sets ...*GoalSet) (*ResolvedGraph, error) {
	merged := newGoalSet(name)
	for _, set := range sets {
		if set == nil {
			continue
		}
		merged.merge(set)
	}

	// Definition-level dependencies become edges of the composed graph
	for _, def := range merged.goals {
		for _, dep := range def.Dependencies() {
			merged.addEdge(Edge{From: dep, To: def.Name})
		}
	}

	b := NewDAGBuilder()
	return b.Build(merged)
}

// MustCompose is Compose that panics on error.
func MustCompose(name string, sets ...*GoalSet) *ResolvedGraph {
	g, err := Compose(name, sets...)
	if err != nil {
		panic(err)
	}
	return g
}

// Name returns the graph name.
func (g *ResolvedGraph) Name() string { return g.name }

// Len returns the number of goals.
func (g *ResolvedGraph) Len() int { return len(g.order) }

// Names returns goal names in composition order.
func (g *ResolvedGraph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Goal returns the definition of a goal in the graph.
func (g *ResolvedGraph) Goal(name string) (GoalDefinition, bool) {
	def, ok := g.goals[name]
	return def, ok
}

// DependsOn returns the goals name waits for, sorted.
func (g *ResolvedGraph) DependsOn(name string) []string {
	return append([]string(nil), g.dependsOn[name]...)
}

// DependedOnBy returns the goals waiting for name, sorted.
func (g *ResolvedGraph) DependedOnBy(name string) []string {
	return append([]string(nil), g.dependedOnBy[name]...)
}

// Levels returns goals grouped by topological depth, each level sorted.
func (g *ResolvedGraph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Edges returns every edge sorted by (From, To).
func (g *ResolvedGraph) Edges() []Edge {
	edges := make([]Edge, 0)
	for _, to := range g.order {
		for _, from := range g.dependsOn[to] {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Fingerprint identifies the graph by its goals and edges, independent of composition order.
func (g *ResolvedGraph) Fingerprint() string {
	return g.fingerprint
}

// TransitiveDependents returns every goal that depends on any of names, directly or
// indirectly, excluding names themselves. The result is sorted.
func (g *ResolvedGraph) TransitiveDependents(names ...string) []string {
	visited := make(map[string]bool)
	queue := append([]string(nil), names...)
	for _, n := range names {
		visited[n] = true
	}
	result := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependedOnBy[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	sort.Strings(result)
	return result
}

// GoalSet converts the graph back into a goal set so it can take part in further composition.
func (g *ResolvedGraph) GoalSet() *GoalSet {
	set := newGoalSet(g.name)
	for _, name := range g.order {
		set.addGoal(g.goals[name])
	}
	for _, e := range g.Edges() {
		set.addEdge(e)
	}
	return set
}

// DAGBuilder validates a goal set and computes its adjacency and levels.
type DAGBuilder struct {
	// goals maps goal names to their definitions
	goals map[string]GoalDefinition

	// order preserves insertion order for deterministic output
	order []string

	// adjacencyList maps goals to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps goals to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to goal names at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		goals:                make(map[string]GoalDefinition),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// Build validates the set and produces the resolved graph.
func (b *DAGBuilder) Build(set *GoalSet) (*ResolvedGraph, error) {
	if err := b.initialize(set); err != nil {
		return nil, err
	}

	// Detect circular dependencies
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.resolvedGraph(set.name), nil
}

// initialize indexes goals and builds adjacency lists, rejecting dangling edges.
func (b *DAGBuilder) initialize(set *GoalSet) error {
	for _, def := range set.goals {
		b.goals[def.Name] = def
		b.order = append(b.order, def.Name)
		b.adjacencyList[def.Name] = make([]string, 0)
		b.reverseAdjacencyList[def.Name] = make([]string, 0)
		b.inDegree[def.Name] = 0
	}

	for _, e := range set.edges {
		if _, exists := b.goals[e.To]; !exists {
			return newDanglingPreconditionError(e.From, e.To)
		}
		if _, exists := b.goals[e.From]; !exists {
			return newDanglingPreconditionError(e.To, e.From)
		}
		if e.From == e.To {
			return newCyclicDependencyError([]string{e.From, e.To})
		}

		// Edge from dependency to dependent
		b.adjacencyList[e.From] = append(b.adjacencyList[e.From], e.To)
		b.reverseAdjacencyList[e.To] = append(b.reverseAdjacencyList[e.To], e.From)
		b.inDegree[e.To]++
	}

	for name := range b.goals {
		sort.Strings(b.adjacencyList[name])
		sort.Strings(b.reverseAdjacencyList[name])
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.order {
		if !visited[name] {
			if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
				return newCyclicDependencyError(cycle)
			}
		}
	}
	return nil
}

// detectCyclesUtil returns the cycle path when one is reachable from name.
func (b *DAGBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range b.adjacencyList[name] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns levels using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, name := range b.order {
		if inDegreeCopy[name] == 0 {
			currentLevel = append(currentLevel, name)
		}
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, name := range currentLevel {
			for _, dependent := range b.adjacencyList[name] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	// Should never happen if cycle detection worked
	if processedCount != len(b.goals) {
		return NewPermanentError("failed to process all goals - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) resolvedGraph(name string) *ResolvedGraph {
	g := &ResolvedGraph{
		name:         name,
		goals:        b.goals,
		order:        b.order,
		dependsOn:    b.reverseAdjacencyList,
		dependedOnBy: b.adjacencyList,
		levels:       b.levels,
	}
	g.fingerprint = fingerprint(g)
	return g
}

// fingerprint hashes sorted goal names, their flags and sorted edges.
func fingerprint(g *ResolvedGraph) string {
	names := g.Names()
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		def := g.goals[name]
		fmt.Fprintf(h, "goal:%s:%s:%d:%t:%t:%t:%t\n", def.Name, def.Environment, def.OrderKey,
			def.Isolated, def.ApprovalRequired, def.PreApprovalRequired, def.RetryFeasible)
		for _, c := range def.Conditions() {
			fmt.Fprintf(h, "cond:%s:%s:%d:%s\n", def.Name, c.Condition, c.Retries, c.Timeout)
		}
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(h, "edge:%s>%s\n", e.From, e.To)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Levels returns the computed levels of the last Build.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *ResolvedGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", g.name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			def := g.goals[name]
			label := fmt.Sprintf("%s\\n%s%s", def.Label(), def.Environment, goalFlags(def))
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, label, getEnvironmentColor(def.Environment)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges() {
		sb.WriteString(fmt.Sprintf("  %q -> %q;\n", e.From, e.To))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func goalFlags(def GoalDefinition) string {
	flags := make([]string, 0, 4)
	if def.Isolated {
		flags = append(flags, "isolated")
	}
	if def.PreApprovalRequired {
		flags = append(flags, "pre-approval")
	}
	if def.ApprovalRequired {
		flags = append(flags, "approval")
	}
	if def.RetryFeasible {
		flags = append(flags, "retry")
	}
	if len(flags) == 0 {
		return ""
	}
	return "\\n[" + strings.Join(flags, ",") + "]"
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getEnvironmentColor returns a color for visualizing environments.
func getEnvironmentColor(env Environment) string {
	switch env {
	case EnvironmentStaging:
		return "lightblue"
	case EnvironmentProduction:
		return "lightcoral"
	default:
		return "lightgray"
	}
}
