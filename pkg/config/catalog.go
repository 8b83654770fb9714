package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Merge appends the entries of other. Duplicates are reported by Build.
func (c *Catalog) Merge(other *Catalog) {
	if other == nil {
		return
	}
	c.Goals = append(c.Goals, other.Goals...)
	c.GoalSets = append(c.GoalSets, other.GoalSets...)
	c.Graphs = append(c.Graphs, other.Graphs...)
	c.Rules = append(c.Rules, other.Rules...)
	c.CancellationSets = append(c.CancellationSets, other.CancellationSets...)
	c.Conditions = append(c.Conditions, other.Conditions...)
}

// Compiled is a catalog turned into engine values: a goal registry, built goal
// sets, composed graphs, rules and compiled Starlark conditions. It is read-only
// after Build.
type Compiled struct {
	Registry   *engine.Registry
	Sets       map[string]*engine.GoalSet
	Graphs     map[string]*engine.ResolvedGraph
	Conditions map[string]engine.ConditionFunc

	rules         []compiledRule
	cancellations map[string][]string
	referenced    map[string]bool
}

type compiledRule struct {
	name       string
	repository glob.Glob
	branch     glob.Glob
	metadata   map[string]string
	graph      string
}

func (r compiledRule) matches(event engine.ChangeEvent) bool {
	if r.repository != nil && !r.repository.Match(event.Repository) {
		return false
	}
	if r.branch != nil && !r.branch.Match(event.Branch) {
		return false
	}
	for k, v := range r.metadata {
		if event.Metadata[k] != v {
			return false
		}
	}
	return true
}

// BuildOptions tunes Build.
type BuildOptions struct {
	// ConditionTimeout bounds Starlark conditions that declare no timeout.
	ConditionTimeout time.Duration
}

// Build validates cross references and produces engine values. Construction
// errors from the engine (duplicate goals, cycles, dangling edges) are returned
// unchanged so callers can inspect their codes.
func Build(cat *Catalog, opts BuildOptions) (*Compiled, error) {
	if cat == nil || len(cat.Goals) == 0 {
		return nil, engine.NewPermanentError("catalog defines no goals", nil).
			WithCode(engine.ErrCodeValidation)
	}

	c := &Compiled{
		Registry:      engine.NewRegistry(),
		Sets:          make(map[string]*engine.GoalSet),
		Graphs:        make(map[string]*engine.ResolvedGraph),
		Conditions:    make(map[string]engine.ConditionFunc),
		cancellations: make(map[string][]string),
		referenced:    make(map[string]bool),
	}

	for _, gc := range cat.Goals {
		def, err := gc.definition()
		if err != nil {
			return nil, err
		}
		if err := c.Registry.Register(def); err != nil {
			return nil, err
		}
		for _, ref := range gc.Conditions {
			c.referenced[ref.Name] = true
		}
	}

	if err := c.buildSets(cat.GoalSets); err != nil {
		return nil, err
	}

	for _, gc := range cat.Graphs {
		if _, dup := c.Graphs[gc.Name]; dup {
			return nil, validationf("duplicate graph %s", gc.Name)
		}
		sets := make([]*engine.GoalSet, 0, len(gc.Sets))
		for _, name := range gc.Sets {
			set, ok := c.Sets[name]
			if !ok {
				return nil, validationf("graph %s references unknown goal set %s", gc.Name, name)
			}
			sets = append(sets, set)
		}
		graph, err := engine.Compose(gc.Name, sets...)
		if err != nil {
			return nil, fmt.Errorf("graph %s: %w", gc.Name, err)
		}
		c.Graphs[gc.Name] = graph
	}

	for _, rc := range cat.Rules {
		rule, err := c.compileRule(rc)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, rule)
	}

	for _, cs := range cat.CancellationSets {
		if _, dup := c.cancellations[cs.Name]; dup {
			return nil, validationf("duplicate cancellation set %s", cs.Name)
		}
		if _, err := c.Registry.LookupAll(cs.Goals...); err != nil {
			return nil, fmt.Errorf("cancellation set %s: %w", cs.Name, err)
		}
		c.cancellations[cs.Name] = append([]string(nil), cs.Goals...)
	}

	evaluator := NewStarlarkEvaluator(opts.ConditionTimeout)
	for _, cc := range cat.Conditions {
		if _, dup := c.Conditions[cc.Name]; dup {
			return nil, validationf("duplicate condition %s", cc.Name)
		}
		cond, err := evaluator.CompileWithTimeout(cc.Name, cc.Script, cc.Timeout.Std())
		if err != nil {
			return nil, err
		}
		c.Conditions[cc.Name] = cond.Check
	}

	return c, nil
}

// definition converts the config form into an engine goal definition.
func (gc GoalConfig) definition() (engine.GoalDefinition, error) {
	def := engine.GoalDefinition{
		Name:                gc.Name,
		DisplayName:         gc.DisplayName,
		Environment:         engine.Environment(gc.Environment).OrDefault(),
		OrderKey:            gc.OrderKey,
		Isolated:            gc.Isolated,
		ApprovalRequired:    gc.ApprovalRequired,
		PreApprovalRequired: gc.PreApprovalRequired,
		RetryFeasible:       gc.RetryFeasible,
	}
	for _, dep := range gc.DependsOn {
		def.Preconditions = append(def.Preconditions, engine.DependsOn(dep))
	}
	for _, ref := range gc.Conditions {
		def.Preconditions = append(def.Preconditions, engine.Condition(ref.Name, ref.Retries, ref.Timeout.Std()))
	}
	if len(gc.Descriptions) > 0 {
		def.Descriptions = make(map[engine.GoalState]string, len(gc.Descriptions))
		for state, desc := range gc.Descriptions {
			s := engine.GoalState(state)
			if err := s.Validate(); err != nil {
				return def, validationf("goal %s: description for %v", gc.Name, err)
			}
			def.Descriptions[s] = desc
		}
	}
	return def, def.Validate()
}

// buildSets builds goal sets in dependency order. Sets may include or wait for
// sets declared later in the catalog; cycles between sets are rejected.
func (c *Compiled) buildSets(configs []GoalSetConfig) error {
	byName := make(map[string]GoalSetConfig, len(configs))
	for _, sc := range configs {
		if _, dup := byName[sc.Name]; dup {
			return validationf("duplicate goal set %s", sc.Name)
		}
		byName[sc.Name] = sc
	}

	visiting := make(map[string]bool)
	var build func(name string, path []string) (*engine.GoalSet, error)
	build = func(name string, path []string) (*engine.GoalSet, error) {
		if set, ok := c.Sets[name]; ok {
			return set, nil
		}
		sc, ok := byName[name]
		if !ok {
			return nil, validationf("unknown goal set %s", name)
		}
		path = append(path, name)
		if visiting[name] {
			return nil, validationf("goal set cycle: %s", strings.Join(path, " -> "))
		}
		visiting[name] = true
		defer delete(visiting, name)

		b := engine.NewGoalSet(name)
		for _, inc := range sc.Include {
			set, err := build(inc, path)
			if err != nil {
				return nil, err
			}
			b.Include(set)
		}
		for i, step := range sc.Steps {
			goals, err := c.Registry.LookupAll(step.Goals...)
			if err != nil {
				return nil, fmt.Errorf("goal set %s step %d: %w", name, i, err)
			}
			after, err := c.Registry.LookupAll(step.After...)
			if err != nil {
				return nil, fmt.Errorf("goal set %s step %d: %w", name, i, err)
			}
			afterSets := make([]*engine.GoalSet, 0, len(step.AfterSets))
			for _, dep := range step.AfterSets {
				set, err := build(dep, path)
				if err != nil {
					return nil, err
				}
				afterSets = append(afterSets, set)
			}
			b.Plan(goals...).After(after...).AfterSets(afterSets...)
		}
		set, err := b.Build()
		if err != nil {
			return nil, fmt.Errorf("goal set %s: %w", name, err)
		}
		c.Sets[name] = set
		return set, nil
	}

	for _, sc := range configs {
		if _, err := build(sc.Name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiled) compileRule(rc RuleConfig) (compiledRule, error) {
	rule := compiledRule{name: rc.Name, metadata: rc.Metadata, graph: rc.Graph}
	if _, err := c.Graph(rc.Graph); err != nil {
		return rule, fmt.Errorf("rule %s: %w", rc.Name, err)
	}
	var err error
	if rc.Repository != "" {
		if rule.repository, err = glob.Compile(rc.Repository, '/'); err != nil {
			return rule, validationf("rule %s: bad repository pattern: %v", rc.Name, err)
		}
	}
	if rc.Branch != "" {
		if rule.branch, err = glob.Compile(rc.Branch, '/'); err != nil {
			return rule, validationf("rule %s: bad branch pattern: %v", rc.Name, err)
		}
	}
	return rule, nil
}

// Graph returns the named graph. A goal set name composes that set on its own.
func (c *Compiled) Graph(name string) (*engine.ResolvedGraph, error) {
	if g, ok := c.Graphs[name]; ok {
		return g, nil
	}
	if set, ok := c.Sets[name]; ok {
		return engine.Compose(name, set)
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("graph %s not found", name), nil).
		WithCode(engine.ErrCodeNotFound).WithResource(name)
}

// GraphNames returns the names of explicit graphs, sorted.
func (c *Compiled) GraphNames() []string {
	return sortedKeys(c.Graphs)
}

// SetNames returns the names of goal sets, sorted.
func (c *Compiled) SetNames() []string {
	return sortedKeys(c.Sets)
}

// Select returns the graph of the first rule matching the change event, and the
// rule name.
func (c *Compiled) Select(event engine.ChangeEvent) (*engine.ResolvedGraph, string, error) {
	for _, rule := range c.rules {
		if !rule.matches(event) {
			continue
		}
		g, err := c.Graph(rule.graph)
		return g, rule.name, err
	}
	return nil, "", engine.NewPermanentError("no rule matches the change event", nil).
		WithCode(engine.ErrCodeNotFound).WithResource(event.ID)
}

// CancellationSets returns the names of cancellation sets, sorted.
func (c *Compiled) CancellationSets() []string {
	return sortedKeys(c.cancellations)
}

// CancellationRequest expands a named cancellation set into a request.
func (c *Compiled) CancellationRequest(set, changeEventID, reason, requestedBy string) (engine.CancellationRequest, error) {
	goals, ok := c.cancellations[set]
	if !ok {
		return engine.CancellationRequest{}, engine.NewPermanentError(fmt.Sprintf("cancellation set %s not found", set), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(set)
	}
	return engine.CancellationRequest{
		ChangeEventID: changeEventID,
		Goals:         append([]string(nil), goals...),
		Reason:        reason,
		RequestedBy:   requestedBy,
	}, nil
}

// ConditionRegistrar accepts custom conditions; *engine.Engine implements it.
type ConditionRegistrar interface {
	RegisterCondition(name string, fn engine.ConditionFunc) error
}

// RegisterConditions registers every compiled Starlark condition.
func (c *Compiled) RegisterConditions(r ConditionRegistrar) error {
	for _, name := range sortedKeys(c.Conditions) {
		if err := r.RegisterCondition(name, c.Conditions[name]); err != nil {
			return fmt.Errorf("register condition %s: %w", name, err)
		}
	}
	return nil
}

// UnresolvedConditions lists conditions referenced by goals that the catalog does
// not define. The host has to register them in code before submitting.
func (c *Compiled) UnresolvedConditions() []string {
	var out []string
	for name := range c.referenced {
		if _, ok := c.Conditions[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validationf(format string, args ...interface{}) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeValidation)
}
