package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds goal definitions by unique name. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	goals map[string]GoalDefinition
	order []string
}

// NewRegistry creates an empty goal registry.
func NewRegistry() *Registry {
	return &Registry{
		goals: make(map[string]GoalDefinition),
		order: make([]string, 0),
	}
}

// Register adds a goal definition. Names are unique; a second registration
// under the same name fails with DUPLICATE_GOAL_NAME.
func (r *Registry) Register(def GoalDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Environment = def.Environment.OrDefault()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.goals[def.Name]; exists {
		return NewPermanentError(fmt.Sprintf("goal %s is already registered", def.Name), nil).
			WithCode(ErrCodeDuplicateGoalName).
			WithResource(def.Name)
	}

	r.goals[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister registers the definitions and panics on the first error.
func (r *Registry) MustRegister(defs ...GoalDefinition) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (GoalDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.goals[name]
	if !ok {
		return GoalDefinition{}, newUnknownGoalError(name)
	}
	return def, nil
}

// LookupAll resolves several names at once, failing on the first unknown name.
func (r *Registry) LookupAll(names ...string) ([]GoalDefinition, error) {
	defs := make([]GoalDefinition, 0, len(names))
	for _, name := range names {
		def, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Names returns registered goal names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Len returns the number of registered goals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.goals)
}
