package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// CatalogSchema is the name of the built-in catalog definition.
const CatalogSchema = "#Catalog"

// SchemaRegistry holds CUE definitions used to validate configuration documents.
// A cue.Context is not safe for concurrent use, so every operation holds mu.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a registry holding the built-in definitions.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(builtinCatalogSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles a CUE source and registers every top-level definition in it.
// Later registrations replace definitions of the same name.
func (sr *SchemaRegistry) RegisterSchema(source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schema definitions: %w", err)
	}
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}
	return nil
}

// HasSchema reports whether a definition is registered.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, ok := sr.schemas[name]
	return ok
}

// ValidateJSON unifies a JSON document with the named definition and requires a
// concrete result. CUE errors are returned as ValidationErrors.
func (sr *SchemaRegistry) ValidateJSON(name, file string, data []byte) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	doc := sr.ctx.CompileBytes(data, cue.Filename(file))
	if err := doc.Err(); err != nil {
		return convertCUEErrors(err, file)
	}

	unified := schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err, file)
	}
	return nil
}

// ListSchemas returns the registered definition names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinCatalogSchema = `
#Name:     =~"^[A-Za-z][A-Za-z0-9_.-]*$"
#Duration: string | (number & >=0)

#Goal: {
	name:                   #Name
	display_name?:          string
	environment?:           "independent" | "staging" | "production"
	order_key?:             int
	isolated?:              bool
	approval_required?:     bool
	pre_approval_required?: bool
	retry_feasible?:        bool
	depends_on?: [...#Name]
	conditions?: [...#ConditionRef]
	descriptions?: [string]: string
}

#ConditionRef: {
	name:     string & !=""
	retries?: int & >=0
	timeout?: #Duration
}

#Step: {
	goals: [#Name, ...#Name]
	after?: [...#Name]
	after_sets?: [...string]
}

#GoalSet: {
	name: string & !=""
	include?: [...string]
	steps?: [...#Step]
}

#Graph: {
	name: string & !=""
	sets: [string, ...string]
}

#Rule: {
	name:        string & !=""
	repository?: string
	branch?:     string
	metadata?: [string]: string
	graph: string & !=""
}

#CancellationSet: {
	name: string & !=""
	goals: [#Name, ...#Name]
}

#Condition: {
	name:     string & !=""
	script?:  string
	file?:    string
	timeout?: #Duration
}

#Catalog: {
	goals?: [...#Goal]
	goal_sets?: [...#GoalSet]
	graphs?: [...#Graph]
	rules?: [...#Rule]
	cancellation_sets?: [...#CancellationSet]
	conditions?: [...#Condition]
}
`
