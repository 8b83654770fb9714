// Package config loads the declarative goal catalog and the service configuration.
//
// # Catalog
//
// A catalog lists goals, goal sets built from them, graphs composed from goal
// sets, rules that pick a graph for a change event, named cancellation sets and
// custom conditions written in Starlark. Sources may be YAML, JSON or CUE; each
// document is validated against the built-in #Catalog CUE definition and the
// struct tags before the documents are merged:
//
//	goals:
//	  - name: build
//	  - name: deployToStaging
//	    environment: staging
//	    approval_required: true
//	    conditions:
//	      - name: stagingFree
//	        retries: 5
//	        timeout: 10s
//	goal_sets:
//	  - name: push
//	    steps:
//	      - goals: [build]
//	      - goals: [deployToStaging]
//	        after: [build]
//	rules:
//	  - name: default
//	    branch: "**"
//	    graph: push
//
// Build turns a catalog into an engine.Registry, goal sets and composed graphs.
// Construction errors keep their engine codes (DUPLICATE_GOAL_NAME,
// CYCLIC_DEPENDENCY, DANGLING_PRECONDITION).
//
//	cat, err := config.NewLoader().Load(ctx, "catalog/")
//	compiled, err := config.Build(cat, config.BuildOptions{})
//	graph, rule, err := compiled.Select(event)
//
// # Starlark conditions
//
// A condition script defines condition(event) and returns a bool. The event is a
// frozen struct with id, repository, branch, sha and a metadata dict:
//
//	def condition(event):
//	    return event.branch == "main" or event.metadata.get("force") == "true"
//
// Scripts run with a step limit and are canceled when the attempt's context ends.
//
// # Service configuration
//
// The service reads a TOML file (see ServiceConfig) naming the listen address,
// catalog sources, the snapshot database, the policy directory, telemetry
// settings and the executor bound to each goal.
package config
