package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/goalflow/pkg/engine"
)

const deliveryCatalogYAML = `
goals:
  - name: autofix
    order_key: 1
  - name: version
    order_key: 2
  - name: build
    order_key: 3
    retry_feasible: true
  - name: dockerBuild
    order_key: 4
  - name: deployToStaging
    environment: staging
    order_key: 5
    isolated: true
    approval_required: true
    conditions:
      - name: stagingFree
        retries: 3
        timeout: 1s
  - name: deployToProduction
    environment: production
    order_key: 6
    pre_approval_required: true
    conditions:
      - name: releaseWindow
goal_sets:
  - name: checks
    steps:
      - goals: [autofix]
      - goals: [version]
        after: [autofix]
  - name: build
    include: [checks]
    steps:
      - goals: [build]
        after: [version]
  - name: docker
    include: [build]
    steps:
      - goals: [dockerBuild]
        after: [build]
  - name: deploy
    include: [docker]
    steps:
      - goals: [deployToStaging]
        after_sets: [docker]
      - goals: [deployToProduction]
        after: [deployToStaging]
graphs:
  - name: release
    sets: [deploy]
  - name: ci
    sets: [build]
rules:
  - name: release branches
    branch: "release/*"
    graph: release
  - name: forced deploy
    metadata:
      deploy: "true"
    graph: release
  - name: everything else
    repository: "acme/**"
    graph: ci
cancellation_sets:
  - name: stopDeploys
    goals: [deployToStaging, deployToProduction]
conditions:
  - name: releaseWindow
    script: |
      def condition(event):
          return event.metadata.get("window") == "open"
`

func buildDelivery(t *testing.T) *Compiled {
	t.Helper()
	cat, err := NewLoader().ParseYAML(deliveryCatalogYAML)
	require.NoError(t, err)
	compiled, err := Build(cat, BuildOptions{})
	require.NoError(t, err)
	return compiled
}

func TestBuild_Delivery(t *testing.T) {
	compiled := buildDelivery(t)

	assert.Equal(t, 6, compiled.Registry.Len())
	assert.Equal(t, []string{"build", "checks", "deploy", "docker"}, compiled.SetNames())
	assert.Equal(t, []string{"ci", "release"}, compiled.GraphNames())

	release, err := compiled.Graph("release")
	require.NoError(t, err)
	assert.Equal(t, 6, release.Len())
	assert.Equal(t, [][]string{
		{"autofix"},
		{"version"},
		{"build"},
		{"dockerBuild"},
		{"deployToStaging"},
		{"deployToProduction"},
	}, release.Levels())
	assert.ElementsMatch(t, []string{"autofix", "version", "build", "dockerBuild"}, release.DependsOn("deployToStaging"))

	def, ok := release.Goal("deployToStaging")
	require.True(t, ok)
	assert.Equal(t, engine.EnvironmentStaging, def.Environment)
	assert.True(t, def.Isolated)
	require.Len(t, def.Conditions(), 1)
	assert.Equal(t, 3, def.Conditions()[0].Retries)

	// A goal set name composes that set alone.
	checks, err := compiled.Graph("checks")
	require.NoError(t, err)
	assert.Equal(t, 2, checks.Len())

	_, err = compiled.Graph("nope")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestBuild_Select(t *testing.T) {
	compiled := buildDelivery(t)

	tests := []struct {
		name      string
		event     engine.ChangeEvent
		wantGraph string
		wantRule  string
		wantErr   bool
	}{
		{
			name:      "release branch",
			event:     engine.ChangeEvent{ID: "1", Repository: "acme/api", Branch: "release/1.2"},
			wantGraph: "release",
			wantRule:  "release branches",
		},
		{
			name:      "metadata match",
			event:     engine.ChangeEvent{ID: "2", Repository: "other/api", Branch: "main", Metadata: map[string]string{"deploy": "true"}},
			wantGraph: "release",
			wantRule:  "forced deploy",
		},
		{
			name:      "repository glob",
			event:     engine.ChangeEvent{ID: "3", Repository: "acme/tools/cli", Branch: "feature/x"},
			wantGraph: "ci",
			wantRule:  "everything else",
		},
		{
			name:    "no match",
			event:   engine.ChangeEvent{ID: "4", Repository: "other/api", Branch: "main"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph, rule, err := compiled.Select(tt.event)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGraph, graph.Name())
			assert.Equal(t, tt.wantRule, rule)
		})
	}
}

func TestBuild_CancellationSets(t *testing.T) {
	compiled := buildDelivery(t)

	assert.Equal(t, []string{"stopDeploys"}, compiled.CancellationSets())

	req, err := compiled.CancellationRequest("stopDeploys", "push-1", "superseded", "ops")
	require.NoError(t, err)
	assert.Equal(t, engine.CancellationRequest{
		ChangeEventID: "push-1",
		Goals:         []string{"deployToStaging", "deployToProduction"},
		Reason:        "superseded",
		RequestedBy:   "ops",
	}, req)

	_, err = compiled.CancellationRequest("missing", "push-1", "", "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

type recordingRegistrar struct {
	names []string
}

func (r *recordingRegistrar) RegisterCondition(name string, fn engine.ConditionFunc) error {
	r.names = append(r.names, name)
	return nil
}

func TestBuild_Conditions(t *testing.T) {
	compiled := buildDelivery(t)

	assert.Equal(t, []string{"stagingFree"}, compiled.UnresolvedConditions())

	reg := &recordingRegistrar{}
	require.NoError(t, compiled.RegisterConditions(reg))
	assert.Equal(t, []string{"releaseWindow"}, reg.names)

	ok, err := compiled.Conditions["releaseWindow"](context.Background(), engine.ChangeEvent{
		ID:       "push-1",
		Metadata: map[string]string{"window": "open"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantCode string
	}{
		{
			name: "duplicate goal",
			yaml: `
goals:
  - name: build
  - name: build
`,
			wantCode: engine.ErrCodeDuplicateGoalName,
		},
		{
			name: "unknown goal in step",
			yaml: `
goals:
  - name: build
goal_sets:
  - name: ci
    steps:
      - goals: [test]
`,
			wantCode: engine.ErrCodeUnknownGoal,
		},
		{
			name: "goal set cycle",
			yaml: `
goals:
  - name: build
goal_sets:
  - name: a
    include: [b]
  - name: b
    include: [a]
`,
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "cyclic dependency",
			yaml: `
goals:
  - name: a
    depends_on: [b]
  - name: b
    depends_on: [a]
goal_sets:
  - name: ab
    steps:
      - goals: [a, b]
graphs:
  - name: ab
    sets: [ab]
`,
			wantCode: engine.ErrCodeCyclicDependency,
		},
		{
			name: "dangling precondition",
			yaml: `
goals:
  - name: build
  - name: deploy
    depends_on: [build]
goal_sets:
  - name: deploy
    steps:
      - goals: [deploy]
graphs:
  - name: deploy
    sets: [deploy]
`,
			wantCode: engine.ErrCodeDanglingPrecondition,
		},
		{
			name: "graph with unknown set",
			yaml: `
goals:
  - name: build
graphs:
  - name: g
    sets: [missing]
`,
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "rule with unknown graph",
			yaml: `
goals:
  - name: build
rules:
  - name: r
    graph: missing
`,
			wantCode: engine.ErrCodeNotFound,
		},
		{
			name: "bad description state",
			yaml: `
goals:
  - name: build
    descriptions:
      finished: Done
`,
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "condition without entry point",
			yaml: `
goals:
  - name: build
conditions:
  - name: broken
    script: "x = 1"
`,
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "cancellation set with unknown goal",
			yaml: `
goals:
  - name: build
cancellation_sets:
  - name: c
    goals: [deploy]
`,
			wantCode: engine.ErrCodeUnknownGoal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := NewLoader().ParseYAML(tt.yaml)
			require.NoError(t, err)
			_, err = Build(cat, BuildOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, engine.CodeOf(err), err.Error())
		})
	}
}

func TestBuild_EmptyCatalog(t *testing.T) {
	_, err := Build(&Catalog{}, BuildOptions{})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = Build(nil, BuildOptions{})
	assert.Error(t, err)
}

func TestCatalog_Merge(t *testing.T) {
	a := &Catalog{Goals: []GoalConfig{{Name: "build"}}}
	b := &Catalog{
		Goals:    []GoalConfig{{Name: "test"}},
		GoalSets: []GoalSetConfig{{Name: "ci", Steps: []StepConfig{{Goals: []string{"build", "test"}}}}},
	}
	a.Merge(b)
	a.Merge(nil)

	assert.Len(t, a.Goals, 2)
	assert.Len(t, a.GoalSets, 1)

	compiled, err := Build(a, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, compiled.Sets["ci"].Has("test"))
}
