package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushCatalogYAML = `
goals:
  - name: build
    order_key: 1
  - name: deployToStaging
    display_name: Deploy to staging
    environment: staging
    order_key: 2
    approval_required: true
    conditions:
      - name: stagingFree
        retries: 5
        timeout: 10s
    descriptions:
      in_process: Deploying to staging
goal_sets:
  - name: push
    steps:
      - goals: [build]
      - goals: [deployToStaging]
        after: [build]
`

func TestLoader_ParseYAML(t *testing.T) {
	loader := NewLoader()

	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cat *Catalog)
	}{
		{
			name: "valid catalog",
			yaml: pushCatalogYAML,
			check: func(t *testing.T, cat *Catalog) {
				require.Len(t, cat.Goals, 2)
				deploy := cat.Goals[1]
				assert.Equal(t, "staging", deploy.Environment)
				assert.True(t, deploy.ApprovalRequired)
				require.Len(t, deploy.Conditions, 1)
				assert.Equal(t, 10*time.Second, deploy.Conditions[0].Timeout.Std())
				assert.Equal(t, 5, deploy.Conditions[0].Retries)
				require.Len(t, cat.GoalSets, 1)
				assert.Equal(t, []string{"build"}, cat.GoalSets[0].Steps[1].After)
			},
		},
		{
			name: "numeric timeout is seconds",
			yaml: `
goals:
  - name: build
    conditions:
      - name: slow
        timeout: 3
`,
			check: func(t *testing.T, cat *Catalog) {
				assert.Equal(t, 3*time.Second, cat.Goals[0].Conditions[0].Timeout.Std())
			},
		},
		{
			name: "unknown field",
			yaml: `
goals:
  - name: build
    parallelism: 4
`,
			wantErr: true,
		},
		{
			name: "invalid environment",
			yaml: `
goals:
  - name: build
    environment: qa
`,
			wantErr: true,
		},
		{
			name: "invalid goal name",
			yaml: `
goals:
  - name: 9build
`,
			wantErr: true,
		},
		{
			name: "empty step",
			yaml: `
goals:
  - name: build
goal_sets:
  - name: push
    steps:
      - goals: []
`,
			wantErr: true,
		},
		{
			name: "condition with script and file",
			yaml: `
goals:
  - name: build
conditions:
  - name: both
    script: "def condition(event):\n    return True\n"
    file: cond.star
`,
			wantErr: true,
		},
		{
			name:    "empty document",
			yaml:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := loader.ParseYAML(tt.yaml)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cat)
			}
		})
	}
}

func TestLoader_ParseCUE(t *testing.T) {
	loader := NewLoader()

	cat, err := loader.ParseCUE(`
_staging: {environment: "staging", order_key: 10}

goals: [
	{name: "build"},
	_staging & {name: "deployToStaging", approval_required: true},
]

goal_sets: [{
	name: "push"
	steps: [
		{goals: ["build"]},
		{goals: ["deployToStaging"], after: ["build"]},
	]
}]
`)
	require.NoError(t, err)
	require.Len(t, cat.Goals, 2)
	assert.Equal(t, "staging", cat.Goals[1].Environment)
	assert.Equal(t, 10, cat.Goals[1].OrderKey)
	assert.True(t, cat.Goals[1].ApprovalRequired)
}

func TestLoader_ParseCUEErrors(t *testing.T) {
	loader := NewLoader()

	_, err := loader.ParseCUE(`goals: [{name: "build", isolated: "yes"}]`)
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.NotEmpty(t, verrs)

	_, err = loader.ParseCUE(`goals: [{name: string}]`)
	assert.Error(t, err, "non-concrete values are rejected")

	_, err = loader.ParseCUE(`goals: [`)
	assert.Error(t, err)
}

func TestLoader_LoadDirectory(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_goals.yaml"), []byte(`
goals:
  - name: build
  - name: test
conditions:
  - name: onMain
    file: conditions/on_main.star
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_sets.cue"), []byte(`
goal_sets: [{name: "ci", steps: [{goals: ["build"]}, {goals: ["test"], after: ["build"]}]}]
graphs: [{name: "ci", sets: ["ci"]}]
`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conditions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conditions", "on_main.star"), []byte(`
def condition(event):
    return event.branch == "main"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	cat, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Len(t, cat.Goals, 2)
	assert.Len(t, cat.GoalSets, 1)
	assert.Len(t, cat.Graphs, 1)
	require.Len(t, cat.Conditions, 1)
	assert.Contains(t, cat.Conditions[0].Script, "def condition(event)")
	assert.Empty(t, cat.Conditions[0].File)
}

func TestLoader_LoadErrors(t *testing.T) {
	loader := NewLoader()
	ctx := context.Background()

	_, err := loader.Load(ctx)
	assert.Error(t, err)

	_, err = loader.Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loader.Load(ctx, t.TempDir())
	assert.Error(t, err, "empty directory")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte(`
goals:
  - name: build
conditions:
  - name: missing
    file: nowhere.star
`), 0o644))
	_, err = loader.Load(ctx, dir)
	assert.Error(t, err)
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	assert.True(t, sr.HasSchema(CatalogSchema))
	assert.Contains(t, sr.ListSchemas(), "#Goal")

	require.NoError(t, sr.RegisterSchema(`#Ping: {count: int & >0}`))
	assert.NoError(t, sr.ValidateJSON("#Ping", "ping.json", []byte(`{"count": 2}`)))
	assert.Error(t, sr.ValidateJSON("#Ping", "ping.json", []byte(`{"count": 0}`)))
	assert.Error(t, sr.ValidateJSON("#Missing", "x.json", []byte(`{}`)))

	assert.Error(t, sr.RegisterSchema(`#Broken: {`))
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "2", want: 2 * time.Second},
		{in: "0.5", want: 500 * time.Millisecond},
		{in: "", want: 0},
		{in: "-1s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}
