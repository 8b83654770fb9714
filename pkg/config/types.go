package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Catalog is the declarative description of goals, goal sets, the graphs composed
// from them and the rules that pick a graph for a change event.
type Catalog struct {
	// Goals are the goal definitions.
	Goals []GoalConfig `json:"goals,omitempty" yaml:"goals,omitempty" validate:"dive"`

	// GoalSets group goals into ordered sets.
	GoalSets []GoalSetConfig `json:"goal_sets,omitempty" yaml:"goal_sets,omitempty" validate:"dive"`

	// Graphs compose goal sets into submittable graphs.
	Graphs []GraphConfig `json:"graphs,omitempty" yaml:"graphs,omitempty" validate:"dive"`

	// Rules map change events to graphs. The first matching rule wins.
	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`

	// CancellationSets name groups of goals that are canceled together.
	CancellationSets []CancellationSetConfig `json:"cancellation_sets,omitempty" yaml:"cancellation_sets,omitempty" validate:"dive"`

	// Conditions are custom preconditions written in Starlark.
	Conditions []ConditionConfig `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
}

// GoalConfig describes one goal.
type GoalConfig struct {
	Name                string            `json:"name" yaml:"name" validate:"required,goalname"`
	DisplayName         string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Environment         string            `json:"environment,omitempty" yaml:"environment,omitempty" validate:"omitempty,oneof=independent staging production"`
	OrderKey            int               `json:"order_key,omitempty" yaml:"order_key,omitempty"`
	Isolated            bool              `json:"isolated,omitempty" yaml:"isolated,omitempty"`
	ApprovalRequired    bool              `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	PreApprovalRequired bool              `json:"pre_approval_required,omitempty" yaml:"pre_approval_required,omitempty"`
	RetryFeasible       bool              `json:"retry_feasible,omitempty" yaml:"retry_feasible,omitempty"`
	DependsOn           []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,goalname"`
	Conditions          []ConditionRef    `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Descriptions        map[string]string `json:"descriptions,omitempty" yaml:"descriptions,omitempty"`
}

// ConditionRef attaches a named custom precondition to a goal.
type ConditionRef struct {
	Name    string   `json:"name" yaml:"name" validate:"required"`
	Retries int      `json:"retries,omitempty" yaml:"retries,omitempty" validate:"gte=0"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// GoalSetConfig describes a goal set. Include unions other sets; each step plans
// goals that wait for the listed goals and sets.
type GoalSetConfig struct {
	Name    string       `json:"name" yaml:"name" validate:"required"`
	Include []string     `json:"include,omitempty" yaml:"include,omitempty"`
	Steps   []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`
}

// StepConfig is one Plan(...).After(...) call.
type StepConfig struct {
	Goals     []string `json:"goals" yaml:"goals" validate:"required,min=1"`
	After     []string `json:"after,omitempty" yaml:"after,omitempty"`
	AfterSets []string `json:"after_sets,omitempty" yaml:"after_sets,omitempty"`
}

// GraphConfig composes goal sets into a graph.
type GraphConfig struct {
	Name string   `json:"name" yaml:"name" validate:"required"`
	Sets []string `json:"sets" yaml:"sets" validate:"required,min=1"`
}

// RuleConfig selects a graph for change events matching all of its patterns.
// Branch and Repository are glob patterns; empty matches anything.
type RuleConfig struct {
	Name       string            `json:"name" yaml:"name" validate:"required"`
	Repository string            `json:"repository,omitempty" yaml:"repository,omitempty"`
	Branch     string            `json:"branch,omitempty" yaml:"branch,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Graph      string            `json:"graph" yaml:"graph" validate:"required"`
}

// CancellationSetConfig names goals that are canceled together.
type CancellationSetConfig struct {
	Name  string   `json:"name" yaml:"name" validate:"required"`
	Goals []string `json:"goals" yaml:"goals" validate:"required,min=1"`
}

// ConditionConfig defines a custom precondition in Starlark. Exactly one of
// Script and File is set; File is resolved relative to the catalog file.
type ConditionConfig struct {
	Name    string   `json:"name" yaml:"name" validate:"required"`
	Script  string   `json:"script,omitempty" yaml:"script,omitempty" validate:"required_without=File,excluded_with=File"`
	File    string   `json:"file,omitempty" yaml:"file,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Duration is a time.Duration that reads "30s" style strings from YAML, JSON,
// CUE and TOML. Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var secs float64
		if _, scanErr := fmt.Sscanf(s, "%g", &secs); scanErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs * float64(time.Second))
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts both strings and numbers of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(data)
}

// ValidationError describes one problem found while loading configuration.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements error.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is a list of validation problems.
type ValidationErrors []ValidationError

// Error implements error.
func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].Error()
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors:\n  %s", len(es), strings.Join(msgs, "\n  "))
}
