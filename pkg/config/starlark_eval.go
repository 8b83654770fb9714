package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// conditionEntryPoint is the function a condition script must define.
const conditionEntryPoint = "condition"

// defaultMaxSteps caps the work one condition check may do.
const defaultMaxSteps = 1_000_000

// StarlarkEvaluator compiles Starlark condition scripts.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new Starlark evaluator. The timeout bounds each
// check of a compiled condition; zero leaves the bound to the caller's context.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: defaultMaxSteps,
	}
}

// StarlarkCondition is a compiled condition script.
type StarlarkCondition struct {
	name     string
	fn       starlark.Callable
	timeout  time.Duration
	maxSteps uint64
}

// Compile executes the script once and returns its condition function. The
// script must define condition(event) returning a bool. Globals are frozen
// after compilation so checks can run concurrently.
func (se *StarlarkEvaluator) Compile(name, script string) (*StarlarkCondition, error) {
	return se.CompileWithTimeout(name, script, se.timeout)
}

// CompileWithTimeout is Compile with a per-condition timeout. Zero falls back to
// the evaluator's timeout.
func (se *StarlarkEvaluator) CompileWithTimeout(name, script string, timeout time.Duration) (*StarlarkCondition, error) {
	if timeout <= 0 {
		timeout = se.timeout
	}

	thread := newThread(name)
	thread.SetMaxExecutionSteps(se.maxSteps)

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("condition %s: starlark execution failed", name), err).
			WithCode(engine.ErrCodeValidation).WithResource(name)
	}

	fn, ok := globals[conditionEntryPoint].(starlark.Callable)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("condition %s: script does not define %s(event)", name, conditionEntryPoint), nil).
			WithCode(engine.ErrCodeValidation).WithResource(name)
	}
	if f, ok := fn.(*starlark.Function); ok && f.NumParams() != 1 {
		return nil, engine.NewPermanentError(fmt.Sprintf("condition %s: %s must take exactly one parameter, takes %d", name, conditionEntryPoint, f.NumParams()), nil).
			WithCode(engine.ErrCodeValidation).WithResource(name)
	}

	return &StarlarkCondition{
		name:     name,
		fn:       fn,
		timeout:  timeout,
		maxSteps: se.maxSteps,
	}, nil
}

// Name returns the condition name.
func (c *StarlarkCondition) Name() string {
	return c.name
}

// Check runs the condition against a change event. It implements engine.ConditionFunc.
func (c *StarlarkCondition) Check(ctx context.Context, event engine.ChangeEvent) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	thread := newThread(c.name)
	thread.SetMaxExecutionSteps(c.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	result, err := starlark.Call(thread, c.fn, starlark.Tuple{eventValue(event)}, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("condition %s: %w", c.name, ctxErr)
		}
		return false, fmt.Errorf("condition %s: %w", c.name, err)
	}

	satisfied, ok := result.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("condition %s: must return bool, got %s", c.name, result.Type())
	}
	return bool(satisfied), nil
}

// newThread returns a thread whose print output goes to the debug log.
func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("condition", name).Msg(msg)
		},
	}
}

// eventValue exposes a change event as a frozen struct with id, repository,
// branch, sha and a metadata dict.
func eventValue(event engine.ChangeEvent) starlark.Value {
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	metadata := starlark.NewDict(len(keys))
	for _, k := range keys {
		_ = metadata.SetKey(starlark.String(k), starlark.String(event.Metadata[k]))
	}

	v := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":         starlark.String(event.ID),
		"repository": starlark.String(event.Repository),
		"branch":     starlark.String(event.Branch),
		"sha":        starlark.String(event.SHA),
		"metadata":   metadata,
	})
	v.Freeze()
	return v
}
