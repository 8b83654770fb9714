package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/goalflow/pkg/engine"
)

func TestStarlarkCondition_Check(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	cond, err := evaluator.Compile("mainOrForced", `
PROTECTED = ["main", "master"]

def condition(event):
    if event.metadata.get("force") == "true":
        return True
    return event.branch in PROTECTED and len(event.sha) == 7
`)
	require.NoError(t, err)
	assert.Equal(t, "mainOrForced", cond.Name())

	tests := []struct {
		name  string
		event engine.ChangeEvent
		want  bool
	}{
		{name: "main branch", event: engine.ChangeEvent{ID: "1", Branch: "main", SHA: "abc1234"}, want: true},
		{name: "feature branch", event: engine.ChangeEvent{ID: "2", Branch: "feature/x", SHA: "abc1234"}, want: false},
		{name: "forced", event: engine.ChangeEvent{ID: "3", Branch: "feature/x", Metadata: map[string]string{"force": "true"}}, want: true},
		{name: "short sha", event: engine.ChangeEvent{ID: "4", Branch: "main", SHA: "abc"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cond.Check(context.Background(), tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarlarkCondition_Concurrent(t *testing.T) {
	cond, err := NewStarlarkEvaluator(0).Compile("idIsEven", `
def condition(event):
    return int(event.id) % 2 == 0
`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := cond.Check(context.Background(), engine.ChangeEvent{ID: string(rune('0' + i%10))})
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.Equal(t, (i%10)%2 == 0, ok, "event %d", i)
	}
}

func TestStarlarkEvaluator_CompileErrors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)

	tests := []struct {
		name   string
		script string
	}{
		{name: "syntax error", script: "def condition(event)\n    return True\n"},
		{name: "no entry point", script: "ready = True\n"},
		{name: "entry point not callable", script: "condition = True\n"},
		{name: "wrong arity", script: "def condition(event, extra):\n    return True\n"},
		{name: "runtime error at load", script: "x = 1 // 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.Compile("bad", tt.script)
			require.Error(t, err)
			assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
		})
	}
}

func TestStarlarkCondition_CheckErrors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)

	notBool, err := evaluator.Compile("notBool", "def condition(event):\n    return \"yes\"\n")
	require.NoError(t, err)
	_, err = notBool.Check(context.Background(), engine.ChangeEvent{ID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return bool")

	failing, err := evaluator.Compile("failing", "def condition(event):\n    return event.missing\n")
	require.NoError(t, err)
	_, err = failing.Check(context.Background(), engine.ChangeEvent{ID: "1"})
	assert.Error(t, err)

	frozen, err := evaluator.Compile("mutates", "def condition(event):\n    event.metadata[\"x\"] = \"y\"\n    return True\n")
	require.NoError(t, err)
	_, err = frozen.Check(context.Background(), engine.ChangeEvent{ID: "1"})
	assert.Error(t, err, "event values are frozen")
}

func TestStarlarkCondition_Cancellation(t *testing.T) {
	slow, err := NewStarlarkEvaluator(20*time.Millisecond).Compile("slow", `
def condition(event):
    total = 0
    for i in range(100000000):
        total += i
    return total > 0
`)
	require.NoError(t, err)

	start := time.Now()
	_, err = slow.Check(context.Background(), engine.ChangeEvent{ID: "1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slow.Check(ctx, engine.ChangeEvent{ID: "1"})
	assert.ErrorIs(t, err, context.Canceled)
}
