package executors

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// Hand-assembled WASI command modules, one section per line.
const (
	wasmHeader = "0061736d01000000"

	// _start returns immediately.
	wasmEmptyStart = wasmHeader +
		"010401600000" +
		"03020100" +
		"070a01065f737461727400" + "00" +
		"0a040102000b"

	// _start hits unreachable.
	wasmTrap = wasmHeader +
		"010401600000" +
		"03020100" +
		"070a01065f737461727400" + "00" +
		"0a05010300000b"

	// _start calls proc_exit(3).
	wasmExit3 = wasmHeader +
		"01080260000060017f00" +
		"0224011677617369" + "5f736e617073686f745f70726576696577310970726f635f657869740001" +
		"03020100" +
		"070a01065f73746172740001" +
		"0a08010600410310000b"

	// _start writes "hello\n" to stdout.
	wasmHello = wasmHeader +
		"010c0260000060047f7f7f7f017f" +
		"0223011677617369" + "5f736e617073686f745f70726576696577310866645f77726974650001" +
		"03020100" +
		"0503010001" +
		"071302065f73746172740001066d656d6f72790200" +
		"0a0f010d00410141004101411410001a0b" +
		"0b14010041000b0e080000000600000068656c6c6f0a"

	// _start loops forever.
	wasmLoop = wasmHeader +
		"010401600000" +
		"03020100" +
		"070a01065f737461727400" + "00" +
		"0a0901070003400c000b0b"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func newTestRuntime(t *testing.T) *WASMRuntime {
	t.Helper()
	ctx := context.Background()
	rt, err := NewWASMRuntime(ctx, WASMRuntimeConfig{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func TestWASMExecutor_Execute(t *testing.T) {
	tests := []struct {
		name        string
		module      string
		wantResult  engine.ExecutionResult
		wantDiagnos string
	}{
		{
			name:       "clean return succeeds",
			module:     wasmEmptyStart,
			wantResult: engine.ResultSuccess,
		},
		{
			name:        "stdout becomes diagnostics",
			module:      wasmHello,
			wantResult:  engine.ResultSuccess,
			wantDiagnos: "hello\n",
		},
		{
			name:        "non-zero exit fails",
			module:      wasmExit3,
			wantResult:  engine.ResultFailure,
			wantDiagnos: "exit code 3",
		},
	}

	rt := newTestRuntime(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := rt.Executor(context.Background(), mustHex(t, tt.module), WASMConfig{Name: "build"})
			require.NoError(t, err)

			// Each invocation instantiates a fresh module.
			for i := 0; i < 2; i++ {
				out, err := exec.Execute(context.Background(), testInvocation())
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, out.Result)
				assert.Equal(t, tt.wantDiagnos, out.Diagnostics)
			}
		})
	}
}

func TestWASMExecutor_Trap(t *testing.T) {
	rt := newTestRuntime(t)
	exec, err := rt.Executor(context.Background(), mustHex(t, wasmTrap), WASMConfig{Name: "trap"})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), testInvocation())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "module trap"), err.Error())
}

func TestWASMExecutor_Timeout(t *testing.T) {
	rt := newTestRuntime(t)
	exec, err := rt.Executor(context.Background(), mustHex(t, wasmLoop), WASMConfig{
		Name:    "loop",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = exec.Execute(context.Background(), testInvocation())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWASMRuntime_Executor_Errors(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Executor(context.Background(), []byte("not wasm"), WASMConfig{Name: "junk"})
	assert.ErrorContains(t, err, "failed to compile WASM module junk")

	_, err = rt.Executor(context.Background(), mustHex(t, wasmHeader), WASMConfig{Name: "empty"})
	assert.ErrorContains(t, err, "does not export _start")
}
