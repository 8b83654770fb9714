package executors

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/goalflow/pkg/engine"
)

// WASMRuntimeConfig configures the shared WASM runtime.
type WASMRuntimeConfig struct {
	// MemoryLimitPages is the maximum memory per module in 64KB pages.
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// WASMRuntime compiles and runs WASI command modules. One runtime serves
// every WASM executor of a process.
type WASMRuntime struct {
	runtime wazero.Runtime
	logger  zerolog.Logger
}

// NewWASMRuntime creates a runtime with WASI preview1 available to modules.
func NewWASMRuntime(ctx context.Context, cfg WASMRuntimeConfig, logger zerolog.Logger) (*WASMRuntime, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &WASMRuntime{
		runtime: runtime,
		logger:  logger.With().Str("component", "wasm-executor").Logger(),
	}, nil
}

// Close releases the runtime and every module compiled by it.
func (r *WASMRuntime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// WASMConfig describes a goal fulfilled by a WASI command module.
type WASMConfig struct {
	// Name labels the module in logs and becomes argv[0].
	Name string

	// Args follow argv[0].
	Args []string

	// Env holds extra variables. GOALFLOW_* variables are always set.
	Env map[string]string

	// Timeout bounds one execution. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// WASMExecutor runs a compiled module once per invocation.
type WASMExecutor struct {
	runtime  *WASMRuntime
	compiled wazero.CompiledModule
	cfg      WASMConfig
}

var _ engine.Executor = (*WASMExecutor)(nil)

// Executor compiles a module for repeated execution.
func (r *WASMRuntime) Executor(ctx context.Context, wasm []byte, cfg WASMConfig) (*WASMExecutor, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile WASM module %s: %w", cfg.Name, err)
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("WASM module %s does not export _start", cfg.Name)
	}

	return &WASMExecutor{runtime: r, compiled: compiled, cfg: cfg}, nil
}

// Execute implements engine.Executor. The module's _start runs with the
// invocation in its environment. Exit code 0 succeeds with stdout as
// diagnostics; any other exit fails with stderr. A trap is returned as an
// error, as is expiry of ctx.
func (e *WASMExecutor) Execute(ctx context.Context, inv engine.Invocation) (engine.Outcome, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{e.cfg.Name}, e.cfg.Args...)...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	env := mergeEnv(e.cfg.Env, inv)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		modCfg = modCfg.WithEnv(k, env[k])
	}

	log := e.runtime.logger.With().
		Str("module", e.cfg.Name).
		Str("change_event_id", inv.ChangeEvent.ID).
		Str("goal", inv.Goal.Name).
		Logger()

	start := time.Now()
	mod, err := e.runtime.runtime.InstantiateModule(ctx, e.compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}

	exitCode := 0
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.Outcome{}, ctxErr
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return engine.Outcome{}, fmt.Errorf("module %s: %w", e.cfg.Name, err)
		}
		exitCode = int(exitErr.ExitCode())
	}

	log.Info().
		Int("exit_code", exitCode).
		Dur("duration", time.Since(start)).
		Msg("Goal module finished")

	return outcome(exitCode, stdout.String(), stderr.String()), nil
}

// Close releases the compiled module.
func (e *WASMExecutor) Close(ctx context.Context) error {
	return e.compiled.Close(ctx)
}
