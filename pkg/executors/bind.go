package executors

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/transports/ssh"
)

// Registrar receives executor registrations. *engine.Engine implements it.
type Registrar interface {
	RegisterExecutor(goal string, executor engine.Executor) error
	RegisterSideEffect(goal string, opts engine.SideEffectOptions) error
}

// Options carries the shared resources used by bound executors.
type Options struct {
	Logger zerolog.Logger

	// Limiter is shared by every SSH executor. Nil allows one session per host.
	Limiter *HostLimiter

	// Runtime compiles WASM bindings. It is required only when a wasm
	// binding is present.
	Runtime *WASMRuntime

	// Instrument, when set, wraps every in-process executor before it is
	// registered.
	Instrument func(engine.Executor) engine.Executor
}

func (o Options) wrap(ex engine.Executor) engine.Executor {
	if o.Instrument == nil {
		return ex
	}
	return o.Instrument(ex)
}

// Bind builds an executor for every binding and registers it. It stops at
// the first binding that cannot be built or registered.
func Bind(ctx context.Context, reg Registrar, bindings []config.ExecutorBinding, opts Options) error {
	if opts.Limiter == nil {
		opts.Limiter = NewHostLimiter(1)
	}

	for _, b := range bindings {
		if err := bindOne(ctx, reg, b, opts); err != nil {
			return fmt.Errorf("goal %s: %w", b.Goal, err)
		}
		opts.Logger.Debug().Str("goal", b.Goal).Str("kind", b.Kind).Msg("Bound executor")
	}
	return nil
}

func bindOne(ctx context.Context, reg Registrar, b config.ExecutorBinding, opts Options) error {
	switch b.Kind {
	case config.ExecutorSSH:
		exec, err := sshExecutorFor(b, opts)
		if err != nil {
			return err
		}
		return reg.RegisterExecutor(b.Goal, opts.wrap(exec))

	case config.ExecutorWASM:
		if opts.Runtime == nil {
			return fmt.Errorf("wasm binding needs a WASM runtime")
		}
		module, err := os.ReadFile(b.Module)
		if err != nil {
			return fmt.Errorf("read module: %w", err)
		}
		exec, err := opts.Runtime.Executor(ctx, module, WASMConfig{
			Name:    b.Goal,
			Args:    b.Args,
			Env:     b.Env,
			Timeout: b.Timeout.Std(),
		})
		if err != nil {
			return err
		}
		return reg.RegisterExecutor(b.Goal, opts.wrap(exec))

	case config.ExecutorSideEffect:
		logger := opts.Logger.With().Str("component", "side-effect").Str("goal", b.Goal).Logger()
		return reg.RegisterSideEffect(b.Goal, engine.SideEffectOptions{
			Timeout: b.Timeout.Std(),
			OnStart: func(_ context.Context, inv engine.Invocation) {
				logger.Info().
					Str("change_event_id", inv.ChangeEvent.ID).
					Str("fulfillment_id", inv.FulfillmentID).
					Msg("Awaiting external completion")
			},
			OnStop: func(_ context.Context, inv engine.Invocation) {
				logger.Info().
					Str("change_event_id", inv.ChangeEvent.ID).
					Str("fulfillment_id", inv.FulfillmentID).
					Msg("Stopped waiting for external completion")
			},
		})

	default:
		return fmt.Errorf("unknown executor kind %q", b.Kind)
	}
}

func sshExecutorFor(b config.ExecutorBinding, opts Options) (*SSHExecutor, error) {
	user := b.User
	if user == "" {
		user = os.Getenv("USER")
	}

	tc := ssh.DefaultConfig(b.Host, user)
	if b.Port != 0 {
		tc.Port = b.Port
	}
	tc.KeyPath = b.KeyPath
	if b.KnownHosts != "" {
		tc.KnownHosts = b.KnownHosts
	}
	tc.InsecureIgnoreHostKey = b.InsecureHostKey

	script, err := readScript(b.Script)
	if err != nil {
		return nil, err
	}

	return NewSSHExecutor(SSHConfig{
		Transport: tc,
		Command:   b.Command,
		Script:    script,
		Env:       b.Env,
		Timeout:   b.Timeout.Std(),
	}, opts.Limiter, opts.Logger)
}
