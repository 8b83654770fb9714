package executors

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/transports/ssh"
)

// RemoteScriptDir is where uploaded goal scripts are placed on the host.
const RemoteScriptDir = "/tmp/goalflow"

// SSHConfig describes a goal fulfilled by a remote command.
type SSHConfig struct {
	// Transport is the SSH connection configuration of the host.
	Transport *ssh.Config

	// Command runs on the host. It sees GOALFLOW_* variables, the configured
	// Env and GOALFLOW_SCRIPT when a script is uploaded.
	Command string

	// Script is uploaded before Command runs and removed afterwards.
	Script []byte

	// Env holds extra variables for Command.
	Env map[string]string

	// Timeout bounds one execution. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// SSHExecutor runs a goal's command on a remote host.
type SSHExecutor struct {
	cfg     SSHConfig
	limiter *HostLimiter
	dial    func(cfg *ssh.Config) (ssh.Transport, error)
	logger  zerolog.Logger
}

var _ engine.Executor = (*SSHExecutor)(nil)

// NewSSHExecutor creates an SSH executor. A nil limiter allows one session per host.
func NewSSHExecutor(cfg SSHConfig, limiter *HostLimiter, logger zerolog.Logger) (*SSHExecutor, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("ssh executor: transport config is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("ssh executor: command is required")
	}
	if err := cfg.Transport.Validate(); err != nil {
		return nil, fmt.Errorf("ssh executor: %w", err)
	}
	if limiter == nil {
		limiter = NewHostLimiter(1)
	}

	return &SSHExecutor{
		cfg:     cfg,
		limiter: limiter,
		dial: func(c *ssh.Config) (ssh.Transport, error) {
			return ssh.NewClient(c)
		},
		logger: logger.With().Str("component", "ssh-executor").Str("host", cfg.Transport.Address()).Logger(),
	}, nil
}

// Execute implements engine.Executor. Transport failures are returned as
// errors; a command that runs is judged by its exit code.
func (e *SSHExecutor) Execute(ctx context.Context, inv engine.Invocation) (engine.Outcome, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	log := e.logger.With().
		Str("change_event_id", inv.ChangeEvent.ID).
		Str("goal", inv.Goal.Name).
		Int("attempt", inv.Attempt).
		Logger()

	release, err := e.limiter.Acquire(ctx, e.cfg.Transport.Address())
	if err != nil {
		return engine.Outcome{}, err
	}
	defer release()

	transport, err := e.dial(e.cfg.Transport)
	if err != nil {
		return engine.Outcome{}, err
	}
	if err := transport.Connect(ctx); err != nil {
		return engine.Outcome{}, fmt.Errorf("connect %s: %w", e.cfg.Transport.Address(), err)
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Failed to close SSH connection")
		}
	}()

	env := mergeEnv(e.cfg.Env, inv)

	if len(e.cfg.Script) > 0 {
		remote := path.Join(RemoteScriptDir, inv.FulfillmentID+".sh")
		if err := transport.WriteFile(ctx, remote, e.cfg.Script, 0o700); err != nil {
			return engine.Outcome{}, fmt.Errorf("upload script: %w", err)
		}
		defer func() {
			// ctx may be done by now; cleanup gets its own budget.
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := transport.RemoveFile(cctx, remote); err != nil {
				log.Warn().Err(err).Str("script", remote).Msg("Failed to remove uploaded script")
			}
		}()
		env["GOALFLOW_SCRIPT"] = remote
	}

	log.Debug().Str("command", e.cfg.Command).Msg("Running goal command")

	result, err := transport.Run(ctx, e.cfg.Command, env)
	if err != nil {
		return engine.Outcome{}, err
	}

	log.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Goal command finished")

	return outcome(result.ExitCode, result.Stdout, result.Stderr), nil
}

// readScript loads a local script for upload. An empty path yields no script.
func readScript(file string) ([]byte, error) {
	if file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return data, nil
}
