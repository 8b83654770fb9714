// Package ssh runs goal commands on remote hosts over SSH and uploads the
// files they need over SFTP.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport is a connection to one host on which goal commands run.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Run executes cmd with env exported. A command that exits non-zero is
	// not an error; its status is in ExecResult.ExitCode.
	Run(ctx context.Context, cmd string, env map[string]string) (ExecResult, error)

	// WriteFile uploads data, creating parent directories.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	RemoveFile(ctx context.Context, remotePath string) error
}

// ExecResult is the outcome of one remote command. Output is trimmed.
type ExecResult struct {
	Stdout string
	Stderr string

	// ExitCode is -1 when the command did not exit on its own.
	ExitCode int

	StartedAt time.Time
	Duration  time.Duration
}

// Error reports a failure of the connection rather than of the command.
type Error struct {
	Op  string
	Err error

	// Retryable marks failures that may pass on another attempt, such as a
	// refused dial.
	Retryable bool

	// Auth marks rejected credentials.
	Auth bool
}

func (e *Error) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
