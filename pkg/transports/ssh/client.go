package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config

	connMu sync.RWMutex
	client *ssh.Client
	stop   chan struct{}
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes an SSH connection to the remote host. It is a no-op
// when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &Error{Op: "connect", Err: err, Auth: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &Error{Op: "connect", Err: err, Retryable: true}
	}

	// The handshake ignores ctx, so bound it with a deadline.
	deadline := time.Now().Add(c.config.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return &Error{Op: "connect", Err: err, Retryable: true, Auth: isAuthFailure(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.stop = make(chan struct{})

	if c.config.KeepAlive > 0 {
		go c.keepAlive(c.client, c.stop)
	}

	log.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Disconnect closes the SSH connection and releases all resources.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	close(c.stop)
	err := c.client.Close()
	c.client = nil

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &Error{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

func (c *Client) getClient(op string) (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, &Error{Op: op, Err: errors.New("not connected")}
	}
	return c.client, nil
}

// Run executes cmd in a new session. Environment variables are exported by
// the remote shell because most servers refuse session setenv requests.
// Canceling ctx signals the remote process and returns ctx.Err().
func (c *Client) Run(ctx context.Context, cmd string, env map[string]string) (ExecResult, error) {
	result := ExecResult{StartedAt: time.Now()}

	finalCmd, err := withEnv(cmd, env)
	if err != nil {
		return result, &Error{Op: "execute", Err: err}
	}

	sshClient, err := c.getClient("execute")
	if err != nil {
		return result, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return result, &Error{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), Retryable: true}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	log.Debug().Str("command", cmd).Int("env", len(env)).Msg("executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-done:
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	result.ExitCode = -1
	return result, &Error{Op: "execute", Err: execErr, Retryable: true}
}

// withEnv prefixes cmd with shell exports in key order.
func withEnv(cmd string, env map[string]string) (string, error) {
	if len(env) == 0 {
		return cmd, nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		if !envName.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}
	b.WriteString(cmd)
	return b.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteFile writes data to a remote file via SFTP.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sftpClient, err := c.sftpClient("upload")
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &Error{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &Error{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), Retryable: true}
	}

	n, err := io.Copy(remoteFile, bytes.NewReader(data))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return &Error{Op: "upload", Err: fmt.Errorf("failed to write remote file: %w", err), Retryable: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return nil
}

// RemoveFile deletes a remote file via SFTP.
func (c *Client) RemoveFile(ctx context.Context, remotePath string) error {
	sftpClient, err := c.sftpClient("remove")
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sftpClient.Remove(remotePath); err != nil {
		return &Error{Op: "remove", Err: err}
	}
	return nil
}

func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	sshClient, err := c.getClient(op)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &Error{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), Retryable: true}
	}
	return sftpClient, nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or too
// many requests fail in a row.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.KeepAliveMisses {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}
