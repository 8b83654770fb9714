package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// defaultKeys are tried in order when Config.KeyPath is empty.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes how to reach and log in to one host.
type Config struct {
	Host string
	Port int
	User string

	// Password selects password authentication. Without it the private key
	// at KeyPath is used.
	Password string

	// KeyPath defaults to the first of ~/.ssh/id_ed25519, id_ecdsa and
	// id_rsa that exists.
	KeyPath       string
	KeyPassphrase string

	// KnownHosts is checked against the server key unless
	// InsecureIgnoreHostKey is set.
	KnownHosts            string
	InsecureIgnoreHostKey bool

	// DialTimeout bounds the TCP dial and the SSH handshake together.
	DialTimeout time.Duration

	// KeepAlive is the interval between keep-alive requests; zero disables
	// them. The keep-alive loop gives up after KeepAliveMisses failures in
	// a row.
	KeepAlive       time.Duration
	KeepAliveMisses int
}

// DefaultConfig returns key-authenticated settings for user@host:22 that
// check ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:            host,
		Port:            22,
		User:            user,
		KnownHosts:      filepath.Join(sshDir(), "known_hosts"),
		DialTimeout:     30 * time.Second,
		KeepAliveMisses: 3,
	}
}

func sshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".ssh")
}

// Address is host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the settings without touching the network.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.DialTimeout <= 0:
		return errors.New("dial timeout must be positive")
	case !c.InsecureIgnoreHostKey && c.KnownHosts == "":
		return errors.New("known_hosts file is required unless host keys are ignored")
	}

	if c.Password != "" {
		return nil
	}
	_, err := c.keyPath()
	return err
}

// keyPath returns the private key to authenticate with.
func (c *Config) keyPath() (string, error) {
	if c.KeyPath != "" {
		if _, err := os.Stat(c.KeyPath); err != nil {
			return "", fmt.Errorf("private key %s: %w", c.KeyPath, err)
		}
		return c.KeyPath, nil
	}
	dir := sshDir()
	for _, name := range defaultKeys {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no private key configured and none found in %s", dir)
}

// clientConfig builds the x/crypto client settings.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		hostKey, err = knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.DialTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.Password != "" {
		// Many servers only prompt for passwords through keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	path, err := c.keyPath()
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.KeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}
