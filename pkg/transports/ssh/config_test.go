package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeKey writes a fresh ed25519 key, encrypted when passphrase is set.
func writeKey(t *testing.T, dir, name, passphrase string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "")
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return p
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HOME", "/home/deploy")

	c := DefaultConfig("build-01.internal", "deploy")
	if c.Port != 22 {
		t.Errorf("port = %d, want 22", c.Port)
	}
	if c.KnownHosts != "/home/deploy/.ssh/known_hosts" {
		t.Errorf("known hosts = %q", c.KnownHosts)
	}
	if c.DialTimeout != 30*time.Second {
		t.Errorf("dial timeout = %v", c.DialTimeout)
	}
	if c.InsecureIgnoreHostKey {
		t.Error("host keys must be checked by default")
	}
	if got := c.Address(); got != "build-01.internal:22" {
		t.Errorf("address = %q", got)
	}

	c.Host = "::1"
	c.Port = 2222
	if got := c.Address(); got != "[::1]:2222" {
		t.Errorf("address = %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	key := writeKey(t, t.TempDir(), "deploy_key", "")

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "password", modify: func(c *Config) { c.Password = "secret" }},
		{name: "explicit key", modify: func(c *Config) { c.KeyPath = key }},
		{name: "missing host", modify: func(c *Config) { c.Password = "x"; c.Host = "" }, wantErr: "host is required"},
		{name: "missing user", modify: func(c *Config) { c.Password = "x"; c.User = "" }, wantErr: "user is required"},
		{name: "port zero", modify: func(c *Config) { c.Password = "x"; c.Port = 0 }, wantErr: "invalid port"},
		{name: "port too large", modify: func(c *Config) { c.Password = "x"; c.Port = 70000 }, wantErr: "invalid port"},
		{name: "no dial timeout", modify: func(c *Config) { c.Password = "x"; c.DialTimeout = 0 }, wantErr: "dial timeout"},
		{
			name:    "no known hosts",
			modify:  func(c *Config) { c.Password = "x"; c.KnownHosts = "" },
			wantErr: "known_hosts",
		},
		{
			name:   "no known hosts but ignored",
			modify: func(c *Config) { c.Password = "x"; c.KnownHosts = ""; c.InsecureIgnoreHostKey = true },
		},
		{
			name:    "missing key file",
			modify:  func(c *Config) { c.KeyPath = filepath.Join(home, "nope") },
			wantErr: "private key",
		},
		{name: "no key anywhere", modify: func(c *Config) {}, wantErr: "no private key configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("build-01.internal", "deploy")
			tt.modify(c)

			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigKeyDiscovery(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	rsa := writeKey(t, dir, "id_rsa", "")

	c := DefaultConfig("build-01.internal", "deploy")
	got, err := c.keyPath()
	if err != nil || got != rsa {
		t.Fatalf("keyPath = %q, %v; want %q", got, err, rsa)
	}

	ed := writeKey(t, dir, "id_ed25519", "")
	if got, _ := c.keyPath(); got != ed {
		t.Errorf("keyPath = %q, want %q to take precedence", got, ed)
	}
	if c.KeyPath != "" {
		t.Error("discovery must not modify the config")
	}
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("password offers keyboard-interactive", func(t *testing.T) {
		c := DefaultConfig("build-01.internal", "deploy")
		c.Password = "secret"
		c.InsecureIgnoreHostKey = true

		cc, err := c.clientConfig()
		if err != nil {
			t.Fatal(err)
		}
		if cc.User != "deploy" || len(cc.Auth) != 2 {
			t.Errorf("user %q with %d auth methods", cc.User, len(cc.Auth))
		}
		if cc.Timeout != c.DialTimeout {
			t.Errorf("timeout = %v", cc.Timeout)
		}
	})

	t.Run("encrypted key", func(t *testing.T) {
		c := DefaultConfig("build-01.internal", "deploy")
		c.KeyPath = writeKey(t, dir, "encrypted", "hunter2")
		c.InsecureIgnoreHostKey = true

		if _, err := c.clientConfig(); err == nil {
			t.Fatal("expected error without passphrase")
		}
		c.KeyPassphrase = "hunter2"
		cc, err := c.clientConfig()
		if err != nil {
			t.Fatal(err)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("%d auth methods, want 1", len(cc.Auth))
		}
	})

	t.Run("known hosts", func(t *testing.T) {
		c := DefaultConfig("build-01.internal", "deploy")
		c.Password = "secret"
		c.KnownHosts = filepath.Join(dir, "missing_known_hosts")

		if _, err := c.clientConfig(); err == nil || !strings.Contains(err.Error(), "known_hosts") {
			t.Fatalf("expected known_hosts error, got %v", err)
		}

		if err := os.WriteFile(c.KnownHosts, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		cc, err := c.clientConfig()
		if err != nil {
			t.Fatal(err)
		}
		if cc.HostKeyCallback == nil {
			t.Error("expected a host key callback")
		}
	})
}
