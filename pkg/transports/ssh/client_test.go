package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with an in-memory SFTP subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
	files    sftp.Handlers

	mu       sync.Mutex
	commands []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		files:    sftp.InMemHandler(),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

			body := command
			if i := strings.LastIndex(command, "; "); i >= 0 {
				body = command[i+2:]
			}

			switch {
			case body == "true":
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case body == "echo test":
				_, _ = channel.Write([]byte("test\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case body == "echo error >&2":
				_, _ = channel.Stderr().Write([]byte("error\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case strings.HasPrefix(body, "exit "):
				var code uint32
				_, _ = fmt.Sscanf(body, "exit %d", &code)
				_, _ = channel.Stderr().Write([]byte("failed\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(code))
			case body == "sleep":
				// Held until the client closes the session.
				for r := range requests {
					if r.WantReply {
						_ = r.Reply(false, nil)
					}
				}
				return
			default:
				_, _ = channel.Write([]byte("command: " + body + "\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			}
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server := sftp.NewRequestServer(channel, s.files)
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

func (s *testSSHServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func passwordConfig(addr, password string) *Config {
	host, port := parseAddress(addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.Password = password
	config.InsecureIgnoreHostKey = true
	config.DialTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	client, err := NewClient(passwordConfig(server.addr, "testpass"))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	// Connecting again reuses the connection.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("second connect failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect should be a no-op: %v", err)
	}
}

func TestClientConnect_BadPassword(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewClient(passwordConfig(server.addr, "wrong"))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	var sshErr *Error
	if !errors.As(err, &sshErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !sshErr.Auth || sshErr.Op != "connect" {
		t.Errorf("expected connect auth error, got %+v", sshErr)
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.KeyPath = keyPath
	config.InsecureIgnoreHostKey = true

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name       string
		command    string
		wantStdout string
		wantStderr string
		wantExit   int
	}{
		{name: "simple echo", command: "echo test", wantStdout: "test"},
		{name: "stderr output", command: "echo error >&2", wantStderr: "error"},
		{name: "non-zero exit", command: "exit 3", wantStderr: "failed", wantExit: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command, nil)
			if err != nil {
				t.Fatalf("command failed: %v", err)
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.wantStdout, result.Stdout)
			}
			if result.Stderr != tt.wantStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.wantStderr, result.Stderr)
			}
			if result.ExitCode != tt.wantExit {
				t.Errorf("expected exit code %d, got %d", tt.wantExit, result.ExitCode)
			}
		})
	}
}

func TestClientRun_Env(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	_, err := client.Run(context.Background(), "true", map[string]string{
		"GOAL":   "build",
		"BRANCH": "it's-main",
	})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}

	want := `export BRANCH='it'\''s-main'; export GOAL='build'; true`
	if got := server.lastCommand(); got != want {
		t.Errorf("expected command %q, got %q", want, got)
	}

	if _, err := client.Run(context.Background(), "true", map[string]string{"BAD-NAME": "x"}); err == nil {
		t.Error("expected error for invalid variable name")
	}
}

func TestClientRun_Canceled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep", nil)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation took too long")
	}
}

func TestClientRun_NotConnected(t *testing.T) {
	client, err := NewClient(passwordConfig("127.0.0.1:22", "testpass"))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	_, err = client.Run(context.Background(), "true", nil)
	var sshErr *Error
	if !errors.As(err, &sshErr) || sshErr.Op != "execute" {
		t.Errorf("expected execute error when not connected, got %v", err)
	}
}

func TestClientWriteAndRemoveFile(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	if err := client.WriteFile(ctx, "/tmp/goalflow/run.sh", []byte("echo hi\n"), 0o700); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sshClient, err := client.getClient("verify")
	if err != nil {
		t.Fatalf("getClient failed: %v", err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		t.Fatalf("sftp client failed: %v", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open("/tmp/goalflow/run.sh")
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	_ = f.Close()
	if string(buf[:n]) != "echo hi\n" {
		t.Errorf("unexpected file content %q", string(buf[:n]))
	}

	if err := client.RemoveFile(ctx, "/tmp/goalflow/run.sh"); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if _, err := sftpClient.Stat("/tmp/goalflow/run.sh"); err == nil {
		t.Error("expected file to be removed")
	}
}
