// Package remote provides SSH-based remote execution and the direct
// deployment strategy built on it.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// =============================================================================
// Executor Interface
// =============================================================================

// Executor runs commands and transfers files on a single remote host. Every
// call is bounded by the context or the executor's command timeout, whichever
// fires first.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
	Upload(ctx context.Context, content io.Reader, remotePath string) error
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc creates an Executor for a task's remote target. Injected into the
// direct strategy so tests can substitute a fake.
type DialFunc func(cfg *domain.RemoteConfig) (Executor, error)

// =============================================================================
// SSH Executor
// =============================================================================

// SSHExecutor implements Executor over an SSH connection. The connection is
// established lazily and re-established when a keepalive fails.
type SSHExecutor struct {
	host           string
	port           int
	user           string
	signer         ssh.Signer
	client         *ssh.Client
	commandTimeout time.Duration
	connectTimeout time.Duration
	mu             sync.Mutex // Protects client
}

// ExecutorConfig tunes SSH executor timeouts.
type ExecutorConfig struct {
	CommandTimeout time.Duration // Default: 60 seconds
	ConnectTimeout time.Duration // Default: 10 seconds
}

// NewSSHExecutor creates an executor for the given remote target.
func NewSSHExecutor(cfg *domain.RemoteConfig, opts ExecutorConfig) (*SSHExecutor, error) {
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	return &SSHExecutor{
		host:           cfg.Host,
		port:           port,
		user:           cfg.User,
		signer:         signer,
		commandTimeout: opts.CommandTimeout,
		connectTimeout: opts.ConnectTimeout,
	}, nil
}

// DialSSH is the production DialFunc.
func DialSSH(cfg *domain.RemoteConfig) (Executor, error) {
	return NewSSHExecutor(cfg, ExecutorConfig{})
}

// connect establishes the SSH connection if not already connected.
func (e *SSHExecutor) connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		_, _, err := e.client.SendRequest("keepalive@deployd", true, nil)
		if err == nil {
			return nil
		}
		e.client.Close()
		e.client = nil
	}

	config := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.connectTimeout,
	}

	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("SSH dial %s: %w", addr, err)
	}

	e.client = client
	return nil
}

// session creates a new SSH session on the shared connection.
func (e *SSHExecutor) session() (*ssh.Session, error) {
	if err := e.connect(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.NewSession()
}

// Run executes a command and returns its stdout.
func (e *SSHExecutor) Run(ctx context.Context, command string) (string, error) {
	session, err := e.session()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(e.commandTimeout):
		return "", fmt.Errorf("command timeout after %v: %s", e.commandTimeout, command)
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("remote command failed: %w, stderr: %s", err, stderr.String())
		}
		return stdout.String(), nil
	}
}

// Upload streams content to remotePath via stdin, creating parent directories.
func (e *SSHExecutor) Upload(ctx context.Context, content io.Reader, remotePath string) error {
	session, err := e.session()
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdin = content
	cmd := fmt.Sprintf("mkdir -p $(dirname %q) && cat > %q", remotePath, remotePath)

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.commandTimeout):
		return fmt.Errorf("upload timeout after %v: %s", e.commandTimeout, remotePath)
	case err := <-done:
		if err != nil {
			return fmt.Errorf("upload %s: %w", remotePath, err)
		}
		return nil
	}
}

// Ping verifies the host accepts commands.
func (e *SSHExecutor) Ping(ctx context.Context) error {
	_, err := e.Run(ctx, "true")
	return err
}

// Close closes the SSH connection.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}
