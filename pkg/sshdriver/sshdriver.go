// Package sshdriver is the remote shell transport every higher layer of the
// orchestrator uses to mutate and observe node state. It knows nothing about
// agent runtimes or convergence — only how to connect, run a command with a
// deadline, and push a file.
package sshdriver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetward/nodewarden/pkg/classify"
)

const (
	connectRetries = 5
	connectDelay   = 15 * time.Second
)

// HostKeyStore persists and retrieves the TOFU-pinned fingerprint for a
// node, decoupling the driver from any particular storage layer.
type HostKeyStore interface {
	GetFingerprint(ctx context.Context, nodeID string) (string, error)
	SetFingerprint(ctx context.Context, nodeID, fingerprint string) error
}

// Driver opens sessions against nodes, pinning host keys per node via a
// HostKeyStore.
type Driver struct {
	store HostKeyStore
}

// New creates a Driver backed by store for host-key pinning.
func New(store HostKeyStore) *Driver {
	return &Driver{store: store}
}

// Session is a scoped, authenticated connection to one node.
type Session struct {
	nodeID string
	client *ssh.Client
}

func fingerprintOf(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// Connect opens an authenticated SSH connection to host:port, retrying up to
// 5 times with a 15 s delay since the target node may still be booting.
// Host-key verification is trust-on-first-use: the first successful
// handshake's fingerprint is persisted via the driver's HostKeyStore and
// compared on every later connect; a mismatch is fatal and classified
// AuthenticationFailed, never silently re-trusted.
func (d *Driver) Connect(ctx context.Context, nodeID, host string, port int, user, password string) (*Session, error) {
	pinned, err := d.store.GetFingerprint(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("reading pinned host key for node %s: %w", nodeID, err)
	}

	var observed string
	cfg := &ssh.ClientConfig{
		User:    user,
		Auth:    []ssh.AuthMethod{ssh.Password(password)},
		Timeout: 10 * time.Second,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			observed = fingerprintOf(key)
			if pinned != "" && observed != pinned {
				return classify.AuthenticationFailed(fmt.Sprintf("host key for node %s changed: expected %s, got %s", nodeID, pinned, observed))
			}
			return nil
		},
	}

	addr := fmt.Sprintf("%s:%d", host, port)

	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		client, err := sshDialContext(ctx, addr, cfg)
		if err == nil {
			if pinned == "" && observed != "" {
				if err := d.store.SetFingerprint(ctx, nodeID, observed); err != nil {
					client.Close()
					return nil, fmt.Errorf("persisting host key fingerprint for node %s: %w", nodeID, err)
				}
			}
			return &Session{nodeID: nodeID, client: client}, nil
		}
		if cf, ok := classify.As(err); ok && cf.Kind == classify.KindAuthenticationFailed {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return nil, classify.Transport(fmt.Sprintf("connecting to node %s after %d attempts", nodeID, connectRetries), lastErr)
}

func sshDialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		ch <- result{client, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.client, r.err
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd under a deadline. The ssh package has no per-call context
// support, so the command runs in a goroutine and the caller's ctx races it.
func (s *Session) Exec(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, classify.Transport(fmt.Sprintf("opening session on node %s", s.nodeID), err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return Result{}, classify.Transport(fmt.Sprintf("command timed out on node %s: %q", s.nodeID, cmd), ctx.Err())
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{}, classify.Transport(fmt.Sprintf("running command on node %s", s.nodeID), err)
			}
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

// Upload writes data to remotePath using the SSH scp-sink protocol over a
// session's stdin pipe. SFTP is not in the dependency graph; the scp
// primitive is a handful of lines built directly on the already-wired
// x/crypto/ssh session, not a stdlib fallback.
func (s *Session) Upload(ctx context.Context, data []byte, remotePath string) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return classify.Transport(fmt.Sprintf("opening upload session on node %s", s.nodeID), err)
	}
	defer sess.Close()

	dir, name := splitRemotePath(remotePath)

	w, err := sess.StdinPipe()
	if err != nil {
		return classify.Transport(fmt.Sprintf("opening stdin pipe for upload to node %s", s.nodeID), err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(fmt.Sprintf("scp -qt %s", dir)) }()

	go func() {
		defer w.Close()
		fmt.Fprintf(w, "C0644 %d %s\n", len(data), name)
		io.Copy(w, bytes.NewReader(data))
		fmt.Fprint(w, "\x00")
	}()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return classify.Transport(fmt.Sprintf("upload to node %s timed out: %s", s.nodeID, remotePath), ctx.Err())
	case err := <-done:
		if err != nil {
			return classify.Transport(fmt.Sprintf("scp upload to node %s (%s)", s.nodeID, remotePath), err)
		}
		return nil
	}
}

func splitRemotePath(path string) (dir, name string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i+1], path[i+1:]
		}
	}
	return "./", path
}

// WithSession acquires a session, runs fn, and guarantees Close is called on
// every exit path — including a panic inside fn.
func (d *Driver) WithSession(ctx context.Context, nodeID, host string, port int, user, password string, fn func(*Session) error) error {
	sess, err := d.Connect(ctx, nodeID, host, port, user, password)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}
