// Package remote runs generated SQL on the database host through an SSH session.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrAuth reports that the SSH server rejected the supplied credentials.
var ErrAuth = errors.New("authentication failed")

// DefaultDialTimeout bounds connecting and the SSH handshake.
const DefaultDialTimeout = 10 * time.Second

// Output is the decoded output of one remote command.
type Output struct {
	Stdout string
	Stderr string
}

// Channel executes shell commands on the remote host. A non-zero exit status of
// the command is not an error; only transport failures are.
type Channel interface {
	Run(ctx context.Context, command string) (Output, error)
	Close() error
}

// SSHConfig holds the connection settings for the remote host.
type SSHConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	KnownHosts  string // known_hosts file; empty accepts any host key
	DialTimeout time.Duration
}

// Addr returns host:port, defaulting the port to 22.
func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHChannel is a Channel backed by one long-lived SSH connection. Each Run opens
// a fresh session on it.
type SSHChannel struct {
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error
}

// Dial connects and authenticates with password (or keyboard-interactive answered
// with the same password). Rejected credentials are reported as ErrAuth.
func Dial(ctx context.Context, cfg SSHConfig) (*SSHChannel, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	password := cfg.Password
	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn has no timeout of its own.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &SSHChannel{client: ssh.NewClient(c, chans, reqs)}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Run executes command in a new session and collects its output. Cancelling ctx
// closes the session.
func (c *SSHChannel) Run(ctx context.Context, command string) (Output, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missingErr) {
			return out, fmt.Errorf("run command: %w", err)
		}
		return out, nil
	case <-ctx.Done():
		_ = sess.Close()
		return Output{}, fmt.Errorf("run command: %w", ctx.Err())
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *SSHChannel) Close() error {
	c.closeOnce.Do(func() {
		err := c.client.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
