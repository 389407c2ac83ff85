package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type execResult struct {
	stdout string
	stderr string
	status uint32
}

type testServer struct {
	addr    string
	hostKey ssh.PublicKey
}

// startSSHServer runs an in-process SSH server that answers exec requests with handle.
func startSSHServer(t *testing.T, user, password string, handle func(command string) execResult) testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			nConn, err := l.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nConn, cfg, handle)
		}
	}()

	return testServer{addr: l.Addr().String(), hostKey: signer.PublicKey()}
}

func serveSSHConn(nConn net.Conn, cfg *ssh.ServerConfig, handle func(string) execResult) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		_ = nConn.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				res := handle(payload.Command)
				_, _ = io.WriteString(ch, res.stdout)
				_, _ = io.WriteString(ch.Stderr(), res.stderr)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
				return
			}
		}()
	}
}

func sshConfig(t *testing.T, addr, user, password string) SSHConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return SSHConfig{Host: host, Port: port, User: user, Password: password, DialTimeout: 5 * time.Second}
}

func TestSSHChannel_Run(t *testing.T) {
	srv := startSSHServer(t, "alice", "s3cret", func(command string) execResult {
		if strings.Contains(command, "DROP") {
			return execResult{stderr: "Error: Only SELECT queries are allowed\n", status: 1}
		}
		return execResult{stdout: "ran: " + command, stderr: "Executing query...\n"}
	})

	ch, err := Dial(context.Background(), sshConfig(t, srv.addr, "alice", "s3cret"))
	require.NoError(t, err)
	defer ch.Close()

	out, err := ch.Run(context.Background(), "queryrunner 'SELECT 1'")
	require.NoError(t, err)
	assert.Equal(t, "ran: queryrunner 'SELECT 1'", out.Stdout)
	assert.Equal(t, "Executing query...\n", out.Stderr)

	// A failing remote command is output, not a transport error.
	out, err = ch.Run(context.Background(), "queryrunner 'DROP TABLE application'")
	require.NoError(t, err)
	assert.Empty(t, out.Stdout)
	assert.Equal(t, "Error: Only SELECT queries are allowed\n", out.Stderr)

	// The channel is reused across commands.
	out, err = ch.Run(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, "ran: again", out.Stdout)

	require.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestSSHChannel_ClientEndToEnd(t *testing.T) {
	got := make(chan string, 1)
	srv := startSSHServer(t, "alice", "s3cret", func(command string) execResult {
		got <- command
		return execResult{stdout: "----\ncount\n----\n7\n----\n"}
	})

	ch, err := Dial(context.Background(), sshConfig(t, srv.addr, "alice", "s3cret"))
	require.NoError(t, err)
	c := NewClient(ch, Invocation{}, 0, nil)
	defer c.Close()

	assert.Equal(t, "----\ncount\n----\n7\n----\n", c.Query(context.Background(), "SELECT COUNT(*) FROM application"))
	assert.Equal(t, "DB_NAME=aas517 ~/nldbquery/queryrunner 'SELECT COUNT(*) FROM application'", <-got)
}

func TestDial_WrongPassword(t *testing.T) {
	srv := startSSHServer(t, "alice", "s3cret", func(string) execResult { return execResult{} })

	_, err := Dial(context.Background(), sshConfig(t, srv.addr, "alice", "wrong"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestDial_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Dial(context.Background(), sshConfig(t, addr, "alice", "s3cret"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestDial_KnownHosts(t *testing.T) {
	srv := startSSHServer(t, "alice", "s3cret", func(string) execResult { return execResult{stdout: "ok"} })
	dir := t.TempDir()

	good := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(good, []byte(knownhosts.Line([]string{srv.addr}, srv.hostKey)+"\n"), 0o600))

	cfg := sshConfig(t, srv.addr, "alice", "s3cret")
	cfg.KnownHosts = good
	ch, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(other.Public())
	require.NoError(t, err)
	bad := filepath.Join(dir, "known_hosts_bad")
	require.NoError(t, os.WriteFile(bad, []byte(knownhosts.Line([]string{srv.addr}, otherKey)+"\n"), 0o600))

	cfg.KnownHosts = bad
	_, err = Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestSSHChannel_RunHonoursContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv := startSSHServer(t, "alice", "s3cret", func(string) execResult {
		<-release
		return execResult{}
	})

	ch, err := Dial(context.Background(), sshConfig(t, srv.addr, "alice", "s3cret"))
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = ch.Run(ctx, "sleep")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
