package remote

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Remote invocation defaults.
const (
	DefaultScript       = "~/nldbquery/queryrunner"
	DefaultDBName       = "aas517"
	DefaultQueryTimeout = 30 * time.Second
	NoOutput            = "No output received"
)

// Invocation describes how the query runner is started on the remote host.
type Invocation struct {
	Script string            // command that runs the query runner; not quoted so ~ expands
	DBName string            // exported as DB_NAME
	Env    map[string]string // extra environment assignments
}

// BuildCommand renders the shell command line running sql on the remote host:
//
//	DB_NAME=<db> [KEY=value ...] <script> '<sql>'
func BuildCommand(inv Invocation, sql string) string {
	script := inv.Script
	if script == "" {
		script = DefaultScript
	}
	dbName := inv.DBName
	if dbName == "" {
		dbName = DefaultDBName
	}

	var b strings.Builder
	b.WriteString("DB_NAME=")
	b.WriteString(shellWord(dbName))

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		if k != "DB_NAME" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellWord(inv.Env[k]))
	}

	b.WriteByte(' ')
	b.WriteString(script)
	b.WriteByte(' ')
	b.WriteString(ShellQuote(sql))
	return b.String()
}

// ShellQuote wraps s in single quotes for a POSIX shell. Each embedded ' becomes '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellWord leaves plain words bare and quotes everything else.
func shellWord(s string) string {
	if s == "" {
		return "''"
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-.,/:@%+", r):
		default:
			return ShellQuote(s)
		}
	}
	return s
}

// FormatOutput picks the text shown to the user: stdout when present, otherwise
// stderr under an "Error:" heading, otherwise NoOutput.
func FormatOutput(out Output) string {
	switch {
	case out.Stdout != "":
		return out.Stdout
	case out.Stderr != "":
		return "Error:\n" + out.Stderr
	default:
		return NoOutput
	}
}

// Client sends generated SQL to the remote query runner over a Channel.
type Client struct {
	ch      Channel
	inv     Invocation
	timeout time.Duration
	log     *slog.Logger
}

// NewClient creates a client. A zero timeout means DefaultQueryTimeout.
func NewClient(ch Channel, inv Invocation, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{ch: ch, inv: inv, timeout: timeout, log: log}
}

// Query runs sql remotely and returns the text to display. Transport failures come
// back as "SSH Error: ..." text rather than an error.
func (c *Client) Query(ctx context.Context, sql string) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	command := BuildCommand(c.inv, sql)
	c.log.Debug("running remote command", "command", command)

	start := time.Now()
	out, err := c.ch.Run(ctx, command)
	if err != nil {
		c.log.Warn("remote command failed", "error", err, "elapsed", time.Since(start))
		return "SSH Error: " + err.Error()
	}
	c.log.Debug("remote command finished", "stdout_bytes", len(out.Stdout), "stderr_bytes", len(out.Stderr), "elapsed", time.Since(start))
	return FormatOutput(out)
}

// Close closes the underlying channel.
func (c *Client) Close() error {
	return c.ch.Close()
}
