package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/NlDbQuery/internal/config"
	"github.com/JonMunkholm/NlDbQuery/internal/llm"
	"github.com/JonMunkholm/NlDbQuery/internal/remote"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
)

var mortgageSchemaPath = filepath.Join("..", "schema", "testdata", "mortgage.sql")

const resultTable = "-----\ncount\n-----\n42\n-----"

type fakeChannel struct {
	mu       sync.Mutex
	commands []string
	closed   int
}

func (f *fakeChannel) Run(_ context.Context, command string) (remote.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return remote.Output{Stdout: resultTable + "\n", Stderr: "Total rows: 1\n"}, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeProvider struct {
	text     string
	onPrompt func()
	closed   int
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	if f.onPrompt != nil {
		f.onPrompt()
		return llm.Completion{}, ctx.Err()
	}
	return llm.Completion{Text: f.text}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Close() error {
	f.closed++
	return nil
}

type harness struct {
	app      *app
	out      *bytes.Buffer
	errOut   *bytes.Buffer
	channel  *fakeChannel
	provider *fakeProvider
	dialed   []remote.SSHConfig
}

func newHarness(t *testing.T, input string, env map[string]string) *harness {
	t.Helper()
	h := &harness{
		out:      &bytes.Buffer{},
		errOut:   &bytes.Buffer{},
		channel:  &fakeChannel{},
		provider: &fakeProvider{text: " COUNT(*) FROM application"},
	}
	values := map[string]string{"SCHEMA_PATH": mortgageSchemaPath}
	for k, v := range env {
		values[k] = v
	}

	h.app = newApp(strings.NewReader(input), h.out, h.errOut)
	h.app.lookup = func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
	h.app.dial = func(_ context.Context, cfg remote.SSHConfig) (remote.Channel, error) {
		h.dialed = append(h.dialed, cfg)
		return h.channel, nil
	}
	h.app.newProvider = func(context.Context, llm.Config, *slog.Logger) (llm.Provider, error) {
		return h.provider, nil
	}
	return h
}

func (h *harness) run(args ...string) int {
	return run(context.Background(), h.app, args)
}

func TestInteractive_AnswersUntilExit(t *testing.T) {
	h := newHarness(t, "alice\ns3cret\n\nhow many applications\nexit\nnever asked\n", nil)

	require.Equal(t, 0, h.run())

	out := h.out.String()
	for _, want := range []string{
		"Natural Language Database Query System",
		"Enter your ilab credentials:",
		"Connecting to ilab1.cs.rutgers.edu...",
		"Connected successfully!",
		"Loading LLM model (this may take 30-60 seconds)...",
		"Model loaded successfully!",
		"Type 'exit' to quit.",
		"Generated SQL: SELECT COUNT(*) FROM application",
		resultTable,
		"Goodbye!",
		"Connection closed. Goodbye!",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "Goodbye!\n"), strings.Index(out, "Connection closed. Goodbye!"))

	require.Len(t, h.dialed, 1)
	assert.Equal(t, "alice", h.dialed[0].User)
	assert.Equal(t, "s3cret", h.dialed[0].Password)
	assert.Equal(t, []string{"DB_NAME=aas517 ~/nldbquery/queryrunner 'SELECT COUNT(*) FROM application'"}, h.channel.commands)
	assert.Equal(t, 1, h.channel.closed)
	assert.Equal(t, 1, h.provider.closed)
}

func TestInteractive_EmptyUsernameUsesConfiguredUser(t *testing.T) {
	h := newHarness(t, "\npw\nexit\n", map[string]string{"SSH_USER": "bob"})

	require.Equal(t, 0, h.run())
	require.Len(t, h.dialed, 1)
	assert.Equal(t, "bob", h.dialed[0].User)
}

func TestInteractive_AuthFailure(t *testing.T) {
	h := newHarness(t, "alice\nwrong\n", nil)
	h.app.dial = func(context.Context, remote.SSHConfig) (remote.Channel, error) {
		return nil, fmt.Errorf("%w: ssh: unable to authenticate", remote.ErrAuth)
	}
	loaded := false
	h.app.newProvider = func(context.Context, llm.Config, *slog.Logger) (llm.Provider, error) {
		loaded = true
		return h.provider, nil
	}

	assert.Equal(t, 1, h.run())
	assert.Contains(t, h.out.String(), "Authentication failed. Please check your credentials.")
	assert.False(t, loaded)
}

func TestInteractive_ConnectionFailure(t *testing.T) {
	h := newHarness(t, "alice\npw\n", nil)
	h.app.dial = func(context.Context, remote.SSHConfig) (remote.Channel, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	assert.Equal(t, 1, h.run())
	assert.Contains(t, h.out.String(), "Connection failed: dial tcp: connection refused")
}

func TestInteractive_ModelLoadFailureClosesChannel(t *testing.T) {
	h := newHarness(t, "alice\npw\n", nil)
	h.app.newProvider = func(context.Context, llm.Config, *slog.Logger) (llm.Provider, error) {
		return nil, fmt.Errorf("%w: model file ./models/phi-3-mini.gguf not found", llm.ErrModelLoad)
	}

	assert.Equal(t, 1, h.run())
	assert.Contains(t, h.out.String(), "Error loading model: model load failed")
	assert.Equal(t, 1, h.channel.closed)
	assert.Empty(t, h.channel.commands)
}

func TestInteractive_MissingSchemaClosesChannel(t *testing.T) {
	h := newHarness(t, "alice\npw\n", map[string]string{"SCHEMA_PATH": filepath.Join(t.TempDir(), "none.sql")})

	assert.Equal(t, 1, h.run())
	assert.Contains(t, h.out.String(), "read schema")
	assert.Equal(t, 1, h.channel.closed)
}

func TestInteractive_EndOfInputCloses(t *testing.T) {
	h := newHarness(t, "alice\npw\nhow many applications", nil)

	require.Equal(t, 0, h.run())
	assert.Len(t, h.channel.commands, 1)
	assert.Contains(t, h.out.String(), "Connection closed. Goodbye!")
	assert.Equal(t, 1, h.channel.closed)
}

func TestInteractive_Interrupt(t *testing.T) {
	h := newHarness(t, "alice\npw\nhow many applications\n", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.provider.onPrompt = cancel

	require.Equal(t, 0, run(ctx, h.app, nil))

	out := h.out.String()
	assert.Contains(t, out, "Interrupted by user.")
	assert.Contains(t, out, "Connection closed. Goodbye!")
	assert.NotContains(t, out, "Generated SQL")
	assert.Empty(t, h.channel.commands)
	assert.Equal(t, 1, h.channel.closed)
	assert.Equal(t, 1, h.provider.closed)
}

func TestDigest(t *testing.T) {
	raw, err := os.ReadFile(mortgageSchemaPath)
	require.NoError(t, err)

	h := newHarness(t, "", nil)
	require.Equal(t, 0, h.run("digest"))
	assert.Equal(t, schema.Summary{MaxLines: schema.DefaultMaxLines}.Represent(string(raw))+"\n", h.out.String())

	h = newHarness(t, "", nil)
	require.Equal(t, 0, h.run("digest", "--schema-mode", "verbatim"))
	assert.Equal(t, string(raw)+"\n", h.out.String())

	h = newHarness(t, "", map[string]string{"SCHEMA_MAX_LINES": "2"})
	require.Equal(t, 0, h.run("digest", "--all"))
	assert.Greater(t, strings.Count(h.out.String(), "\n"), 2)
}

func TestPrompt(t *testing.T) {
	h := newHarness(t, "", nil)

	require.Equal(t, 0, h.run("prompt", "how", "many", "loans"))
	out := h.out.String()
	assert.Contains(t, out, "<|user|>\nhow many loans<|end|>")
	assert.True(t, strings.HasSuffix(out, "<|assistant|>\nSELECT\n"))
}

func TestGenerate(t *testing.T) {
	h := newHarness(t, "", nil)

	require.Equal(t, 0, h.run("generate", "how many applications"))
	assert.Equal(t, "SELECT COUNT(*) FROM application\n", h.out.String())
	assert.Contains(t, h.errOut.String(), "Model loaded successfully!")
	assert.Empty(t, h.dialed)
	assert.Equal(t, 1, h.provider.closed)
}

func TestFlagsOverrideConfig(t *testing.T) {
	h := newHarness(t, "", map[string]string{"SQL_EXTRACTOR": "first-line"})

	require.Equal(t, 0, h.run("generate", "--extractor", "markers", "--verbose", "q"))
	assert.Equal(t, "markers", h.app.cfg.SQLExtractor)
	assert.Equal(t, "debug", h.app.cfg.Log.Level)
	assert.Contains(t, h.errOut.String(), "prompt built")
}

func TestGenerate_FirstLineExtractor(t *testing.T) {
	h := newHarness(t, "", nil)

	require.Equal(t, 0, h.run("generate", "--extractor", "first-line", "how many applications"))
	assert.Equal(t, "SELECT COUNT(*) FROM application\n", h.out.String())
}

func TestInvalidSettingsAreReported(t *testing.T) {
	h := newHarness(t, "", nil)

	assert.Equal(t, 1, h.run("digest", "--schema-mode", "tree"))
	assert.Contains(t, h.errOut.String(), "Error:")
	assert.Contains(t, h.errOut.String(), "schema mode")
	assert.Empty(t, h.out.String())
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nldbquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema:\n  mode: verbatim\n"), 0o600))

	h := newHarness(t, "", map[string]string{config.PathEnv: path})
	require.Equal(t, 0, h.run("digest"))
	assert.Equal(t, "verbatim", h.app.cfg.Schema.Mode)
}

func TestLineReader(t *testing.T) {
	r := newLineReader(strings.NewReader("first\r\nsecond\nlast"))
	ctx := context.Background()

	line, err := r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	line, err = r.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "last", line)
}

func TestLineReader_CancelKeepsPendingLine(t *testing.T) {
	pr, pw := io.Pipe()
	r := newLineReader(pr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReadLine(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	go func() {
		_, _ = pw.Write([]byte("later\n"))
	}()
	line, err := r.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "later", line)
}

func TestReadPassword_NonTerminal(t *testing.T) {
	r := newLineReader(strings.NewReader("pa ss\n"))

	pw, err := r.ReadPassword(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pa ss", pw)
}
