package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", mapLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "ilab1.cs.rutgers.edu", cfg.SSH.Host)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.Equal(t, 10*time.Second, cfg.SSH.DialTimeout)
	assert.Equal(t, "aas517", cfg.Remote.DBName)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "strict", cfg.Remote.Guard)
	assert.Equal(t, "schema.sql", cfg.Schema.Path)
	assert.Equal(t, "summary", cfg.Schema.Mode)
	assert.Equal(t, 80, cfg.Schema.MaxLines)
	assert.Equal(t, "markers", cfg.SQLExtractor)
	assert.Equal(t, "llamacpp", cfg.LLM.Provider)
	assert.Equal(t, "./models/phi-3-mini.gguf", cfg.LLM.ModelPath)
	assert.Equal(t, 2048, cfg.LLM.ContextSize)
	assert.Equal(t, 4, cfg.LLM.Threads)
	assert.Equal(t, int64(200), cfg.LLM.MaxTokens)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nldbquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ssh:
  host: ilab2.cs.rutgers.edu
  port: 2222
remote:
  script: python3 ~/database_llm_project/ilab_script.py
  timeout: 45s
schema:
  mode: verbatim
  types: [INTEGER, TEXT, JSONB]
llm:
  provider: openai
  base_url: http://localhost:8081/v1
  temperature: 0.0
`), 0o600))

	cfg, err := Load(path, mapLookup(map[string]string{
		"SSH_PORT":       "2200",
		"LLM_MAX_TOKENS": "128",
		"SQL_EXTRACTOR":  "first-line",
		"LOG_LEVEL":      "debug",
		"QUERY_GUARD":    "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "ilab2.cs.rutgers.edu", cfg.SSH.Host)
	assert.Equal(t, 2200, cfg.SSH.Port)
	assert.Equal(t, "python3 ~/database_llm_project/ilab_script.py", cfg.Remote.Script)
	assert.Equal(t, 45*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "strict", cfg.Remote.Guard)
	assert.Equal(t, "verbatim", cfg.Schema.Mode)
	assert.Equal(t, []string{"INTEGER", "TEXT", "JSONB"}, cfg.Schema.Types)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 0.0, cfg.LLM.Temperature)
	assert.Equal(t, int64(128), cfg.LLM.MaxTokens)
	assert.Equal(t, "first-line", cfg.SQLExtractor)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  modle: phi\n"), 0o600))

	_, err := Load(path, mapLookup(nil))
	assert.ErrorContains(t, err, "modle")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), mapLookup(nil))
	assert.ErrorContains(t, err, "read config file")
}

func TestLoadBadNumbers(t *testing.T) {
	tests := map[string]string{
		"SSH_PORT":        "twenty-two",
		"REMOTE_TIMEOUT":  "30",
		"LLM_TEMPERATURE": "warm",
		"LLM_MAX_TOKENS":  "1e3",
		"LOG_JSON":        "sometimes",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := Load("", mapLookup(map[string]string{key: value}))
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Schema.Mode = "tree"
	cfg.SQLExtractor = "regex"
	cfg.LLM.Provider = "gemini"
	cfg.Remote.Guard = "none"
	cfg.SSH.Port = 0
	cfg.LLM.Temperature = 3

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	for _, want := range []string{"schema mode", "SQL extractor", "gemini", "query guard", "ssh port", "temperature"} {
		assert.Contains(t, err.Error(), want)
	}

	assert.NoError(t, Defaults().Validate())
}

func TestInvocation(t *testing.T) {
	cfg := Defaults()
	assert.Nil(t, cfg.Invocation().Env)

	cfg.Remote.Guard = "prefix"
	inv := cfg.Invocation()
	assert.Equal(t, map[string]string{"QUERY_GUARD": "prefix"}, inv.Env)
	assert.Equal(t, "aas517", inv.DBName)
}

func TestSSHDial(t *testing.T) {
	cfg := Defaults()
	cfg.SSH.KnownHosts = "/home/alice/.ssh/known_hosts"

	d := cfg.SSHDial("alice", "pw")
	assert.Equal(t, "ilab1.cs.rutgers.edu:22", d.Addr())
	assert.Equal(t, "alice", d.User)
	assert.Equal(t, "pw", d.Password)
	assert.Equal(t, "/home/alice/.ssh/known_hosts", d.KnownHosts)
}
