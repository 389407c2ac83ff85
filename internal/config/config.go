// Package config loads nldbquery settings from defaults, an optional YAML file,
// .env and the environment, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/NlDbQuery/internal/extract"
	"github.com/JonMunkholm/NlDbQuery/internal/llm"
	"github.com/JonMunkholm/NlDbQuery/internal/logging"
	"github.com/JonMunkholm/NlDbQuery/internal/remote"
	"github.com/JonMunkholm/NlDbQuery/internal/runner"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// PathEnv names the environment variable holding the YAML config path.
const PathEnv = "NLDB_CONFIG"

// LookupFunc reads one environment variable.
type LookupFunc func(string) (string, bool)

type Config struct {
	SSH          SSHConfig    `yaml:"ssh"`
	Remote       RemoteConfig `yaml:"remote"`
	Schema       SchemaConfig `yaml:"schema"`
	SQLExtractor string       `yaml:"sql_extractor"`
	LLM          LLMConfig    `yaml:"llm"`
	Log          LogConfig    `yaml:"log"`
	Serve        ServeConfig  `yaml:"serve"`
}

type SSHConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	KnownHosts  string        `yaml:"known_hosts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type RemoteConfig struct {
	Script  string        `yaml:"script"`
	DBName  string        `yaml:"db_name"`
	Guard   string        `yaml:"guard"`
	Timeout time.Duration `yaml:"timeout"`
}

type SchemaConfig struct {
	Path     string   `yaml:"path"`
	Mode     string   `yaml:"mode"`
	MaxLines int      `yaml:"max_lines"`
	Types    []string `yaml:"types"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	ModelPath   string        `yaml:"model_path"`
	ServerBin   string        `yaml:"server_bin"`
	ContextSize int           `yaml:"context"`
	Threads     int           `yaml:"threads"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int64         `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SSH: SSHConfig{
			Host:        "ilab1.cs.rutgers.edu",
			Port:        22,
			DialTimeout: remote.DefaultDialTimeout,
		},
		Remote: RemoteConfig{
			Script:  remote.DefaultScript,
			DBName:  remote.DefaultDBName,
			Guard:   runner.GuardStrict,
			Timeout: remote.DefaultQueryTimeout,
		},
		Schema: SchemaConfig{
			Path:     schema.DefaultPath,
			Mode:     schema.ModeSummary,
			MaxLines: schema.DefaultMaxLines,
		},
		SQLExtractor: extract.StrategyMarkers,
		LLM: LLMConfig{
			Provider:    llm.ProviderLlamaCpp,
			ModelPath:   llm.DefaultModelPath,
			ServerBin:   llm.DefaultServerBin,
			ContextSize: llm.DefaultContextSize,
			Threads:     llm.DefaultThreads,
			MaxTokens:   llm.DefaultMaxTokens,
			Temperature: llm.DefaultTemperature,
			Timeout:     2 * time.Minute,
			LoadTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "warn",
		},
		Serve: ServeConfig{
			Addr: ":8080",
		},
	}
}

// LoadFromEnv loads .env if present, then the YAML file at path (or $NLDB_CONFIG),
// then the process environment.
func LoadFromEnv(path string) (Config, error) {
	_ = godotenv.Load() // loads .env if present, silently ignores if not
	if path == "" {
		path = strings.TrimSpace(os.Getenv(PathEnv))
	}
	return Load(path, os.LookupEnv)
}

// Load builds the configuration from defaults, the optional YAML file and lookup.
func Load(path string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(lookup, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(lookup LookupFunc, cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SSH_HOST", &cfg.SSH.Host},
		{"SSH_USER", &cfg.SSH.User},
		{"SSH_KNOWN_HOSTS", &cfg.SSH.KnownHosts},
		{"REMOTE_SCRIPT", &cfg.Remote.Script},
		{"REMOTE_DB_NAME", &cfg.Remote.DBName},
		{"QUERY_GUARD", &cfg.Remote.Guard},
		{"SCHEMA_PATH", &cfg.Schema.Path},
		{"SCHEMA_MODE", &cfg.Schema.Mode},
		{"SQL_EXTRACTOR", &cfg.SQLExtractor},
		{"LLM_PROVIDER", &cfg.LLM.Provider},
		{"LLM_MODEL_PATH", &cfg.LLM.ModelPath},
		{"LLM_SERVER_BIN", &cfg.LLM.ServerBin},
		{"LLM_BASE_URL", &cfg.LLM.BaseURL},
		{"LLM_API_KEY", &cfg.LLM.APIKey},
		{"LLM_MODEL", &cfg.LLM.Model},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"SERVE_ADDR", &cfg.Serve.Addr},
	}
	for _, s := range strs {
		applyString(lookup, s.key, s.dst)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SSH_PORT", &cfg.SSH.Port},
		{"SCHEMA_MAX_LINES", &cfg.Schema.MaxLines},
		{"LLM_CONTEXT", &cfg.LLM.ContextSize},
		{"LLM_THREADS", &cfg.LLM.Threads},
	}
	for _, i := range ints {
		if err := applyInt(lookup, i.key, i.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SSH_DIAL_TIMEOUT", &cfg.SSH.DialTimeout},
		{"REMOTE_TIMEOUT", &cfg.Remote.Timeout},
		{"LLM_TIMEOUT", &cfg.LLM.Timeout},
		{"LLM_LOAD_TIMEOUT", &cfg.LLM.LoadTimeout},
	}
	for _, d := range durations {
		if err := applyDuration(lookup, d.key, d.dst); err != nil {
			return err
		}
	}

	if raw, ok := lookupTrimmed(lookup, "LLM_MAX_TOKENS"); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_MAX_TOKENS %q: %w", raw, err)
		}
		cfg.LLM.MaxTokens = v
	}
	if raw, ok := lookupTrimmed(lookup, "LLM_TEMPERATURE"); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_TEMPERATURE %q: %w", raw, err)
		}
		cfg.LLM.Temperature = v
	}
	if raw, ok := lookupTrimmed(lookup, "LOG_JSON"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid LOG_JSON %q: %w", raw, err)
		}
		cfg.Log.JSON = v
	}
	if raw, ok := lookupTrimmed(lookup, "SCHEMA_TYPES"); ok {
		cfg.Schema.Types = nil
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Schema.Types = append(cfg.Schema.Types, t)
			}
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SSH.Host) == "" {
		errs = append(errs, errors.New("ssh host is required"))
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh port %d out of range", c.SSH.Port))
	}
	if strings.TrimSpace(c.Remote.Script) == "" {
		errs = append(errs, errors.New("remote script is required"))
	}
	if _, err := runner.NewGuard(c.Remote.Guard); err != nil {
		errs = append(errs, err)
	}
	if c.Schema.MaxLines < 1 {
		errs = append(errs, fmt.Errorf("schema max lines must be positive, got %d", c.Schema.MaxLines))
	}
	if _, err := schema.NewStrategy(c.Schema.Mode, c.Schema.MaxLines, c.Schema.Types); err != nil {
		errs = append(errs, err)
	}
	if _, err := extract.New(c.SQLExtractor); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case llm.ProviderLlamaCpp, llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM provider %q", c.LLM.Provider))
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("llm max tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm temperature %.2f out of range [0, 2]", c.LLM.Temperature))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LLMProvider returns the provider configuration.
func (c Config) LLMProvider() llm.Config {
	return llm.Config{
		Provider:    c.LLM.Provider,
		APIKey:      c.LLM.APIKey,
		Model:       c.LLM.Model,
		BaseURL:     c.LLM.BaseURL,
		ModelPath:   c.LLM.ModelPath,
		ServerBin:   c.LLM.ServerBin,
		ContextSize: c.LLM.ContextSize,
		Threads:     c.LLM.Threads,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
		Timeout:     c.LLM.Timeout,
		LoadTimeout: c.LLM.LoadTimeout,
	}
}

// Invocation returns how the remote query runner is started.
func (c Config) Invocation() remote.Invocation {
	inv := remote.Invocation{Script: c.Remote.Script, DBName: c.Remote.DBName}
	if c.Remote.Guard != "" && c.Remote.Guard != runner.GuardStrict {
		inv.Env = map[string]string{"QUERY_GUARD": c.Remote.Guard}
	}
	return inv
}

// SSHDial returns the SSH connection settings for the given credentials.
func (c Config) SSHDial(user, password string) remote.SSHConfig {
	return remote.SSHConfig{
		Host:        c.SSH.Host,
		Port:        c.SSH.Port,
		User:        user,
		Password:    password,
		KnownHosts:  c.SSH.KnownHosts,
		DialTimeout: c.SSH.DialTimeout,
	}
}

func lookupTrimmed(lookup LookupFunc, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func applyString(lookup LookupFunc, key string, dst *string) {
	if raw, ok := lookupTrimmed(lookup, key); ok {
		*dst = raw
	}
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}
