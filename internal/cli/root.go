// Package cli implements the nldbquery command line: the interactive question loop
// and the digest, prompt, generate and serve subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/NlDbQuery/internal/config"
	"github.com/JonMunkholm/NlDbQuery/internal/extract"
	"github.com/JonMunkholm/NlDbQuery/internal/llm"
	"github.com/JonMunkholm/NlDbQuery/internal/logging"
	"github.com/JonMunkholm/NlDbQuery/internal/remote"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
	"github.com/JonMunkholm/NlDbQuery/internal/session"
)

// exitError carries a process exit code for failures that were already reported
// to the user.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var errExit = &exitError{code: 1}

// flagOverrides holds command-line settings that win over file and environment.
type flagOverrides struct {
	configPath string
	verbose    bool
	host       string
	schemaPath string
	schemaMode string
	extractor  string
	provider   string
	modelPath  string
}

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	flags  flagOverrides
	lookup config.LookupFunc // nil reads .env and the process environment

	cfg   config.Config
	log   *slog.Logger
	ui    *ui
	lines *lineReader

	dial        func(ctx context.Context, cfg remote.SSHConfig) (remote.Channel, error)
	newProvider func(ctx context.Context, cfg llm.Config, log *slog.Logger) (llm.Provider, error)
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:     in,
		out:    out,
		errOut: errOut,
		dial: func(ctx context.Context, cfg remote.SSHConfig) (remote.Channel, error) {
			ch, err := remote.Dial(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		newProvider: llm.NewProvider,
	}
}

// Execute runs the nldbquery command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, newApp(os.Stdin, os.Stdout, os.Stderr), os.Args[1:])
}

func run(ctx context.Context, a *app, args []string) int {
	if args == nil {
		args = []string{}
	}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errOut)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintln(a.errOut, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "nldbquery",
		Short: "Ask questions about the mortgage database in plain English",
		Long: `nldbquery turns natural-language questions into a single SQL SELECT with a
local language model and runs it on the remote host over SSH.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInteractive(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.flags.configPath, "config", "c", "", "YAML config file (default $NLDB_CONFIG)")
	f.BoolVarP(&a.flags.verbose, "verbose", "v", false, "Log prompts and raw completions")
	f.StringVar(&a.flags.host, "host", "", "SSH host running the query runner")
	f.StringVar(&a.flags.schemaPath, "schema", "", "Schema DDL file")
	f.StringVar(&a.flags.schemaMode, "schema-mode", "", "Schema representation: summary or verbatim")
	f.StringVar(&a.flags.extractor, "extractor", "", "SQL extraction: markers or first-line")
	f.StringVar(&a.flags.provider, "provider", "", "LLM provider: llamacpp, openai or anthropic")
	f.StringVar(&a.flags.modelPath, "model", "", "Local GGUF model file")

	root.AddCommand(newDigestCmd(a), newPromptCmd(a), newGenerateCmd(a), newServeCmd(a))
	return root
}

// setup loads configuration, applies flags and builds the logger.
func (a *app) setup() error {
	var (
		cfg config.Config
		err error
	)
	if a.lookup != nil {
		path := a.flags.configPath
		if path == "" {
			path, _ = a.lookup(config.PathEnv)
		}
		cfg, err = config.Load(path, a.lookup)
	} else {
		cfg, err = config.LoadFromEnv(a.flags.configPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a.flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.log, err = logging.NewLogger(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON}, a.errOut)
	if err != nil {
		return err
	}
	a.ui = newUI(a.out)
	a.lines = newLineReader(a.in)
	return nil
}

func (o flagOverrides) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.SSH.Host, o.host)
	set(&cfg.Schema.Path, o.schemaPath)
	set(&cfg.Schema.Mode, o.schemaMode)
	set(&cfg.SQLExtractor, o.extractor)
	set(&cfg.LLM.Provider, o.provider)
	set(&cfg.LLM.ModelPath, o.modelPath)
	if o.verbose {
		cfg.Log.Level = "debug"
	}
}

// sessionOptions reads the schema file and resolves the configured strategies.
func (a *app) sessionOptions() (session.Options, error) {
	raw, err := schema.Load(a.cfg.Schema.Path)
	if err != nil {
		return session.Options{}, err
	}
	strategy, err := schema.NewStrategy(a.cfg.Schema.Mode, a.cfg.Schema.MaxLines, a.cfg.Schema.Types)
	if err != nil {
		return session.Options{}, err
	}
	extractor, err := extract.New(a.cfg.SQLExtractor)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		LLM:            a.cfg.LLMProvider(),
		Schema:         raw,
		SchemaStrategy: strategy,
		Extractor:      extractor,
		Log:            a.log,
	}, nil
}

// loadProvider starts the configured model behind a spinner.
func (a *app) loadProvider(ctx context.Context, u *ui) (llm.Provider, error) {
	stop := u.spin("Loading LLM model (this may take 30-60 seconds)...")
	p, err := a.newProvider(ctx, a.cfg.LLMProvider(), a.log)
	stop()
	if err != nil {
		u.failure(fmt.Sprintf("Error loading model: %v", err))
		return nil, err
	}
	u.success("Model loaded successfully!")
	a.log.Debug("model ready", "provider", p.Name())
	return p, nil
}
