// Command queryrunner runs one read-only SQL query against the mortgage database and
// prints the result as a text table. It is invoked over SSH by nldbquery:
//
//	DB_NAME=aas517 queryrunner 'SELECT COUNT(*) FROM application'
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/NlDbQuery/internal/logging"
	"github.com/JonMunkholm/NlDbQuery/internal/runner"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
)

var errUsage = errors.New("usage")

// settingError reports a bad flag or environment value rather than a database failure.
type settingError struct{ err error }

func (e settingError) Error() string { return e.err.Error() }

type program struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	open   runner.OpenFunc
	conn   func() runner.ConnConfig
}

func main() {
	_ = godotenv.Load() // loads .env if present, silently ignores if not

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &program{
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
		open:   runner.Open,
		conn:   runner.ConnConfigFromEnv,
	}
	os.Exit(p.run(ctx, os.Args[1:]))
}

func (p *program) run(ctx context.Context, args []string) int {
	var (
		guardName  string
		dumpSchema bool
		schemaName string
	)

	cmd := &cobra.Command{
		Use:           "queryrunner 'SELECT query'",
		Short:         "Run one read-only SQL query and print the result table",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if dumpSchema {
				return cobra.NoArgs(cmd, args)
			}
			if len(args) != 1 {
				return errUsage
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.NewLogger(logging.Options{Level: envOr(p.getenv, "LOG_LEVEL", "warn")}, p.stderr)
			if err != nil {
				return settingError{err}
			}
			conn := p.conn()
			log.Debug("connection settings", "dsn", conn.DSN(), "driver", conn.Driver)

			if dumpSchema {
				return p.dumpSchema(cmd.Context(), conn, schemaName)
			}

			guard, err := runner.NewGuard(guardName)
			if err != nil {
				return settingError{err}
			}
			r := runner.New(conn, guard, log)
			r.Open = p.open
			r.Stdout = p.stdout
			r.Stderr = p.stderr
			_, err = r.Run(cmd.Context(), args[0])
			return err
		},
	}
	cmd.SetArgs(args)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	cmd.SetOut(p.stdout)
	cmd.SetErr(p.stderr)
	cmd.Flags().StringVar(&guardName, "guard", envOr(p.getenv, "QUERY_GUARD", runner.GuardStrict), "Query validation: strict or prefix")
	cmd.Flags().BoolVar(&dumpSchema, "dump-schema", false, "Print CREATE TABLE statements for the database schema and exit")
	cmd.Flags().StringVar(&schemaName, "schema-name", "", "Schema to dump (default: first entry of the search path)")

	err := cmd.ExecuteContext(ctx)
	var se settingError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(p.stderr, "Usage: queryrunner 'SELECT query'")
		fmt.Fprintln(p.stderr, "Example: queryrunner 'SELECT COUNT(*) FROM application'")
	case errors.As(err, &se):
		fmt.Fprintf(p.stderr, "Error: %v\n", se)
	case errors.Is(err, runner.ErrNotSelect):
		fmt.Fprintln(p.stderr, "Error: Only SELECT queries are allowed")
	default:
		fmt.Fprintf(p.stderr, "Database error: %s\n", logging.Mask(err.Error()))
	}
	return 1
}

func (p *program) dumpSchema(ctx context.Context, conn runner.ConnConfig, name string) error {
	if name == "" {
		name = strings.TrimSpace(strings.Split(conn.SearchPath, ",")[0])
	}
	db, err := p.open(conn)
	if err != nil {
		return err
	}
	defer db.Close()

	tables, err := schema.Introspect(ctx, db, name)
	if err != nil {
		return err
	}
	return schema.WriteDDL(p.stdout, tables)
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}
