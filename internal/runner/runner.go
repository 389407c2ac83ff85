// Package runner validates and executes one SQL query against PostgreSQL and prints
// the result as a flat text table.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// OpenFunc opens the database handle for one invocation.
type OpenFunc func(ConnConfig) (*sql.DB, error)

// Runner executes queries. Diagnostics go to Stderr, the table to Stdout.
type Runner struct {
	Conn   ConnConfig
	Guard  Guard
	Open   OpenFunc
	Stdout io.Writer
	Stderr io.Writer
	Log    *slog.Logger
}

// New creates a runner with the default driver opener and the process streams.
func New(conn ConnConfig, guard Guard, log *slog.Logger) *Runner {
	return &Runner{
		Conn:   conn,
		Guard:  guard,
		Open:   Open,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Log:    log,
	}
}

// Run checks query with the guard, executes it on a fresh connection and renders the
// result. Rejections wrap ErrNotSelect; everything else is a database error.
func (r *Runner) Run(ctx context.Context, query string) (Table, error) {
	if err := r.Guard.Check(query); err != nil {
		return Table{}, err
	}

	fmt.Fprintf(r.Stderr, "Connecting to database %s as %s...\n", r.Conn.DBName, r.Conn.User)
	db, err := r.Open(r.Conn)
	if err != nil {
		return Table{}, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	table, err := r.execute(ctx, db, query)
	if err != nil {
		return Table{}, err
	}

	if err := table.Render(r.Stdout); err != nil {
		return Table{}, fmt.Errorf("write table: %w", err)
	}
	fmt.Fprintf(r.Stderr, "\nTotal rows: %d\n", len(table.Rows))
	return table, nil
}

func (r *Runner) execute(ctx context.Context, db *sql.DB, query string) (Table, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: r.Guard.ReadOnly()})
	if err != nil {
		return Table{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.Conn.SearchPathStatement()); err != nil {
		return Table{}, err
	}

	fmt.Fprintln(r.Stderr, "Executing query...")
	if r.Log != nil {
		r.Log.Debug("executing query", "guard", r.Guard.Name(), "read_only", r.Guard.ReadOnly())
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return Table{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Table{}, err
	}

	table := Table{Columns: columns}
	for rows.Next() {
		values, err := scanRow(rows, len(columns))
		if err != nil {
			return Table{}, err
		}
		table.Rows = append(table.Rows, formatRow(values))
	}
	if err := rows.Err(); err != nil {
		return Table{}, err
	}
	if err := rows.Close(); err != nil {
		return Table{}, err
	}

	if err := tx.Commit(); err != nil {
		return Table{}, err
	}
	return table, nil
}

func scanRow(rows *sql.Rows, numCols int) ([]any, error) {
	values := make([]any, numCols)
	ptrs := make([]any, numCols)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}
