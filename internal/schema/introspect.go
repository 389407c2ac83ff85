package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
)

// Introspect loads the tables of one database schema from information_schema so a
// schema file can be regenerated from a live database.
func Introspect(ctx context.Context, db *sql.DB, schemaName string) ([]Table, error) {
	if schemaName == "" {
		schemaName = "public"
	}

	tableNames, err := getTableNames(ctx, db, schemaName)
	if err != nil {
		return nil, fmt.Errorf("load table names: %w", err)
	}

	columns, err := getColumns(ctx, db, schemaName)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}

	primaryKeys, err := getPrimaryKeys(ctx, db, schemaName)
	if err != nil {
		return nil, fmt.Errorf("load primary keys: %w", err)
	}

	foreignKeys, err := getForeignKeys(ctx, db, schemaName)
	if err != nil {
		return nil, fmt.Errorf("load foreign keys: %w", err)
	}

	rowEstimates, err := getRowEstimates(ctx, db, schemaName)
	if err != nil {
		// Non-fatal: continue without estimates
		rowEstimates = make(map[string]int64)
	}

	tables := make([]Table, 0, len(tableNames))
	for _, name := range tableNames {
		tables = append(tables, Table{
			Name:        name,
			Columns:     columns[name],
			PrimaryKey:  primaryKeys[name],
			ForeignKeys: foreignKeys[name],
			RowEstimate: rowEstimates[name],
		})
	}
	return tables, nil
}

// WriteDDL renders tables as CREATE TABLE blocks that Summarize can read back.
func WriteDDL(w io.Writer, tables []Table) error {
	for i, t := range tables {
		var sb strings.Builder
		if i > 0 {
			sb.WriteString("\n")
		}
		if t.RowEstimate > 0 {
			sb.WriteString(fmt.Sprintf("-- ~%d rows\n", t.RowEstimate))
		}
		sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", t.Name))

		var parts []string
		for _, col := range t.Columns {
			part := fmt.Sprintf("    %s %s", col.Name, strings.ToUpper(col.Type))
			if !col.Nullable {
				part += " NOT NULL"
			}
			parts = append(parts, part)
		}
		if len(t.PrimaryKey) > 0 {
			parts = append(parts, fmt.Sprintf("    PRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", ")))
		}
		for _, fk := range t.ForeignKeys {
			parts = append(parts, fmt.Sprintf("    FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Column, fk.ForeignTable, fk.ForeignColumn))
		}
		sb.WriteString(strings.Join(parts, ",\n"))
		sb.WriteString("\n);\n")

		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
	}
	return nil
}

func getTableNames(ctx context.Context, db *sql.DB, schemaName string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func getColumns(ctx context.Context, db *sql.DB, schemaName string) (map[string][]Column, error) {
	query := `
		SELECT
			c.table_name,
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS nullable
		FROM information_schema.columns c
		WHERE c.table_schema = $1
		ORDER BY c.table_name, c.ordinal_position`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string][]Column)
	for rows.Next() {
		var tableName string
		var col Column
		if err := rows.Scan(&tableName, &col.Name, &col.Type, &col.Nullable); err != nil {
			return nil, err
		}
		columns[tableName] = append(columns[tableName], col)
	}
	return columns, rows.Err()
}

func getPrimaryKeys(ctx context.Context, db *sql.DB, schemaName string) (map[string][]string, error) {
	query := `
		SELECT
			tc.table_name,
			kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		ORDER BY tc.table_name, kcu.ordinal_position`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pks := make(map[string][]string)
	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			return nil, err
		}
		pks[tableName] = append(pks[tableName], colName)
	}
	return pks, rows.Err()
}

func getForeignKeys(ctx context.Context, db *sql.DB, schemaName string) (map[string][]ForeignKey, error) {
	query := `
		SELECT
			tc.table_name,
			kcu.column_name,
			ccu.table_name AS foreign_table,
			ccu.column_name AS foreign_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = $1`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fks := make(map[string][]ForeignKey)
	for rows.Next() {
		var tableName string
		var fk ForeignKey
		if err := rows.Scan(&tableName, &fk.Column, &fk.ForeignTable, &fk.ForeignColumn); err != nil {
			return nil, err
		}
		fks[tableName] = append(fks[tableName], fk)
	}
	return fks, rows.Err()
}

func getRowEstimates(ctx context.Context, db *sql.DB, schemaName string) (map[string]int64, error) {
	query := `
		SELECT c.relname, c.reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		  AND c.relkind = 'r'`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	estimates := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		if count < 0 {
			count = 0
		}
		estimates[name] = count
	}
	return estimates, rows.Err()
}
