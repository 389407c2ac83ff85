package runner

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// NoRows replaces the row block of an empty result.
const NoRows = "(No rows returned)"

// TimeFormat is used for date and timestamp cells.
const TimeFormat = "2006-01-02 15:04:05"

// Table is a fully fetched result set with every cell already stringified.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Render writes the table as separator, header, separator, rows, separator. The
// separator is a dash for every character of the header.
func (t Table) Render(w io.Writer) error {
	header := strings.Join(t.Columns, " | ")
	sep := strings.Repeat("-", utf8.RuneCountInString(header))

	var b strings.Builder
	b.WriteString(sep + "\n")
	b.WriteString(header + "\n")
	b.WriteString(sep + "\n")
	if len(t.Rows) == 0 {
		b.WriteString(NoRows + "\n")
	}
	for _, row := range t.Rows {
		b.WriteString(strings.Join(row, " | ") + "\n")
	}
	b.WriteString(sep + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// formatRow stringifies scanned driver values. NULL becomes "NULL".
func formatRow(values []any) []string {
	row := make([]string, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case nil:
			row[i] = "NULL"
		case []byte:
			row[i] = string(val)
		case time.Time:
			row[i] = val.Format(TimeFormat)
		default:
			row[i] = fmt.Sprintf("%v", val)
		}
	}
	return row
}
