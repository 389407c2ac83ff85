// Package schema turns a SQL DDL file into the compact table/column digest used as
// LLM prompt context.
package schema

import (
	"regexp"
	"strings"
)

// DefaultMaxLines bounds the digest so the prompt fits a small context window.
const DefaultMaxLines = 80

// Digest is the ordered table/column summary of a schema file.
type Digest struct {
	Tables []Table
}

// Table represents a database table and its structure.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	PrimaryKey  []string
	RowEstimate int64
}

// Column represents a table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// ForeignKey represents a foreign key relationship.
type ForeignKey struct {
	Column        string
	ForeignTable  string
	ForeignColumn string
}

// DefaultTypes are the column type tokens recognized when no explicit set is given.
var DefaultTypes = []string{
	"INTEGER", "TEXT", "SMALLINT", "DECIMAL",
	"INT", "BIGINT", "NUMERIC", "VARCHAR", "CHAR", "CHARACTER",
	"BOOLEAN", "DATE", "TIMESTAMP", "REAL", "DOUBLE", "SERIAL",
}

// structural keywords open table-level constraints, never columns.
var structural = map[string]bool{
	"primary":    true,
	"foreign":    true,
	"references": true,
	"not":        true,
	"unique":     true,
	"constraint": true,
	"check":      true,
}

var createTableRe = regexp.MustCompile(`(?i)\bCREATE\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:(?:TEMP|TEMPORARY|UNLOGGED)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([A-Za-z0-9_."]+)`)

// SummaryOptions configures Summarize.
type SummaryOptions struct {
	// Types lists recognized column type tokens (case-insensitive). Empty means DefaultTypes.
	Types []string
}

func (o SummaryOptions) typeSet() map[string]bool {
	types := o.Types
	if len(types) == 0 {
		types = DefaultTypes
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	return set
}

// Summarize scans DDL text in order and collects each CREATE TABLE block's columns.
// A table context opens at CREATE TABLE and closes at the parenthesis that matches
// the body's opening one, so single-line and multi-line definitions read the same.
func Summarize(text string, opts SummaryOptions) Digest {
	s := summarizer{types: opts.typeSet(), current: -1}
	for _, line := range strings.Split(text, "\n") {
		s.scanLine(line)
	}
	s.flush()
	return Digest{Tables: s.tables}
}

type summarizer struct {
	types   map[string]bool
	tables  []Table
	current int
	depth   int
	quoted  bool // inside a '...' literal, which may span lines
	elem    strings.Builder
}

func (s *summarizer) scanLine(line string) {
	for line != "" {
		if s.current < 0 {
			// The match indices are valid for line since the stripped text is its prefix.
			loc := createTableRe.FindStringSubmatchIndex(stripLineComment(line))
			if loc == nil {
				return
			}
			name := strings.ReplaceAll(line[loc[2]:loc[3]], `"`, "")
			s.tables = append(s.tables, Table{Name: name})
			s.current = len(s.tables) - 1
			s.depth = 0
			s.quoted = false
			s.elem.Reset()
			line = line[loc[1]:]
			continue
		}

		rest := ""
	scan:
		for i, r := range line {
			if s.quoted {
				if r == '\'' {
					s.quoted = false
				}
				if s.depth >= 1 {
					s.elem.WriteRune(r)
				}
				continue
			}
			switch r {
			case '\'':
				s.quoted = true
			case '-':
				if strings.HasPrefix(line[i:], "--") {
					break scan
				}
			case '(':
				s.depth++
				if s.depth == 1 {
					continue
				}
			case ')':
				s.depth--
				if s.depth == 0 {
					s.flush()
					s.current = -1
					rest = line[i+1:]
				}
			case ',':
				if s.depth == 1 {
					s.flush()
					continue
				}
			}
			if s.current < 0 {
				break
			}
			if s.depth >= 1 {
				s.elem.WriteRune(r)
			}
		}
		if s.current >= 0 && s.depth >= 1 {
			s.elem.WriteByte(' ')
		}
		line = rest
	}
}

// flush turns the buffered table element into a column when it declares one.
func (s *summarizer) flush() {
	defer s.elem.Reset()
	if s.current < 0 {
		return
	}
	fields := strings.Fields(s.elem.String())
	if len(fields) < 2 {
		return
	}
	name := strings.Trim(fields[0], `"`)
	if name == "" || structural[strings.ToLower(name)] {
		return
	}
	base, _, _ := strings.Cut(fields[1], "(")
	if !s.types[strings.ToUpper(base)] {
		return
	}
	col := Column{Name: name, Type: strings.ToUpper(fields[1]), Nullable: true}
	upper := strings.ToUpper(strings.Join(fields[2:], " "))
	if strings.Contains(upper, "NOT NULL") || strings.Contains(upper, "PRIMARY KEY") {
		col.Nullable = false
	}
	t := &s.tables[s.current]
	t.Columns = append(t.Columns, col)
}

func stripLineComment(line string) string {
	if i := strings.Index(line, "--"); i >= 0 {
		return line[:i]
	}
	return line
}

// Lines renders the digest as a "name:" line per table followed by indented column names.
func (d Digest) Lines() []string {
	var lines []string
	for _, t := range d.Tables {
		lines = append(lines, t.Name+":")
		for _, c := range t.Columns {
			lines = append(lines, "  "+c.Name)
		}
	}
	return lines
}

// Text joins at most maxLines digest lines. maxLines <= 0 keeps every line.
func (d Digest) Text(maxLines int) string {
	lines := d.Lines()
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n")
}

// TableCount returns the number of tables in the digest.
func (d Digest) TableCount() int {
	return len(d.Tables)
}

// Table looks up a table by name, ignoring case.
func (d Digest) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}
