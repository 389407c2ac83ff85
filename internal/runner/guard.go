package runner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotSelect is returned for queries the guard refuses to run.
var ErrNotSelect = errors.New("only SELECT queries are allowed")

// Guard names.
const (
	GuardPrefix = "prefix"
	GuardStrict = "strict"
)

// Guard decides whether a query may be executed.
type Guard interface {
	Check(query string) error
	// ReadOnly reports whether accepted queries must run in a READ ONLY transaction.
	ReadOnly() bool
	Name() string
}

// NewGuard resolves a guard by name. Empty means strict.
func NewGuard(name string) (Guard, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", GuardStrict:
		return StrictGuard{}, nil
	case GuardPrefix:
		return PrefixGuard{}, nil
	default:
		return nil, fmt.Errorf("unknown query guard %q (supported: %s, %s)", name, GuardStrict, GuardPrefix)
	}
}

// PrefixGuard accepts anything whose trimmed text starts with SELECT, in any case.
// It is a substring test: "SELECTx FROM t" and "SELECT 1; DROP TABLE t" both pass.
type PrefixGuard struct{}

func (PrefixGuard) Check(query string) error {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return ErrNotSelect
	}
	return nil
}

func (PrefixGuard) ReadOnly() bool { return false }

func (PrefixGuard) Name() string { return GuardPrefix }

// StrictGuard tokenizes the query, skipping literals and comments. The first keyword
// must be SELECT or WITH and only one statement is allowed; a single trailing ; is
// tolerated. Accepted queries run read-only, which also stops data-modifying CTEs.
type StrictGuard struct{}

func (StrictGuard) Check(query string) error {
	first, trailing := scanStatement(query)
	if first != "SELECT" && first != "WITH" {
		return ErrNotSelect
	}
	if trailing {
		return fmt.Errorf("%w: multiple statements", ErrNotSelect)
	}
	return nil
}

func (StrictGuard) ReadOnly() bool { return true }

func (StrictGuard) Name() string { return GuardStrict }

// scanStatement returns the first keyword of sql, upper-cased, and whether any token
// other than another semicolon follows the first top-level semicolon. Leading parentheses are allowed before the
// keyword; any other leading token leaves first empty.
func scanStatement(sql string) (first string, trailing bool) {
	n := len(sql)
	pos := 0
	seen := false
	terminated := false

	for pos < n {
		ch := sql[pos]
		switch {
		case isSpace(ch):
			pos++
			continue
		case isBlockCommentStart(sql, pos, n):
			pos = skipBlockComment(sql, pos, n)
			continue
		case isLineCommentStart(sql, pos, n):
			pos = skipLineComment(sql, pos, n)
			continue
		}

		if terminated {
			// Repeated terminators are one empty statement, not a second query.
			if ch == ';' {
				pos++
				continue
			}
			return first, true
		}

		switch {
		case ch == ';':
			terminated = true
			seen = true
			pos++
		case ch == '\'':
			seen = true
			pos = skipSingleQuoted(sql, pos, n)
		case ch == '"':
			seen = true
			pos = skipDoubleQuoted(sql, pos, n)
		case ch == '$' && dollarTag(sql, pos, n) != "":
			seen = true
			pos = skipDollarQuoted(sql, pos, n)
		case isIdentStart(ch):
			word, next := readBareword(sql, pos, n)
			if !seen {
				first = strings.ToUpper(word)
				seen = true
			}
			if (word == "E" || word == "e") && next < n && sql[next] == '\'' {
				next = skipEscapedString(sql, next, n)
			}
			pos = next
		case ch == '(' && !seen:
			pos++
		default:
			seen = true
			pos++
		}
	}
	return first, false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isBlockCommentStart(sql string, pos, n int) bool {
	return sql[pos] == '/' && pos+1 < n && sql[pos+1] == '*'
}

func isLineCommentStart(sql string, pos, n int) bool {
	return sql[pos] == '-' && pos+1 < n && sql[pos+1] == '-'
}

// skipSingleQuoted advances past a '...' literal; '' is an escaped quote.
func skipSingleQuoted(sql string, pos, n int) int {
	pos++
	for pos < n {
		if sql[pos] == '\'' {
			pos++
			if pos < n && sql[pos] == '\'' {
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// skipEscapedString advances past the body of an E'...' literal, where backslash
// escapes the next byte.
func skipEscapedString(sql string, pos, n int) int {
	pos++
	for pos < n {
		switch sql[pos] {
		case '\\':
			pos += 2
			continue
		case '\'':
			pos++
			if pos < n && sql[pos] == '\'' {
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return n
}

// skipDoubleQuoted advances past a "..." identifier; "" is an escaped quote.
func skipDoubleQuoted(sql string, pos, n int) int {
	pos++
	for pos < n {
		if sql[pos] == '"' {
			pos++
			if pos < n && sql[pos] == '"' {
				pos++
				continue
			}
			return pos
		}
		pos++
	}
	return pos
}

// dollarTag returns the $tag$ opening a dollar-quoted string at pos, or "".
func dollarTag(sql string, pos, n int) string {
	end := pos + 1
	if end < n && sql[end] != '$' {
		if !isIdentStart(sql[end]) {
			return ""
		}
		for end < n && isIdentChar(sql[end]) && sql[end] != '$' {
			end++
		}
	}
	if end >= n || sql[end] != '$' {
		return ""
	}
	return sql[pos : end+1]
}

func skipDollarQuoted(sql string, pos, n int) int {
	tag := dollarTag(sql, pos, n)
	body := pos + len(tag)
	i := strings.Index(sql[body:], tag)
	if i < 0 {
		return n
	}
	return body + i + len(tag)
}

func skipBlockComment(sql string, pos, n int) int {
	pos += 2
	for pos+1 < n {
		if sql[pos] == '*' && sql[pos+1] == '/' {
			return pos + 2
		}
		pos++
	}
	return n
}

func skipLineComment(sql string, pos, n int) int {
	pos += 2
	for pos < n && sql[pos] != '\n' {
		pos++
	}
	return pos
}

func readBareword(sql string, pos, n int) (word string, next int) {
	start := pos
	for pos < n && isIdentChar(sql[pos]) {
		pos++
	}
	return sql[start:pos], pos
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

// isIdentChar includes $, which Postgres allows inside identifiers.
func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9') || ch == '$'
}
