// Package extract turns a model's raw text completion into one executable SQL SELECT.
//
// Extraction never fails: anything that cannot be salvaged degrades to DefaultQuery.
// Every result is a single line, starts with SELECT (case-insensitive) and carries no
// trailing statement terminator, because the remote executor receives it as a plain
// argument.
package extract

import (
	"fmt"
	"strings"
)

// DefaultQuery is returned whenever a completion yields nothing usable.
const DefaultQuery = "SELECT COUNT(*) FROM application"

// Strategy names.
const (
	StrategyMarkers   = "markers"
	StrategyFirstLine = "first-line"
)

// Separators end the SQL part of a completion; models tend to explain themselves after them.
var Separators = []string{"\n\n", "===", "reply:", "To find", "This query", "The above", "Note:"}

// Strategy extracts a SQL statement from a raw completion.
type Strategy interface {
	// Extract returns a non-empty single-line SELECT statement.
	Extract(raw string) string

	// Name returns the strategy name for logging.
	Name() string
}

// New resolves a strategy by name. An empty name selects the marker strategy.
func New(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyMarkers:
		return Markers{}, nil
	case StrategyFirstLine:
		return FirstLine{}, nil
	default:
		return nil, fmt.Errorf("unknown SQL extractor: %q (supported: %s, %s)", name, StrategyMarkers, StrategyFirstLine)
	}
}

// Markers truncates the completion at the first separator marker and normalizes the rest.
type Markers struct{}

// Name returns the strategy name.
func (Markers) Name() string { return StrategyMarkers }

// Extract implements Strategy.
func (m Markers) Extract(raw string) string {
	text := stripFences(strings.TrimSpace(raw))
	if text == "" {
		return DefaultQuery
	}

	if cut := firstSeparator(text); cut >= 0 {
		text = strings.TrimSpace(text[:cut])
	}

	if !hasSelectPrefix(text) {
		text = "SELECT " + text
	}
	out := finish(text)

	// Collapsing whitespace can form a marker ("To\tfind"); keep the result a fixed point.
	if firstSeparator(out) >= 0 {
		return m.Extract(out)
	}
	return out
}

// FirstLine returns the first line of the completion that starts with SELECT.
type FirstLine struct{}

// Name returns the strategy name.
func (FirstLine) Name() string { return StrategyFirstLine }

// Extract implements Strategy.
func (FirstLine) Extract(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !hasSelectPrefix(line) {
			continue
		}
		// A bare SELECT line carries no query.
		if sql := finish(line); sql != DefaultQuery {
			return sql
		}
	}
	return DefaultQuery
}

// finish collapses whitespace, drops trailing terminators and applies the default.
func finish(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	text = strings.TrimSpace(strings.TrimRight(text, "; \t"))
	if text == "" || strings.EqualFold(text, "SELECT") {
		return DefaultQuery
	}
	return text
}

func firstSeparator(text string) int {
	cut := -1
	for _, sep := range Separators {
		if i := strings.Index(text, sep); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	return cut
}

func hasSelectPrefix(text string) bool {
	return len(text) >= 6 && strings.EqualFold(text[:6], "SELECT")
}

// stripFences removes a surrounding Markdown code block.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```sql")
	text = strings.TrimPrefix(text, "```SQL")
	text = strings.TrimPrefix(text, "```")
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
