package schema

import (
	"fmt"
	"os"
	"strings"
)

// Representation modes.
const (
	ModeSummary  = "summary"
	ModeVerbatim = "verbatim"
)

// DefaultPath is where the schema file is read from when none is configured.
const DefaultPath = "schema.sql"

// Strategy decides how the schema file is represented inside a prompt.
type Strategy interface {
	// Represent converts the raw schema text into prompt context.
	Represent(schemaText string) string

	// Name returns the mode name for logging.
	Name() string
}

// Summary represents the schema as a truncated digest.
type Summary struct {
	MaxLines int
	Options  SummaryOptions
}

// Name returns the mode name.
func (Summary) Name() string { return ModeSummary }

// Represent summarizes the schema and truncates it to MaxLines.
func (s Summary) Represent(schemaText string) string {
	max := s.MaxLines
	if max == 0 {
		max = DefaultMaxLines
	}
	return Summarize(schemaText, s.Options).Text(max)
}

// Verbatim passes the whole schema text through unchanged.
type Verbatim struct{}

// Name returns the mode name.
func (Verbatim) Name() string { return ModeVerbatim }

// Represent returns the schema text as-is.
func (Verbatim) Represent(schemaText string) string { return schemaText }

// NewStrategy resolves a representation mode.
func NewStrategy(mode string, maxLines int, types []string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeSummary:
		return Summary{MaxLines: maxLines, Options: SummaryOptions{Types: types}}, nil
	case ModeVerbatim:
		return Verbatim{}, nil
	default:
		return nil, fmt.Errorf("unknown schema mode: %q (supported: %s, %s)", mode, ModeSummary, ModeVerbatim)
	}
}

// Load reads the schema file.
func Load(path string) (string, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", path, err)
	}
	return string(data), nil
}
