// Package session ties the model, the schema context and the remote channel together
// for a run of questions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/JonMunkholm/NlDbQuery/internal/extract"
	"github.com/JonMunkholm/NlDbQuery/internal/llm"
	"github.com/JonMunkholm/NlDbQuery/internal/logging"
	"github.com/JonMunkholm/NlDbQuery/internal/schema"
)

// ErrNoRemote is returned by Ask when the session has no remote channel.
var ErrNoRemote = errors.New("session has no remote connection")

// Querier runs SQL remotely and returns the text to show. remote.Client implements it.
type Querier interface {
	Query(ctx context.Context, sql string) string
	Close() error
}

// Options configures New.
type Options struct {
	Provider       llm.Provider
	LLM            llm.Config
	Remote         Querier // nil for generate-only sessions
	Schema         string  // raw schema DDL
	SchemaStrategy schema.Strategy
	Extractor      extract.Strategy
	Log            *slog.Logger
}

// Answer is the result of one question.
type Answer struct {
	SQL    string `json:"sql"`
	Output string `json:"output"`
}

// Session answers questions one at a time. It is not safe for concurrent use.
type Session struct {
	provider   llm.Provider
	llm        llm.Config
	remote     Querier
	schemaText string
	digest     schema.Digest
	mode       string
	extractor  extract.Strategy
	log        *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds a session. The schema representation is computed once here.
func New(opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	strategy := opts.SchemaStrategy
	if strategy == nil {
		strategy = schema.Summary{}
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = extract.Markers{}
	}

	var summaryOpts schema.SummaryOptions
	if s, ok := strategy.(schema.Summary); ok {
		summaryOpts = s.Options
	}
	digest := schema.Summarize(opts.Schema, summaryOpts)
	if digest.TableCount() == 0 {
		log.Warn("schema has no recognizable tables, prompting with instructions only")
	}

	return &Session{
		provider:   opts.Provider,
		llm:        opts.LLM,
		remote:     opts.Remote,
		schemaText: strategy.Represent(opts.Schema),
		digest:     digest,
		mode:       strategy.Name(),
		extractor:  extractor,
		log:        log,
	}
}

// SchemaText returns the schema context embedded in every prompt.
func (s *Session) SchemaText() string { return s.schemaText }

// Digest returns the table/column digest of the schema.
func (s *Session) Digest() schema.Digest { return s.digest }

// SchemaMode returns the name of the schema representation strategy.
func (s *Session) SchemaMode() string { return s.mode }

// Prompt returns the exact text-completion prompt for question.
func (s *Session) Prompt(question string) string {
	return llm.BuildPrompt(s.schemaText, question)
}

// Generate turns question into one SELECT statement. A failed or empty completion
// yields extract.DefaultQuery; it never returns an error.
func (s *Session) Generate(ctx context.Context, question string) string {
	req := s.llm.Request(s.schemaText, question)
	s.log.Debug("prompt built", "provider", s.provider.Name(), "chars", len(req.Prompt))

	completion, err := s.provider.Complete(ctx, req)
	if err != nil {
		s.log.Warn("completion failed, using default query", "error", err)
		return extract.DefaultQuery
	}
	s.log.Debug("raw completion", "text", completion.Text, "tokens", completion.Tokens)

	sql := s.extractor.Extract(withAssistantPrefix(completion.Text))
	s.log.Debug("extracted sql", "extractor", s.extractor.Name(), "sql", sql)
	return sql
}

// Ask generates SQL for question and runs it on the remote host.
func (s *Session) Ask(ctx context.Context, question string) (Answer, error) {
	if s.remote == nil {
		return Answer{}, ErrNoRemote
	}
	sql := s.Generate(ctx, question)
	return Answer{SQL: sql, Output: s.remote.Query(ctx, sql)}, nil
}

// Execute runs sql on the remote host without consulting the model.
func (s *Session) Execute(ctx context.Context, sql string) (string, error) {
	if s.remote == nil {
		return "", ErrNoRemote
	}
	return s.remote.Query(ctx, sql), nil
}

// Close releases the remote channel and the model. Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.remote != nil {
			if err := s.remote.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close remote channel: %w", err))
			}
		}
		if s.provider != nil {
			if err := llm.Close(s.provider); err != nil {
				errs = append(errs, fmt.Errorf("close model: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// withAssistantPrefix puts back the SELECT the prompt ends with, since completions
// continue after it. A completion that repeats the keyword is left alone.
func withAssistantPrefix(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= len(llm.AssistantPrefix) && strings.EqualFold(trimmed[:len(llm.AssistantPrefix)], llm.AssistantPrefix) {
		return text
	}
	return llm.AssistantPrefix + text
}
