// Package llm provides the language-model providers that complete text-to-SQL prompts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ErrModelLoad reports that the model could not be loaded or reached at startup.
var ErrModelLoad = errors.New("model load failed")

// Provider defines the interface for LLM integrations.
type Provider interface {
	// Complete returns the model's raw continuation of the request.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)

	// Name returns the provider name for logging/debugging.
	Name() string
}

// CompletionRequest contains the input for one completion.
// Text-completion providers use Prompt; chat providers use System and Question.
type CompletionRequest struct {
	Prompt      string   // Full single-string prompt
	System      string   // System instructions incl. schema
	Question    string   // Natural language question from user
	MaxTokens   int64    // Max tokens for response (0 = DefaultMaxTokens)
	Temperature float64  // Sampling temperature
	Stop        []string // Stop sequences
}

// Completion contains the raw model output.
type Completion struct {
	Text   string // Text generated after the prompt
	Tokens int    // Tokens used (for cost tracking)
}

// Provider names.
const (
	ProviderLlamaCpp  = "llamacpp"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Generation defaults.
const (
	DefaultMaxTokens   = 200
	DefaultTemperature = 0.2
	DefaultModelPath   = "./models/phi-3-mini.gguf"
	DefaultContextSize = 2048
	DefaultThreads     = 4
	DefaultServerBin   = "llama-server"
)

// Config holds LLM provider configuration.
type Config struct {
	Provider    string        // "llamacpp", "openai" or "anthropic"
	APIKey      string        // API key for hosted providers
	Model       string        // Model name (e.g., "phi-3-mini", "claude-sonnet-4-20250514")
	BaseURL     string        // Base URL (for llama.cpp servers, OpenRouter, proxies, etc.)
	ModelPath   string        // Local GGUF weights file for llamacpp
	ServerBin   string        // llama.cpp server executable
	ContextSize int           // Context length the local model is loaded with
	Threads     int           // Inference threads for the local model
	MaxTokens   int64         // Max tokens per completion
	Temperature float64       // Sampling temperature
	Timeout     time.Duration // Per-request timeout
	LoadTimeout time.Duration // How long the local server may take to load the model
}

// Request builds the completion request for one question.
func (c Config) Request(schemaText, question string) CompletionRequest {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return CompletionRequest{
		Prompt:      BuildPrompt(schemaText, question),
		System:      BuildSystemPrompt(schemaText),
		Question:    question,
		MaxTokens:   maxTokens,
		Temperature: c.Temperature,
		Stop:        StopSequences,
	}
}

// NewProvider creates an LLM provider based on configuration. For llamacpp this loads
// the model, so it can take as long as cfg.LoadTimeout.
func NewProvider(ctx context.Context, cfg Config, log *slog.Logger) (Provider, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderLlamaCpp
	}

	switch provider {
	case ProviderLlamaCpp:
		if cfg.BaseURL != "" {
			// Already-running llama.cpp server; nothing to launch.
			if cfg.Model == "" {
				cfg.Model = "local"
			}
			return &llamaCppServer{NewOpenAIProvider(cfg)}, nil
		}
		p, err := StartLlamaCpp(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil

	case ProviderOpenAI:
		if cfg.Model == "" {
			cfg.Model = "gpt-3.5-turbo-instruct"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIProvider(cfg), nil

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for %s", ProviderAnthropic)
		}
		if cfg.Model == "" {
			cfg.Model = "claude-sonnet-4-20250514"
		}
		return NewAnthropicProvider(cfg), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s, %s, %s)",
			cfg.Provider, ProviderLlamaCpp, ProviderOpenAI, ProviderAnthropic)
	}
}

// llamaCppServer talks to a llama.cpp server started outside this process.
type llamaCppServer struct {
	*OpenAIProvider
}

// Name returns the provider name.
func (*llamaCppServer) Name() string {
	return ProviderLlamaCpp
}

// Close releases provider resources when the provider holds any.
func Close(p Provider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
