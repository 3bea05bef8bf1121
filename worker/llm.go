package worker

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/dispatchkit/backend"
	"github.com/vinayprograms/dispatchkit/config"
)

// LLMConfig configures an LLM-backed executor.
type LLMConfig struct {
	Provider     string
	APIKey       string
	BaseURL      string // Optional custom endpoint
	Model        string
	MaxTokens    int
	SystemPrompt string
	Retry        RetryConfig
}

// Validate checks required fields.
func (c LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for %s", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required for %s", c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required for %s", c.Provider)
	}
	return nil
}

// NewLLMExecutor creates the executor for cfg.Provider: "anthropic",
// "openai", "google" (or "gemini"), or "echo".
func NewLLMExecutor(cfg LLMConfig) (Executor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropicExecutor(cfg)
	case "openai":
		return NewOpenAIExecutor(cfg)
	case "google", "gemini":
		return NewGeminiExecutor(cfg)
	case "echo", "":
		return Echo(0), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// FromConfig builds the worker's default executor from configuration.
func FromConfig(cfg config.WorkerConfig) (Executor, error) {
	return NewLLMExecutor(LLMConfig{
		Provider:  cfg.Provider,
		APIKey:    cfg.APIKey(),
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	})
}

// systemPrompt combines the configured prompt with task hints.
func systemPrompt(base string, req backend.SubmitRequest) string {
	var b strings.Builder
	b.WriteString(base)
	if req.AgentID != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "You are acting as agent %q.", req.AgentID)
	}
	if req.WorkingDirectory != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Working directory: %s", req.WorkingDirectory)
	}
	return b.String()
}
