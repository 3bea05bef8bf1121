package worker

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vinayprograms/dispatchkit/backend"
)

// AnthropicExecutor runs tasks as single-turn Claude requests.
type AnthropicExecutor struct {
	client *anthropic.Client
	cfg    LLMConfig
}

// NewAnthropicExecutor creates an executor using the official SDK.
func NewAnthropicExecutor(cfg LLMConfig) (*AnthropicExecutor, error) {
	cfg.Provider = "anthropic"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicExecutor{client: &client, cfg: cfg}, nil
}

// Execute implements Executor.
func (e *AnthropicExecutor) Execute(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: int64(e.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.InputText)),
		},
	}
	if sys := systemPrompt(e.cfg.SystemPrompt, req); sys != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: sys},
		}
	}

	emit.Status("calling " + e.cfg.Model)
	var resp *anthropic.Message
	err := e.cfg.Retry.do(ctx, "anthropic", func() error {
		var err error
		resp, err = e.client.Messages.New(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	emit.Chunk(out)
	return out, nil
}
