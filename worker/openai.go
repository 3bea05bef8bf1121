package worker

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/vinayprograms/dispatchkit/backend"
)

// OpenAIExecutor runs tasks as single-turn chat completions.
type OpenAIExecutor struct {
	client *openai.Client
	cfg    LLMConfig
}

// NewOpenAIExecutor creates an executor using the official SDK.
func NewOpenAIExecutor(cfg LLMConfig) (*OpenAIExecutor, error) {
	cfg.Provider = "openai"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIExecutor{client: &client, cfg: cfg}, nil
}

// Execute implements Executor.
func (e *OpenAIExecutor) Execute(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if sys := systemPrompt(e.cfg.SystemPrompt, req); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	messages = append(messages, openai.UserMessage(req.InputText))

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(e.cfg.Model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(e.cfg.MaxTokens)),
	}

	emit.Status("calling " + e.cfg.Model)
	var resp *openai.ChatCompletion
	err := e.cfg.Retry.do(ctx, "openai", func() error {
		var err error
		resp, err = e.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}

	var out string
	if len(resp.Choices) > 0 {
		out = resp.Choices[0].Message.Content
	}
	emit.Chunk(out)
	return out, nil
}
