package worker

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/vinayprograms/dispatchkit/backend"
)

// GeminiExecutor runs tasks as single-turn Gemini requests.
type GeminiExecutor struct {
	client *genai.Client
	cfg    LLMConfig
}

// NewGeminiExecutor creates an executor using the official SDK.
func NewGeminiExecutor(cfg LLMConfig) (*GeminiExecutor, error) {
	cfg.Provider = "google"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &GeminiExecutor{client: client, cfg: cfg}, nil
}

// Execute implements Executor.
func (e *GeminiExecutor) Execute(ctx context.Context, req backend.SubmitRequest, emit Emitter) (string, error) {
	model := e.client.GenerativeModel(e.cfg.Model)
	maxTokens := int32(e.cfg.MaxTokens)
	model.MaxOutputTokens = &maxTokens
	if sys := systemPrompt(e.cfg.SystemPrompt, req); sys != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(sys)},
		}
	}

	emit.Status("calling " + e.cfg.Model)
	var resp *genai.GenerateContentResponse
	err := e.cfg.Retry.do(ctx, "google", func() error {
		var err error
		resp, err = model.GenerateContent(ctx, genai.Text(req.InputText))
		return err
	})
	if err != nil {
		return "", err
	}

	var out string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out += string(text)
			}
		}
		break
	}
	emit.Chunk(out)
	return out, nil
}

// Close releases the client.
func (e *GeminiExecutor) Close() error {
	return e.client.Close()
}
