package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vinayprograms/dispatchkit/errors"
)

// SubmitPath is the submission endpoint path.
const SubmitPath = "/v1/tasks"

// SubmitRequest is the submission payload.
type SubmitRequest struct {
	TaskID           string `json:"taskId"`
	AgentID          string `json:"agentId"`
	InstanceID       string `json:"instanceId"`
	ConversationID   string `json:"conversationId,omitempty"`
	InputText        string `json:"inputText"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// Validate checks required fields.
func (r SubmitRequest) Validate() error {
	switch {
	case r.TaskID == "":
		return errors.InvalidInput("taskId is required")
	case r.AgentID == "":
		return errors.InvalidInput("agentId is required")
	case r.InstanceID == "":
		return errors.InvalidInput("instanceId is required")
	case strings.TrimSpace(r.InputText) == "":
		return errors.InvalidInput("inputText is required")
	}
	return nil
}

// SubmitResponse is the acknowledgement of a submission.
type SubmitResponse struct {
	ExecutionID string `json:"executionId"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8420".
	BaseURL string

	// Timeout bounds each submission. Default 30s.
	Timeout time.Duration

	// Header is added to every request.
	Header http.Header
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8420",
		Timeout: 30 * time.Second,
	}
}

// Client submits tasks over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// NewClient creates a submission client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Submit sends the task to the backend and returns its execution handle.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := req.Validate(); err != nil {
		return SubmitResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, errors.Wrap(err, "encode submission")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + SubmitPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, errors.Submission(req.TaskID, "build request", errors.WithCause(err))
	}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return SubmitResponse{}, errors.Canceled(req.TaskID, errors.WithCause(err))
		}
		return SubmitResponse{}, errors.Submission(req.TaskID, "submission request failed", errors.WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResponse{}, errors.Submission(req.TaskID, "read submission response", errors.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return SubmitResponse{}, errors.Submission(req.TaskID,
			fmt.Sprintf("backend rejected task: %s", msg),
			errors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}

	var out SubmitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return SubmitResponse{}, errors.Submission(req.TaskID, "decode submission response", errors.WithCause(err))
	}
	if out.ExecutionID == "" {
		return SubmitResponse{}, errors.Submission(req.TaskID, "backend returned no execution id")
	}
	return out, nil
}
