// Package llm calls an OpenAI-compatible chat completion endpoint. The
// pipeline treats the model as a collaborator: it sends role-tagged
// messages and extracts the first choice's content, collapsing every
// failure mode into a single CallError with a readable message.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// defaultTimeout bounds one completion call end to end.
const defaultTimeout = 60 * time.Second

// Message is one role-tagged entry in a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallError is the single error surfaced for any collaborator failure:
// transport errors, non-success statuses, and well-formed responses missing
// the expected content all carry a human-readable message.
type CallError struct {
	Reason string
}

func (e *CallError) Error() string {
	return "model call failed: " + e.Reason
}

func callErrorf(format string, args ...interface{}) *CallError {
	return &CallError{Reason: fmt.Sprintf(format, args...)}
}

// Client calls one chat-completions endpoint with fixed credentials.
type Client struct {
	model    string
	apiKey   string
	endpoint string

	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client for the given model, key, and base URL. The
// base URL is the API root (e.g. "https://host/v1"); the chat-completions
// path is appended.
func NewClient(model, apiKey, baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		model:      model,
		apiKey:     apiKey,
		endpoint:   strings.TrimRight(baseURL, "/") + "/chat/completions",
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// SetHTTPClient overrides the underlying HTTP client (used by tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the messages and returns the content of the first choice.
// maxTokens of 0 leaves the server default in place. Any failure is
// returned as a *CallError.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", callErrorf("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", callErrorf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("model request",
		zap.String("endpoint", c.endpoint),
		zap.String("model", c.model),
		zap.Int("messages", len(messages)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", callErrorf("request error: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", callErrorf("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", callErrorf("%d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", callErrorf("decode response: %v", err)
	}
	if len(payload.Choices) == 0 {
		return "", callErrorf("response missing choices")
	}
	content := payload.Choices[0].Message.Content
	if content == nil {
		return "", callErrorf("response missing content")
	}

	return *content, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}
