package model

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiercache/internal/httputil"
	"github.com/blueberrycongee/tiercache/internal/resilience"
	tcerrors "github.com/blueberrycongee/tiercache/pkg/errors"
)

// DefaultBaseURL is the OpenRouter endpoint, which speaks the OpenAI API.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ClientConfig holds configuration for an OpenAI-compatible chat client.
type ClientConfig struct {
	Name    string            // Dependency name used in errors and metrics
	APIKey  string            // Bearer token
	BaseURL string            // API root, without /chat/completions
	Timeout time.Duration     // Per-request timeout
	Headers map[string]string // Extra headers, e.g. HTTP-Referer for OpenRouter

	// Breaker guards the provider; nil disables it.
	Breaker *resilience.CircuitBreaker
}

// Client calls the /chat/completions endpoint of an OpenAI-compatible API.
type Client struct {
	name    string
	http    *http.Client
	apiKey  string
	baseURL string
	headers map[string]string
	breaker *resilience.CircuitBreaker
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the subset of the chat completion request we send.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// NewClient creates a chat client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("model api_key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "model"
	}

	return &Client{
		name:    cfg.Name,
		http:    &http.Client{Timeout: cfg.Timeout},
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		breaker: cfg.Breaker,
	}, nil
}

// Complete sends req and returns the trimmed content of the first choice.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return "", tcerrors.NewServiceUnavailableError(c.name, resilience.ErrCircuitOpen.Error())
	}

	content, err := c.complete(ctx, req)
	if c.breaker != nil {
		c.record(ctx, err)
	}
	return content, err
}

func (c *Client) record(ctx context.Context, err error) {
	if err == nil {
		c.breaker.RecordSuccess()
		return
	}
	if ctx.Err() != nil {
		return
	}
	if se, ok := tcerrors.As(err); ok && !tcerrors.IsCooldownRequired(se.StatusCode) {
		return
	}
	c.breaker.RecordFailure()
}

func (c *Client) complete(ctx context.Context, req CompletionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", tcerrors.FromStatus(c.name, req.Model, resp.StatusCode, errorMessage(respBody))
	}

	var out completionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func errorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	if len(body) > 0 {
		return string(body)
	}
	return "unknown error"
}
