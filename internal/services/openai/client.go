package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"podcast-pipeline/internal/services"
)

const (
	serviceName        = "openai"
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultCallTimeout = 90 * time.Second
)

// ErrEmptyContent is returned when the model answers without any text. It is retried.
var ErrEmptyContent = fmt.Errorf("%w: empty completion", services.ErrTransient)

// Config captures the settings for an OpenAI-compatible chat completions endpoint.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client wraps the chat completions API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	backoff    services.Backoff
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBackoff overrides the retry policy.
func WithBackoff(b services.Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// NewClient constructs a chat completions client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		backoff:    services.Backoff{Attempts: 3, Base: 2 * time.Second, Max: 30 * time.Second, Jitter: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends a system and a user prompt and returns the model's text. maxTokens <= 0
// leaves the completion length to the provider.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)
	userPrompt = strings.TrimSpace(userPrompt)
	if systemPrompt == "" || userPrompt == "" {
		return "", errors.New("openai generate: system and user prompts required")
	}
	if c.cfg.APIKey == "" {
		return "", errors.New("openai generate: api key required")
	}
	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
	}

	var content string
	attempts, err := services.Retry(ctx, c.backoff, func(ctx context.Context, attempt int) error {
		var err error
		content, err = c.completeOnce(ctx, payload)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("openai generate: failed after %d attempts: %w", attempts, err)
	}
	return content, nil
}

func (c *Client) completeOnce(ctx context.Context, payload chatCompletionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("openai request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.CallError(callCtx, serviceName, "request", err)
	}
	defer resp.Body.Close()
	if err := services.CheckResponse(serviceName, resp); err != nil {
		return "", err
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", services.CallError(callCtx, serviceName, "decode response", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("openai request: api error: %s", strings.TrimSpace(completion.Error.Message))
	}
	for _, choice := range completion.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			return "", fmt.Errorf("openai request: model refused: %s", refusal)
		}
	}
	return "", ErrEmptyContent
}
