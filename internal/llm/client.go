// Package llm implements Stage 2 of the callout pipeline: validating
// candidate crops with a vision-capable language model behind the OpenRouter
// API, with strict anti-hallucination guards.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "google/gemini-2.5-flash"

	// DefaultTimeout bounds one batch request.
	DefaultTimeout = 60 * time.Second

	// HardResponseCap is the raw body size beyond which the response is
	// treated as a runaway hallucination and the batch dropped.
	HardResponseCap = 50 * 1024

	// defaultMaxTokens bounds the completion so a fabricated marker flood is
	// cut off server-side as well.
	defaultMaxTokens = 4096
)

// ErrResponseTooLarge marks a response that blew through the hard size cap.
var ErrResponseTooLarge = errors.New("llm response exceeds hard size cap")

// ClientConfig configures the OpenRouter client.
type ClientConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
	// HTTPClient is shared process-wide and must be safe for concurrent use.
	HTTPClient *http.Client
}

// Client is a thin chat-completions client. Temperature is pinned to zero
// for deterministic output.
type Client struct {
	cfg ClientConfig
}

// NewClient fills config defaults and returns the client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{cfg: cfg}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// message content parts follow the OpenAI-style multi-part schema OpenRouter
// accepts for multi-image prompts.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one prompt and returns the raw completion text. The body
// read is capped at HardResponseCap; exceeding it returns
// ErrResponseTooLarge so the caller can drop the batch.
func (c *Client) Complete(ctx context.Context, messages []chatMessage) (string, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   c.cfg.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, HardResponseCap+1))
	if err != nil {
		return "", fmt.Errorf("failed to read llm response: %w", err)
	}
	if len(raw) > HardResponseCap {
		return "", ErrResponseTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
