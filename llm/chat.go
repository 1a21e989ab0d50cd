package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultChatURL is the Groq OpenAI-compatible chat completions endpoint.
	DefaultChatURL = "https://api.groq.com/openai/v1/chat/completions"

	// DefaultChatModel is the reasoning model used when none is configured.
	DefaultChatModel = "deepseek-r1-distill-llama-70b"

	groqHost = "api.groq.com"
)

// Chat calls an OpenAI-compatible chat completions endpoint.
type Chat struct {
	apiKey          string
	model           string
	baseURL         string
	reasoningFormat string
	client          *http.Client
}

// NewChat creates a chat completions client. Empty model and baseURL select the defaults.
func NewChat(apiKey, model, baseURL string) *Chat {
	if model == "" {
		model = DefaultChatModel
	}
	if baseURL == "" {
		baseURL = DefaultChatURL
	}

	c := &Chat{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	// Groq can keep reasoning out of the content; other providers reject the field.
	if u, err := url.Parse(baseURL); err == nil && u.Host == groqHost {
		c.reasoningFormat = "hidden"
	}
	return c
}

// SetHTTPClient overrides the HTTP client.
func (c *Chat) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

// Model returns the configured model name.
func (c *Chat) Model() string {
	return c.model
}

type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	MaxTokens       int           `json:"max_tokens"`
	ReasoningFormat string        `json:"reasoning_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends prompt as a single user message. The text is read from
// choices[0].message.content.
func (c *Chat) Complete(ctx context.Context, prompt string, maxTokens int) (Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model:           c.model,
		Messages:        []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:       maxTokens,
		ReasoningFormat: c.reasoningFormat,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	doc := gjson.ParseBytes(body)
	usage := Usage{
		InputTokens:  doc.Get("usage.prompt_tokens").Int(),
		OutputTokens: doc.Get("usage.completion_tokens").Int(),
	}

	text := doc.Get("choices.0.message.content").String()
	if text == "" {
		return Response{Usage: usage}, ErrEmptyResponse
	}

	return Response{Text: text, Usage: usage}, nil
}
