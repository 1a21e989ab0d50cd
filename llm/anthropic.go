package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is the Claude model used when none is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates a Messages API client. An empty model selects DefaultAnthropicModel.
// Extra request options (base URL, HTTP client) are passed to the SDK.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = DefaultAnthropicModel
	}
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Model returns the configured model name.
func (a *Anthropic) Model() string {
	return a.model
}

// Complete sends prompt as a single user message and returns the first text block.
func (a *Anthropic) Complete(ctx context.Context, prompt string, maxTokens int) (Response, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(a.model)),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	})
	if err != nil {
		return Response{}, fmt.Errorf("Claude API error: %w", err)
	}

	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText && block.Text != "" {
			return Response{Text: block.Text, Usage: usage}, nil
		}
	}

	return Response{Usage: usage}, ErrEmptyResponse
}
