// Package llm provides the text-completion clients used by the review pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyResponse indicates the model answered without any text content.
var ErrEmptyResponse = errors.New("no text content in model response")

// Usage is the token accounting of one or more model calls.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Response is the text of a completion plus its usage.
type Response struct {
	Text  string
	Usage Usage
}

// Completer sends a single-turn prompt to a language model.
// Implementations must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (Response, error)
}

// StatusError is a non-success HTTP answer from a model endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model API error (status %d): %s", e.StatusCode, e.Body)
}

// ExtractKeyHint returns the last 4 characters of an API key for display purposes.
func ExtractKeyHint(apiKey string) string {
	if len(apiKey) < 4 {
		return "****"
	}
	return apiKey[len(apiKey)-4:]
}

// Validate makes a minimal call to verify the completer's credentials work.
// Returns nil if the call succeeds, or an error describing the problem.
func Validate(ctx context.Context, c Completer) error {
	if _, err := c.Complete(ctx, "hi", 1); err != nil && !errors.Is(err, ErrEmptyResponse) {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}
