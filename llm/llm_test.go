package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1234", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])
		assert.Equal(t, float64(8000), req["max_tokens"])
		assert.NotContains(t, req, "reasoning_format")
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 1)
		assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "list the functions", msgs[0].(map[string]any)["content"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"functions\": []}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`)
	}))
	defer srv.Close()

	c := NewChat("key-1234", "test-model", srv.URL)
	resp, err := c.Complete(t.Context(), "list the functions", 8000)
	require.NoError(t, err)
	assert.Equal(t, `{"functions": []}`, resp.Text)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 5}, resp.Usage)
}

func TestChatDefaults(t *testing.T) {
	c := NewChat("k", "", "")
	assert.Equal(t, DefaultChatModel, c.Model())
	assert.Equal(t, DefaultChatURL, c.baseURL)
	assert.Equal(t, "hidden", c.reasoningFormat)
}

func TestChatErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr func(t *testing.T, err error)
	}{
		{
			name:   "status",
			status: http.StatusTooManyRequests,
			body:   `{"error": "slow down"}`,
			wantErr: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
			},
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices": []}`,
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyResponse)
			},
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   `<html>`,
			wantErr: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewChat("k", "m", srv.URL).Complete(t.Context(), "p", 10)
			tt.wantErr(t, err)
		})
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "<functions></functions>"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 30, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	a := NewAnthropic("sk-ant-test", "claude-test", option.WithBaseURL(srv.URL+"/"))
	resp, err := a.Complete(t.Context(), "convert", 100)
	require.NoError(t, err)
	assert.Equal(t, "<functions></functions>", resp.Text)
	assert.Equal(t, Usage{InputTokens: 30, OutputTokens: 4}, resp.Usage)
}

type countingCompleter struct {
	calls atomic.Int32
	err   error
}

func (c *countingCompleter) Complete(ctx context.Context, prompt string, maxTokens int) (Response, error) {
	c.calls.Add(1)
	return Response{Text: "ok"}, c.err
}

func TestRateLimited(t *testing.T) {
	next := &countingCompleter{}
	r := NewRateLimited(next, 1)

	_, err := r.Complete(t.Context(), "p", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = r.Complete(ctx, "p", 1)
	require.Error(t, err)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRateLimitedUnlimited(t *testing.T) {
	next := &countingCompleter{}
	r := NewRateLimited(next, 0)

	for range 5 {
		_, err := r.Complete(t.Context(), "p", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), next.calls.Load())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(t.Context(), &countingCompleter{}))
	assert.NoError(t, Validate(t.Context(), &countingCompleter{err: ErrEmptyResponse}))
	assert.Error(t, Validate(t.Context(), &countingCompleter{err: errors.New("401")}))
}

func TestExtractKeyHint(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "****"},
		{"abc", "****"},
		{"abcd", "abcd"},
		{"sk-ant-api03-xyz9", "xyz9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractKeyHint(tt.key))
	}
}
