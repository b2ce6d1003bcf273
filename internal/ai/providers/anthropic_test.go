package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicClient_Name(t *testing.T) {
	client := NewAnthropicClient("test-key", "claude-3-5-sonnet-latest", "", 0)
	if client.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got '%s'", client.Name())
	}
	if client.baseURL != anthropicAPIURL {
		t.Errorf("Expected default baseURL, got %s", client.baseURL)
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "You are on prod", req.System)
		// operator turn and tool turn collapse into one user message
		require.Len(t, req.Messages, 3)
		assert.Equal(t, RoleUser, req.Messages[0].Role)
		assert.Equal(t, RoleAssistant, req.Messages[1].Role)
		assert.Equal(t, "Command Output (exit 0):\nok\n\nCommand executed. Analyze results.", req.Messages[2].Content)

		_, _ = w.Write([]byte(`{"model":"claude-3-5-sonnet","stop_reason":"end_turn",
			"content":[{"type":"text","text":"All good."}],
			"usage":{"input_tokens":40,"output_tokens":4}}`))
	}))
	defer server.Close()

	c := NewAnthropicClient("test-key", "claude-3-5-sonnet-latest", server.URL, time.Second)
	resp, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are on prod"},
		{Role: RoleUser, Content: "check"},
		{Role: RoleAssistant, Content: "RUN: uptime"},
		{Role: RoleUser, Content: "Command Output (exit 0):\nok"},
		{Role: RoleUser, Content: "Command executed. Analyze results."},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "All good.", resp.Content)
	assert.Equal(t, 40, resp.Usage.InputTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestAnthropicClient_CountTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages/count_tokens", r.URL.Path)
		_, _ = w.Write([]byte(`{"input_tokens":17}`))
	}))
	defer server.Close()

	var c TokenCounter = NewAnthropicClient("k", "claude-3-5-haiku-latest", server.URL+"/v1", time.Second)
	n, err := c.CountTokens(context.Background(), []Message{{Role: RoleUser, Content: "hello"}}, "")
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

func TestAnthropicClient_ErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer server.Close()

	c := NewAnthropicClient("k", "m", server.URL, time.Second)
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_request_error: max_tokens too large")
}
