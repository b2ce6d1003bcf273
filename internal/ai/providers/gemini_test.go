package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-pro:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "sys", req.SystemInstruction.Parts[0].Text)
		require.Len(t, req.Contents, 2)
		assert.Equal(t, "user", req.Contents[0].Role)
		assert.Equal(t, "model", req.Contents[1].Role)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"RUN: "},{"text":"free -h"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2}}`))
	}))
	defer server.Close()

	c := NewGeminiClient("g-key", "gemini-pro", server.URL, time.Second)
	resp, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "memory?"},
		{Role: RoleAssistant, Content: "checking"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "RUN: free -h", resp.Content)
	assert.Equal(t, "gemini-pro", resp.Model)
	assert.Equal(t, 9, resp.Usage.InputTokens)
}

func TestGeminiClient_BlockedPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer server.Close()

	_, err := NewGeminiClient("k", "gemini-pro", server.URL, time.Second).
		Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestGeminiClient_UnknownModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"models/nope is not found","status":"NOT_FOUND"}}`))
	}))
	defer server.Close()

	_, err := NewGeminiClient("k", "nope", server.URL, time.Second).
		Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinelerrors.ErrModelNotFound))
	assert.NotContains(t, err.Error(), "key=")
}

func TestGeminiClient_CountTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:countTokens", r.URL.Path)
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Nil(t, req.SystemInstruction)
		assert.Len(t, req.Contents, 2)
		_, _ = w.Write([]byte(`{"totalTokens":31}`))
	}))
	defer server.Close()

	c := NewGeminiClient("k", "gemini-1.5-flash", server.URL, time.Second)
	n, err := c.CountTokens(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hello"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 31, n)
}

func TestGeminiClient_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[
			{"name":"models/gemini-pro","displayName":"Gemini Pro","supportedGenerationMethods":["generateContent","countTokens"]},
			{"name":"models/embedding-001","supportedGenerationMethods":["embedContent"]}]}`))
	}))
	defer server.Close()

	models, err := NewGeminiClient("k", "gemini-pro", server.URL, time.Second).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gemini-pro", models[0].ID)
}
