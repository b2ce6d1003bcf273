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

func TestOllamaClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "llama3", req.Model)

		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"looks fine"},"done":true,"done_reason":"stop","prompt_eval_count":21,"eval_count":5}`))
	}))
	defer server.Close()

	c := NewOllamaClient("llama3", server.URL+"/", time.Second)
	resp, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "status?"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "looks fine", resp.Content)
	assert.Equal(t, Usage{InputTokens: 21, OutputTokens: 5}, resp.Usage)
}

func TestOllamaClient_ErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"llama9\" not found, try pulling it first"}`))
	}))
	defer server.Close()

	_, err := NewOllamaClient("llama9", server.URL, time.Second).
		Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "try pulling it first")
}

func TestOllamaClient_ListModelsAndVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"mistral:7b"}]}`))
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.3.0"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewOllamaClient("llama3", server.URL, time.Second)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.NoError(t, c.TestConnection(context.Background()))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 6, EstimateMessage(Message{Role: RoleUser, Content: "abcdefgh"}))
}
