package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaClient implements the Provider interface for Ollama's local API
type OllamaClient struct {
	httpBackend
	model   string
	baseURL string
}

// NewOllamaClient creates a new Ollama API client
func NewOllamaClient(model, baseURL string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = ollamaDefaultURL
	}
	return &OllamaClient{
		// Local models can be slow; the default timeout is generous
		httpBackend: newHTTPBackend("ollama", timeout, ollamaErrorMessage),
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider name
func (c *OllamaClient) Name() string {
	return "ollama"
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func ollamaErrorMessage(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		return errResp.Error
	}
	return ""
}

// Complete sends the history to /api/chat without streaming
func (c *OllamaClient) Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error) {
	if model == "" {
		model = c.model
	}

	messages := make([]ollamaMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	var resp ollamaResponse
	err := c.doJSON(ctx, "chat", http.MethodPost, c.baseURL+"/api/chat", nil,
		ollamaRequest{Model: model, Messages: messages, Stream: false}, &resp)
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Content:    resp.Message.Content,
		Model:      resp.Model,
		StopReason: resp.DoneReason,
		Usage:      usageOrEstimate(resp.PromptEvalCount, resp.EvalCount, history, resp.Message.Content),
	}, nil
}

// ListModels fetches the locally pulled models from /api/tags
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := c.doJSON(ctx, "list_models", http.MethodGet, c.baseURL+"/api/tags", nil, nil, &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models, nil
}

// EstimateTokens uses the shared heuristic
func (c *OllamaClient) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

// TestConnection checks the Ollama version endpoint
func (c *OllamaClient) TestConnection(ctx context.Context) error {
	return c.doJSON(ctx, "version", http.MethodGet, c.baseURL+"/api/version", nil, nil, nil)
}
