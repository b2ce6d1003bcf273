package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const openaiAPIURL = "https://api.openai.com/v1"

// OpenAIClient implements the Provider interface for OpenAI's API
type OpenAIClient struct {
	httpBackend
	apiKey  string
	model   string
	baseURL string
}

// NewOpenAIClient creates a new OpenAI API client
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = openaiAPIURL
	}
	return &OpenAIClient{
		httpBackend: newHTTPBackend("openai", timeout, openaiErrorMessage),
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return "openai"
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func openaiErrorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		return errResp.Error.Message
	}
	return ""
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Complete sends the history to /chat/completions
func (c *OpenAIClient) Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error) {
	if model == "" {
		model = c.model
	}

	messages := make([]openaiMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	var resp openaiResponse
	err := c.doJSON(ctx, "chat", http.MethodPost, c.baseURL+"/chat/completions", c.headers(),
		openaiRequest{Model: model, Messages: messages}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no response choices")
	}

	content := resp.Choices[0].Message.Content
	return &ChatResponse{
		Content:    content,
		Model:      resp.Model,
		StopReason: resp.Choices[0].FinishReason,
		Usage:      usageOrEstimate(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, history, content),
	}, nil
}

// ListModels fetches chat-capable models from /models
func (c *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "list_models", http.MethodGet, c.baseURL+"/models", c.headers(), nil, &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		// Embedding, audio and image models cannot hold a conversation
		if !strings.HasPrefix(m.ID, "gpt-") && !strings.HasPrefix(m.ID, "o1") && !strings.HasPrefix(m.ID, "o3") {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID, Description: m.OwnedBy})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// EstimateTokens uses the shared heuristic
func (c *OpenAIClient) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

// TestConnection validates the API key by listing models
func (c *OpenAIClient) TestConnection(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
