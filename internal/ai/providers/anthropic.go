package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = MaxReplyTokens
)

// AnthropicClient implements the Provider and TokenCounter interfaces for
// Anthropic's Messages API
type AnthropicClient struct {
	httpBackend
	apiKey  string
	model   string
	baseURL string
}

// NewAnthropicClient creates a new Anthropic API client
func NewAnthropicClient(apiKey, model, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	return &AnthropicClient{
		httpBackend: newHTTPBackend("anthropic", timeout, anthropicErrorMessage),
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
	}
}

// Name returns the provider name
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func anthropicErrorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s: %s", errResp.Error.Type, errResp.Error.Message)
	}
	return ""
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// toAnthropicMessages lifts system messages into the system field and merges
// consecutive same-role turns, which the Messages API rejects.
func toAnthropicMessages(history []Message) (string, []anthropicMessage) {
	system, rest := splitSystem(history)
	messages := make([]anthropicMessage, 0, len(rest))
	for _, m := range rest {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: m.Content})
	}
	return system, messages
}

// Complete sends the history to /v1/messages
func (c *AnthropicClient) Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error) {
	if model == "" {
		model = c.model
	}
	system, messages := toAnthropicMessages(history)

	var resp anthropicResponse
	err := c.doJSON(ctx, "chat", http.MethodPost, c.baseURL+"/v1/messages", c.headers(), anthropicRequest{
		Model:     model,
		Messages:  messages,
		System:    system,
		MaxTokens: anthropicMaxTokens,
	}, &resp)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := text.String()

	return &ChatResponse{
		Content:    content,
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage:      usageOrEstimate(resp.Usage.InputTokens, resp.Usage.OutputTokens, history, content),
	}, nil
}

// CountTokens asks /v1/messages/count_tokens for an exact input count
func (c *AnthropicClient) CountTokens(ctx context.Context, history []Message, model string) (int, error) {
	if model == "" {
		model = c.model
	}
	system, messages := toAnthropicMessages(history)

	var resp struct {
		InputTokens int `json:"input_tokens"`
	}
	err := c.doJSON(ctx, "count_tokens", http.MethodPost, c.baseURL+"/v1/messages/count_tokens", c.headers(), anthropicRequest{
		Model:    model,
		Messages: messages,
		System:   system,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.InputTokens, nil
}

// ListModels fetches available models from /v1/models
func (c *AnthropicClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, "list_models", http.MethodGet, c.baseURL+"/v1/models", c.headers(), nil, &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, ModelInfo{ID: m.ID, Name: m.DisplayName})
	}
	return models, nil
}

// EstimateTokens uses the shared heuristic
func (c *AnthropicClient) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

// TestConnection validates the API key by listing models
func (c *AnthropicClient) TestConnection(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
