package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient implements the Provider and TokenCounter interfaces for
// Google's Gemini API
type GeminiClient struct {
	httpBackend
	apiKey  string
	model   string
	baseURL string
}

// NewGeminiClient creates a new Gemini API client
func NewGeminiClient(apiKey, model, baseURL string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = geminiAPIURL
	}
	return &GeminiClient{
		httpBackend: newHTTPBackend("gemini", timeout, geminiErrorMessage),
		apiKey:      apiKey,
		model:       strings.TrimPrefix(model, "models/"),
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider name
func (c *GeminiClient) Name() string {
	return "gemini"
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	ModelVersion string `json:"modelVersion"`
}

func geminiErrorMessage(body []byte) string {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s: %s", errResp.Error.Status, errResp.Error.Message)
	}
	return ""
}

// toGeminiRequest maps roles onto Gemini's user/model pair and lifts system
// messages into systemInstruction.
func toGeminiRequest(history []Message) geminiRequest {
	system, rest := splitSystem(history)
	req := geminiRequest{Contents: make([]geminiContent, 0, len(rest))}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range rest {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return req
}

func (c *GeminiClient) modelURL(model, method string) string {
	if model == "" {
		model = c.model
	}
	model = strings.TrimPrefix(model, "models/")
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, url.PathEscape(model), method, url.QueryEscape(c.apiKey))
}

// Complete sends the history to :generateContent
func (c *GeminiClient) Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error) {
	var resp geminiResponse
	if err := c.doJSON(ctx, "chat", http.MethodPost, c.modelURL(model, "generateContent"), nil, toGeminiRequest(history), &resp); err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	content := text.String()

	var in, out int
	if resp.UsageMetadata != nil {
		in, out = resp.UsageMetadata.PromptTokenCount, resp.UsageMetadata.CandidatesTokenCount
	}
	if model == "" {
		model = c.model
	}
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}

	return &ChatResponse{
		Content:    content,
		Model:      model,
		StopReason: resp.Candidates[0].FinishReason,
		Usage:      usageOrEstimate(in, out, history, content),
	}, nil
}

// CountTokens asks :countTokens for an exact count
func (c *GeminiClient) CountTokens(ctx context.Context, history []Message, model string) (int, error) {
	req := toGeminiRequest(history)
	// countTokens accepts contents only; fold the system text in as a leading user part
	if req.SystemInstruction != nil {
		req.Contents = append([]geminiContent{{Role: "user", Parts: req.SystemInstruction.Parts}}, req.Contents...)
		req.SystemInstruction = nil
	}

	var resp struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := c.doJSON(ctx, "count_tokens", http.MethodPost, c.modelURL(model, "countTokens"), nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.TotalTokens, nil
}

// ListModels fetches models supporting generateContent
func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			Description                string   `json:"description"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	modelsURL := fmt.Sprintf("%s/models?key=%s", c.baseURL, url.QueryEscape(c.apiKey))
	if err := c.doJSON(ctx, "list_models", http.MethodGet, modelsURL, nil, nil, &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		supportsChat := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supportsChat = true
				break
			}
		}
		if !supportsChat {
			continue
		}
		models = append(models, ModelInfo{
			ID:          strings.TrimPrefix(m.Name, "models/"),
			Name:        m.DisplayName,
			Description: m.Description,
		})
	}
	return models, nil
}

// EstimateTokens uses the shared heuristic
func (c *GeminiClient) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

// TestConnection validates the API key by listing models
func (c *GeminiClient) TestConnection(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
