// Package providers contains AI provider client implementations
package providers

import (
	"context"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	// Estimated is true when the backend did not report counts and the
	// numbers come from the heuristic estimator.
	Estimated bool
}

// ChatResponse represents a response from the AI provider
type ChatResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
}

// ModelInfo describes a model offered by a provider.
type ModelInfo struct {
	ID          string
	Name        string
	Description string
}

// Provider is the closed set of AI backends behind one interface.
type Provider interface {
	// Name returns the provider name (openai, gemini, anthropic, ollama)
	Name() string

	// Complete sends the history and returns the assistant reply
	Complete(ctx context.Context, history []Message, model string) (*ChatResponse, error)

	// ListModels returns the models the backend offers
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// EstimateTokens returns a token estimate for text
	EstimateTokens(text string) int

	// TestConnection validates credentials and connectivity
	TestConnection(ctx context.Context) error
}

// TokenCounter is implemented by providers exposing a tokenizer endpoint.
type TokenCounter interface {
	CountTokens(ctx context.Context, history []Message, model string) (int, error)
}

// splitSystem separates system messages (joined) from the conversation.
func splitSystem(history []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// usageOrEstimate returns reported usage, or a heuristic when the backend
// reported nothing.
func usageOrEstimate(in, out int, history []Message, reply string) Usage {
	if in > 0 || out > 0 {
		return Usage{InputTokens: in, OutputTokens: out}
	}
	return Usage{
		InputTokens:  EstimateMessages(history),
		OutputTokens: EstimateTokens(reply),
		Estimated:    true,
	}
}
