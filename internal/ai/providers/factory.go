package providers

import (
	"fmt"
	"time"

	"github.com/rcourtman/pulse-sentinel/internal/config"
)

// NewFromConfig creates the Provider selected by cfg. This is the only place
// a CredentialRef is resolved.
func NewFromConfig(cfg config.ProviderConfig, timeout time.Duration) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiKey := config.ResolveCredential(cfg.Credential)

	switch cfg.Name {
	case config.AIProviderOpenAI:
		return NewOpenAIClient(apiKey, cfg.Model, cfg.BaseURL, timeout), nil
	case config.AIProviderGemini:
		return NewGeminiClient(apiKey, cfg.Model, cfg.BaseURL, timeout), nil
	case config.AIProviderAnthropic:
		return NewAnthropicClient(apiKey, cfg.Model, cfg.BaseURL, timeout), nil
	case config.AIProviderOllama:
		return NewOllamaClient(cfg.Model, cfg.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}
