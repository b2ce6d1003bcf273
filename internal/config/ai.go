package config

import (
	"fmt"
	"strings"
)

// ProviderTag is the deployment-level class of AI backend.
type ProviderTag string

const (
	TagHostedA ProviderTag = "hosted-a"
	TagHostedB ProviderTag = "hosted-b"
	TagLocal   ProviderTag = "local"
)

// AIProvider constants
const (
	AIProviderOpenAI    = "openai"
	AIProviderGemini    = "gemini"
	AIProviderAnthropic = "anthropic"
	AIProviderOllama    = "ollama"
)

// Default models and endpoints per provider
const (
	DefaultOpenAIModel      = "gpt-4o"
	DefaultGeminiModel      = "gemini-pro"
	DefaultAnthropicModel   = "claude-3-5-sonnet-latest"
	DefaultOllamaModel      = "llama3"
	DefaultOllamaBaseURL    = "http://localhost:11434"
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultGeminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
)

// CredentialRef is an opaque handle to a provider secret.
// Only the provider factory resolves it; everywhere else it prints redacted.
type CredentialRef struct {
	source string
	secret string
}

// NewCredentialRef wraps a secret read from source (an env key or file name).
func NewCredentialRef(source, secret string) CredentialRef {
	return CredentialRef{source: source, secret: secret}
}

// IsZero reports whether the handle carries no secret.
func (r CredentialRef) IsZero() bool { return r.secret == "" }

// Source names where the secret came from.
func (r CredentialRef) Source() string { return r.source }

func (r CredentialRef) String() string {
	if r.secret == "" {
		return "<none>"
	}
	return fmt.Sprintf("<%s redacted>", r.source)
}

// ResolveCredential returns the secret behind ref.
func ResolveCredential(ref CredentialRef) string { return ref.secret }

// ProviderConfig selects the active AI backend.
type ProviderConfig struct {
	Tag        ProviderTag
	Name       string
	Model      string
	Credential CredentialRef
	BaseURL    string
}

// Validate checks the tag and name pairing.
func (p ProviderConfig) Validate() error {
	tag, ok := TagForProvider(p.Name)
	if !ok {
		return fmt.Errorf("unknown AI provider %q", p.Name)
	}
	if p.Tag != tag {
		return fmt.Errorf("provider %q does not belong to tag %q", p.Name, p.Tag)
	}
	if p.Model == "" {
		return fmt.Errorf("no model configured for provider %q", p.Name)
	}
	if p.Name != AIProviderOllama && p.Credential.IsZero() {
		return fmt.Errorf("provider %q requires an API key (set SENTINEL_%s_API_KEY)", p.Name, strings.ToUpper(p.Name))
	}
	return nil
}

// TagForProvider maps a concrete provider name to its tag.
func TagForProvider(name string) (ProviderTag, bool) {
	switch name {
	case AIProviderOpenAI:
		return TagHostedA, true
	case AIProviderGemini, AIProviderAnthropic:
		return TagHostedB, true
	case AIProviderOllama:
		return TagLocal, true
	}
	return "", false
}

// DefaultModelForProvider returns the model used when none is configured.
func DefaultModelForProvider(name string) string {
	switch name {
	case AIProviderOpenAI:
		return DefaultOpenAIModel
	case AIProviderGemini:
		return DefaultGeminiModel
	case AIProviderAnthropic:
		return DefaultAnthropicModel
	case AIProviderOllama:
		return DefaultOllamaModel
	}
	return ""
}

// DefaultBaseURLForProvider returns the public endpoint of a provider.
func DefaultBaseURLForProvider(name string) string {
	switch name {
	case AIProviderOpenAI:
		return DefaultOpenAIBaseURL
	case AIProviderGemini:
		return DefaultGeminiBaseURL
	case AIProviderAnthropic:
		return DefaultAnthropicBaseURL
	case AIProviderOllama:
		return DefaultOllamaBaseURL
	}
	return ""
}

// ResolveProvider builds a ProviderConfig from a selector that is either a
// tag ("hosted-a", "hosted-b", "local") or a provider name. hosted-b resolves
// to gemini unless only an anthropic key is available.
func ResolveProvider(selector, model, baseURL string, apiKeys map[string]string) (ProviderConfig, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))

	var name string
	switch ProviderTag(selector) {
	case TagHostedA:
		name = AIProviderOpenAI
	case TagHostedB:
		name = AIProviderGemini
		if apiKeys[AIProviderGemini] == "" && apiKeys[AIProviderAnthropic] != "" {
			name = AIProviderAnthropic
		}
	case TagLocal:
		name = AIProviderOllama
	default:
		if _, ok := TagForProvider(selector); !ok {
			return ProviderConfig{}, fmt.Errorf("unknown provider %q (use hosted-a, hosted-b, local, openai, gemini, anthropic or ollama)", selector)
		}
		name = selector
	}

	tag, _ := TagForProvider(name)
	cfg := ProviderConfig{
		Tag:     tag,
		Name:    name,
		Model:   strings.TrimSpace(model),
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModelForProvider(name)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURLForProvider(name)
	}
	if key := apiKeys[name]; key != "" {
		cfg.Credential = NewCredentialRef("SENTINEL_"+strings.ToUpper(name)+"_API_KEY", key)
	}
	return cfg, nil
}

func providerFromEnv(getenv func(string) string, apiKeys map[string]string) (ProviderConfig, error) {
	selector := strings.TrimSpace(getenv("SENTINEL_PROVIDER"))
	if selector == "" {
		// Prefer a hosted backend when a key is present, otherwise a local Ollama.
		switch {
		case apiKeys[AIProviderOpenAI] != "":
			selector = AIProviderOpenAI
		case apiKeys[AIProviderGemini] != "":
			selector = AIProviderGemini
		case apiKeys[AIProviderAnthropic] != "":
			selector = AIProviderAnthropic
		default:
			selector = AIProviderOllama
		}
	}

	baseURL := getenv("SENTINEL_BASE_URL")
	if baseURL == "" {
		switch strings.ToLower(selector) {
		case AIProviderOllama, string(TagLocal):
			baseURL = getenv("SENTINEL_OLLAMA_URL")
		}
	}

	return ResolveProvider(selector, getenv("SENTINEL_MODEL"), baseURL, apiKeys)
}
