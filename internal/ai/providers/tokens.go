package providers

// Heuristic token estimation: roughly 4 characters per token plus a fixed
// per-message overhead for role and framing.
const (
	charsPerToken      = 4
	perMessageOverhead = 4
)

// EstimateTokens estimates the token count of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage estimates one message including framing overhead.
func EstimateMessage(m Message) int {
	return EstimateTokens(m.Content) + perMessageOverhead
}

// EstimateMessages estimates a whole history.
func EstimateMessages(history []Message) int {
	total := 0
	for _, m := range history {
		total += EstimateMessage(m)
	}
	return total
}

// MaxReplyTokens is the reply length requested from providers that take an
// explicit limit, and the share of the context window kept free for it.
const MaxReplyTokens = 4096

// PromptBudget returns how many tokens of window the prompt may use. The
// reply reserve is MaxReplyTokens, capped at a quarter of small windows.
func PromptBudget(window int) int {
	reserve := MaxReplyTokens
	if quarter := window / 4; quarter < reserve {
		reserve = quarter
	}
	return window - reserve
}

// ContextWindow returns the context window in tokens for a model, falling
// back to a conservative default per provider.
func ContextWindow(provider, model string) int {
	if n, ok := knownContextWindows[model]; ok {
		return n
	}
	switch provider {
	case "openai":
		return 128000
	case "anthropic":
		return 200000
	case "gemini":
		return 32000
	default:
		return 8192
	}
}

var knownContextWindows = map[string]int{
	"gpt-4o":                   128000,
	"gpt-4o-mini":              128000,
	"gpt-4-turbo":              128000,
	"gpt-3.5-turbo":            16385,
	"gemini-pro":               32760,
	"gemini-1.5-pro":           2000000,
	"gemini-1.5-flash":         1000000,
	"claude-3-5-sonnet-latest": 200000,
	"claude-3-5-haiku-latest":  200000,
	"llama3":                   8192,
	"llama3.1":                 131072,
	"mistral":                  32768,
}
