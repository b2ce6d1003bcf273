package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the full runtime configuration of the assistant.
type Config struct {
	DataDir string

	// Logging
	LogLevel    string
	LogFormat   string
	LogFile     string
	LogMaxSize  int
	LogMaxAge   int
	LogCompress bool

	// AI backend
	Provider ProviderConfig
	// API keys per concrete provider, keyed by provider name. Never logged.
	APIKeys map[string]string

	// Chat transport
	SlackBotToken string
	SlackAppToken string
	AdminIDs      []string

	// Orchestration limits
	TurnTimeout         time.Duration
	CommandTimeout      time.Duration
	ApprovalTimeout     time.Duration
	MaxTurnsInvestigate int
	MaxTurnsAsk         int
	MaxConcurrent       int
	OutputCapBytes      int
	BlockedPatterns     []string
	ContextBudgetTokens int
	StrictInvariants    bool
	KnownHostsPath      string
	DefaultSSHKeyPath   string
	MetricsAddr         string
	EnvOverrides        map[string]bool
}

// Defaults used when the environment does not override them.
const (
	DefaultDataDir             = "/var/lib/sentinel"
	DefaultTurnTimeout         = 2 * time.Minute
	DefaultCommandTimeout      = 60 * time.Second
	DefaultApprovalTimeout     = 5 * time.Minute
	DefaultMaxTurnsInvestigate = 15
	DefaultMaxTurnsAsk         = 5
	DefaultMaxConcurrent       = 3
	DefaultOutputCapBytes      = 16 * 1024
	DefaultMetricsAddr         = "127.0.0.1:9465"
)

// DefaultBlockedPatterns are wildcard patterns the gate refuses outright.
var DefaultBlockedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs*",
	"dd if=* of=/dev/sd*",
	":(){ :|:& };:",
}

// Load reads configuration from .env files and SENTINEL_* environment variables.
func Load() (*Config, error) {
	dataDir := DefaultDataDir
	if dir := strings.TrimSpace(os.Getenv("SENTINEL_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	// Load .env from the data dir if it exists (deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		DataDir:             dataDir,
		LogLevel:            "info",
		LogFormat:           "auto",
		LogMaxSize:          50,
		LogMaxAge:           14,
		LogCompress:         true,
		APIKeys:             make(map[string]string),
		TurnTimeout:         DefaultTurnTimeout,
		CommandTimeout:      DefaultCommandTimeout,
		ApprovalTimeout:     DefaultApprovalTimeout,
		MaxTurnsInvestigate: DefaultMaxTurnsInvestigate,
		MaxTurnsAsk:         DefaultMaxTurnsAsk,
		MaxConcurrent:       DefaultMaxConcurrent,
		OutputCapBytes:      DefaultOutputCapBytes,
		BlockedPatterns:     append([]string(nil), DefaultBlockedPatterns...),
		KnownHostsPath:      filepath.Join(dataDir, "known_hosts"),
		MetricsAddr:         DefaultMetricsAddr,
		EnvOverrides:        make(map[string]bool),
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("provider", cfg.Provider.Name).
		Str("model", cfg.Provider.Model).
		Int("admins", len(cfg.AdminIDs)).
		Msg("Configuration loaded")

	return cfg, nil
}

// applyEnv overlays SENTINEL_* variables read through getenv onto cfg.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.Trim(strings.TrimSpace(getenv(key)), "'\""); v != "" {
			*dst = v
			c.EnvOverrides[key] = true
		}
	}
	var parseErr error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			if parseErr == nil {
				parseErr = fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
			}
			return
		}
		*dst = n
		c.EnvOverrides[key] = true
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil || d <= 0 {
			if parseErr == nil {
				parseErr = fmt.Errorf("invalid %s %q: must be a positive duration", key, v)
			}
			return
		}
		*dst = d
		c.EnvOverrides[key] = true
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-boolean value")
			return
		}
		*dst = b
		c.EnvOverrides[key] = true
	}
	list := func(key string, dst *[]string) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		*dst = splitList(v)
		c.EnvOverrides[key] = true
	}

	str("SENTINEL_LOG_LEVEL", &c.LogLevel)
	str("SENTINEL_LOG_FORMAT", &c.LogFormat)
	str("SENTINEL_LOG_FILE", &c.LogFile)
	num("SENTINEL_LOG_MAX_SIZE", &c.LogMaxSize)
	num("SENTINEL_LOG_MAX_AGE", &c.LogMaxAge)
	flag("SENTINEL_LOG_COMPRESS", &c.LogCompress)

	str("SENTINEL_SLACK_BOT_TOKEN", &c.SlackBotToken)
	str("SENTINEL_SLACK_APP_TOKEN", &c.SlackAppToken)
	list("SENTINEL_ADMIN_IDS", &c.AdminIDs)

	dur("SENTINEL_TURN_TIMEOUT", &c.TurnTimeout)
	dur("SENTINEL_COMMAND_TIMEOUT", &c.CommandTimeout)
	dur("SENTINEL_APPROVAL_TIMEOUT", &c.ApprovalTimeout)
	num("SENTINEL_MAX_TURNS", &c.MaxTurnsInvestigate)
	num("SENTINEL_MAX_TURNS_ASK", &c.MaxTurnsAsk)
	num("SENTINEL_MAX_CONCURRENT", &c.MaxConcurrent)
	num("SENTINEL_OUTPUT_CAP", &c.OutputCapBytes)
	num("SENTINEL_CONTEXT_BUDGET", &c.ContextBudgetTokens)
	list("SENTINEL_BLOCKED_COMMANDS", &c.BlockedPatterns)
	flag("SENTINEL_STRICT", &c.StrictInvariants)
	str("SENTINEL_KNOWN_HOSTS", &c.KnownHostsPath)
	str("SENTINEL_SSH_KEY", &c.DefaultSSHKeyPath)
	str("SENTINEL_METRICS_ADDR", &c.MetricsAddr)

	for _, name := range []string{AIProviderOpenAI, AIProviderGemini, AIProviderAnthropic} {
		key := "SENTINEL_" + strings.ToUpper(name) + "_API_KEY"
		if v := strings.Trim(strings.TrimSpace(getenv(key)), "'\""); v != "" {
			c.APIKeys[name] = v
			c.EnvOverrides[key] = true
		}
	}

	provider, err := providerFromEnv(getenv, c.APIKeys)
	if err != nil {
		return err
	}
	c.Provider = provider

	return parseErr
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.TurnTimeout < c.CommandTimeout {
		return fmt.Errorf("turn timeout (%s) must not be shorter than command timeout (%s)", c.TurnTimeout, c.CommandTimeout)
	}
	if c.MaxTurnsInvestigate <= 0 || c.MaxTurnsAsk <= 0 {
		return fmt.Errorf("max turns must be positive")
	}
	if c.OutputCapBytes < 256 {
		return fmt.Errorf("output cap %d is too small (minimum 256 bytes)", c.OutputCapBytes)
	}
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	return nil
}

// IsAdmin reports whether userID may operate the assistant.
// An empty admin list allows everyone.
func (c *Config) IsAdmin(userID string) bool {
	if len(c.AdminIDs) == 0 {
		return true
	}
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DatabasePath returns the path of the sqlite database in the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sentinel.db")
}

// EnvPath returns the .env file watched for hot reload.
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataDir, ".env")
}

func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
