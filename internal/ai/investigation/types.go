// Package investigation drives multi-turn AI investigations against a server:
// it prompts the provider, gates proposed commands, runs approved ones and
// feeds the results back until the AI stops proposing or a ceiling is hit.
package investigation

import (
	"time"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
)

// Mode distinguishes an explicit /investigate from a free-form /ask.
type Mode string

const (
	ModeInvestigate Mode = "investigate"
	ModeAsk         Mode = "ask"
)

// Investigation is the record of one investigation run.
type Investigation struct {
	ID          string      `json:"id"`
	Key         session.Key `json:"key"`
	SessionID   string      `json:"session_id"`
	Mode        Mode        `json:"mode"`
	Goal        string      `json:"goal"`
	Status      Status      `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	TurnCount   int         `json:"turn_count"` // AI responses consumed
	MaxTurns    int         `json:"max_turns"`
	Commands    int         `json:"commands"` // commands executed
	Outcome     Outcome     `json:"outcome,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Status represents the current state of an investigation
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Outcome represents how an investigation ended
type Outcome string

const (
	OutcomeAnswered     Outcome = "answered"      // AI stopped proposing commands
	OutcomeTurnLimit    Outcome = "turn_limit"    // ceiling reached, summary produced
	OutcomeExpired      Outcome = "expired"       // approval timed out, operator absent
	OutcomeCancelled    Outcome = "cancelled"     // session reset
	OutcomeProviderFail Outcome = "provider_fail" // AI call failed
	OutcomeNoServer     Outcome = "no_server"     // commands proposed without a target
)

// Config bounds investigations.
type Config struct {
	MaxTurnsInvestigate int
	MaxTurnsAsk         int
	// TurnTimeout bounds each provider call and each executor call.
	TurnTimeout time.Duration
	// CommandTimeout is the hard remote timeout of one command.
	CommandTimeout time.Duration
	MaxConcurrent  int
	// ChatOutputLimit caps command output echoed to the chat.
	ChatOutputLimit int
}

// DefaultConfig returns the default investigation limits.
func DefaultConfig() Config {
	return Config{
		MaxTurnsInvestigate: 15,
		MaxTurnsAsk:         5,
		TurnTimeout:         2 * time.Minute,
		CommandTimeout:      60 * time.Second,
		MaxConcurrent:       3,
		ChatOutputLimit:     3000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxTurnsInvestigate <= 0 {
		c.MaxTurnsInvestigate = def.MaxTurnsInvestigate
	}
	if c.MaxTurnsAsk <= 0 {
		c.MaxTurnsAsk = def.MaxTurnsAsk
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = def.TurnTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.ChatOutputLimit <= 0 {
		c.ChatOutputLimit = def.ChatOutputLimit
	}
	return c
}

func (c Config) maxTurns(mode Mode) int {
	if mode == ModeAsk {
		return c.MaxTurnsAsk
	}
	return c.MaxTurnsInvestigate
}

// Turn texts recorded in the session history.
const (
	followUpPrompt = "Command executed. Analyze results."
	summaryPrompt  = "Turn limit reached. Summarize what you found so far and recommend next steps. Do not propose further commands."
)
