// Package audit records every remote command and every gate decision.
//
// The Logger interface has two backends: ConsoleLogger writes to zerolog
// only, SQLiteLogger also keeps a queryable history in the shared database.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event types
const (
	EventCommandProposed = "command_proposed"
	EventCommandDecision = "command_decision"
	EventCommandExecuted = "command_executed"
	EventDirectExec      = "direct_exec"
	EventProviderSwitch  = "provider_switch"
	EventServerAdded     = "server_added"
	EventServerRemoved   = "server_removed"
	EventAccessDenied    = "access_denied"
)

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event"`
	ChatID    string    `json:"chat_id,omitempty"`
	User      string    `json:"user,omitempty"`
	Server    string    `json:"server,omitempty"`
	Command   string    `json:"command,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// QueryFilter defines filters for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	EventType string
	ChatID    string
	Server    string
	Limit     int
}

// Logger defines the interface for audit logging backends.
type Logger interface {
	// Log records an audit event
	Log(event Event) error
	// Query retrieves audit events matching the filter, newest first
	Query(filter QueryFilter) ([]Event, error)
	// Close releases any resources held by the logger
	Close() error
}

// NewEvent fills in the id and timestamp of an event.
func NewEvent(eventType string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		EventType: eventType,
		Success:   true,
	}
}

// ConsoleLogger implements Logger by writing to zerolog.
type ConsoleLogger struct{}

// NewConsoleLogger creates a new console-based audit logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// Log writes an audit event to zerolog.
func (c *ConsoleLogger) Log(event Event) error {
	logEvent(event)
	return nil
}

// Query returns nothing: console events are not queryable.
func (c *ConsoleLogger) Query(QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Close is a no-op for the console logger.
func (c *ConsoleLogger) Close() error {
	return nil
}

func logEvent(event Event) {
	logger := log.With().
		Str("audit_id", event.ID).
		Str("event", event.EventType).
		Str("chat_id", event.ChatID).
		Str("user", event.User).
		Str("server", event.Server).
		Str("command_id", event.CommandID).
		Str("command", event.Command).
		Str("details", event.Details).
		Logger()

	if event.Success {
		logger.Info().Msg("Audit event")
	} else {
		logger.Warn().Msg("Audit event - FAILED")
	}
}
