// Package bot routes chat events to the assistant. It is transport-agnostic:
// Slack, the console REPL and tests all feed it Event values and receive its
// replies through an investigation.Transport.
package bot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/circuit"
	"github.com/rcourtman/pulse-sentinel/internal/ai/investigation"
	"github.com/rcourtman/pulse-sentinel/internal/ai/providers"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/logging"
	"github.com/rcourtman/pulse-sentinel/internal/metrics"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
)

// Event is one inbound chat interaction. CallbackID is set for button
// presses ("run:<id>", "skip:<id>") and Text for messages.
type Event struct {
	ChatID     string
	UserID     string
	Text       string
	CallbackID string
}

// Callback prefixes carried by approval buttons.
const (
	CallbackRun  = "run:"
	CallbackSkip = "skip:"
)

// AIControl is the provider switch as seen by chat commands.
type AIControl interface {
	Config() config.ProviderConfig
	Set(cfg config.ProviderConfig) error
	SetModel(model string) error
	ListModels(ctx context.Context) ([]providers.ModelInfo, error)
	CountTokens(ctx context.Context, history []providers.Message) (int, bool, error)
	ContextWindow() int
	BreakerStatus() circuit.Status
}

// Deps are the collaborators of a Bot. Audit and Metrics are optional.
type Deps struct {
	Orchestrator *investigation.Orchestrator
	AI           AIControl
	Sessions     *session.Manager
	Gate         *approval.Gate
	Servers      servers.Store
	Runner       investigation.Runner
	Sender       investigation.Transport
	Audit        audit.Logger
	Metrics      *metrics.Metrics

	// IsAdmin reports whether a user may operate the bot.
	IsAdmin func(userID string) bool
	// APIKeys returns the current provider API keys for /provider.
	APIKeys func() map[string]string

	CommandTimeout time.Duration
	Version        string
}

// Bot dispatches chat events.
type Bot struct {
	deps    Deps
	started time.Time

	mu       sync.RWMutex
	selected map[string]string // chat id -> server alias
}

// New creates a Bot.
func New(deps Deps) *Bot {
	if deps.IsAdmin == nil {
		deps.IsAdmin = func(string) bool { return true }
	}
	if deps.APIKeys == nil {
		deps.APIKeys = func() map[string]string { return nil }
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = 60 * time.Second
	}
	return &Bot{
		deps:     deps,
		started:  time.Now(),
		selected: make(map[string]string),
	}
}

// Handle processes one event. It blocks until the reply has been sent, so
// transports call it from their own goroutine per event.
func (b *Bot) Handle(ctx context.Context, ev Event) {
	ctx, requestID := logging.WithRequestID(ctx, "")
	logger := logging.FromContext(ctx).With().
		Str("chat_id", ev.ChatID).
		Str("user", ev.UserID).
		Logger()

	name := commandName(ev)
	if !b.deps.IsAdmin(ev.UserID) {
		logger.Warn().Str("command", name).Msg("Ignoring event from non-admin user")
		b.recordEvent(name, false)
		b.auditDenied(ev, name)
		return
	}
	b.recordEvent(name, true)
	logger.Debug().Str("command", name).Str("request_id", requestID).Msg("Handling chat event")

	if ev.CallbackID != "" {
		b.handleCallback(ctx, ev)
		return
	}

	cmd, args := parseCommand(ev.Text)
	h, ok := handlers[cmd]
	if !ok {
		if strings.HasPrefix(cmd, "/") {
			b.reply(ctx, ev.ChatID, "Unknown command "+cmd+". Send /help for the command list.")
			return
		}
		h = (*Bot).handleAsk
		args = strings.TrimSpace(ev.Text)
	}
	h(b, ctx, ev, args)
}

func (b *Bot) handleCallback(ctx context.Context, ev Event) {
	var err error
	switch {
	case strings.HasPrefix(ev.CallbackID, CallbackRun):
		err = b.deps.Orchestrator.Approve(ctx, strings.TrimPrefix(ev.CallbackID, CallbackRun), ev.UserID)
	case strings.HasPrefix(ev.CallbackID, CallbackSkip):
		err = b.deps.Orchestrator.Reject(ctx, strings.TrimPrefix(ev.CallbackID, CallbackSkip), ev.UserID)
	default:
		log.Warn().Str("callback", ev.CallbackID).Msg("Unknown callback")
		return
	}
	b.replyErr(ctx, ev.ChatID, err)
}

// commandName labels an event for metrics and logs.
func commandName(ev Event) string {
	if ev.CallbackID != "" {
		if i := strings.Index(ev.CallbackID, ":"); i > 0 {
			return "callback_" + ev.CallbackID[:i]
		}
		return "callback"
	}
	cmd, _ := parseCommand(ev.Text)
	if _, ok := handlers[cmd]; ok {
		return strings.TrimPrefix(cmd, "/")
	}
	return "message"
}

// parseCommand splits "/cmd@botname rest" into "/cmd" and "rest".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	if err := b.deps.Sender.SendText(ctx, chatID, text); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to send reply")
	}
}

// replyErr sends the single operator-visible message for err, if any.
func (b *Bot) replyErr(ctx context.Context, chatID string, err error) {
	if err == nil {
		return
	}
	log.Debug().Err(err).Str("chat_id", chatID).Msg("Command failed")
	b.reply(ctx, chatID, sentinelerrors.UserMessage(err))
}

// Selected returns the server alias selected in chatID.
func (b *Bot) Selected(chatID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selected[chatID]
}

func (b *Bot) selectServer(chatID, alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if alias == "" {
		delete(b.selected, chatID)
		return
	}
	b.selected[chatID] = alias
}

func (b *Bot) key(chatID string) session.Key {
	return session.Key{ChatID: chatID, Server: b.Selected(chatID)}
}

func (b *Bot) recordEvent(name string, accepted bool) {
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordChatEvent(name, accepted)
	}
}

func (b *Bot) recordAudit(event audit.Event) {
	if b.deps.Audit == nil {
		return
	}
	if err := b.deps.Audit.Log(event); err != nil {
		log.Warn().Err(err).Str("event", event.EventType).Msg("Failed to write audit event")
	}
}

func (b *Bot) auditDenied(ev Event, name string) {
	event := audit.NewEvent(audit.EventAccessDenied)
	event.ChatID = ev.ChatID
	event.User = ev.UserID
	event.Success = false
	event.Details = name
	b.recordAudit(event)
}
