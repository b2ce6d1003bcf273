package bot

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/providers"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
	"github.com/rcourtman/pulse-sentinel/internal/hostmetrics"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
)

type handlerFunc func(b *Bot, ctx context.Context, ev Event, args string)

var handlers = map[string]handlerFunc{
	"/start":        (*Bot).handleHelp,
	"/help":         (*Bot).handleHelp,
	"/explain":      (*Bot).handleExplain,
	"/status":       (*Bot).handleStatus,
	"/servers":      (*Bot).handleServers,
	"/add":          (*Bot).handleAdd,
	"/remove":       (*Bot).handleRemove,
	"/use":          (*Bot).handleUse,
	"/exec":         (*Bot).handleExec,
	"/ask":          (*Bot).handleAsk,
	"/investigate":  (*Bot).handleInvestigate,
	"/discover":     (*Bot).handleDiscover,
	"/reset":        (*Bot).handleReset,
	"/history":      (*Bot).handleHistory,
	"/approve":      (*Bot).handleApprove,
	"/reject":       (*Bot).handleReject,
	"/models":       (*Bot).handleModels,
	"/provider":     (*Bot).handleProvider,
	"/model":        (*Bot).handleModel,
	"/ai_info":      (*Bot).handleAIInfo,
	"/count_tokens": (*Bot).handleCountTokens,
	"/logs":         (*Bot).handleLogs,
	"/loglevel":     (*Bot).handleLogLevel,
}

const helpText = `Commands:
/servers [pattern] - list servers
/add <alias> <host> <user> [port] - register a server
/remove <alias> - forget a server
/use <alias> - select the server for this chat
/ask <question> - ask the AI (plain messages work too)
/investigate <alias> [goal] - let the AI investigate a server
/discover <alias> - run the discovery probes and get an analysis
/exec <alias> <command> - run a command yourself
/approve <id>, /reject <id> - decide on a proposed command
/reset - drop the conversation for the selected server
/history [session-id] - show the stored conversation
/models, /provider <tag|name> [model], /model <name>, /ai_info, /count_tokens <text>
/logs [n] [level], /loglevel <level> - read recent log lines, change verbosity
/status, /explain, /help`

const explainText = `How this works:
1. Your message and the conversation so far go to the active AI provider.
2. The AI answers in prose and proposes shell commands on lines starting with RUN:.
3. Each proposed command is shown with Run and Skip buttons. Nothing runs without your approval, and approvals expire after a few minutes.
4. Approved commands run over SSH on the selected server with a hard timeout; output is capped and fed back to the AI.
5. The AI keeps going until it stops proposing commands or the turn limit is reached.
Every proposal, decision and execution is written to the audit log.`

func (b *Bot) handleHelp(ctx context.Context, ev Event, _ string) {
	b.reply(ctx, ev.ChatID, helpText)
}

func (b *Bot) handleExplain(ctx context.Context, ev Event, _ string) {
	b.reply(ctx, ev.ChatID, explainText)
}

func (b *Bot) handleStatus(ctx context.Context, ev Event, _ string) {
	var sb strings.Builder
	version := b.deps.Version
	if version == "" {
		version = "dev"
	}
	fmt.Fprintf(&sb, "Sentinel %s, up %s (%s)\n", version, time.Since(b.started).Truncate(time.Second), runtime.Version())

	pcfg := b.deps.AI.Config()
	breaker := b.deps.AI.BreakerStatus()
	fmt.Fprintf(&sb, "AI: %s / %s (%s), circuit %s\n", pcfg.Name, pcfg.Model, pcfg.Tag, breaker.State)

	if list, err := b.deps.Servers.List(ctx); err == nil {
		fmt.Fprintf(&sb, "Servers: %d", len(list))
		if alias := b.Selected(ev.ChatID); alias != "" {
			fmt.Fprintf(&sb, ", selected: %s", alias)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Sessions: %d, investigations running: %d\n", b.deps.Sessions.Count(), b.deps.Orchestrator.GetRunningCount())

	stats := b.deps.Gate.Stats()
	fmt.Fprintf(&sb, "Commands: %d pending, %d executed, %d rejected, %d expired\n",
		stats[approval.StatePending], stats[approval.StateExecuted], stats[approval.StateRejected], stats[approval.StateExpired])

	if snap, err := hostmetrics.Collect(ctx); err == nil {
		sb.WriteString(snap.Format())
	} else {
		fmt.Fprintf(&sb, "Host report unavailable: %v", err)
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleServers(ctx context.Context, ev Event, args string) {
	list, err := b.deps.Servers.List(ctx)
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	list = servers.Filter(list, args)
	if len(list) == 0 {
		if args != "" {
			b.reply(ctx, ev.ChatID, fmt.Sprintf("No servers match %q.", args))
			return
		}
		b.reply(ctx, ev.ChatID, "No servers yet. Add one with /add <alias> <host> <user> [port].")
		return
	}
	selected := b.Selected(ev.ChatID)
	var sb strings.Builder
	sb.WriteString("Servers:\n")
	for _, s := range list {
		marker := "-"
		if s.Alias == selected {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s\n", marker, s)
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleAdd(ctx context.Context, ev Event, args string) {
	fields := strings.Fields(args)
	if len(fields) < 3 || len(fields) > 4 {
		b.reply(ctx, ev.ChatID, "Usage: /add <alias> <host> <user> [port]")
		return
	}
	srv := servers.Server{Alias: fields[0], Host: fields[1], User: fields[2]}
	if len(fields) == 4 {
		port, err := strconv.Atoi(fields[3])
		if err != nil {
			b.replyErr(ctx, ev.ChatID, fmt.Errorf("port %q: %w", fields[3], sentinelerrors.ErrInvalidInput))
			return
		}
		srv.Port = port
	}
	if err := srv.Validate(); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	if err := b.deps.Servers.Add(ctx, srv); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}

	event := audit.NewEvent(audit.EventServerAdded)
	event.ChatID = ev.ChatID
	event.User = ev.UserID
	event.Server = srv.Alias
	event.Details = srv.String()
	b.recordAudit(event)

	b.reply(ctx, ev.ChatID, fmt.Sprintf("Added %s. Select it with /use %s.", srv, srv.Alias))
}

func (b *Bot) handleRemove(ctx context.Context, ev Event, args string) {
	alias := strings.TrimSpace(args)
	if alias == "" {
		b.reply(ctx, ev.ChatID, "Usage: /remove <alias>")
		return
	}
	if err := b.deps.Servers.Remove(ctx, alias); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	if b.Selected(ev.ChatID) == alias {
		b.selectServer(ev.ChatID, "")
	}
	b.deps.Orchestrator.Reset(session.Key{ChatID: ev.ChatID, Server: alias})

	event := audit.NewEvent(audit.EventServerRemoved)
	event.ChatID = ev.ChatID
	event.User = ev.UserID
	event.Server = alias
	b.recordAudit(event)

	b.reply(ctx, ev.ChatID, fmt.Sprintf("Removed %s.", alias))
}

func (b *Bot) handleUse(ctx context.Context, ev Event, args string) {
	alias := strings.TrimSpace(args)
	if alias == "" {
		if cur := b.Selected(ev.ChatID); cur != "" {
			b.reply(ctx, ev.ChatID, fmt.Sprintf("Selected server: %s. Usage: /use <alias>", cur))
			return
		}
		b.reply(ctx, ev.ChatID, "No server selected. Usage: /use <alias>")
		return
	}
	srv, err := b.deps.Servers.Get(ctx, alias)
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	b.selectServer(ev.ChatID, srv.Alias)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Using %s for this chat.", srv))
}

func (b *Bot) handleExec(ctx context.Context, ev Event, args string) {
	alias, command, _ := strings.Cut(args, " ")
	command = strings.TrimSpace(command)
	if alias == "" || command == "" {
		b.reply(ctx, ev.ChatID, "Usage: /exec <alias> <command>")
		return
	}
	srv, err := b.deps.Servers.Get(ctx, alias)
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}

	res, err := b.deps.Runner.Run(ctx, srv, command, b.deps.CommandTimeout)
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordCommandRun(res.Duration, res.ExitCode, res.TimedOut, err)
	}

	event := audit.NewEvent(audit.EventDirectExec)
	event.ChatID = ev.ChatID
	event.User = ev.UserID
	event.Server = srv.Alias
	event.Command = command
	event.Success = err == nil && res.ExitCode == 0
	event.Details = fmt.Sprintf("exit=%d duration=%s timed_out=%t", res.ExitCode, res.Duration.Round(time.Millisecond), res.TimedOut)
	b.recordAudit(event)

	if err != nil && !res.TimedOut {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("`%s` on %s (exit %d, %s):\n```\n%s\n```",
		command, srv.Alias, res.ExitCode, res.Duration.Round(time.Millisecond), executor.Truncate(res.Text(), MaxMessageLength-200)))
}

func (b *Bot) handleAsk(ctx context.Context, ev Event, args string) {
	if args == "" {
		b.reply(ctx, ev.ChatID, "Usage: /ask <question>")
		return
	}
	b.replyErr(ctx, ev.ChatID, b.deps.Orchestrator.Ask(ctx, b.key(ev.ChatID), args))
}

func (b *Bot) handleInvestigate(ctx context.Context, ev Event, args string) {
	alias, goal, _ := strings.Cut(args, " ")
	if alias == "" {
		alias = b.Selected(ev.ChatID)
	}
	if alias == "" {
		b.reply(ctx, ev.ChatID, "Usage: /investigate <alias> [goal]")
		return
	}
	if _, err := b.deps.Servers.Get(ctx, alias); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	b.selectServer(ev.ChatID, alias)
	b.replyErr(ctx, ev.ChatID, b.deps.Orchestrator.Investigate(ctx, ev.ChatID, alias, goal))
}

func (b *Bot) handleReset(ctx context.Context, ev Event, _ string) {
	key := b.key(ev.ChatID)
	if b.deps.Orchestrator.Reset(key) {
		b.reply(ctx, ev.ChatID, "Conversation reset.")
		return
	}
	b.reply(ctx, ev.ChatID, "Nothing to reset.")
}

func (b *Bot) handleHistory(ctx context.Context, ev Event, args string) {
	sessionID := strings.TrimSpace(args)
	var turns []session.Turn
	if sessionID == "" {
		sess, ok := b.deps.Sessions.Get(b.key(ev.ChatID))
		if !ok {
			b.reply(ctx, ev.ChatID, "No conversation yet for this chat.")
			return
		}
		sessionID = sess.ID
		turns = sess.Turns
	}
	if stored, err := b.deps.Sessions.History(ctx, sessionID); err == nil {
		turns = stored
	} else if turns == nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (%d turns):\n", sessionID, len(turns))
	for _, t := range turns {
		if t.Role == session.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.At.Format("15:04:05"), t.Role, oneLine(t.Text, 200))
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleApprove(ctx context.Context, ev Event, args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		b.reply(ctx, ev.ChatID, "Usage: /approve <id>")
		return
	}
	b.replyErr(ctx, ev.ChatID, b.deps.Orchestrator.Approve(ctx, id, ev.UserID))
}

func (b *Bot) handleReject(ctx context.Context, ev Event, args string) {
	id := strings.TrimSpace(args)
	if id == "" {
		b.reply(ctx, ev.ChatID, "Usage: /reject <id>")
		return
	}
	b.replyErr(ctx, ev.ChatID, b.deps.Orchestrator.Reject(ctx, id, ev.UserID))
}

func (b *Bot) handleModels(ctx context.Context, ev Event, _ string) {
	models, err := b.deps.AI.ListModels(ctx)
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	active := b.deps.AI.Config()
	if len(models) == 0 {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("%s reported no models.", active.Name))
		return
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Models on %s:\n", active.Name)
	for _, m := range models {
		marker := "-"
		if m.ID == active.Model {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s\n", marker, m.ID)
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleProvider(ctx context.Context, ev Event, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		cur := b.deps.AI.Config()
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Active: %s (%s) / %s. Usage: /provider <hosted-a|hosted-b|local|openai|gemini|anthropic|ollama> [model]", cur.Name, cur.Tag, cur.Model))
		return
	}
	model := ""
	if len(fields) == 2 {
		model = fields[1]
	}

	prev := b.deps.AI.Config()
	cfg, err := config.ResolveProvider(fields[0], model, "", b.deps.APIKeys())
	if err == nil {
		if cfg.Name == prev.Name {
			// keep a custom endpoint when only the model changes
			cfg.BaseURL = prev.BaseURL
		}
		err = cfg.Validate()
	}
	if err != nil {
		b.replyErr(ctx, ev.ChatID, fmt.Errorf("%v: %w", err, sentinelerrors.ErrInvalidInput))
		return
	}
	if err := b.deps.AI.Set(cfg); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}

	event := audit.NewEvent(audit.EventProviderSwitch)
	event.ChatID = ev.ChatID
	event.User = ev.UserID
	event.Details = fmt.Sprintf("%s/%s -> %s/%s", prev.Name, prev.Model, cfg.Name, cfg.Model)
	b.recordAudit(event)

	b.reply(ctx, ev.ChatID, fmt.Sprintf("Switched to %s (%s) / %s. Conversations keep their history.", cfg.Name, cfg.Tag, cfg.Model))
}

func (b *Bot) handleModel(ctx context.Context, ev Event, args string) {
	model := strings.TrimSpace(args)
	if model == "" {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Active model: %s. Usage: /model <name>", b.deps.AI.Config().Model))
		return
	}
	if err := b.deps.AI.SetModel(model); err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Model set to %s.", model))
}

func (b *Bot) handleAIInfo(ctx context.Context, ev Event, _ string) {
	cfg := b.deps.AI.Config()
	breaker := b.deps.AI.BreakerStatus()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Provider: %s (%s)\n", cfg.Name, cfg.Tag)
	fmt.Fprintf(&sb, "Model: %s\n", cfg.Model)
	fmt.Fprintf(&sb, "Endpoint: %s\n", cfg.BaseURL)
	fmt.Fprintf(&sb, "Credential: %s\n", cfg.Credential)
	fmt.Fprintf(&sb, "Context window: %d tokens\n", b.deps.AI.ContextWindow())
	fmt.Fprintf(&sb, "Circuit: %s", breaker.State)
	if breaker.Failures > 0 {
		fmt.Fprintf(&sb, ", %d consecutive failures", breaker.Failures)
	}
	if breaker.TimeUntilRetry > 0 {
		fmt.Fprintf(&sb, ", retry in %s", breaker.TimeUntilRetry.Round(time.Second))
	}
	if breaker.LastError != "" {
		fmt.Fprintf(&sb, "\nLast error: %s", breaker.LastError)
	}
	b.reply(ctx, ev.ChatID, sb.String())
}

func (b *Bot) handleCountTokens(ctx context.Context, ev Event, args string) {
	if args == "" {
		b.reply(ctx, ev.ChatID, "Usage: /count_tokens <text>")
		return
	}
	n, exact, err := b.deps.AI.CountTokens(ctx, []providers.Message{{Role: providers.RoleUser, Content: args}})
	if err != nil {
		b.replyErr(ctx, ev.ChatID, err)
		return
	}
	kind := "estimated"
	if exact {
		kind = "exact"
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("%d tokens (%s, %s)", n, kind, b.deps.AI.Config().Name))
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
