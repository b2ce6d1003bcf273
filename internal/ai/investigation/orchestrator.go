package investigation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/extract"
	"github.com/rcourtman/pulse-sentinel/internal/ai/providers"
	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	"github.com/rcourtman/pulse-sentinel/internal/config"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
	"github.com/rcourtman/pulse-sentinel/internal/logging"
	"github.com/rcourtman/pulse-sentinel/internal/metrics"
	"github.com/rcourtman/pulse-sentinel/internal/servers"
	"github.com/rcourtman/pulse-sentinel/pkg/audit"
)

// Completer is the AI backend as seen by the orchestrator.
type Completer interface {
	Complete(ctx context.Context, history []providers.Message, model string) (*providers.ChatResponse, error)
	Config() config.ProviderConfig
}

// Runner executes one command on a server.
type Runner interface {
	Run(ctx context.Context, server servers.Server, command string, timeout time.Duration) (executor.Result, error)
}

// Transport delivers orchestrator output to a chat.
type Transport interface {
	SendText(ctx context.Context, chatID, text string) error
	PresentApproval(ctx context.Context, chatID string, cmd approval.ProposedCommand) error
}

// Deps are the collaborators of an Orchestrator. Audit and Metrics are optional.
type Deps struct {
	AI        Completer
	Sessions  *session.Manager
	Gate      *approval.Gate
	Runner    Runner
	Servers   servers.Store
	Transport Transport
	Audit     audit.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator runs investigations. Work on one session is serialized by the
// session lock; different sessions proceed in parallel up to MaxConcurrent
// running investigations.
type Orchestrator struct {
	config Config

	ai        Completer
	sessions  *session.Manager
	gate      *approval.Gate
	runner    Runner
	servers   servers.Store
	transport Transport
	audit     audit.Logger
	metrics   *metrics.Metrics

	store *Store
	sem   *semaphore.Weighted

	releaseMu sync.Mutex
	releases  map[string]func(Outcome)
}

// NewOrchestrator creates an orchestrator and registers it with the gate for
// state changes and expiry.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		config:    cfg,
		ai:        deps.AI,
		sessions:  deps.Sessions,
		gate:      deps.Gate,
		runner:    deps.Runner,
		servers:   deps.Servers,
		transport: deps.Transport,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		store:     NewStore(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		releases:  make(map[string]func(Outcome)),
	}
	o.gate.SetObserver(o.observe)
	o.gate.OnExpire(o.handleExpired)
	return o
}

// GetConfig returns the current limits.
func (o *Orchestrator) GetConfig() Config {
	return o.config
}

// Store returns the investigation records.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// GetRunningCount returns the number of unfinished investigations.
func (o *Orchestrator) GetRunningCount() int {
	return o.store.CountRunning()
}

// Investigate starts an investigation of the server alias in chatID.
func (o *Orchestrator) Investigate(ctx context.Context, chatID, alias, goal string) error {
	srv, err := o.servers.Get(ctx, alias)
	if err != nil {
		return err
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		goal = "Check overall health: load, memory, disk usage and recent errors."
	}
	prompt := fmt.Sprintf("Investigate server %s (%s). Goal: %s", srv.Alias, srv.Host, goal)
	return o.start(ctx, session.Key{ChatID: chatID, Server: srv.Alias}, ModeInvestigate, goal, prompt)
}

// Ask sends a free-form question in the session of key. The server part of
// key may be empty, in which case proposed commands cannot run.
func (o *Orchestrator) Ask(ctx context.Context, key session.Key, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("empty question: %w", sentinelerrors.ErrInvalidInput)
	}
	if key.Server != "" {
		if _, err := o.servers.Get(ctx, key.Server); err != nil {
			return err
		}
	}
	return o.start(ctx, key, ModeAsk, question, question)
}

func (o *Orchestrator) start(ctx context.Context, key session.Key, mode Mode, goal, prompt string) error {
	cfg := o.GetConfig()

	acquireCtx, cancel := context.WithTimeout(ctx, cfg.TurnTimeout)
	err := o.sem.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sentinelerrors.WrapTimeoutError("investigate", key.String(),
			fmt.Errorf("all %d investigation slots stayed busy", cfg.MaxConcurrent))
	}

	unlock := o.sessions.Lock(key)
	defer unlock()

	if _, pending := o.gate.Pending(key); pending {
		o.sem.Release(1)
		return fmt.Errorf("%s: %w", key, sentinelerrors.ErrGateConflict)
	}
	// Commands still queued behind a decided one belong to the previous
	// request and must not surface in this one.
	for _, pc := range o.gate.Supersede(key) {
		o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: declinedText(pc)})
	}
	if prev, ok := o.store.Active(key); ok {
		o.finish(prev.ID, OutcomeCancelled, "", nil)
	}

	sess := o.sessions.Ensure(key)
	inv := o.store.Create(key, sess.ID, mode, goal, cfg.maxTurns(mode))
	o.track(inv.ID, mode)

	logger := logging.FromContext(ctx)
	logger.Info().
		Str("investigation_id", inv.ID).
		Str("session_id", sess.ID).
		Str("chat_id", key.ChatID).
		Str("server", key.Server).
		Str("mode", string(mode)).
		Int("max_turns", inv.MaxTurns).
		Msg("Starting investigation")

	o.sessions.Append(key, session.Turn{Role: session.RoleOperator, Text: prompt})
	return o.advance(ctx, inv.ID)
}

// track holds a concurrency slot and an active-investigation gauge until finish.
func (o *Orchestrator) track(id string, mode Mode) {
	done := func(string) {}
	if o.metrics != nil {
		done = o.metrics.InvestigationStarted(string(mode))
	}
	var once sync.Once
	o.releaseMu.Lock()
	o.releases[id] = func(outcome Outcome) {
		once.Do(func() {
			done(string(outcome))
			o.sem.Release(1)
		})
	}
	o.releaseMu.Unlock()
}

func (o *Orchestrator) finish(id string, outcome Outcome, summary string, cause error) {
	var (
		inv Investigation
		ok  bool
	)
	if cause != nil {
		inv, ok = o.store.Fail(id, outcome, sentinelerrors.UserMessage(cause))
	} else {
		inv, ok = o.store.Complete(id, outcome, summary)
	}
	if !ok {
		return
	}

	o.releaseMu.Lock()
	release := o.releases[id]
	delete(o.releases, id)
	o.releaseMu.Unlock()
	if release != nil {
		release(outcome)
	}

	log.Info().
		Str("investigation_id", id).
		Str("chat_id", inv.Key.ChatID).
		Str("server", inv.Key.Server).
		Str("outcome", string(outcome)).
		Int("turns", inv.TurnCount).
		Int("commands", inv.Commands).
		Msg("Investigation finished")
}

// advance prompts the AI until it proposes a command that needs a decision,
// stops proposing, or the turn ceiling is hit. The session lock must be held.
func (o *Orchestrator) advance(ctx context.Context, id string) error {
	for {
		inv, ok := o.store.Get(id)
		if !ok || inv.CompletedAt != nil {
			return nil
		}
		key := inv.Key

		if inv.TurnCount >= inv.MaxTurns {
			return o.summarize(ctx, inv)
		}

		reply, err := o.complete(ctx, key)
		if err != nil {
			o.finish(id, OutcomeProviderFail, "", err)
			return err
		}
		o.store.IncrementTurnCount(id)
		o.sessions.Append(key, session.Turn{Role: session.RoleAssistant, Text: reply})

		res := extract.Extract(reply)
		for _, ig := range res.Ignored {
			log.Debug().Str("chat_id", key.ChatID).Int("line", ig.Line).Err(ig.Err).Msg("Ignored command marker")
		}
		if res.Narrative != "" {
			o.send(ctx, key.ChatID, res.Narrative)
		}

		if len(res.Commands) == 0 {
			o.finish(id, OutcomeAnswered, res.Narrative, nil)
			return nil
		}
		if key.Server == "" {
			o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: "No server is selected, the proposed commands were not run."})
			o.send(ctx, key.ChatID, "No server selected, so the proposed commands were not run. Use /use <alias> or /investigate <alias>.")
			o.finish(id, OutcomeNoServer, res.Narrative, nil)
			return nil
		}

		turnIndex := 0
		if sess, ok := o.sessions.Get(key); ok {
			turnIndex = len(sess.Turns) - 1
		}
		proposal, err := o.gate.Propose(key, uuid.NewString(), turnIndex, res.Commands)
		for _, pc := range proposal.Declined {
			o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: declinedText(pc)})
			o.send(ctx, key.ChatID, fmt.Sprintf("Not running `%s`: %s.", pc.Command, pc.Reason))
		}
		if err != nil {
			o.finish(id, OutcomeCancelled, "", err)
			return err
		}
		if proposal.Surfaced != nil {
			return o.await(ctx, id, *proposal.Surfaced)
		}
		// Every proposal was declined; the AI sees why on the next turn.
	}
}

// await presents pc for a decision.
func (o *Orchestrator) await(ctx context.Context, id string, pc approval.ProposedCommand) error {
	o.store.Update(id, func(inv *Investigation) { inv.Status = StatusAwaitingApproval })
	if err := o.transport.PresentApproval(ctx, pc.Key.ChatID, pc); err != nil {
		log.Warn().Err(err).Str("command_id", pc.ID).Msg("Failed to present command for approval")
		return err
	}
	return nil
}

// Approve runs an approved command and continues the investigation.
func (o *Orchestrator) Approve(ctx context.Context, commandID, user string) error {
	unlock, err := o.lockCommand(commandID)
	if err != nil {
		return err
	}
	defer unlock()

	pc, err := o.gate.Approve(commandID, user)
	if err != nil {
		if pc.State == approval.StateExpired {
			o.expired(ctx, pc)
			return nil
		}
		return err
	}
	return o.execute(ctx, pc)
}

// Reject skips a pending command and continues the investigation.
func (o *Orchestrator) Reject(ctx context.Context, commandID, user string) error {
	unlock, err := o.lockCommand(commandID)
	if err != nil {
		return err
	}
	defer unlock()

	pc, err := o.gate.Reject(commandID, user)
	if err != nil {
		if pc.State == approval.StateExpired {
			o.expired(ctx, pc)
			return nil
		}
		return err
	}

	o.sessions.Append(pc.Key, session.Turn{Role: session.RoleTool, Text: declinedText(pc)})
	o.send(ctx, pc.Key.ChatID, fmt.Sprintf("Skipped `%s`.", pc.Command))

	inv, ok := o.store.Active(pc.Key)
	if !ok {
		return nil
	}
	return o.continueAfter(ctx, inv.ID, pc.Key, false)
}

// lockCommand takes the session lock of the command before its decision is
// recorded, so no other request on the session runs between the two.
func (o *Orchestrator) lockCommand(commandID string) (func(), error) {
	pc, ok := o.gate.Get(commandID)
	if !ok {
		return nil, fmt.Errorf("command %s: %w", commandID, sentinelerrors.ErrNotFound)
	}
	return o.sessions.Lock(pc.Key), nil
}

func (o *Orchestrator) execute(ctx context.Context, pc approval.ProposedCommand) error {
	cfg := o.GetConfig()
	key := pc.Key
	logger := logging.FromContext(ctx).With().
		Str("command_id", pc.ID).
		Str("chat_id", key.ChatID).
		Str("server", key.Server).
		Logger()

	var (
		res    executor.Result
		runErr error
	)
	srv, err := o.servers.Get(ctx, key.Server)
	if err != nil {
		runErr = err
		res = executor.Result{ExitCode: -1}
	} else {
		runCtx, cancel := context.WithTimeout(ctx, cfg.TurnTimeout)
		res, runErr = o.runner.Run(runCtx, srv, pc.Command, cfg.CommandTimeout)
		cancel()
		if o.metrics != nil {
			o.metrics.RecordCommandRun(res.Duration, res.ExitCode, res.TimedOut, runErr)
		}
	}

	if _, err := o.gate.MarkExecuted(pc.ID, res); err != nil {
		logger.Error().Err(err).Msg("Failed to record command result")
	}
	logger.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("Command executed")

	o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: toolTurnText(res, runErr)})
	o.send(ctx, key.ChatID, chatResultText(pc.Command, key.Server, res, runErr, cfg.ChatOutputLimit))

	inv, ok := o.store.Active(key)
	if !ok {
		return nil
	}
	o.store.Update(inv.ID, func(inv *Investigation) { inv.Commands++ })
	if ctx.Err() != nil {
		o.finish(inv.ID, OutcomeCancelled, "", ctx.Err())
		return ctx.Err()
	}
	return o.continueAfter(ctx, inv.ID, key, true)
}

// continueAfter surfaces the next queued command, or re-prompts the AI with
// the outcome once the queue is empty.
func (o *Orchestrator) continueAfter(ctx context.Context, id string, key session.Key, executed bool) error {
	if next, ok := o.gate.Next(key); ok {
		return o.await(ctx, id, next)
	}
	o.store.Update(id, func(inv *Investigation) { inv.Status = StatusRunning })
	if executed {
		o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: followUpPrompt})
	}
	return o.advance(ctx, id)
}

// summarize ends an investigation that reached its turn ceiling with one
// more AI turn asking for a summary. Commands in that reply are not run.
func (o *Orchestrator) summarize(ctx context.Context, inv Investigation) error {
	key := inv.Key
	o.sessions.Append(key, session.Turn{Role: session.RoleTool, Text: summaryPrompt})

	reply, err := o.complete(ctx, key)
	if err != nil {
		// The chat message below is the only report of this failure.
		log.Warn().Err(err).Str("investigation_id", inv.ID).Msg("Summary turn failed")
		o.send(ctx, key.ChatID, fmt.Sprintf("Turn limit of %d reached; the investigation has ended without a summary.\n%s",
			inv.MaxTurns, sentinelerrors.UserMessage(err)))
		o.finish(inv.ID, OutcomeTurnLimit, "", err)
		return nil
	}
	o.sessions.Append(key, session.Turn{Role: session.RoleAssistant, Text: reply})

	summary := extract.Extract(reply).Narrative
	o.send(ctx, key.ChatID, fmt.Sprintf("Turn limit of %d reached. Summary:\n%s", inv.MaxTurns, summary))
	o.finish(inv.ID, OutcomeTurnLimit, summary, nil)
	return nil
}

// Consult sends a one-off prompt in the session of key and returns the AI
// narrative. Proposed commands are ignored.
func (o *Orchestrator) Consult(ctx context.Context, key session.Key, prompt string) (string, error) {
	unlock := o.sessions.Lock(key)
	defer unlock()

	o.sessions.Append(key, session.Turn{Role: session.RoleOperator, Text: prompt})
	reply, err := o.complete(ctx, key)
	if err != nil {
		return "", err
	}
	o.sessions.Append(key, session.Turn{Role: session.RoleAssistant, Text: reply})
	return extract.Extract(reply).Narrative, nil
}

// Reset cancels pending commands, ends the investigation and drops the
// session of key.
func (o *Orchestrator) Reset(key session.Key) bool {
	unlock := o.sessions.Lock(key)
	defer unlock()

	o.gate.Cancel(key)
	if inv, ok := o.store.Active(key); ok {
		o.finish(inv.ID, OutcomeCancelled, "", nil)
	}
	return o.sessions.Reset(key)
}

type completion struct {
	resp *providers.ChatResponse
	err  error
}

// complete builds the prompt for key and calls the provider within the turn
// timeout. A reply arriving after the deadline is dropped.
func (o *Orchestrator) complete(ctx context.Context, key session.Key) (string, error) {
	cfg := o.GetConfig()

	turns, err := o.sessions.BuildPrompt(key)
	if err != nil {
		return "", err
	}
	if sess, ok := o.sessions.Get(key); ok && len(turns) < len(sess.Turns) && o.metrics != nil {
		o.metrics.RecordPromptTrimmed()
	}

	pcfg := o.ai.Config()
	o.sessions.SetSelection(key, pcfg.Name, pcfg.Model)

	turnCtx, cancel := context.WithTimeout(ctx, cfg.TurnTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan completion, 1)
	go func() {
		resp, err := o.ai.Complete(turnCtx, session.ToMessages(turns), pcfg.Model)
		done <- completion{resp: resp, err: err}
	}()

	var c completion
	select {
	case c = <-done:
	case <-turnCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().
			Str("provider", pcfg.Name).
			Str("model", pcfg.Model).
			Dur("turn_timeout", cfg.TurnTimeout).
			Msg("Provider missed the turn deadline, discarding its reply")
		c = completion{err: errTurnDeadline(pcfg.Name, cfg.TurnTimeout)}
	}

	if c.err == nil && c.resp == nil {
		c.err = sentinelerrors.NewOpError(sentinelerrors.ErrorTypeAPI, "chat", pcfg.Name, errors.New("empty response"))
	}
	if c.err != nil && errors.Is(c.err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.err = errTurnDeadline(pcfg.Name, cfg.TurnTimeout)
	}

	if o.metrics != nil {
		outcome := "ok"
		if c.err != nil {
			outcome = "error"
		}
		o.metrics.RecordAIRequest(pcfg.Name, pcfg.Model, outcome, time.Since(start))
		if c.resp != nil {
			o.metrics.RecordTokens(pcfg.Name, c.resp.Usage.InputTokens, c.resp.Usage.OutputTokens, c.resp.Usage.Estimated)
		}
	}
	if c.err != nil {
		return "", c.err
	}
	return c.resp.Content, nil
}

func errTurnDeadline(provider string, timeout time.Duration) error {
	return sentinelerrors.NewOpError(sentinelerrors.ErrorTypeConnection, "chat", provider,
		fmt.Errorf("no reply within the %s turn deadline", timeout))
}

// handleExpired records an expired command and ends its investigation.
func (o *Orchestrator) handleExpired(pc approval.ProposedCommand) {
	unlock := o.sessions.Lock(pc.Key)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.expired(ctx, pc)
}

// expired ends the investigation of an expired command. The session lock
// must be held.
func (o *Orchestrator) expired(ctx context.Context, pc approval.ProposedCommand) {
	o.sessions.Append(pc.Key, session.Turn{Role: session.RoleTool, Text: declinedText(pc)})
	if inv, ok := o.store.Active(pc.Key); ok {
		o.finish(inv.ID, OutcomeExpired, "", nil)
	}
	o.send(ctx, pc.Key.ChatID, fmt.Sprintf("No decision on `%s` within the approval window. The command was not run and the investigation has ended.", pc.Command))
}

// observe mirrors gate transitions into metrics and the audit log.
func (o *Orchestrator) observe(pc approval.ProposedCommand) {
	if o.metrics != nil {
		o.metrics.RecordCommandState(string(pc.State))
	}
	if o.audit == nil {
		return
	}

	var event audit.Event
	switch pc.State {
	case approval.StatePending:
		event = audit.NewEvent(audit.EventCommandProposed)
		event.Details = "risk=" + string(pc.Risk)
	case approval.StateApproved:
		event = audit.NewEvent(audit.EventCommandDecision)
		event.Details = "approved"
	case approval.StateRejected, approval.StateExpired:
		event = audit.NewEvent(audit.EventCommandDecision)
		event.Success = false
		event.Details = fmt.Sprintf("%s: %s", pc.State, pc.Reason)
	case approval.StateExecuted:
		event = audit.NewEvent(audit.EventCommandExecuted)
		if pc.Result != nil {
			event.Success = pc.Result.ExitCode == 0 && !pc.Result.TimedOut
			event.Details = fmt.Sprintf("exit=%d duration=%s timed_out=%t", pc.Result.ExitCode, pc.Result.Duration.Round(time.Millisecond), pc.Result.TimedOut)
		}
	default:
		return
	}
	event.ChatID = pc.Key.ChatID
	event.Server = pc.Key.Server
	event.Command = pc.Command
	event.CommandID = pc.ID
	event.User = pc.DecidedBy
	if err := o.audit.Log(event); err != nil {
		log.Warn().Err(err).Str("command_id", pc.ID).Msg("Failed to write audit event")
	}
}

func (o *Orchestrator) send(ctx context.Context, chatID, text string) {
	if err := o.transport.SendText(ctx, chatID, text); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to send chat message")
	}
}

// declinedText is the tool turn recorded for a command that never ran.
func declinedText(pc approval.ProposedCommand) string {
	switch pc.Reason {
	case approval.ReasonOperator:
		return "Operator skipped the command: " + pc.Command
	case approval.ReasonExpired:
		return "Command expired without a decision and was not run: " + pc.Command
	default:
		return fmt.Sprintf("Command was not run (%s): %s", pc.Reason, pc.Command)
	}
}

// toolTurnText is the tool turn recorded for an executed command.
func toolTurnText(res executor.Result, err error) string {
	if err != nil && !res.TimedOut {
		text := "Command failed: " + err.Error()
		if out := strings.TrimSpace(res.Stdout + res.Stderr); out != "" {
			text += "\nPartial output:\n" + res.Text()
		}
		return text
	}
	return fmt.Sprintf("Command Output (exit %d):\n%s", res.ExitCode, res.Text())
}

func chatResultText(command, server string, res executor.Result, err error, limit int) string {
	var b strings.Builder
	if err != nil && !res.TimedOut {
		fmt.Fprintf(&b, "`%s` on %s failed. %s", command, server, sentinelerrors.UserMessage(err))
		return b.String()
	}
	fmt.Fprintf(&b, "`%s` on %s (exit %d, %s):\n```\n%s\n```", command, server, res.ExitCode,
		res.Duration.Round(time.Millisecond), executor.Truncate(res.Text(), limit))
	return b.String()
}
