// Package approval is the execution gate between AI-proposed commands and the
// remote executor. Every command waits in a per-session slot until the
// operator approves or rejects it, or it expires.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
	"github.com/rcourtman/pulse-sentinel/internal/executor"
)

// State is the lifecycle state of a proposed command.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
	StateExecuted State = "executed"
	// StateQueued commands wait behind the pending one from the same response.
	StateQueued State = "queued"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateExpired || s == StateExecuted
}

// Reasons recorded on rejected commands.
const (
	ReasonOperator = "rejected by operator"
	ReasonConflict = "another command is awaiting approval"
	ReasonBlocked  = "matches a blocked command pattern"
	ReasonReset    = "session reset"
	ReasonReplaced = "investigation replaced by a new request"
	ReasonExpired  = "approval timed out"
)

// ProposedCommand is one command extracted from an AI response.
type ProposedCommand struct {
	ID         string
	Command    string
	Key        session.Key
	ResponseID string
	TurnIndex  int
	State      State
	Risk       RiskLevel
	Reason     string
	DecidedBy  string
	ProposedAt time.Time
	ExpiresAt  time.Time
	DecidedAt  time.Time
	Result     *executor.Result
}

// Config configures the gate.
type Config struct {
	Timeout         time.Duration
	BlockedPatterns []string
	// Strict panics on invariant violations instead of rejecting the newer proposal.
	Strict          bool
	CleanupInterval time.Duration
	Now             func() time.Time
}

type slot struct {
	current string
	queue   []string
}

// Gate holds proposals and enforces a single pending command per session.
type Gate struct {
	mu       sync.Mutex
	commands map[string]*ProposedCommand
	slots    map[session.Key]*slot

	timeout         time.Duration
	blocked         []string
	strict          bool
	cleanupInterval time.Duration
	now             func() time.Time

	observer func(ProposedCommand)
	onExpire func(ProposedCommand)
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		commands:        make(map[string]*ProposedCommand),
		slots:           make(map[session.Key]*slot),
		timeout:         cfg.Timeout,
		blocked:         append([]string(nil), cfg.BlockedPatterns...),
		strict:          cfg.Strict,
		cleanupInterval: cfg.CleanupInterval,
		now:             cfg.Now,
	}
}

// SetObserver registers a callback invoked after every state change.
func (g *Gate) SetObserver(fn func(ProposedCommand)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observer = fn
}

// OnExpire registers a callback invoked for each command ExpireDue expires.
// A late Approve or Reject returns the expired command instead.
func (g *Gate) OnExpire(fn func(ProposedCommand)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpire = fn
}

// Proposal is the outcome of Propose.
type Proposal struct {
	// Surfaced is the command that became pending, if any.
	Surfaced *ProposedCommand
	// Queued commands wait behind the pending one.
	Queued []ProposedCommand
	// Declined commands were rejected up front (blocked or conflicting).
	Declined []ProposedCommand
}

// Propose registers the commands of one AI response. Commands from the
// response that owns the session slot are queued FIFO; commands from a new
// response while the slot is busy are declined with ErrGateConflict.
func (g *Gate) Propose(key session.Key, responseID string, turnIndex int, commands []string) (Proposal, error) {
	g.mu.Lock()

	now := g.now()
	var (
		out     Proposal
		changed []ProposedCommand
	)

	s := g.slots[key]
	conflict := s != nil && s.current != "" && g.commands[s.current].ResponseID != responseID

	for _, cmd := range commands {
		pc := &ProposedCommand{
			ID:         ulid.Make().String(),
			Command:    cmd,
			Key:        key,
			ResponseID: responseID,
			TurnIndex:  turnIndex,
			Risk:       AssessRiskLevel(cmd),
			ProposedAt: now,
		}
		g.commands[pc.ID] = pc

		switch {
		case conflict:
			g.decline(pc, ReasonConflict, now)
			out.Declined = append(out.Declined, *pc)
		case g.isBlocked(cmd):
			g.decline(pc, ReasonBlocked, now)
			out.Declined = append(out.Declined, *pc)
		default:
			if s == nil {
				s = &slot{}
				g.slots[key] = s
			}
			pc.State = StateQueued
			s.queue = append(s.queue, pc.ID)
			out.Queued = append(out.Queued, *pc)
		}
		changed = append(changed, *pc)
	}

	if s != nil && s.current == "" {
		if pc := g.surfaceLocked(key, s, now); pc != nil {
			cp := *pc
			out.Surfaced = &cp
			out.Queued = withoutID(out.Queued, cp.ID)
			changed = append(changed, cp)
		}
	}
	observer := g.observer
	g.mu.Unlock()

	g.notify(observer, changed)

	if conflict {
		log.Warn().
			Str("chat_id", key.ChatID).
			Str("server", key.Server).
			Int("declined", len(out.Declined)).
			Msg("Declined proposal while another command is pending")
		return out, fmt.Errorf("%s: %w", key, sentinelerrors.ErrGateConflict)
	}
	return out, nil
}

// surfaceLocked pops the next queued command into the pending slot.
func (g *Gate) surfaceLocked(key session.Key, s *slot, now time.Time) *ProposedCommand {
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		pc := g.commands[id]
		if pc == nil || pc.State != StateQueued {
			continue
		}
		if s.current != "" {
			g.invariantViolation(key, s.current, pc)
			return nil
		}
		pc.State = StatePending
		pc.ExpiresAt = now.Add(g.timeout)
		s.current = pc.ID
		log.Info().
			Str("command_id", pc.ID).
			Str("chat_id", key.ChatID).
			Str("server", key.Server).
			Str("risk", string(pc.Risk)).
			Str("command", truncateCommand(pc.Command, 80)).
			Msg("Command awaiting approval")
		return pc
	}
	return nil
}

func (g *Gate) invariantViolation(key session.Key, current string, newer *ProposedCommand) {
	if g.strict {
		panic(fmt.Sprintf("approval: second pending command %s for %s while %s is pending", newer.ID, key, current))
	}
	log.Error().
		Str("chat_id", key.ChatID).
		Str("server", key.Server).
		Str("pending_id", current).
		Str("command_id", newer.ID).
		Msg("Rejecting command that would create a second pending slot")
	g.decline(newer, ReasonConflict, g.now())
}

func (g *Gate) decline(pc *ProposedCommand, reason string, now time.Time) {
	pc.State = StateRejected
	pc.Reason = reason
	pc.DecidedAt = now
}

// Next surfaces the next queued command for key once the slot is free.
func (g *Gate) Next(key session.Key) (ProposedCommand, bool) {
	g.mu.Lock()
	s := g.slots[key]
	if s == nil || s.current != "" {
		g.mu.Unlock()
		return ProposedCommand{}, false
	}
	pc := g.surfaceLocked(key, s, g.now())
	if pc == nil {
		delete(g.slots, key)
		g.mu.Unlock()
		return ProposedCommand{}, false
	}
	cp := *pc
	observer := g.observer
	g.mu.Unlock()

	g.notify(observer, []ProposedCommand{cp})
	return cp, true
}

// Approve moves a pending command to approved. The slot stays held until
// MarkExecuted.
func (g *Gate) Approve(id, user string) (ProposedCommand, error) {
	return g.decide(id, user, StateApproved, "")
}

// Reject declines a pending command and frees the slot.
func (g *Gate) Reject(id, user string) (ProposedCommand, error) {
	return g.decide(id, user, StateRejected, ReasonOperator)
}

func (g *Gate) decide(id, user string, next State, reason string) (ProposedCommand, error) {
	g.mu.Lock()
	pc, ok := g.commands[id]
	if !ok {
		g.mu.Unlock()
		return ProposedCommand{}, fmt.Errorf("command %s: %w", id, sentinelerrors.ErrNotFound)
	}
	if pc.State != StatePending {
		state := pc.State
		g.mu.Unlock()
		return ProposedCommand{}, fmt.Errorf("command %s is %s, not pending: %w", id, state, sentinelerrors.ErrInvalidInput)
	}

	now := g.now()
	if now.After(pc.ExpiresAt) {
		// The OnExpire callback is not run here; the caller owns the decision
		// and reacts to the returned expired command.
		expired := g.expireLocked(pc, now)
		observer := g.observer
		g.mu.Unlock()
		g.notify(observer, expired)
		return expired[0], fmt.Errorf("command %s: %s: %w", id, ReasonExpired, sentinelerrors.ErrTimeout)
	}

	pc.State = next
	pc.Reason = reason
	pc.DecidedBy = user
	pc.DecidedAt = now
	if next == StateRejected {
		g.releaseLocked(pc.Key, pc.ID)
	}
	cp := *pc
	observer := g.observer
	g.mu.Unlock()

	log.Info().
		Str("command_id", id).
		Str("state", string(next)).
		Str("user", user).
		Msg("Command decision recorded")
	g.notify(observer, []ProposedCommand{cp})
	return cp, nil
}

// MarkExecuted records the executor result of an approved command and frees the slot.
func (g *Gate) MarkExecuted(id string, result executor.Result) (ProposedCommand, error) {
	g.mu.Lock()
	pc, ok := g.commands[id]
	if !ok {
		g.mu.Unlock()
		return ProposedCommand{}, fmt.Errorf("command %s: %w", id, sentinelerrors.ErrNotFound)
	}
	if pc.State != StateApproved {
		state := pc.State
		g.mu.Unlock()
		return ProposedCommand{}, fmt.Errorf("command %s is %s, not approved: %w", id, state, sentinelerrors.ErrInvalidInput)
	}
	pc.State = StateExecuted
	res := result
	pc.Result = &res
	g.releaseLocked(pc.Key, pc.ID)
	cp := *pc
	observer := g.observer
	g.mu.Unlock()

	g.notify(observer, []ProposedCommand{cp})
	return cp, nil
}

// Cancel rejects the pending and queued commands of key, e.g. on /reset.
func (g *Gate) Cancel(key session.Key) []ProposedCommand {
	return g.cancel(key, ReasonReset)
}

// Supersede rejects the commands still queued for key when a new request
// replaces the investigation that proposed them.
func (g *Gate) Supersede(key session.Key) []ProposedCommand {
	return g.cancel(key, ReasonReplaced)
}

func (g *Gate) cancel(key session.Key, reason string) []ProposedCommand {
	g.mu.Lock()
	s := g.slots[key]
	if s == nil {
		g.mu.Unlock()
		return nil
	}
	now := g.now()
	var changed []ProposedCommand
	ids := append([]string{s.current}, s.queue...)
	for _, id := range ids {
		pc := g.commands[id]
		if pc == nil || pc.State.Terminal() {
			continue
		}
		g.decline(pc, reason, now)
		changed = append(changed, *pc)
	}
	delete(g.slots, key)
	observer := g.observer
	g.mu.Unlock()

	g.notify(observer, changed)
	return changed
}

// Get returns a command by id.
func (g *Gate) Get(id string) (ProposedCommand, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pc, ok := g.commands[id]
	if !ok {
		return ProposedCommand{}, false
	}
	return *pc, true
}

// Pending returns the command holding the slot of key, pending or approved.
func (g *Gate) Pending(key session.Key) (ProposedCommand, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slots[key]
	if s == nil || s.current == "" {
		return ProposedCommand{}, false
	}
	return *g.commands[s.current], true
}

// QueueLen returns how many commands wait behind the slot of key.
func (g *Gate) QueueLen(key session.Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.slots[key]; s != nil {
		return len(s.queue)
	}
	return 0
}

// ExpireDue expires every pending command past its deadline. Queued commands
// behind an expired one are expired too since the investigation ends.
func (g *Gate) ExpireDue() []ProposedCommand {
	g.mu.Lock()
	now := g.now()
	var expired, changed []ProposedCommand
	for _, s := range g.slots {
		if s.current == "" {
			continue
		}
		pc := g.commands[s.current]
		if pc.State != StatePending || !now.After(pc.ExpiresAt) {
			continue
		}
		batch := g.expireLocked(pc, now)
		expired = append(expired, batch[0])
		changed = append(changed, batch...)
	}
	observer, onExpire := g.observer, g.onExpire
	g.mu.Unlock()

	g.notify(observer, changed)
	if onExpire != nil {
		for _, pc := range expired {
			onExpire(pc)
		}
	}
	return expired
}

// expireLocked expires pc and everything queued behind it. The first element
// of the result is pc.
func (g *Gate) expireLocked(pc *ProposedCommand, now time.Time) []ProposedCommand {
	pc.State = StateExpired
	pc.Reason = ReasonExpired
	pc.DecidedAt = now
	out := []ProposedCommand{*pc}

	if s := g.slots[pc.Key]; s != nil {
		for _, id := range s.queue {
			if q := g.commands[id]; q != nil && q.State == StateQueued {
				q.State = StateExpired
				q.Reason = ReasonExpired
				q.DecidedAt = now
				out = append(out, *q)
			}
		}
		delete(g.slots, pc.Key)
	}

	log.Info().
		Str("command_id", pc.ID).
		Str("chat_id", pc.Key.ChatID).
		Str("server", pc.Key.Server).
		Msg("Command approval expired")
	return out
}

// releaseLocked frees the slot held by id. Queued commands stay for Next.
func (g *Gate) releaseLocked(key session.Key, id string) {
	s := g.slots[key]
	if s == nil || s.current != id {
		return
	}
	s.current = ""
	if len(s.queue) == 0 {
		delete(g.slots, key)
	}
}

// Prune drops terminal commands decided more than maxAge ago.
func (g *Gate) Prune(maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-maxAge)
	n := 0
	for id, pc := range g.commands {
		if pc.State.Terminal() && pc.DecidedAt.Before(cutoff) {
			delete(g.commands, id)
			n++
		}
	}
	return n
}

// Stats returns the number of commands per state.
func (g *Gate) Stats() map[State]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := make(map[State]int)
	for _, pc := range g.commands {
		stats[pc.State]++
	}
	return stats
}

// StartCleanup expires overdue commands and prunes old ones until ctx is done.
func (g *Gate) StartCleanup(ctx context.Context) {
	go g.cleanupLoop(ctx)
}

func (g *Gate) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Approval gate cleanup loop stopped")
			return
		case <-ticker.C:
			if expired := g.ExpireDue(); len(expired) > 0 {
				log.Debug().Int("count", len(expired)).Msg("Expired pending commands")
			}
			g.Prune(time.Hour)
		}
	}
}

func (g *Gate) isBlocked(cmd string) bool {
	for _, pattern := range g.blocked {
		if wildcard.Match(pattern, cmd) {
			return true
		}
	}
	return false
}

func (g *Gate) notify(observer func(ProposedCommand), changed []ProposedCommand) {
	if observer == nil {
		return
	}
	for _, pc := range changed {
		observer(pc)
	}
}

func withoutID(cmds []ProposedCommand, id string) []ProposedCommand {
	out := cmds[:0]
	for _, pc := range cmds {
		if pc.ID != id {
			out = append(out, pc)
		}
	}
	return out
}

func truncateCommand(cmd string, maxLen int) string {
	if len(cmd) <= maxLen {
		return cmd
	}
	return cmd[:maxLen] + "..."
}
