// Package session keeps per-(chat, server) conversation state and builds
// prompts that fit the active provider's context budget.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sentinel/internal/ai/providers"
	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleOperator  Role = "operator"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Key identifies a session. Server is empty for chat-only sessions.
type Key struct {
	ChatID string
	Server string
}

func (k Key) String() string {
	if k.Server == "" {
		return k.ChatID
	}
	return k.ChatID + "/" + k.Server
}

// Turn is one entry of a session history.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Session is a snapshot of one conversation.
type Session struct {
	ID            string
	Key           Key
	Turns         []Turn
	Provider      string
	Model         string
	TokenEstimate int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Estimator returns the token estimate of a text for the active provider.
type Estimator func(text string) int

// Manager owns every live session. Sessions live in memory until Reset or
// process exit; the optional Log keeps an append-only copy.
type Manager struct {
	mu       sync.RWMutex
	sessions map[Key]*Session

	locksMu sync.Mutex
	locks   map[Key]*sync.Mutex

	estimator    Estimator
	budget       func() int
	systemPrompt func(Key) string
	history      Log
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithEstimator sets the token estimator used by BuildPrompt.
func WithEstimator(e Estimator) Option {
	return func(m *Manager) { m.estimator = e }
}

// WithBudget sets the function returning the current prompt budget in tokens.
// It is read on every BuildPrompt so a provider switch takes effect at once.
func WithBudget(fn func() int) Option {
	return func(m *Manager) { m.budget = fn }
}

// WithSystemPrompt sets the system turn inserted when a session is created.
func WithSystemPrompt(fn func(Key) string) Option {
	return func(m *Manager) { m.systemPrompt = fn }
}

// WithLog persists every appended turn.
func WithLog(l Log) Option {
	return func(m *Manager) { m.history = l }
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[Key]*Session),
		locks:        make(map[Key]*sync.Mutex),
		estimator:    providers.EstimateTokens,
		budget:       func() int { return 8192 },
		systemPrompt: func(k Key) string { return SystemPrompt(k.Server) },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEstimator swaps the estimator, typically after a provider switch.
func (m *Manager) SetEstimator(e Estimator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimator = e
}

// Lock serializes work on one session and returns the unlock function.
// Different keys never contend.
func (m *Manager) Lock(key Key) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Ensure returns the session for key, creating it with its system turn.
func (m *Manager) Ensure(key Key) Session {
	m.mu.Lock()
	s, created := m.getOrCreateLocked(key)
	snapshot := s.clone()
	m.mu.Unlock()

	if created {
		m.persist(snapshot.ID, key, snapshot.Turns[0])
	}
	return snapshot
}

// Get returns a snapshot of the session for key.
func (m *Manager) Get(key Key) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Append adds a turn to the session, creating the session lazily.
func (m *Manager) Append(key Key, turn Turn) {
	if turn.At.IsZero() {
		turn.At = m.now()
	}

	m.mu.Lock()
	s, created := m.getOrCreateLocked(key)
	var system Turn
	if created {
		system = s.Turns[0]
	}
	s.Turns = append(s.Turns, turn)
	s.TokenEstimate += m.cost(turn)
	s.UpdatedAt = turn.At
	id := s.ID
	m.mu.Unlock()

	if created {
		m.persist(id, key, system)
	}
	m.persist(id, key, turn)
}

// SetSelection records the provider and model serving the session.
func (m *Manager) SetSelection(key Key, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.Provider = provider
		s.Model = model
	}
}

// Reset destroys the session for key. The durable log is untouched.
func (m *Manager) Reset(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	return true
}

// ResetChat destroys every session of a chat and returns how many went.
func (m *Manager) ResetChat(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.sessions {
		if k.ChatID == chatID {
			delete(m.sessions, k)
			n++
		}
	}
	return n
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// BuildPrompt returns the turns of the session that fit the current budget.
// It never mutates the session.
func (m *Manager) BuildPrompt(key Key) ([]Turn, error) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("session %s: %w", key, sentinelerrors.ErrNotFound)
	}
	turns := append([]Turn(nil), s.Turns...)
	est := m.estimator
	m.mu.RUnlock()

	return Fit(turns, m.budget(), est)
}

// History returns the durable turns of a session id.
func (m *Manager) History(ctx context.Context, sessionID string) ([]Turn, error) {
	if m.history == nil {
		return nil, fmt.Errorf("no session log configured: %w", sentinelerrors.ErrNotFound)
	}
	return m.history.History(ctx, sessionID)
}

func (m *Manager) getOrCreateLocked(key Key) (*Session, bool) {
	if s, ok := m.sessions[key]; ok {
		return s, false
	}
	now := m.now()
	system := Turn{Role: RoleSystem, Text: m.systemPrompt(key), At: now}
	s := &Session{
		ID:            uuid.NewString(),
		Key:           key,
		Turns:         []Turn{system},
		TokenEstimate: m.cost(system),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.sessions[key] = s
	log.Debug().Str("chat_id", key.ChatID).Str("server", key.Server).Str("session_id", s.ID).Msg("Session created")
	return s, true
}

func (m *Manager) cost(t Turn) int {
	return m.estimator(t.Text) + messageOverhead
}

func (m *Manager) persist(sessionID string, key Key, turn Turn) {
	if m.history == nil {
		return
	}
	if err := m.history.Append(context.Background(), sessionID, key, turn); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("role", string(turn.Role)).Msg("Failed to persist session turn")
	}
}

func (s *Session) clone() Session {
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	return out
}

// ToMessages converts turns to provider messages. Operator and tool turns
// are both sent as user messages.
func ToMessages(turns []Turn) []providers.Message {
	msgs := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		role := providers.RoleUser
		switch t.Role {
		case RoleSystem:
			role = providers.RoleSystem
		case RoleAssistant:
			role = providers.RoleAssistant
		}
		msgs = append(msgs, providers.Message{Role: role, Content: t.Text})
	}
	return msgs
}
