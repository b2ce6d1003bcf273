package investigation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcourtman/pulse-sentinel/internal/ai/session"
)

// Store keeps investigation records in memory. Finished records are pruned
// by Cleanup and EnforceSizeLimit.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Investigation
	active map[session.Key]string // key -> id of the unfinished investigation
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*Investigation),
		active: make(map[session.Key]string),
		now:    time.Now,
	}
}

// Create registers a running investigation for key.
func (s *Store) Create(key session.Key, sessionID string, mode Mode, goal string, maxTurns int) Investigation {
	inv := &Investigation{
		ID:        uuid.New().String(),
		Key:       key,
		SessionID: sessionID,
		Mode:      mode,
		Goal:      goal,
		Status:    StatusRunning,
		StartedAt: s.now(),
		MaxTurns:  maxTurns,
	}

	s.mu.Lock()
	s.byID[inv.ID] = inv
	s.active[key] = inv.ID
	s.mu.Unlock()
	return *inv
}

// Get retrieves an investigation by ID.
func (s *Store) Get(id string) (Investigation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inv, ok := s.byID[id]; ok {
		return *inv, true
	}
	return Investigation{}, false
}

// Active returns the unfinished investigation for key.
func (s *Store) Active(key session.Key) (Investigation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key]
	if !ok {
		return Investigation{}, false
	}
	return *s.byID[id], true
}

// GetRunning returns every unfinished investigation, oldest first.
func (s *Store) GetRunning() []Investigation {
	s.mu.RLock()
	out := make([]Investigation, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, *s.byID[id])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CountRunning returns the number of unfinished investigations.
func (s *Store) CountRunning() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// Update applies fn to the record under the store lock.
func (s *Store) Update(id string, fn func(*Investigation)) (Investigation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return Investigation{}, false
	}
	fn(inv)
	return *inv, true
}

// IncrementTurnCount records one more AI response and returns the new count.
func (s *Store) IncrementTurnCount(id string) int {
	inv, _ := s.Update(id, func(inv *Investigation) { inv.TurnCount++ })
	return inv.TurnCount
}

// Complete finishes an investigation with outcome and summary.
func (s *Store) Complete(id string, outcome Outcome, summary string) (Investigation, bool) {
	return s.finish(id, StatusCompleted, outcome, summary, "")
}

// Fail finishes an investigation with an error.
func (s *Store) Fail(id string, outcome Outcome, errorMsg string) (Investigation, bool) {
	return s.finish(id, StatusFailed, outcome, "", errorMsg)
}

func (s *Store) finish(id string, status Status, outcome Outcome, summary, errorMsg string) (Investigation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok || inv.CompletedAt != nil {
		return Investigation{}, false
	}
	now := s.now()
	inv.Status = status
	inv.Outcome = outcome
	inv.Summary = summary
	inv.Error = errorMsg
	inv.CompletedAt = &now
	if s.active[inv.Key] == id {
		delete(s.active, inv.Key)
	}
	return *inv, true
}

// Cleanup removes finished investigations older than maxAge.
func (s *Store) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, inv := range s.byID {
		if inv.CompletedAt != nil && inv.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

// EnforceSizeLimit removes the oldest finished investigations when the store
// holds more than max records. Unfinished ones are never evicted.
func (s *Store) EnforceSizeLimit(max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byID) <= max {
		return 0
	}
	var finished []*Investigation
	for _, inv := range s.byID {
		if inv.CompletedAt != nil {
			finished = append(finished, inv)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].CompletedAt.Before(*finished[j].CompletedAt) })

	removed := 0
	for _, inv := range finished {
		if len(s.byID) <= max {
			break
		}
		delete(s.byID, inv.ID)
		removed++
	}
	return removed
}
