package servers

import (
	"context"
	"fmt"
	"sync"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// MemoryStore is a Store without persistence, used by the console transport
// when no database is configured and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]Server
}

// NewMemoryStore returns a store seeded with list.
func NewMemoryStore(list ...Server) *MemoryStore {
	m := &MemoryStore{servers: make(map[string]Server)}
	for _, s := range list {
		if s.Port == 0 {
			s.Port = DefaultPort
		}
		m.servers[s.Alias] = s
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, alias string) (Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[alias]
	if !ok {
		return Server{}, fmt.Errorf("server %q: %w", alias, sentinelerrors.ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Server, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	sortByAlias(out)
	return out, nil
}

func (m *MemoryStore) Add(_ context.Context, s Server) error {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[s.Alias]; ok {
		return fmt.Errorf("server %q already exists: %w", s.Alias, sentinelerrors.ErrInvalidInput)
	}
	m.servers[s.Alias] = s
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[alias]; !ok {
		return fmt.Errorf("server %q: %w", alias, sentinelerrors.ErrNotFound)
	}
	delete(m.servers, alias)
	return nil
}
