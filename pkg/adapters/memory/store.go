package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/tessera/pkg/domain"
)

// Store implements ports.SnapshotStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.SessionSnapshot
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.SessionSnapshot),
	}
}

// Save persists a copy of the snapshot.
func (s *Store) Save(ctx context.Context, snap *domain.SessionSnapshot) error {
	copied := clone(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.ID] = copied
	return nil
}

// Load retrieves a copy of the snapshot so callers can't mutate the store through it.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.data[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return clone(snap), nil
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// List returns stored sessions.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data)), nil
}

func clone(snap *domain.SessionSnapshot) *domain.SessionSnapshot {
	out := *snap
	out.Machine.History = slices.Clone(snap.Machine.History)
	out.Machine.Context = maps.Clone(snap.Machine.Context)
	out.LastGood = maps.Clone(snap.LastGood)
	out.Nodes = make([]domain.Node, len(snap.Nodes))
	for i, n := range snap.Nodes {
		out.Nodes[i] = n.Clone()
	}
	return &out
}
