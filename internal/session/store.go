package session

import (
	"sort"
	"sync"
)

// Store holds the current summary per session. All accessors work on deep
// copies; callers never share mutable state with the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Summary
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Summary),
	}
}

func (s *Store) Get(id string) (*Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sum.Clone(), true
}

// GetAll returns every summary, ordered by start time for stable output.
func (s *Store) GetAll() []*Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Summary, 0, len(s.sessions))
	for _, sum := range s.sessions {
		result = append(result, sum.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (s *Store) Update(sum *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sum.ID] = sum.Clone()
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sum := range s.sessions {
		if !sum.IsTerminal() {
			count++
		}
	}
	return count
}
