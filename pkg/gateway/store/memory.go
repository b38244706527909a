package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempts in process memory. Used when no database is
// configured; attempt history then does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]Attempt)}
}

func (s *MemoryStore) Create(ctx context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = StatusCreated
	}
	s.attempts[a.ID] = a
	return nil
}

func (s *MemoryStore) MarkConnected(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusConnected
	a.ConnectedAt = &at
	s.attempts[id] = a
	return nil
}

func (s *MemoryStore) MarkEnded(ctx context.Context, id string, at time.Time, reason string, partial, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = StatusEnded
	a.EndedAt = &at
	a.EndReason = reason
	a.Partial = partial
	a.Failed = failed
	s.attempts[id] = a
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}
