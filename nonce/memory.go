package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps nonces in one process. All access is serialized by mu,
// which makes Consume a single critical section.
type MemoryStore struct {
	mu     sync.Mutex
	nonces map[string]*Nonce
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[string]*Nonce)}
}

func (s *MemoryStore) Insert(_ context.Context, n Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nonces[n.Value]; exists {
		return ErrDuplicate
	}
	s.nonces[n.Value] = &n
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, value string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nonces[value]
	if !ok {
		return ErrNotFound
	}
	if n.Consumed {
		return ErrAlreadyConsumed
	}
	if now.After(n.ExpiresAt) {
		return ErrExpired
	}
	n.Consumed = true
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, n := range s.nonces {
		if now.After(n.ExpiresAt) {
			delete(s.nonces, value)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored nonces.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}
