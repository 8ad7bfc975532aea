package capabilities

import (
	"context"
	"sync"
	"time"
)

// ReplayStore records consumed identifiers. Consume must be an atomic
// check-then-insert: for a given id exactly one call ever returns true.
type ReplayStore interface {
	Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// TokenKey namespaces a capability token id.
func TokenKey(tokenID string) string { return "token:" + tokenID }

// WebhookKey namespaces a webhook nonce.
func WebhookKey(nonce string) string { return "webhook:" + nonce }

// MemoryReplayStore is an in-process ReplayStore.
type MemoryReplayStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
}

// NewMemoryReplayStore creates an empty store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{consumed: make(map[string]time.Time)}
}

// Consume implements ReplayStore. Expiry does not affect the answer; only
// Prune forgets entries.
func (s *MemoryReplayStore) Consume(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.consumed[id]; seen {
		return false, nil
	}
	s.consumed[id] = expiresAt
	return true, nil
}

// Prune drops entries whose expiry is before now.
func (s *MemoryReplayStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, exp := range s.consumed {
		if exp.Before(now) {
			delete(s.consumed, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of retained entries.
func (s *MemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}
