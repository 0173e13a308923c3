package secretstore

import (
	"context"
	"sync"
)

type memoryItem struct {
	value       string
	requireAuth bool
}

// MemoryStore keeps secrets in process memory. Used by tests and by the
// in-memory deployment profile.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	auth  Authenticator
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

// WithAuthenticator installs the approval hook for gated items.
func (s *MemoryStore) WithAuthenticator(auth Authenticator) *MemoryStore {
	s.auth = auth
	return s
}

func (s *MemoryStore) SetItem(_ context.Context, key, value string, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{value: value, requireAuth: opts.RequireAuthentication}
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if item.requireAuth {
		if s.auth == nil {
			return "", ErrAuthenticationRequired
		}
		if err := s.auth(ctx, key); err != nil {
			return "", ErrAuthenticationRequired
		}
	}
	return item.value, nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len reports the number of stored items.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
