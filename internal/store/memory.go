package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/atmx/papertrade/internal/model"
)

// MemoryStore implements Store with an in-memory key/value map holding
// JSON blobs, so every read returns an independent copy. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) LoadSession(_ context.Context, userID string) (*model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	if err := s.get(SessionKey(userID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, userID string, snap *model.SessionSnapshot) error {
	return s.put(SessionKey(userID), snap)
}

func (s *MemoryStore) DeleteSession(_ context.Context, userID string) error {
	s.del(SessionKey(userID))
	return nil
}

func (s *MemoryStore) LoadLockout(_ context.Context, userID string) (*model.LockoutState, error) {
	var l model.LockoutState
	if err := s.get(LockoutKey(userID), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *MemoryStore) SaveLockout(_ context.Context, userID string, l model.LockoutState) error {
	return s.put(LockoutKey(userID), l)
}

func (s *MemoryStore) DeleteLockout(_ context.Context, userID string) error {
	s.del(LockoutKey(userID))
	return nil
}

// Keys returns the number of stored records.
func (s *MemoryStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemoryStore) get(key string, out any) error {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(raw, out)
}

func (s *MemoryStore) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) del(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}
