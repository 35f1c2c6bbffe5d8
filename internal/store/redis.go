package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/papertrade/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store first and then refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	now     func() time.Time
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		now:     time.Now,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveSession(ctx context.Context, userID string, snap *model.SessionSnapshot) error {
	if err := s.primary.SaveSession(ctx, userID, snap); err != nil {
		return err
	}
	s.cache(ctx, SessionKey(userID), snap, s.ttl)
	return nil
}

func (s *CachedStore) DeleteSession(ctx context.Context, userID string) error {
	if err := s.primary.DeleteSession(ctx, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, SessionKey(userID))
	return nil
}

func (s *CachedStore) SaveLockout(ctx context.Context, userID string, l model.LockoutState) error {
	if err := s.primary.SaveLockout(ctx, userID, l); err != nil {
		return err
	}
	// Redis expires the entry together with the lockout itself.
	if ttl := l.Until.Sub(s.now()); ttl > 0 {
		s.cache(ctx, LockoutKey(userID), l, ttl)
	} else {
		s.rdb.Del(ctx, LockoutKey(userID))
	}
	return nil
}

func (s *CachedStore) DeleteLockout(ctx context.Context, userID string) error {
	if err := s.primary.DeleteLockout(ctx, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, LockoutKey(userID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadSession(ctx context.Context, userID string) (*model.SessionSnapshot, error) {
	data, err := s.rdb.Get(ctx, SessionKey(userID)).Bytes()
	if err == nil {
		var snap model.SessionSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LoadSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, SessionKey(userID), snap, s.ttl)
	return snap, nil
}

func (s *CachedStore) LoadLockout(ctx context.Context, userID string) (*model.LockoutState, error) {
	data, err := s.rdb.Get(ctx, LockoutKey(userID)).Bytes()
	if err == nil {
		var l model.LockoutState
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.LoadLockout(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ttl := l.Until.Sub(s.now()); ttl > 0 {
		s.cache(ctx, LockoutKey(userID), l, ttl)
	}
	return l, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}
