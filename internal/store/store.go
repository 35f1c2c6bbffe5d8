// Package store defines the persistence interface for session snapshots and
// lockouts. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), flat JSON files and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/papertrade/internal/model"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Deletes are idempotent.
type Store interface {
	// --- Session snapshots ---

	// LoadSession returns the persisted session of a user.
	LoadSession(ctx context.Context, userID string) (*model.SessionSnapshot, error)

	// SaveSession replaces the persisted session of a user.
	SaveSession(ctx context.Context, userID string, snap *model.SessionSnapshot) error

	// DeleteSession removes the persisted session of a user.
	DeleteSession(ctx context.Context, userID string) error

	// --- Lockouts ---

	// LoadLockout returns the persisted lockout of a user.
	LoadLockout(ctx context.Context, userID string) (*model.LockoutState, error)

	// SaveLockout replaces the persisted lockout of a user.
	SaveLockout(ctx context.Context, userID string, l model.LockoutState) error

	// DeleteLockout removes the persisted lockout of a user.
	DeleteLockout(ctx context.Context, userID string) error
}

// SessionKey is the durable key of a user's session snapshot.
func SessionKey(userID string) string { return "manual_trade_session_" + userID }

// LockoutKey is the durable key of a user's lockout record.
func LockoutKey(userID string) string { return "trading_lockout_" + userID }

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
