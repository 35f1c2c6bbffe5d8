package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/papertrade/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_sessions (
	user_id    TEXT PRIMARY KEY,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trading_lockouts (
	user_id TEXT PRIMARY KEY,
	active  BOOLEAN NOT NULL,
	until   TIMESTAMPTZ NOT NULL,
	reason  TEXT NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Session snapshots are kept whole as JSONB; decimals survive as strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the store's tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate session store: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, userID string) (*model.SessionSnapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM trading_sessions WHERE user_id = $1`, userID).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, SessionKey(userID))
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}

	var snap model.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", userID, err)
	}
	return &snap, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, userID string, snap *model.SessionSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", userID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trading_sessions (user_id, snapshot, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		userID, raw,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trading_sessions WHERE user_id = $1`, userID)
	return err
}

func (s *PostgresStore) LoadLockout(ctx context.Context, userID string) (*model.LockoutState, error) {
	var l model.LockoutState
	err := s.pool.QueryRow(ctx,
		`SELECT active, until, reason FROM trading_lockouts WHERE user_id = $1`, userID).
		Scan(&l.Active, &l.Until, &l.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, LockoutKey(userID))
	}
	if err != nil {
		return nil, fmt.Errorf("load lockout %s: %w", userID, err)
	}
	l.Until = l.Until.UTC()
	return &l, nil
}

func (s *PostgresStore) SaveLockout(ctx context.Context, userID string, l model.LockoutState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_lockouts (user_id, active, until, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET active = EXCLUDED.active, until = EXCLUDED.until, reason = EXCLUDED.reason`,
		userID, l.Active, l.Until, l.Reason,
	)
	if err != nil {
		return fmt.Errorf("save lockout %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteLockout(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trading_lockouts WHERE user_id = $1`, userID)
	return err
}
