package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/papertrade/internal/model"
)

// PostgresSchema creates the trade history table. All monetary values are
// stored as NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS manual_trades (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	entry_price NUMERIC NOT NULL,
	exit_price  NUMERIC NOT NULL,
	pnl         NUMERIC NOT NULL,
	is_win      BOOLEAN NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_manual_trades_user ON manual_trades (user_id, created_at DESC);
`

// PostgresJournal is a Store backed by PostgreSQL.
type PostgresJournal struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresJournal creates a PostgreSQL-backed journal.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool, now: time.Now}
}

// Migrate creates the journal table if it does not exist.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := j.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Record(ctx context.Context, r model.TradeReport) error {
	r, err := prepare(r, j.now())
	if err != nil {
		return err
	}
	_, err = j.pool.Exec(ctx,
		`INSERT INTO manual_trades (id, user_id, symbol, entry_price, exit_price, pnl, is_win, notes, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		r.ID, r.UserID, r.Symbol,
		r.EntryPrice.String(), r.ExitPrice.String(), r.PnL.String(),
		r.IsWin, r.Notes, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", r.ID, err)
	}
	return nil
}

func (j *PostgresJournal) ListByUser(ctx context.Context, userID string, limit int) ([]model.TradeReport, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id::TEXT, user_id, symbol,
		        entry_price::TEXT, exit_price::TEXT, pnl::TEXT,
		        is_win, notes, created_at
		 FROM manual_trades
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list trades %s: %w", userID, err)
	}
	defer rows.Close()

	var out []model.TradeReport
	for rows.Next() {
		var (
			r                model.TradeReport
			entry, exit, pnl string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &entry, &exit, &pnl,
			&r.IsWin, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if err := parseAmounts(&r, entry, exit, pnl); err != nil {
			return nil, fmt.Errorf("scan trade %s: %w", r.ID, err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
