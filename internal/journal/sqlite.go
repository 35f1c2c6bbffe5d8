package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atmx/papertrade/internal/model"
)

// SQLiteSchema creates the trade history table. Money columns are TEXT so
// decimals round-trip exactly.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS manual_trades (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	pnl         TEXT NOT NULL,
	is_win      INTEGER NOT NULL,
	notes       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_manual_trades_user ON manual_trades (user_id, created_at);
`

// SQLiteJournal is a Store backed by a local SQLite file.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteJournal opens (or creates) the database at path and applies
// the schema.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}
	return &SQLiteJournal{db: db, now: time.Now}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, r model.TradeReport) error {
	r, err := prepare(r, j.now())
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO manual_trades
		(id, user_id, symbol, entry_price, exit_price, pnl, is_win, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Symbol,
		r.EntryPrice.String(), r.ExitPrice.String(), r.PnL.String(),
		r.IsWin, r.Notes, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", r.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) ListByUser(ctx context.Context, userID string, limit int) ([]model.TradeReport, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, entry_price, exit_price, pnl, is_win, notes, created_at
		FROM manual_trades
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
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

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
