package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) (*SQLiteJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestSQLiteJournal(t *testing.T) {
	j, _ := newTestSQLite(t)
	runJournalContract(t, j)
}

func TestSQLiteSchemaCreated(t *testing.T) {
	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='manual_trades'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "manual_trades", name)
}

func TestSQLiteJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), report("alice", "BTCUSDT", "12.5", j.now())))
	require.NoError(t, j.Close())

	j2, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	defer j2.Close()

	got, err := j2.ListByUser(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "12.5", got[0].PnL.String())
}

func TestSQLiteJournalCorruptAmount(t *testing.T) {
	ctx := context.Background()
	j, _ := newTestSQLite(t)
	require.NoError(t, j.Record(ctx, report("alice", "BTCUSDT", "12.5", j.now())))

	_, err := j.db.ExecContext(ctx, `UPDATE manual_trades SET pnl = 'n/a' WHERE user_id = ?`, "alice")
	require.NoError(t, err)

	_, err = j.ListByUser(ctx, "alice", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pnl")
}
