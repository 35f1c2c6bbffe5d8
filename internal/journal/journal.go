// Package journal records closed trades in an append-only trade history.
//
// Every close produces one model.TradeReport. Writes are best-effort: the
// session that produced the close never waits on or rolls back for the
// journal.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
)

// ErrInvalidReport is returned for reports missing a user or symbol.
var ErrInvalidReport = errors.New("journal: invalid trade report")

// DefaultListLimit caps ListByUser when no limit is given.
const DefaultListLimit = 100

// Recorder appends a trade report.
type Recorder interface {
	Record(ctx context.Context, r model.TradeReport) error
}

// Reader lists a user's trade reports, most recent first.
type Reader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]model.TradeReport, error)
}

// Store is a journal that can be both written and read.
type Store interface {
	Recorder
	Reader
}

// Compile-time interface checks.
var (
	_ Store    = (*MemoryJournal)(nil)
	_ Store    = (*SQLiteJournal)(nil)
	_ Store    = (*PostgresJournal)(nil)
	_ Recorder = (*HTTPRecorder)(nil)
)

// prepare validates r and fills in the id and timestamp when absent.
func prepare(r model.TradeReport, now time.Time) (model.TradeReport, error) {
	if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.Symbol) == "" {
		return r, ErrInvalidReport
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// parseAmounts decodes the textual money columns of a stored report.
func parseAmounts(r *model.TradeReport, entry, exit, pnl string) error {
	var err error
	if r.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return fmt.Errorf("entry_price: %w", err)
	}
	if r.ExitPrice, err = decimal.NewFromString(exit); err != nil {
		return fmt.Errorf("exit_price: %w", err)
	}
	if r.PnL, err = decimal.NewFromString(pnl); err != nil {
		return fmt.Errorf("pnl: %w", err)
	}
	return nil
}

// RecordAsync writes reports in order on a single goroutine, each bounded
// by timeout. Failures are logged and counted, never returned. The
// returned channel closes once every write has finished.
func RecordAsync(rec Recorder, timeout time.Duration, logger *slog.Logger, reports ...model.TradeReport) <-chan struct{} {
	done := make(chan struct{})
	if rec == nil || len(reports) == 0 {
		close(done)
		return done
	}
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		defer close(done)
		for _, r := range reports {
			record(rec, r, timeout, logger)
		}
	}()
	return done
}

func record(rec Recorder, r model.TradeReport, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rec.Record(ctx, r); err != nil {
		metrics.JournalWrites.WithLabelValues("error").Inc()
		logger.Error("trade journal write failed",
			"user", r.UserID, "symbol", r.Symbol, "pnl", r.PnL.String(), "err", err)
		return
	}
	metrics.JournalWrites.WithLabelValues("ok").Inc()
}
