package journal

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/papertrade/internal/model"
)

// MemoryJournal is an in-memory Store for tests and single-process runs.
type MemoryJournal struct {
	mu      sync.RWMutex
	reports map[string][]model.TradeReport // userID → oldest first
	now     func() time.Time
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		reports: make(map[string][]model.TradeReport),
		now:     time.Now,
	}
}

func (j *MemoryJournal) Record(_ context.Context, r model.TradeReport) error {
	r, err := prepare(r, j.now())
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reports[r.UserID] = append(j.reports[r.UserID], r)
	return nil
}

func (j *MemoryJournal) ListByUser(_ context.Context, userID string, limit int) ([]model.TradeReport, error) {
	limit = clampLimit(limit)
	j.mu.RLock()
	defer j.mu.RUnlock()

	all := j.reports[userID]
	out := make([]model.TradeReport, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
