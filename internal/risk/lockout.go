package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/store"
)

// ErrLockedOut is returned when an action is attempted during a lockout.
var ErrLockedOut = errors.New("risk: trading locked out")

const (
	// DefaultLockoutDuration is how long a rule violation blocks trading.
	DefaultLockoutDuration = 30 * time.Minute

	// SweepInterval is how often Run checks for expired lockouts.
	SweepInterval = time.Second
)

// LockoutStore persists lockouts so they survive restarts.
type LockoutStore interface {
	LoadLockout(ctx context.Context, userID string) (*model.LockoutState, error)
	SaveLockout(ctx context.Context, userID string, l model.LockoutState) error
	DeleteLockout(ctx context.Context, userID string) error
}

// Book tracks lockouts per user. Entries are hydrated lazily from the
// store on first access and cleared once they expire.
type Book struct {
	mu       sync.Mutex
	entries  map[string]model.LockoutState
	loaded   map[string]bool
	store    LockoutStore
	duration time.Duration
	now      func() time.Time
	onExpire func(userID string)
	logger   *slog.Logger
}

// Option configures a Book.
type Option func(*Book)

// WithDuration overrides the lockout length.
func WithDuration(d time.Duration) Option {
	return func(b *Book) {
		if d > 0 {
			b.duration = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) { b.logger = l }
}

// NewBook creates a lockout book backed by st.
func NewBook(st LockoutStore, opts ...Option) *Book {
	b := &Book{
		entries:  make(map[string]model.LockoutState),
		loaded:   make(map[string]bool),
		store:    st,
		duration: DefaultLockoutDuration,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnExpire registers fn to be called, outside the book's lock, for every
// user whose lockout is cleared by Sweep.
func (b *Book) OnExpire(fn func(userID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExpire = fn
}

// Trigger locks userID out for the configured duration and persists it.
// The in-memory lockout applies even if the store write fails.
func (b *Book) Trigger(ctx context.Context, userID, reason string) (model.LockoutState, error) {
	l := model.LockoutState{
		Active: true,
		Until:  b.now().Add(b.duration).UTC(),
		Reason: reason,
	}

	b.mu.Lock()
	b.entries[userID] = l
	b.loaded[userID] = true
	b.mu.Unlock()

	if err := b.store.SaveLockout(ctx, userID, l); err != nil {
		return l, err
	}
	return l, nil
}

// Status returns the user's current lockout. An inactive zero value means
// the user may trade.
func (b *Book) Status(ctx context.Context, userID string) model.LockoutState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded[userID] {
		b.hydrateLocked(ctx, userID)
	}

	l, ok := b.entries[userID]
	if !ok {
		return model.LockoutState{}
	}
	if l.Expired(b.now()) {
		b.clearLocked(ctx, userID)
		return model.LockoutState{}
	}
	return l
}

// Sweep clears every expired lockout and returns the affected users.
func (b *Book) Sweep(ctx context.Context) []string {
	b.mu.Lock()
	now := b.now()
	var expired []string
	for userID, l := range b.entries {
		if l.Expired(now) {
			b.clearLocked(ctx, userID)
			expired = append(expired, userID)
		}
	}
	hook := b.onExpire
	b.mu.Unlock()

	if hook != nil {
		for _, userID := range expired {
			hook(userID)
		}
	}
	return expired
}

// Run sweeps expired lockouts every SweepInterval until ctx is done.
func (b *Book) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

func (b *Book) hydrateLocked(ctx context.Context, userID string) {
	l, err := b.store.LoadLockout(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.loaded[userID] = true
	case err != nil:
		// Leave unloaded so the next call retries.
		b.logger.Warn("lockout load failed", "user", userID, "err", err)
	default:
		b.loaded[userID] = true
		b.entries[userID] = *l
	}
}

func (b *Book) clearLocked(ctx context.Context, userID string) {
	delete(b.entries, userID)
	if err := b.store.DeleteLockout(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("lockout delete failed", "user", userID, "err", err)
	}
}
