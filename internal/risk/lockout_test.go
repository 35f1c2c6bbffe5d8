package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/papertrade/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func TestBook_TriggerBlocksForThirtyMinutes(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	st := store.NewMemoryStore()
	b := NewBook(st, WithClock(clock.Now))

	l, err := b.Trigger(ctx, "alice", "Max daily loss reached")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), l.Until)

	assert.True(t, b.Status(ctx, "alice").Active)
	assert.False(t, b.Status(ctx, "bob").Active, "lockouts must not leak across users")

	clock.Advance(29*time.Minute + 59*time.Second)
	assert.True(t, b.Status(ctx, "alice").Active)

	clock.Advance(time.Second)
	assert.False(t, b.Status(ctx, "alice").Active)

	_, err = st.LoadLockout(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound, "expired record must be cleared")
}

func TestBook_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	st := store.NewMemoryStore()

	first := NewBook(st, WithClock(clock.Now))
	_, err := first.Trigger(ctx, "alice", "Max consecutive losses reached")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	second := NewBook(st, WithClock(clock.Now))
	l := second.Status(ctx, "alice")
	assert.True(t, l.Active)
	assert.Equal(t, "Max consecutive losses reached", l.Reason)

	clock.Advance(20 * time.Minute)
	assert.False(t, second.Status(ctx, "alice").Active)
}

func TestBook_SweepNotifiesExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	b := NewBook(store.NewMemoryStore(), WithClock(clock.Now), WithDuration(time.Minute))

	var expired []string
	b.OnExpire(func(userID string) { expired = append(expired, userID) })

	_, err := b.Trigger(ctx, "alice", "x")
	require.NoError(t, err)

	assert.Empty(t, b.Sweep(ctx))
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"alice"}, b.Sweep(ctx))
	assert.Equal(t, []string{"alice"}, expired)
	assert.Empty(t, b.Sweep(ctx))
}

func TestBook_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBook(store.NewMemoryStore())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
