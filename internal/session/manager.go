package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/papertrade/internal/journal"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/pricefeed"
	"github.com/atmx/papertrade/internal/risk"
	"github.com/atmx/papertrade/internal/store"
)

// Event types pushed to subscribers.
const (
	EventMarket         = "market"
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventLockout        = "lockout"
	EventLockoutExpired = "lockout_expired"
	EventChallenge      = "challenge"
	EventSession        = "session"
)

// Event is a session change addressed to one user.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"userId"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// Broadcaster delivers events to connected clients.
type Broadcaster interface {
	Broadcast(ev Event)
}

// MarketUpdate is the payload of a market event.
type MarketUpdate struct {
	Symbol string            `json:"symbol"`
	Market model.MarketState `json:"market"`
	Equity string            `json:"equity"`
}

// View is the read model of a user's session.
type View struct {
	Session model.SessionSnapshot `json:"session"`
	Market  model.MarketState     `json:"market"`
	Lockout model.LockoutState    `json:"lockout"`
}

// Feed is a price source that can be pointed at one symbol at a time.
type Feed interface {
	Start(symbol string)
	Stop()
	Running() bool
}

// FeedFactory builds the feed for a user; publish must receive every
// market state the feed produces.
type FeedFactory func(userID string, publish pricefeed.PublishFunc) Feed

// DefaultJournalTimeout bounds each trade-history append.
const DefaultJournalTimeout = 10 * time.Second

type entry struct {
	// mu serialises mutate-then-persist sequences for one user.
	mu   sync.Mutex
	sess *Session
	feed Feed
}

// Manager owns the live sessions, their price feeds and the side effects
// of every mutation: persistence, trade journaling, lockouts and events.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	store          store.Store
	lockouts       *risk.Book
	feeds          FeedFactory
	journal        journal.Recorder
	broadcaster    Broadcaster
	defaults       model.SessionConfig
	defaultSymbol  string
	journalTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal sets where closed trades are recorded.
func WithJournal(rec journal.Recorder) Option {
	return func(m *Manager) { m.journal = rec }
}

// WithBroadcaster sets the event sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) { m.broadcaster = b }
}

// WithDefaults sets the config and instrument of new sessions.
func WithDefaults(cfg model.SessionConfig, symbol string) Option {
	return func(m *Manager) {
		m.defaults = cfg
		if symbol != "" {
			m.defaultSymbol = symbol
		}
	}
}

// WithJournalTimeout overrides DefaultJournalTimeout.
func WithJournalTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.journalTimeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// PollerFactory returns a FeedFactory that polls q.
func PollerFactory(q pricefeed.Quoter, opts ...pricefeed.PollerOption) FeedFactory {
	return func(_ string, publish pricefeed.PublishFunc) Feed {
		return pricefeed.NewPoller(q, publish, opts...)
	}
}

// NewManager creates a Manager. Lockout expiries reported by book are
// forwarded to subscribers.
func NewManager(st store.Store, book *risk.Book, feeds FeedFactory, opts ...Option) *Manager {
	m := &Manager{
		entries:        make(map[string]*entry),
		store:          st,
		lockouts:       book,
		feeds:          feeds,
		defaults:       model.DefaultSessionConfig(),
		defaultSymbol:  DefaultSymbol,
		journalTimeout: DefaultJournalTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	book.OnExpire(m.lockoutExpired)
	return m
}

// get returns the user's entry, hydrating it from the store on first
// access. An active persisted session resumes polling. The store is read
// without holding the manager lock; a concurrent hydration of the same
// user keeps whichever entry was inserted first.
func (m *Manager) get(ctx context.Context, userID string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	var sess *Session
	snap, err := m.store.LoadSession(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = New(userID, m.defaults, m.defaultSymbol)
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	default:
		sess = Restore(userID, *snap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[userID]; ok {
		return e, nil
	}

	e = &entry{sess: sess}
	e.feed = m.feeds(userID, func(symbol string, st model.MarketState) {
		m.onMarket(userID, symbol, st)
	})
	m.entries[userID] = e

	if sess.Active() && !m.closed {
		metrics.ActiveSessions.Inc()
		e.feed.Start(sess.Symbol())
		m.logger.Info("session resumed", "user", userID, "symbol", sess.Symbol())
	}
	return e, nil
}

// Snapshot returns the user's session, market and lockout.
func (m *Manager) Snapshot(ctx context.Context, userID string) (View, error) {
	e, err := m.get(ctx, userID)
	if err != nil {
		return View{}, err
	}
	return View{
		Session: e.sess.Snapshot(),
		Market:  e.sess.Market(),
		Lockout: m.lockouts.Status(ctx, userID),
	}, nil
}

// Lockout returns the user's current lockout.
func (m *Manager) Lockout(ctx context.Context, userID string) model.LockoutState {
	return m.lockouts.Status(ctx, userID)
}

// Start begins a new session, optionally switching to symbol first.
func (m *Manager) Start(ctx context.Context, userID, symbol string) (View, error) {
	if symbol != "" {
		if _, err := pricefeed.NormalizeSymbol(symbol); err != nil {
			return View{}, fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
		}
	}
	if err := m.checkLockout(ctx, userID); err != nil {
		return View{}, err
	}

	e, err := m.get(ctx, userID)
	if err != nil {
		return View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Active() {
		return View{}, ErrSessionActive
	}
	if symbol != "" {
		if _, err := e.sess.SetInstrument(symbol); err != nil {
			return View{}, err
		}
	}
	eff, err := e.sess.Start(m.now())
	if err != nil {
		return View{}, err
	}
	metrics.ActiveSessions.Inc()
	e.feed.Start(e.sess.Symbol())
	m.logger.Info("session started", "user", userID, "symbol", e.sess.Symbol())

	if err := m.settle(ctx, userID, e, eff, true); err != nil {
		return View{}, err
	}
	return m.view(ctx, userID, e), nil
}

// Reset ends the session, restores the default account and deletes the
// persisted snapshot.
func (m *Manager) Reset(ctx context.Context, userID string) (View, error) {
	e, err := m.get(ctx, userID)
	if err != nil {
		return View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.sess.Active()
	e.sess.Reset()
	m.stopFeed(e, wasActive)

	if err := m.store.DeleteSession(ctx, userID); err != nil {
		m.logger.Error("session delete failed", "user", userID, "err", err)
		return View{}, fmt.Errorf("delete session %s: %w", userID, err)
	}
	m.emit(userID, EventSession, e.sess.Snapshot())
	return m.view(ctx, userID, e), nil
}

// UpdateConfig replaces the user's config while no session is active.
func (m *Manager) UpdateConfig(ctx context.Context, userID string, cfg model.SessionConfig) (model.SessionConfig, error) {
	e, err := m.get(ctx, userID)
	if err != nil {
		return model.SessionConfig{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	eff, err := e.sess.UpdateConfig(cfg)
	if err != nil {
		return model.SessionConfig{}, err
	}
	if err := m.settle(ctx, userID, e, eff, false); err != nil {
		return model.SessionConfig{}, err
	}
	return e.sess.Snapshot().Config, nil
}

// SetTradeNote sets the note for the next order.
func (m *Manager) SetTradeNote(ctx context.Context, userID, note string) error {
	e, err := m.get(ctx, userID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return m.settle(ctx, userID, e, e.sess.SetTradeNote(note), e.sess.Active())
}

// SetInstrument switches the traded symbol. An active session restarts
// its feed on the new symbol; quotes still in flight for the old one are
// dropped.
func (m *Manager) SetInstrument(ctx context.Context, userID, symbol string) error {
	if _, err := pricefeed.NormalizeSymbol(symbol); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
	}
	e, err := m.get(ctx, userID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	eff, err := e.sess.SetInstrument(symbol)
	if err != nil {
		return err
	}
	if eff.Changed && e.sess.Active() {
		e.feed.Start(e.sess.Symbol())
	}
	return m.settle(ctx, userID, e, eff, true)
}

// OpenPosition places a market order for the user.
func (m *Manager) OpenPosition(ctx context.Context, userID string, side model.Side) (model.Position, error) {
	if err := m.checkLockout(ctx, userID); err != nil {
		metrics.OrderRejections.WithLabelValues("lockout").Inc()
		return model.Position{}, err
	}
	e, err := m.get(ctx, userID)
	if err != nil {
		return model.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.sess.Active()
	pos, eff, openErr := e.sess.Open(side, m.now())
	if openErr != nil {
		metrics.OrderRejections.WithLabelValues(rejectionCause(openErr)).Inc()
	}
	if err := m.settle(ctx, userID, e, eff, wasActive); err != nil && openErr == nil {
		return model.Position{}, err
	}
	if openErr != nil {
		return model.Position{}, openErr
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Type)).Inc()
	m.logger.Info("position opened",
		"user", userID, "id", pos.ID, "side", pos.Type,
		"symbol", pos.Symbol, "entry", pos.EntryPrice.String())
	m.emit(userID, EventPositionOpened, pos)
	return pos, nil
}

// ClosePosition settles an open position at the current price.
func (m *Manager) ClosePosition(ctx context.Context, userID, positionID string) (model.HistoryRecord, error) {
	e, err := m.get(ctx, userID)
	if err != nil {
		return model.HistoryRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.sess.Active()
	rec, eff, err := e.sess.Close(positionID, m.now())
	if err != nil {
		return model.HistoryRecord{}, err
	}
	if err := m.settle(ctx, userID, e, eff, wasActive); err != nil {
		return model.HistoryRecord{}, err
	}
	return rec, nil
}

// Close stops every feed. Sessions stay persisted and resume on the next
// start of the service.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, e := range m.entries {
		e.feed.Stop()
	}
}

// onMarket applies a published quote. Quotes for users that were never
// loaded, or for a symbol the session has moved away from, are ignored.
func (m *Manager) onMarket(userID, symbol string, st model.MarketState) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.sess.Active()
	eff := e.sess.ApplyMarket(symbol, st, m.now())
	if eff.Stale {
		return
	}

	m.emit(userID, EventMarket, MarketUpdate{
		Symbol: symbol,
		Market: st,
		Equity: e.sess.Snapshot().Account.Equity.String(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.settle(ctx, userID, e, eff, wasActive); err != nil {
		// Tick-driven persistence failures are not surfaced to anyone.
		m.logger.Warn("tick persist failed", "user", userID, "err", err)
	}
}

// settle persists the session and fans out the effects: journal reports
// in close order, lockout on violation, feed shutdown when the session
// ended, and events. e.mu must be held.
func (m *Manager) settle(ctx context.Context, userID string, e *entry, eff Effects, wasActive bool) error {
	var persistErr error
	if eff.Changed {
		snap := e.sess.Snapshot()
		if err := m.store.SaveSession(ctx, userID, &snap); err != nil {
			m.logger.Error("session persist failed", "user", userID, "err", err)
			persistErr = fmt.Errorf("save session %s: %w", userID, err)
		}
	}

	if len(eff.Closed) > 0 {
		reports := make([]model.TradeReport, 0, len(eff.Closed))
		for _, rec := range eff.Closed {
			metrics.PositionsClosed.WithLabelValues(string(rec.Reason)).Inc()
			m.logger.Info("position closed",
				"user", userID, "id", rec.ID, "reason", rec.Reason,
				"exit", rec.ExitPrice.String(), "pnl", rec.FinalPnL.String())
			reports = append(reports, model.ReportFromHistory(userID, rec))
			m.emit(userID, EventPositionClosed, rec)
		}
		journal.RecordAsync(m.journal, m.journalTimeout, m.logger, reports...)
	}

	if eff.ChallengeChanged {
		cs := e.sess.Snapshot().ChallengeState
		if cs.Status.Terminal() {
			metrics.ChallengeVerdicts.WithLabelValues(string(cs.Status)).Inc()
			m.logger.Info("challenge finished", "user", userID, "status", cs.Status, "reason", cs.Reason)
		}
		m.emit(userID, EventChallenge, cs)
	}

	if eff.Violation != nil {
		reason := risk.Reason(eff.Violation)
		l, err := m.lockouts.Trigger(ctx, userID, reason)
		if err != nil {
			m.logger.Error("lockout persist failed", "user", userID, "err", err)
		}
		metrics.Lockouts.WithLabelValues(reason).Inc()
		m.logger.Warn("trading locked out", "user", userID, "reason", reason, "until", l.Until)
		m.emit(userID, EventLockout, l)
	}

	m.stopFeed(e, wasActive)

	if eff.Changed {
		m.emit(userID, EventSession, e.sess.Snapshot())
	}
	return persistErr
}

// stopFeed stops polling once a session that was active has ended.
func (m *Manager) stopFeed(e *entry, wasActive bool) {
	if e.sess.Active() {
		return
	}
	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	if e.feed.Running() {
		e.feed.Stop()
	}
}

func (m *Manager) checkLockout(ctx context.Context, userID string) error {
	l := m.lockouts.Status(ctx, userID)
	if l.Active {
		return fmt.Errorf("%w until %s: %s", risk.ErrLockedOut, l.Until.Format(time.RFC3339), l.Reason)
	}
	return nil
}

func (m *Manager) lockoutExpired(userID string) {
	m.logger.Info("lockout expired", "user", userID)
	m.emit(userID, EventLockoutExpired, model.LockoutState{})
}

func (m *Manager) view(ctx context.Context, userID string, e *entry) View {
	return View{
		Session: e.sess.Snapshot(),
		Market:  e.sess.Market(),
		Lockout: m.lockouts.Status(ctx, userID),
	}
}

func (m *Manager) emit(userID, typ string, data any) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Broadcast(Event{Type: typ, UserID: userID, Data: data, Time: m.now().UTC()})
}

func rejectionCause(err error) string {
	switch {
	case errors.Is(err, ErrSessionInactive):
		return "inactive"
	case errors.Is(err, ErrNoPrice):
		return "no_price"
	case errors.Is(err, ErrChallengeFinished):
		return "challenge_finished"
	case errors.Is(err, risk.ErrTradeLimitReached):
		return "trade_limit"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	}
	return "other"
}
