// Package session runs paper-trading sessions: the per-user state machine
// that ties market ticks, order entry, the risk rules and the challenge
// evaluator together, and the Manager that persists and broadcasts its
// results.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/challenge"
	"github.com/atmx/papertrade/internal/id"
	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/risk"
)

var (
	ErrSessionInactive   = errors.New("session: no active session")
	ErrSessionActive     = errors.New("session: session already active")
	ErrNoPrice           = errors.New("session: market price unknown")
	ErrChallengeFinished = errors.New("session: challenge already finished")
	ErrPositionsOpen     = errors.New("session: positions still open")
	ErrInvalidSide       = errors.New("session: invalid order side")
	ErrInvalidConfig     = errors.New("session: invalid config")
	ErrInvalidSymbol     = errors.New("session: invalid symbol")
)

// DefaultSymbol is the instrument a new session trades.
const DefaultSymbol = "BTCUSDT"

// Effects describes what a mutation did, so the caller can persist,
// journal and broadcast without re-diffing state.
type Effects struct {
	// Changed is set when the persisted snapshot differs.
	Changed bool

	// Opened is the position created by an order, if any.
	Opened *model.Position

	// Closed lists settled positions in close order.
	Closed []model.HistoryRecord

	// Violation is the first rule violation of the mutation. The session
	// has already been deactivated when it is set.
	Violation error

	// ChallengeChanged is set when the challenge reached a verdict.
	ChallengeChanged bool

	// Stale is set when a market update was for a symbol other than the
	// session's current instrument and was dropped.
	Stale bool
}

// Session is the mutable trading state of one user. It performs no I/O.
type Session struct {
	mu     sync.Mutex
	userID string
	snap   model.SessionSnapshot
	market model.MarketState
}

// New creates an inactive session with a fresh account.
func New(userID string, cfg model.SessionConfig, symbol string) *Session {
	if symbol == "" {
		symbol = DefaultSymbol
	}
	return &Session{
		userID: userID,
		snap: model.SessionSnapshot{
			Config:         cfg,
			Account:        model.NewAccount(cfg.InitialCapital),
			ChallengeState: challenge.Idle(),
			Symbol:         symbol,
		},
	}
}

// Restore rebuilds a session from a persisted snapshot. The market state
// starts unknown; an active session is loading until the first quote.
func Restore(userID string, snap model.SessionSnapshot) *Session {
	if snap.Symbol == "" {
		snap.Symbol = DefaultSymbol
	}
	if snap.Account.Positions == nil {
		snap.Account.Positions = []model.Position{}
	}
	if snap.Account.History == nil {
		snap.Account.History = []model.HistoryRecord{}
	}
	if snap.ChallengeState.Status == "" {
		snap.ChallengeState = challenge.Idle()
	}
	return &Session{
		userID: userID,
		snap:   snap,
		market: model.MarketState{IsLoading: snap.IsSessionActive},
	}
}

func (s *Session) UserID() string { return s.userID }

// Snapshot returns a deep copy of the persisted aggregate.
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySnapshot(s.snap)
}

// Market returns the latest market state.
func (s *Session) Market() model.MarketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.market
}

// Active reports whether the session is running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.IsSessionActive
}

// Symbol returns the current instrument.
func (s *Session) Symbol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Symbol
}

// Start funds a fresh account with the initial capital and activates the
// session. The challenge becomes ACTIVE when challenge mode is on.
func (s *Session) Start(now time.Time) (Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.IsSessionActive {
		return Effects{}, ErrSessionActive
	}
	s.snap.Account = model.NewAccount(s.snap.Config.InitialCapital)
	s.snap.IsSessionActive = true
	s.snap.ChallengeState = challenge.Start(s.snap.Config.IsChallengeMode, now.UTC())
	s.market = model.MarketState{IsLoading: true}
	return Effects{Changed: true}, nil
}

// Reset deactivates the session and restores the default account and
// challenge state. The config and instrument are kept.
func (s *Session) Reset() Effects {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Account = model.NewAccount(s.snap.Config.InitialCapital)
	s.snap.ChallengeState = challenge.Idle()
	s.snap.IsSessionActive = false
	s.market = model.MarketState{}
	return Effects{Changed: true}
}

// Deactivate stops the session without touching the account.
func (s *Session) Deactivate() Effects {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.snap.IsSessionActive {
		return Effects{}
	}
	s.snap.IsSessionActive = false
	return Effects{Changed: true}
}

// UpdateConfig replaces the config. Only allowed while inactive; the trade
// note is carried over from the current config.
func (s *Session) UpdateConfig(cfg model.SessionConfig) (Effects, error) {
	if err := ValidateConfig(cfg); err != nil {
		return Effects{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.IsSessionActive {
		return Effects{}, ErrSessionActive
	}
	cfg.TradeNote = s.snap.Config.TradeNote
	s.snap.Config = cfg
	if len(s.snap.Account.History) == 0 && len(s.snap.Account.Positions) == 0 {
		s.snap.Account = model.NewAccount(cfg.InitialCapital)
	}
	return Effects{Changed: true}, nil
}

// SetTradeNote sets the note attached to the next opened position. It is
// editable at any time.
func (s *Session) SetTradeNote(note string) Effects {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Config.TradeNote == note {
		return Effects{}
	}
	s.snap.Config.TradeNote = note
	return Effects{Changed: true}
}

// SetInstrument switches the traded symbol and clears the market state.
// Rejected while positions are open since they are all marked against
// the single active quote.
func (s *Session) SetInstrument(symbol string) (Effects, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Effects{}, ErrInvalidSymbol
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if symbol == s.snap.Symbol {
		return Effects{}, nil
	}
	if len(s.snap.Account.Positions) > 0 {
		return Effects{}, ErrPositionsOpen
	}
	s.snap.Symbol = symbol
	s.market = model.MarketState{IsLoading: s.snap.IsSessionActive}
	return Effects{Changed: true}, nil
}

// Open places a market order at the current price. A trade-count violation
// deactivates the session and is returned both as the error and in
// Effects.Violation. Lockouts are enforced by the caller.
func (s *Session) Open(side model.Side, now time.Time) (model.Position, Effects, error) {
	if !side.Valid() {
		return model.Position{}, Effects{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.snap.IsSessionActive {
		return model.Position{}, Effects{}, ErrSessionInactive
	}
	if s.snap.ChallengeState.Status.Terminal() {
		return model.Position{}, Effects{}, ErrChallengeFinished
	}
	if !s.market.HasPrice() {
		return model.Position{}, Effects{}, ErrNoPrice
	}

	rules := risk.RulesFromConfig(s.snap.Config)
	if err := rules.CheckOpen(s.snap.Account.History); err != nil {
		s.snap.IsSessionActive = false
		return model.Position{}, Effects{Changed: true, Violation: err}, err
	}

	now = now.UTC()
	pos := ledger.NewPosition(id.At(now), side, s.snap.Symbol, s.market.Price, s.snap.Config, now)
	ledger.Open(&s.snap.Account, pos)
	s.snap.Config.TradeNote = ""

	return pos, Effects{Changed: true, Opened: &pos}, nil
}

// Close settles a position manually at the current price. Rules are
// evaluated afterwards while the session is active.
func (s *Session) Close(positionID string, now time.Time) (model.HistoryRecord, Effects, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.market.HasPrice() {
		return model.HistoryRecord{}, Effects{}, ErrNoPrice
	}
	rec, err := ledger.Close(&s.snap.Account, positionID, s.market.Price, model.ReasonManual, now.UTC())
	if err != nil {
		return model.HistoryRecord{}, Effects{}, err
	}

	eff := Effects{Changed: true, Closed: []model.HistoryRecord{rec}}
	s.evaluateRulesLocked(&eff)
	return rec, eff, nil
}

// ApplyMarket records a quote for symbol and settles the book against it:
// mark-to-market, challenge verdict on the pre-close balance and marked
// equity, then stop-loss/take-profit closes in position order, each
// followed by a rule check. A flat book only snaps equity to balance; the
// challenge is judged on ticks with open positions. Quotes for another
// symbol are dropped.
func (s *Session) ApplyMarket(symbol string, st model.MarketState, now time.Time) Effects {
	s.mu.Lock()
	defer s.mu.Unlock()

	if symbol != s.snap.Symbol {
		return Effects{Stale: true}
	}
	s.market = st

	if !s.snap.IsSessionActive || !st.HasPrice() {
		return Effects{}
	}

	now = now.UTC()
	acct := &s.snap.Account
	var eff Effects

	if len(acct.Positions) == 0 {
		if !acct.Equity.Equal(acct.Balance) {
			acct.Equity = acct.Balance
			eff.Changed = true
		}
		return eff
	}

	s.markLocked(&eff)
	s.evaluateChallengeLocked(&eff, now)

	open := make([]model.Position, len(acct.Positions))
	copy(open, acct.Positions)
	for _, p := range open {
		reason, hit := ledger.Trigger(p, st.Price)
		if !hit {
			continue
		}
		rec, err := ledger.Close(acct, p.ID, st.Price, reason, now)
		if err != nil {
			continue
		}
		eff.Changed = true
		eff.Closed = append(eff.Closed, rec)
		s.evaluateRulesLocked(&eff)
	}

	if len(eff.Closed) > 0 {
		acct.Equity = ledger.Equity(acct.Balance, acct.Positions, st.Price)
	}
	return eff
}

func (s *Session) markLocked(eff *Effects) {
	acct := &s.snap.Account
	eq := ledger.Equity(acct.Balance, acct.Positions, s.market.Price)
	if ledger.EquityChanged(acct.Equity, eq) {
		acct.Equity = eq
		eff.Changed = true
	}
}

func (s *Session) evaluateChallengeLocked(eff *Effects, now time.Time) {
	ev := challenge.New(s.snap.Config)
	next, changed := ev.Evaluate(s.snap.ChallengeState, s.snap.Account.Balance, s.snap.Account.Equity, now)
	if changed {
		s.snap.ChallengeState = next
		eff.ChallengeChanged = true
		eff.Changed = true
	}
}

// evaluateRulesLocked records the first violation and deactivates.
func (s *Session) evaluateRulesLocked(eff *Effects) {
	if eff.Violation != nil || !s.snap.IsSessionActive {
		return
	}
	rules := risk.RulesFromConfig(s.snap.Config)
	if err := rules.Evaluate(s.snap.Account.History); err != nil {
		eff.Violation = err
		eff.Changed = true
		s.snap.IsSessionActive = false
	}
}

// ValidateConfig checks that amounts are positive and limits are not
// negative.
func ValidateConfig(cfg model.SessionConfig) error {
	switch {
	case !cfg.InitialCapital.IsPositive():
		return fmt.Errorf("%w: initial capital must be positive", ErrInvalidConfig)
	case !cfg.TradeAmount.IsPositive():
		return fmt.Errorf("%w: trade amount must be positive", ErrInvalidConfig)
	case cfg.StopLossPct.IsNegative() || cfg.TakeProfitPct.IsNegative():
		return fmt.Errorf("%w: stop loss and take profit must not be negative", ErrInvalidConfig)
	case cfg.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: stop loss must be below 100%%", ErrInvalidConfig)
	case cfg.ChallengeTargetPct.IsNegative() || cfg.ChallengeMaxDrawdownPct.IsNegative():
		return fmt.Errorf("%w: challenge thresholds must not be negative", ErrInvalidConfig)
	case cfg.MaxTradesPerDay < 0 || cfg.MaxConsecutiveLosses < 0 || cfg.MaxDailyLoss.IsNegative():
		return fmt.Errorf("%w: rule limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

func copySnapshot(in model.SessionSnapshot) model.SessionSnapshot {
	out := in
	out.Account.Positions = append([]model.Position{}, in.Account.Positions...)
	out.Account.History = append([]model.HistoryRecord{}, in.Account.History...)
	if in.ChallengeState.StartTime != nil {
		t := *in.ChallengeState.StartTime
		out.ChallengeState.StartTime = &t
	}
	if in.ChallengeState.EndTime != nil {
		t := *in.ChallengeState.EndTime
		out.ChallengeState.EndTime = &t
	}
	return out
}
