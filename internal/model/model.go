// Package model defines the core domain types shared across the paper-trading
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// CloseReason records why a position left the book.
type CloseReason string

const (
	ReasonManual     CloseReason = "MANUAL"
	ReasonStopLoss   CloseReason = "SL"
	ReasonTakeProfit CloseReason = "TP"
)

// ChallengeStatus is the state of a prop-firm style evaluation run.
type ChallengeStatus string

const (
	ChallengeIdle   ChallengeStatus = "IDLE"
	ChallengeActive ChallengeStatus = "ACTIVE"
	ChallengePassed ChallengeStatus = "PASSED"
	ChallengeFailed ChallengeStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengePassed || s == ChallengeFailed
}

// SessionConfig holds the user-editable parameters of a trading session.
// Percentages are expressed in whole percent (2 means 2%).
type SessionConfig struct {
	InitialCapital          decimal.Decimal `json:"initialCapital" yaml:"initial_capital"`
	TradeAmount             decimal.Decimal `json:"tradeAmount" yaml:"trade_amount"`
	StopLossPct             decimal.Decimal `json:"stopLossPct" yaml:"stop_loss_pct"`
	TakeProfitPct           decimal.Decimal `json:"takeProfitPct" yaml:"take_profit_pct"`
	IsChallengeMode         bool            `json:"isChallengeMode" yaml:"is_challenge_mode"`
	ChallengeTargetPct      decimal.Decimal `json:"challengeTargetPct" yaml:"challenge_target_pct"`
	ChallengeMaxDrawdownPct decimal.Decimal `json:"challengeMaxDrawdownPct" yaml:"challenge_max_drawdown_pct"`
	TradeNote               string          `json:"tradeNote" yaml:"-"`
	EnableRules             bool            `json:"enableRules" yaml:"enable_rules"`
	MaxTradesPerDay         int             `json:"maxTradesPerDay" yaml:"max_trades_per_day"`
	MaxDailyLoss            decimal.Decimal `json:"maxDailyLoss" yaml:"max_daily_loss"`
	MaxConsecutiveLosses    int             `json:"maxConsecutiveLosses" yaml:"max_consecutive_losses"`
}

// DefaultSessionConfig returns the configuration a new user starts with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InitialCapital:          decimal.NewFromInt(10000),
		TradeAmount:             decimal.NewFromInt(1000),
		StopLossPct:             decimal.NewFromInt(1),
		TakeProfitPct:           decimal.NewFromInt(2),
		ChallengeTargetPct:      decimal.NewFromInt(10),
		ChallengeMaxDrawdownPct: decimal.NewFromInt(5),
		MaxTradesPerDay:         10,
		MaxDailyLoss:            decimal.NewFromInt(500),
		MaxConsecutiveLosses:    3,
	}
}

// MarketState is the latest quote for the active instrument. It is replaced
// wholesale on every poll, never merged.
type MarketState struct {
	Price      decimal.Decimal `json:"price"`
	IsLoading  bool            `json:"isLoading"`
	LastUpdate time.Time       `json:"lastUpdate"`
}

// HasPrice reports whether a quote has been received. A zero price is the
// "unknown" sentinel and blocks order entry.
func (m MarketState) HasPrice() bool { return !m.Price.IsZero() }

// Position is an open simulated trade. SLPrice and TPPrice are absolute
// levels fixed at open time.
type Position struct {
	ID         string          `json:"id"`
	Type       Side            `json:"type"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Size       decimal.Decimal `json:"size"` // notional, not units
	Symbol     string          `json:"symbol"`
	OpenTime   time.Time       `json:"openTime"`
	SLPrice    decimal.Decimal `json:"slPrice"`
	TPPrice    decimal.Decimal `json:"tpPrice"`
	Note       string          `json:"note"`
}

// HistoryRecord is an immutable closed trade.
type HistoryRecord struct {
	Position
	ExitPrice decimal.Decimal `json:"exitPrice"`
	CloseTime time.Time       `json:"closeTime"`
	FinalPnL  decimal.Decimal `json:"finalPnL"`
	Reason    CloseReason     `json:"reason"`
}

// IsWin reports whether the trade realized a profit.
func (h HistoryRecord) IsWin() bool { return h.FinalPnL.IsPositive() }

// Account is the capital and position book of one session. Positions and
// History are ordered most-recent-first.
type Account struct {
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	Positions []Position      `json:"positions"`
	History   []HistoryRecord `json:"history"`
}

// NewAccount returns a flat account funded with capital.
func NewAccount(capital decimal.Decimal) Account {
	return Account{
		Balance:   capital,
		Equity:    capital,
		Positions: []Position{},
		History:   []HistoryRecord{},
	}
}

// ChallengeState tracks a challenge run.
type ChallengeState struct {
	Status    ChallengeStatus `json:"status"`
	StartTime *time.Time      `json:"startTime"`
	EndTime   *time.Time      `json:"endTime"`
	Reason    string          `json:"reason"`
}

// LockoutState is a time-boxed suspension of order entry.
type LockoutState struct {
	Active bool      `json:"active"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// Expired reports whether the lockout no longer applies at now.
func (l LockoutState) Expired(now time.Time) bool {
	return !l.Active || !now.Before(l.Until)
}

// SessionSnapshot is the persisted aggregate of one user's session.
type SessionSnapshot struct {
	Config          SessionConfig  `json:"config"`
	Account         Account        `json:"account"`
	ChallengeState  ChallengeState `json:"challengeState"`
	IsSessionActive bool           `json:"isSessionActive"`
	Symbol          string         `json:"symbol"`
}

// TradeReport is the append-only trade-history entry mirrored to the
// remote store after every close.
type TradeReport struct {
	ID         string          `json:"id,omitempty" db:"id"`
	UserID     string          `json:"user_id,omitempty" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price" db:"exit_price"`
	PnL        decimal.Decimal `json:"pnl" db:"pnl"`
	IsWin      bool            `json:"is_win" db:"is_win"`
	Notes      string          `json:"notes" db:"notes"`
	CreatedAt  time.Time       `json:"created_at,omitempty" db:"created_at"`
}

// ReportFromHistory builds the remote trade-history payload for a close.
func ReportFromHistory(userID string, h HistoryRecord) TradeReport {
	return TradeReport{
		UserID:     userID,
		Symbol:     h.Symbol,
		EntryPrice: h.EntryPrice,
		ExitPrice:  h.ExitPrice,
		PnL:        h.FinalPnL,
		IsWin:      h.IsWin(),
		Notes:      h.Note,
		CreatedAt:  h.CloseTime,
	}
}
