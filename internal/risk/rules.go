// Package risk implements the overtrading guard rails of a paper-trading
// session: trade-count, cumulative-loss and loss-streak thresholds, and the
// time-boxed lockout that a violation triggers.
//
// Thresholds are evaluated over the whole session history, not a rolling
// calendar day. A session is expected to live for a single trading day; the
// names of the limits follow that expectation.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrTradeLimitReached is returned when opening would exceed the
	// maximum number of trades.
	ErrTradeLimitReached = errors.New("risk: max trades per day reached")

	// ErrDailyLossLimit is returned when cumulative realized losses meet
	// the maximum loss.
	ErrDailyLossLimit = errors.New("risk: max daily loss reached")

	// ErrConsecutiveLosses is returned when the current losing streak
	// meets the maximum.
	ErrConsecutiveLosses = errors.New("risk: max consecutive losses reached")
)

// Rules enforces the configured thresholds. A zero threshold disables the
// corresponding check.
type Rules struct {
	// Enabled switches every check on or off.
	Enabled bool

	// MaxTrades caps the number of closed trades before new entries lock.
	MaxTrades int

	// MaxLoss caps the sum of realized losses (a positive amount).
	MaxLoss decimal.Decimal

	// MaxConsecutiveLosses caps the length of the current losing streak.
	MaxConsecutiveLosses int
}

// RulesFromConfig extracts the rule thresholds from a session config.
func RulesFromConfig(cfg model.SessionConfig) Rules {
	return Rules{
		Enabled:              cfg.EnableRules,
		MaxTrades:            cfg.MaxTradesPerDay,
		MaxLoss:              cfg.MaxDailyLoss,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
	}
}

// CheckOpen validates whether a new position may be opened given the
// closed-trade history.
func (r Rules) CheckOpen(history []model.HistoryRecord) error {
	if !r.Enabled || r.MaxTrades <= 0 {
		return nil
	}
	if len(history) >= r.MaxTrades {
		return ErrTradeLimitReached
	}
	return nil
}

// Evaluate runs the post-close checks against history (most-recent-first).
// The cumulative loss check runs first and wins when both are violated.
func (r Rules) Evaluate(history []model.HistoryRecord) error {
	if !r.Enabled {
		return nil
	}

	// 1. Cumulative realized loss.
	if r.MaxLoss.IsPositive() && CumulativeLoss(history).GreaterThanOrEqual(r.MaxLoss) {
		return ErrDailyLossLimit
	}

	// 2. Current losing streak.
	if r.MaxConsecutiveLosses > 0 && LossStreak(history) >= r.MaxConsecutiveLosses {
		return ErrConsecutiveLosses
	}

	return nil
}

// CumulativeLoss sums the magnitude of every losing trade.
func CumulativeLoss(history []model.HistoryRecord) decimal.Decimal {
	total := decimal.Zero
	for _, h := range history {
		if h.FinalPnL.IsNegative() {
			total = total.Add(h.FinalPnL.Abs())
		}
	}
	return total
}

// LossStreak counts losing trades from the most recent backwards until the
// first non-losing trade.
func LossStreak(history []model.HistoryRecord) int {
	n := 0
	for _, h := range history {
		if !h.FinalPnL.IsNegative() {
			break
		}
		n++
	}
	return n
}

// Reason returns the human readable lockout reason for a rule violation.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTradeLimitReached):
		return "Max trades per day reached"
	case errors.Is(err, ErrDailyLossLimit):
		return "Max daily loss reached"
	case errors.Is(err, ErrConsecutiveLosses):
		return "Max consecutive losses reached"
	case err != nil:
		return err.Error()
	}
	return ""
}
