// Package ledger implements mark-to-market and settlement for the open
// position book of a paper-trading account.
//
// P&L is percentage based: the move of the price against the entry, scaled
// by the position's notional size. There is no unit-quantity model.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

// ErrPositionNotFound is returned when closing an id that is not open.
var ErrPositionNotFound = errors.New("ledger: position not found")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// EquityTolerance is the smallest equity move worth emitting.
	EquityTolerance = decimal.New(1, -4)
)

func direction(s model.Side) decimal.Decimal {
	if s == model.SideSell {
		return one.Neg()
	}
	return one
}

// FloatingPnL marks pos at price:
//
//	dir * (price - entry) / entry * size
func FloatingPnL(pos model.Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return direction(pos.Type).
		Mul(price.Sub(pos.EntryPrice)).
		Div(pos.EntryPrice).
		Mul(pos.Size)
}

// Equity returns balance plus the floating P&L of every open position.
func Equity(balance decimal.Decimal, positions []model.Position, price decimal.Decimal) decimal.Decimal {
	if len(positions) == 0 {
		return balance
	}
	eq := balance
	for _, p := range positions {
		eq = eq.Add(FloatingPnL(p, price))
	}
	return eq
}

// EquityChanged reports whether next differs from prev by at least
// EquityTolerance.
func EquityChanged(prev, next decimal.Decimal) bool {
	return prev.Sub(next).Abs().GreaterThanOrEqual(EquityTolerance)
}

// Levels derives absolute stop-loss and take-profit prices from an entry
// price and percentage distances. The stop sits on the unfavourable side.
func Levels(side model.Side, price, slPct, tpPct decimal.Decimal) (sl, tp decimal.Decimal) {
	slMove := slPct.Div(hundred)
	tpMove := tpPct.Div(hundred)
	if side == model.SideSell {
		return price.Mul(one.Add(slMove)), price.Mul(one.Sub(tpMove))
	}
	return price.Mul(one.Sub(slMove)), price.Mul(one.Add(tpMove))
}

// NewPosition builds a position opened at price using the session config.
// An empty trade note is stored as "-".
func NewPosition(id string, side model.Side, symbol string, price decimal.Decimal, cfg model.SessionConfig, now time.Time) model.Position {
	sl, tp := Levels(side, price, cfg.StopLossPct, cfg.TakeProfitPct)
	note := cfg.TradeNote
	if note == "" {
		note = "-"
	}
	return model.Position{
		ID:         id,
		Type:       side,
		EntryPrice: price,
		Size:       cfg.TradeAmount,
		Symbol:     symbol,
		OpenTime:   now,
		SLPrice:    sl,
		TPPrice:    tp,
		Note:       note,
	}
}

// StopLossHit reports whether price is at or beyond the stop.
func StopLossHit(p model.Position, price decimal.Decimal) bool {
	if p.Type == model.SideSell {
		return price.GreaterThanOrEqual(p.SLPrice)
	}
	return price.LessThanOrEqual(p.SLPrice)
}

// TakeProfitHit reports whether price is at or beyond the target.
func TakeProfitHit(p model.Position, price decimal.Decimal) bool {
	if p.Type == model.SideSell {
		return price.LessThanOrEqual(p.TPPrice)
	}
	return price.GreaterThanOrEqual(p.TPPrice)
}

// Trigger returns the automatic close reason for p at price, if any.
// The stop wins when both levels are crossed in one gap.
func Trigger(p model.Position, price decimal.Decimal) (model.CloseReason, bool) {
	switch {
	case StopLossHit(p, price):
		return model.ReasonStopLoss, true
	case TakeProfitHit(p, price):
		return model.ReasonTakeProfit, true
	}
	return "", false
}

// Open prepends pos to the account's open positions.
func Open(acct *model.Account, pos model.Position) {
	acct.Positions = append([]model.Position{pos}, acct.Positions...)
}

// Close settles the position with the given id at price. The realized P&L
// moves into the balance, equity snaps to the balance and a history record
// is prepended.
func Close(acct *model.Account, id string, price decimal.Decimal, reason model.CloseReason, now time.Time) (model.HistoryRecord, error) {
	idx := -1
	for i, p := range acct.Positions {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.HistoryRecord{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	pos := acct.Positions[idx]
	rec := model.HistoryRecord{
		Position:  pos,
		ExitPrice: price,
		CloseTime: now,
		FinalPnL:  FloatingPnL(pos, price),
		Reason:    reason,
	}

	remaining := make([]model.Position, 0, len(acct.Positions)-1)
	remaining = append(remaining, acct.Positions[:idx]...)
	remaining = append(remaining, acct.Positions[idx+1:]...)
	acct.Positions = remaining

	acct.History = append([]model.HistoryRecord{rec}, acct.History...)
	acct.Balance = acct.Balance.Add(rec.FinalPnL)
	acct.Equity = acct.Balance
	return rec, nil
}
