// Package challenge evaluates a session against prop-firm style pass/fail
// thresholds: a profit target on realized balance and a maximum drawdown on
// equity, both relative to the initial capital.
package challenge

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

const (
	ReasonDrawdown = "Max Drawdown Violated"
	ReasonTarget   = "Profit Target Reached"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Evaluator holds the thresholds of one challenge run.
type Evaluator struct {
	InitialCapital decimal.Decimal
	TargetPct      decimal.Decimal
	MaxDrawdownPct decimal.Decimal
}

// New returns the evaluator for a session config.
func New(cfg model.SessionConfig) Evaluator {
	return Evaluator{
		InitialCapital: cfg.InitialCapital,
		TargetPct:      cfg.ChallengeTargetPct,
		MaxDrawdownPct: cfg.ChallengeMaxDrawdownPct,
	}
}

// Start returns the initial state of a session: ACTIVE when challenge mode
// is on, IDLE otherwise.
func Start(enabled bool, now time.Time) model.ChallengeState {
	if !enabled {
		return Idle()
	}
	return model.ChallengeState{Status: model.ChallengeActive, StartTime: &now}
}

// Idle is the state of a session without a challenge.
func Idle() model.ChallengeState {
	return model.ChallengeState{Status: model.ChallengeIdle}
}

// DrawdownLimit is the equity floor: capital * (1 - dd/100).
func (e Evaluator) DrawdownLimit() decimal.Decimal {
	return e.InitialCapital.Mul(one.Sub(e.MaxDrawdownPct.Div(hundred)))
}

// TargetLimit is the balance goal: capital * (1 + target/100).
func (e Evaluator) TargetLimit() decimal.Decimal {
	return e.InitialCapital.Mul(one.Add(e.TargetPct.Div(hundred)))
}

// Evaluate advances an ACTIVE challenge. The drawdown check runs first;
// once a verdict is reached the state never changes again. The second
// return value reports whether a transition happened.
func (e Evaluator) Evaluate(st model.ChallengeState, balance, equity decimal.Decimal, now time.Time) (model.ChallengeState, bool) {
	if st.Status != model.ChallengeActive {
		return st, false
	}

	if equity.LessThanOrEqual(e.DrawdownLimit()) {
		return finish(st, model.ChallengeFailed, ReasonDrawdown, now), true
	}
	if balance.GreaterThanOrEqual(e.TargetLimit()) {
		return finish(st, model.ChallengePassed, ReasonTarget, now), true
	}
	return st, false
}

func finish(st model.ChallengeState, status model.ChallengeStatus, reason string, now time.Time) model.ChallengeState {
	st.Status = status
	st.Reason = reason
	st.EndTime = &now
	return st
}
