// Package strategy classifies funding-rate spreads into position actions.
package strategy

import (
	"math"
	"time"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/market"
)

type Action string

const (
	ActionNoAction Action = "NO_ACTION"
	ActionEnter    Action = "ENTER"
	ActionHold     Action = "HOLD"
	ActionExit     Action = "EXIT"
)

// Decision is the evaluator's verdict for one combination in one cycle.
// For Enter, Long/Short name the hedge direction: long the lower-rate
// venue (receiving side), short the higher-rate venue (paying side).
type Decision struct {
	Combination   config.Combination
	Action        Action
	Diff          float64
	LongExchange  string
	LongSymbol    string
	ShortExchange string
	ShortSymbol   string
	Reason        string
}

// OpenState is what the evaluator needs to know about an existing
// position for a combination; the registry supplies it.
type OpenState struct {
	Active   bool // any non-terminal position exists
	Open     bool // status is Open (both legs filled)
	OpenedAt time.Time
}

type Evaluator struct {
	minDiff    float64
	exitDiff   float64
	maxHolding time.Duration
}

func NewEvaluator(cfg config.StrategyConfig, maxHolding time.Duration) *Evaluator {
	return &Evaluator{
		minDiff:    cfg.MinFundingRateDiff,
		exitDiff:   cfg.ExitFundingRateDiff,
		maxHolding: maxHolding,
	}
}

// Evaluate classifies one combination against one rate snapshot.
// An active position always suppresses Enter, so a combination can hold
// at most one position at a time regardless of how wide the spread is.
func (e *Evaluator) Evaluate(snap market.Snapshot, combo config.Combination, open OpenState, now time.Time) Decision {
	d := Decision{Combination: combo, Action: ActionNoAction}
	sampleA, okA := snap.Fresh(combo.ExchangeA, combo.SymbolA)
	sampleB, okB := snap.Fresh(combo.ExchangeB, combo.SymbolB)
	if !okA || !okB {
		if open.Open && e.maxHolding > 0 && now.Sub(open.OpenedAt) >= e.maxHolding {
			// Holding-time exits do not depend on rate freshness.
			d.Action = ActionExit
			d.Reason = "max holding time exceeded"
			return d
		}
		d.Reason = "missing or stale rate sample"
		return d
	}
	d.Diff = sampleA.Rate - sampleB.Rate
	if sampleA.Rate <= sampleB.Rate {
		d.LongExchange, d.LongSymbol = combo.ExchangeA, combo.SymbolA
		d.ShortExchange, d.ShortSymbol = combo.ExchangeB, combo.SymbolB
	} else {
		d.LongExchange, d.LongSymbol = combo.ExchangeB, combo.SymbolB
		d.ShortExchange, d.ShortSymbol = combo.ExchangeA, combo.SymbolA
	}

	if open.Active {
		if !open.Open {
			// Still opening or unwinding; leave it to the coordinator.
			d.Action = ActionHold
			d.Reason = "position transition in flight"
			return d
		}
		if e.maxHolding > 0 && now.Sub(open.OpenedAt) >= e.maxHolding {
			d.Action = ActionExit
			d.Reason = "max holding time exceeded"
			return d
		}
		if math.Abs(d.Diff) <= e.exitDiff {
			d.Action = ActionExit
			d.Reason = "spread below exit threshold"
			return d
		}
		d.Action = ActionHold
		d.Reason = "spread above exit threshold"
		return d
	}

	if math.Abs(d.Diff) >= e.minDiff {
		d.Action = ActionEnter
		d.Reason = "spread above entry threshold"
		return d
	}
	d.Reason = "spread below entry threshold"
	return d
}
