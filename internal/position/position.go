package position

import "time"

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegFilled    LegStatus = "FILLED"
	LegRejected  LegStatus = "REJECTED"
	LegCancelled LegStatus = "CANCELLED"
)

// Leg is one side of the hedge on one venue. NotionalUSD tracks the actual
// filled amount, which may be below the requested size on a partial fill.
type Leg struct {
	Exchange      string
	Symbol        string
	Side          Side
	NotionalUSD   float64
	Quantity      float64
	EntryPrice    float64
	ExitPrice     float64
	Status        LegStatus
	ClientOrderID string
	FilledAt      time.Time
}

type Status string

const (
	StatusProposed        Status = "PROPOSED"
	StatusOpeningLegA     Status = "OPENING_LEG_A"
	StatusOpeningLegB     Status = "OPENING_LEG_B"
	StatusOpen            Status = "OPEN"
	StatusUnwindingLegA   Status = "UNWINDING_LEG_A"
	StatusAborted         Status = "ABORTED"
	StatusUnwindFailed    Status = "UNWIND_FAILED"
	StatusClosingLegA     Status = "CLOSING_LEG_A"
	StatusClosingLegB     Status = "CLOSING_LEG_B"
	StatusClosed          Status = "CLOSED"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
)

// Terminal reports whether no further transition is legal from s.
// UnwindFailed and PartiallyClosed are terminal pending operator action.
func (s Status) Terminal() bool {
	switch s {
	case StatusAborted, StatusUnwindFailed, StatusClosed, StatusPartiallyClosed:
		return true
	}
	return false
}

type Event string

const (
	EventOpenLegA    Event = "OPEN_LEG_A"
	EventLegAFilled  Event = "LEG_A_FILLED"
	EventLegAFailed  Event = "LEG_A_FAILED"
	EventLegBFilled  Event = "LEG_B_FILLED"
	EventLegBFailed  Event = "LEG_B_FAILED"
	EventUnwound     Event = "UNWOUND"
	EventUnwindStuck Event = "UNWIND_STUCK"
	EventCloseLegA   Event = "CLOSE_LEG_A"
	EventLegAClosed  Event = "LEG_A_CLOSED"
	EventLegBClosed  Event = "LEG_B_CLOSED"
	EventCloseStuck  Event = "CLOSE_STUCK"
)

// Position is a two-legged hedge. Legs[0] is always opened first and
// closed first; Legs[1] mirrors it on the other venue.
type Position struct {
	ID             string
	CombinationKey string
	Legs           [2]Leg
	Status         Status
	EntrySpread    float64
	RealizedPnl    float64
	ProposedAt     time.Time
	OpenedAt       time.Time
	ClosedAt       time.Time
}

// Age is the holding time of an open position.
func (p *Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

// HedgeNeutral reports whether the position is a balanced hedge: both
// legs filled, opposite sides, notional difference within tolerance (a
// fraction of the larger leg).
func (p *Position) HedgeNeutral(tolerance float64) bool {
	a, b := p.Legs[0], p.Legs[1]
	if a.Status != LegFilled || b.Status != LegFilled {
		return false
	}
	if a.Side == b.Side {
		return false
	}
	larger := a.NotionalUSD
	if b.NotionalUSD > larger {
		larger = b.NotionalUSD
	}
	if larger == 0 {
		return false
	}
	diff := a.NotionalUSD - b.NotionalUSD
	if diff < 0 {
		diff = -diff
	}
	return diff/larger <= tolerance
}

func nextStatus(current Status, event Event) (Status, bool) {
	switch current {
	case StatusProposed:
		if event == EventOpenLegA {
			return StatusOpeningLegA, true
		}
	case StatusOpeningLegA:
		switch event {
		case EventLegAFilled:
			return StatusOpeningLegB, true
		case EventLegAFailed:
			return StatusAborted, true
		case EventUnwindStuck:
			return StatusUnwindFailed, true
		}
	case StatusOpeningLegB:
		switch event {
		case EventLegBFilled:
			return StatusOpen, true
		case EventLegBFailed:
			return StatusUnwindingLegA, true
		case EventUnwindStuck:
			return StatusUnwindFailed, true
		}
	case StatusUnwindingLegA:
		switch event {
		case EventUnwound:
			return StatusAborted, true
		case EventUnwindStuck:
			return StatusUnwindFailed, true
		}
	case StatusOpen:
		if event == EventCloseLegA {
			return StatusClosingLegA, true
		}
	case StatusClosingLegA:
		switch event {
		case EventLegAClosed:
			return StatusClosingLegB, true
		case EventCloseStuck:
			return StatusPartiallyClosed, true
		}
	case StatusClosingLegB:
		switch event {
		case EventLegBClosed:
			return StatusClosed, true
		case EventCloseStuck:
			return StatusPartiallyClosed, true
		}
	}
	return current, false
}
