package position

import (
	"errors"
	"testing"
	"time"
)

func proposed(id, combo string) Position {
	return Position{
		ID:             id,
		CombinationKey: combo,
		Status:         StatusProposed,
		Legs: [2]Leg{
			{Exchange: "BYBIT", Symbol: "BTCUSDT", Side: SideLong, Status: LegPending},
			{Exchange: "BINANCE", Symbol: "BTCUSDT", Side: SideShort, Status: LegPending},
		},
	}
}

func filledLeg(exchange string, side Side, notional float64) Leg {
	return Leg{Exchange: exchange, Symbol: "BTCUSDT", Side: side, NotionalUSD: notional, Status: LegFilled}
}

// openSteps drives a proposed position to Open with balanced fills.
func openSteps(notionalA, notionalB float64) []Outcome {
	return []Outcome{
		{Event: EventOpenLegA, LegIndex: -1},
		{Event: EventLegAFilled, LegIndex: 0, Leg: filledLeg("BYBIT", SideLong, notionalA)},
		{Event: EventLegBFilled, LegIndex: 1, Leg: filledLeg("BINANCE", SideShort, notionalB)},
	}
}

func TestHappyPathTransitions(t *testing.T) {
	r := NewRegistry(0.01)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []Status{StatusOpeningLegA, StatusOpeningLegB, StatusOpen}
	for i, out := range openSteps(1000, 1000) {
		out.At = now
		p, err := r.RecordTransition("p1", out)
		if err != nil {
			t.Fatalf("transition %s: %v", out.Event, err)
		}
		if p.Status != want[i] {
			t.Fatalf("after %s expected %s, got %s", out.Event, want[i], p.Status)
		}
	}
	p, _ := r.Get("p1")
	if !p.OpenedAt.Equal(now) {
		t.Fatalf("OpenedAt not stamped")
	}
	if len(r.ListOpen()) != 1 {
		t.Fatalf("expected 1 open position")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.RecordTransition("p1", Outcome{Event: EventLegBFilled, LegIndex: -1}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	p, _ := r.Get("p1")
	if p.Status != StatusProposed {
		t.Fatalf("failed transition must not mutate status, got %s", p.Status)
	}
}

func TestDuplicateReportRejected(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.RecordTransition("p1", Outcome{Event: EventOpenLegA, LegIndex: -1}); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if _, err := r.RecordTransition("p1", Outcome{Event: EventOpenLegA, LegIndex: -1}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate report should fail, got %v", err)
	}
}

func TestUnwindPath(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, ev := range []Event{EventOpenLegA, EventLegAFilled, EventLegBFailed, EventUnwound} {
		if _, err := r.RecordTransition("p1", Outcome{Event: ev, LegIndex: -1}); err != nil {
			t.Fatalf("transition %s: %v", ev, err)
		}
	}
	p, _ := r.Get("p1")
	if p.Status != StatusAborted {
		t.Fatalf("expected %s, got %s", StatusAborted, p.Status)
	}
	if _, active := r.ActiveForCombination("c1"); active {
		t.Fatalf("aborted position should free the combination")
	}
}

func TestUnwindStuckEscalates(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, ev := range []Event{EventOpenLegA, EventLegAFilled, EventLegBFailed, EventUnwindStuck} {
		if _, err := r.RecordTransition("p1", Outcome{Event: ev, LegIndex: -1}); err != nil {
			t.Fatalf("transition %s: %v", ev, err)
		}
	}
	p, _ := r.Get("p1")
	if p.Status != StatusUnwindFailed {
		t.Fatalf("expected %s, got %s", StatusUnwindFailed, p.Status)
	}
	if !p.Status.Terminal() {
		t.Fatalf("unwind failed should be terminal")
	}
}

func TestAtMostOneActivePerCombination(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Create(proposed("p2", "c1")); !errors.Is(err, ErrDuplicateOpen) {
		t.Fatalf("expected ErrDuplicateOpen, got %v", err)
	}
	if err := r.Create(proposed("p3", "c2")); err != nil {
		t.Fatalf("different combination should be allowed: %v", err)
	}
}

func TestClosePathAndPnl(t *testing.T) {
	r := NewRegistry(0.01)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, out := range append(openSteps(1000, 1000), Outcome{Event: EventCloseLegA, LegIndex: -1}) {
		out.At = now
		if _, err := r.RecordTransition("p1", out); err != nil {
			t.Fatalf("transition %s: %v", out.Event, err)
		}
	}
	if _, err := r.RecordTransition("p1", Outcome{Event: EventLegAClosed, LegIndex: -1, RealizedPnl: 12.5}); err != nil {
		t.Fatalf("close leg a: %v", err)
	}
	p, err := r.RecordTransition("p1", Outcome{Event: EventLegBClosed, At: now.Add(time.Hour), LegIndex: -1, RealizedPnl: -2.5})
	if err != nil {
		t.Fatalf("close leg b: %v", err)
	}
	if p.Status != StatusClosed {
		t.Fatalf("expected %s, got %s", StatusClosed, p.Status)
	}
	if p.RealizedPnl != 10 {
		t.Fatalf("expected realized pnl 10, got %f", p.RealizedPnl)
	}
	if !p.ClosedAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ClosedAt not stamped")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	r := NewRegistry(0.01)
	var seen []TransitionRecord
	r.Observe(func(rec TransitionRecord) { seen = append(seen, rec) })
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.RecordTransition("p1", Outcome{Event: EventOpenLegA, LegIndex: -1}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected 1 record, got %d", len(seen))
	}
	if seen[0].From != StatusProposed || seen[0].To != StatusOpeningLegA {
		t.Fatalf("unexpected record %+v", seen[0])
	}
}

func TestOpenRejectedWhenLegsNotNeutral(t *testing.T) {
	r := NewRegistry(0.01)
	if err := r.Create(proposed("p1", "c1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := openSteps(1000, 600)
	for _, out := range steps[:2] {
		if _, err := r.RecordTransition("p1", out); err != nil {
			t.Fatalf("transition %s: %v", out.Event, err)
		}
	}
	if _, err := r.RecordTransition("p1", steps[2]); !errors.Is(err, ErrHedgeViolation) {
		t.Fatalf("expected ErrHedgeViolation, got %v", err)
	}
	p, _ := r.Get("p1")
	if p.Status != StatusOpeningLegB {
		t.Fatalf("rejected open must not mutate status, got %s", p.Status)
	}
	if p.Legs[1].Status != LegPending {
		t.Fatalf("rejected open must not record the leg, got %s", p.Legs[1].Status)
	}
	out := Outcome{Event: EventUnwindStuck, LegIndex: 1, Leg: filledLeg("BINANCE", SideShort, 600)}
	if _, err := r.RecordTransition("p1", out); err != nil {
		t.Fatalf("escalation after hedge violation: %v", err)
	}
	p, _ = r.Get("p1")
	if p.Status != StatusUnwindFailed {
		t.Fatalf("expected %s, got %s", StatusUnwindFailed, p.Status)
	}
}

func TestHedgeNeutral(t *testing.T) {
	p := Position{Legs: [2]Leg{
		{Side: SideLong, Status: LegFilled, NotionalUSD: 1000},
		{Side: SideShort, Status: LegFilled, NotionalUSD: 999.5},
	}}
	if !p.HedgeNeutral(0.001) {
		t.Fatalf("legs within tolerance should be neutral")
	}
	p.Legs[1].NotionalUSD = 950
	if p.HedgeNeutral(0.001) {
		t.Fatalf("legs outside tolerance should not be neutral")
	}
	p.Legs[1].NotionalUSD = 1000
	p.Legs[1].Side = SideLong
	if p.HedgeNeutral(0.001) {
		t.Fatalf("same-side legs are never neutral")
	}
}
