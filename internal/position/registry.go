package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("position not found")
	// ErrInvalidTransition marks an outcome report that does not match a
	// legal edge from the position's current status. This is an
	// integration fault, not a runtime condition to retry.
	ErrInvalidTransition = errors.New("invalid position transition")
	ErrDuplicateOpen     = errors.New("combination already has an active position")
	// ErrHedgeViolation rejects an Open transition whose filled legs do
	// not offset each other within the configured notional tolerance.
	ErrHedgeViolation = errors.New("legs are not hedge neutral")
)

// Outcome is a leg result reported by the execution coordinator. The
// registry is the only component that turns outcomes into status changes.
type Outcome struct {
	Event       Event
	At          time.Time
	LegIndex    int // -1 when no leg update accompanies the event
	Leg         Leg
	RealizedPnl float64 // delta applied to the position
}

// TransitionRecord describes one committed edge, for observers
// (metrics, persistence, alerting).
type TransitionRecord struct {
	PositionID     string
	CombinationKey string
	Event          Event
	From           Status
	To             Status
	At             time.Time
	RealizedPnl    float64
}

// Registry owns every Position and is the single writer of Status.
type Registry struct {
	mu             sync.RWMutex
	positions      map[string]*Position
	byCombo        map[string]string // combination key -> active position id
	observers      []func(TransitionRecord)
	hedgeTolerance float64
}

// NewRegistry builds a registry that refuses to mark a position Open
// unless its legs offset within hedgeTolerance (relative notional).
func NewRegistry(hedgeTolerance float64) *Registry {
	return &Registry{
		positions:      make(map[string]*Position),
		byCombo:        make(map[string]string),
		hedgeTolerance: hedgeTolerance,
	}
}

// Observe registers a callback invoked after each committed transition.
// Callbacks run outside the registry lock and must not block for long.
func (r *Registry) Observe(fn func(TransitionRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Create admits a proposed position. At most one active (non-terminal)
// position may exist per combination.
func (r *Registry) Create(p Position) error {
	if p.ID == "" {
		return errors.New("position id is required")
	}
	if p.Status != StatusProposed {
		return fmt.Errorf("new position must be %s, got %s", StatusProposed, p.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if active, ok := r.byCombo[p.CombinationKey]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrDuplicateOpen, p.CombinationKey, active)
	}
	stored := p
	r.positions[p.ID] = &stored
	r.byCombo[p.CombinationKey] = p.ID
	return nil
}

// Restore re-admits a journaled position after a restart. Unlike
// Create it accepts any non-terminal status.
func (r *Registry) Restore(p Position) error {
	if p.ID == "" {
		return errors.New("position id is required")
	}
	if p.Status.Terminal() {
		return fmt.Errorf("cannot restore terminal position %s (%s)", p.ID, p.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if active, ok := r.byCombo[p.CombinationKey]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrDuplicateOpen, p.CombinationKey, active)
	}
	stored := p
	r.positions[p.ID] = &stored
	r.byCombo[p.CombinationKey] = p.ID
	return nil
}

// RecordTransition applies one reported outcome. It validates the edge
// against the state machine, updates the affected leg, and stamps
// lifecycle times. Illegal or duplicate reports fail with
// ErrInvalidTransition and leave the position untouched.
func (r *Registry) RecordTransition(id string, out Outcome) (Position, error) {
	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	from := p.Status
	to, legal := nextStatus(from, out.Event)
	if !legal {
		r.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s + %s", ErrInvalidTransition, from, out.Event)
	}
	if to == StatusOpen {
		candidate := *p
		if out.LegIndex == 0 || out.LegIndex == 1 {
			candidate.Legs[out.LegIndex] = out.Leg
		}
		if !candidate.HedgeNeutral(r.hedgeTolerance) {
			r.mu.Unlock()
			return Position{}, fmt.Errorf("%w: %s legs %.2f / %.2f", ErrHedgeViolation,
				id, candidate.Legs[0].NotionalUSD, candidate.Legs[1].NotionalUSD)
		}
	}
	if out.LegIndex == 0 || out.LegIndex == 1 {
		p.Legs[out.LegIndex] = out.Leg
	}
	p.Status = to
	p.RealizedPnl += out.RealizedPnl
	switch to {
	case StatusOpen:
		p.OpenedAt = out.At
	case StatusClosed, StatusAborted, StatusUnwindFailed, StatusPartiallyClosed:
		p.ClosedAt = out.At
	}
	if to.Terminal() {
		delete(r.byCombo, p.CombinationKey)
	}
	snapshot := *p
	observers := r.observers
	r.mu.Unlock()

	record := TransitionRecord{
		PositionID:     snapshot.ID,
		CombinationKey: snapshot.CombinationKey,
		Event:          out.Event,
		From:           from,
		To:             to,
		At:             out.At,
		RealizedPnl:    out.RealizedPnl,
	}
	for _, fn := range observers {
		fn(record)
	}
	return snapshot, nil
}

func (r *Registry) Get(id string) (Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *p, nil
}

// ListOpen returns every position with status Open, ordered by id for
// deterministic iteration.
func (r *Registry) ListOpen() []Position {
	return r.list(func(p *Position) bool { return p.Status == StatusOpen })
}

// ListActive returns every non-terminal position.
func (r *Registry) ListActive() []Position {
	return r.list(func(p *Position) bool { return !p.Status.Terminal() })
}

func (r *Registry) ListAll() []Position {
	return r.list(func(*Position) bool { return true })
}

func (r *Registry) list(keep func(*Position) bool) []Position {
	r.mu.RLock()
	out := make([]Position, 0, len(r.positions))
	for _, p := range r.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveForCombination reports the active position for a combination, if
// any. Used by the evaluator to suppress duplicate entries.
func (r *Registry) ActiveForCombination(key string) (Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCombo[key]
	if !ok {
		return Position{}, false
	}
	p, ok := r.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, p := range r.positions {
		if p.Status == StatusOpen {
			count++
		}
	}
	return count
}
