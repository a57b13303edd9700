package state

import (
	"context"
	"encoding/json"
	"fmt"

	"funding-arb-bot/internal/position"
)

const (
	positionPrefix = "position/"
	orderPrefix    = "order/"
)

// Journal is a typed wrapper over a Store for the two record kinds the
// bot persists.
type Journal struct {
	store Store
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store}
}

// SavePosition writes the position snapshot; terminal positions are
// deleted instead so the journal only ever holds work in progress.
func (j *Journal) SavePosition(ctx context.Context, p position.Position) error {
	if p.Status.Terminal() {
		return j.store.Delete(ctx, positionPrefix+p.ID)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	return j.store.Set(ctx, positionPrefix+p.ID, string(raw))
}

// LoadPositions returns every non-terminal position persisted before
// the last shutdown.
func (j *Journal) LoadPositions(ctx context.Context) ([]position.Position, error) {
	entries, err := j.store.List(ctx, positionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]position.Position, 0, len(entries))
	for key, raw := range entries {
		var p position.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// RecordOrderAck marks a client order id as submitted so a retry after
// a crash does not place the order twice.
func (j *Journal) RecordOrderAck(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	return j.store.Set(ctx, orderPrefix+clientOrderID, exchangeOrderID)
}

// OrderAck reports whether a client order id was already acknowledged
// and the exchange order id it resolved to.
func (j *Journal) OrderAck(ctx context.Context, clientOrderID string) (string, bool, error) {
	return j.store.Get(ctx, orderPrefix+clientOrderID)
}

func (j *Journal) DeleteOrderAck(ctx context.Context, clientOrderID string) error {
	return j.store.Delete(ctx, orderPrefix+clientOrderID)
}
