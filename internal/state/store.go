// Package state persists the small amount of durable bookkeeping the
// bot needs across restarts: order acknowledgements for idempotent
// submission and snapshots of non-terminal positions.
package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
