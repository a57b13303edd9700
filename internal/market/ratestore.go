// Package market holds the latest funding-rate observation per venue and
// symbol. All rates are stored as signed fractions per 8-hour funding
// interval; gateways normalize before publishing (a 4h-interval contract's
// rate is doubled), so spreads compare like with like.
package market

import (
	"fmt"
	"sync"
	"time"
)

type FundingRateSample struct {
	Exchange      string
	Symbol        string
	Rate          float64
	MarkPrice     float64
	IndexPrice    float64
	ObservedAt    time.Time
	NextFundingAt time.Time
}

func (s FundingRateSample) Key() string {
	return Key(s.Exchange, s.Symbol)
}

func Key(exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}

// RateStore is written by one ingestion task per gateway and read by
// evaluation cycles through immutable snapshots.
type RateStore struct {
	mu        sync.RWMutex
	samples   map[string]FundingRateSample
	staleness time.Duration
}

func NewRateStore(staleness time.Duration) *RateStore {
	return &RateStore{
		samples:   make(map[string]FundingRateSample),
		staleness: staleness,
	}
}

// Upsert replaces the stored sample only if the new observation is not
// older than the current one. Out-of-order stream frames are dropped.
func (r *RateStore) Upsert(sample FundingRateSample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.samples[sample.Key()]
	if ok && sample.ObservedAt.Before(prev.ObservedAt) {
		return false
	}
	r.samples[sample.Key()] = sample
	return true
}

// Snapshot captures an internally consistent copy of every sample with
// staleness evaluated against now. One evaluation cycle works from one
// snapshot; concurrent upserts never show through mid-cycle.
func (r *RateStore) Snapshot(now time.Time) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		TakenAt: now,
		samples: make(map[string]FundingRateSample, len(r.samples)),
		stale:   make(map[string]bool, len(r.samples)),
	}
	for key, sample := range r.samples {
		out.samples[key] = sample
		out.stale[key] = r.staleness > 0 && now.Sub(sample.ObservedAt) > r.staleness
	}
	return out
}

type Snapshot struct {
	TakenAt time.Time
	samples map[string]FundingRateSample
	stale   map[string]bool
}

// Fresh returns the sample for (exchange, symbol) only when it exists and
// is within the staleness window; stale keys are excluded from spread
// computation until refreshed.
func (s Snapshot) Fresh(exchange, symbol string) (FundingRateSample, bool) {
	key := Key(exchange, symbol)
	sample, ok := s.samples[key]
	if !ok || s.stale[key] {
		return FundingRateSample{}, false
	}
	return sample, true
}

func (s Snapshot) Get(exchange, symbol string) (FundingRateSample, bool) {
	sample, ok := s.samples[Key(exchange, symbol)]
	return sample, ok
}

func (s Snapshot) All() []FundingRateSample {
	out := make([]FundingRateSample, 0, len(s.samples))
	for _, sample := range s.samples {
		out = append(out, sample)
	}
	return out
}

func (s Snapshot) Len() int { return len(s.samples) }
