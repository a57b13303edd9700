package market

import (
	"testing"
	"time"
)

func TestUpsertKeepsNewestSample(t *testing.T) {
	store := NewRateStore(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !store.Upsert(FundingRateSample{Exchange: "BINANCE", Symbol: "BTCUSDT", Rate: 0.0001, ObservedAt: base}) {
		t.Fatalf("first upsert rejected")
	}
	if store.Upsert(FundingRateSample{Exchange: "BINANCE", Symbol: "BTCUSDT", Rate: 0.0009, ObservedAt: base.Add(-time.Second)}) {
		t.Fatalf("older sample should be dropped")
	}
	snap := store.Snapshot(base)
	sample, ok := snap.Fresh("BINANCE", "BTCUSDT")
	if !ok {
		t.Fatalf("expected fresh sample")
	}
	if sample.Rate != 0.0001 {
		t.Fatalf("expected rate 0.0001, got %f", sample.Rate)
	}
}

func TestSnapshotFlagsStaleSamples(t *testing.T) {
	store := NewRateStore(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Upsert(FundingRateSample{Exchange: "BYBIT", Symbol: "BTCUSDT", Rate: 0.0002, ObservedAt: base})

	if _, ok := store.Snapshot(base.Add(30 * time.Second)).Fresh("BYBIT", "BTCUSDT"); !ok {
		t.Fatalf("sample within window should be fresh")
	}
	snap := store.Snapshot(base.Add(2 * time.Minute))
	if _, ok := snap.Fresh("BYBIT", "BTCUSDT"); ok {
		t.Fatalf("sample past window should be excluded")
	}
	if _, ok := snap.Get("BYBIT", "BTCUSDT"); !ok {
		t.Fatalf("stale sample should still be visible via Get")
	}
}

func TestSnapshotIsolatedFromLaterUpserts(t *testing.T) {
	store := NewRateStore(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Upsert(FundingRateSample{Exchange: "BINANCE", Symbol: "ETHUSDT", Rate: 0.0001, ObservedAt: base})
	snap := store.Snapshot(base)
	store.Upsert(FundingRateSample{Exchange: "BINANCE", Symbol: "ETHUSDT", Rate: 0.0005, ObservedAt: base.Add(time.Second)})

	sample, _ := snap.Fresh("BINANCE", "ETHUSDT")
	if sample.Rate != 0.0001 {
		t.Fatalf("snapshot mutated by later upsert: %f", sample.Rate)
	}
}

func TestSnapshotMissingKey(t *testing.T) {
	store := NewRateStore(time.Minute)
	snap := store.Snapshot(time.Now())
	if _, ok := snap.Fresh("BINANCE", "BTCUSDT"); ok {
		t.Fatalf("missing key should not be fresh")
	}
	if snap.Len() != 0 {
		t.Fatalf("expected empty snapshot")
	}
}
