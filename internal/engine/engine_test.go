package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/exchange/sim"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/strategy"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type harness struct {
	cfg      *config.Config
	clock    *fakeClock
	binance  *sim.Gateway
	bybit    *sim.Gateway
	rates    *market.RateStore
	registry *position.Registry
	riskMgr  *risk.Manager
	engine   *Engine
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Strategy: config.StrategyConfig{
			Combinations: []config.Combination{{
				ExchangeA: "binance", SymbolA: "BTCUSDT",
				ExchangeB: "bybit", SymbolB: "BTCUSDT",
			}},
			MinFundingRateDiff:  0.01,
			ExitFundingRateDiff: 0.005,
			NotionalUSD:         1000,
			EvalInterval:        time.Second,
		},
		Risk: config.RiskConfig{
			MaxPositionSize:        10000,
			MaxDailyDrawdown:       500,
			MaxPositionHoldingTime: 24 * time.Hour,
			MaxOpenPositions:       5,
			MinNotionalUSD:         100,
		},
		Exec: config.ExecConfig{
			OrderTimeout:   time.Second,
			FillPoll:       time.Millisecond,
			UnwindAttempts: 2,
			UnwindBackoff:  time.Millisecond,
			UnwindWindow:   time.Second,
			CloseAttempts:  2,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	binance := sim.New("binance", sim.FillModel{}, clock.Now)
	bybit := sim.New("bybit", sim.FillModel{}, clock.Now)
	gateways := map[string]exchange.Gateway{"binance": binance, "bybit": bybit}

	log := zap.NewNop()
	registry := position.NewRegistry(0.01)
	riskMgr := risk.NewManager(cfg.Risk, log)

	seq := 0
	coord := exec.NewCoordinator(gateways, registry, nil, riskMgr, cfg.Exec, log,
		exec.WithClock(clock.Now, func(context.Context, time.Duration) error { return nil }),
		exec.WithIDGenerator(func() string { seq++; return fmt.Sprintf("ord-%d", seq) }))

	rates := market.NewRateStore(0)
	evaluator := strategy.NewEvaluator(cfg.Strategy, cfg.Risk.MaxPositionHoldingTime)
	eng := New(cfg, rates, registry, coord, evaluator, riskMgr, metrics.NewNoop(), nil, gateways, log,
		WithClock(clock.Now), Sequential())

	return &harness{
		cfg:      cfg,
		clock:    clock,
		binance:  binance,
		bybit:    bybit,
		rates:    rates,
		registry: registry,
		riskMgr:  riskMgr,
		engine:   eng,
	}
}

// setMarket pushes the same observation into the sim venue and the
// rate store, the way the poller does in production.
func (h *harness) setMarket(exchangeName, symbol string, rate, mark float64) {
	sample := market.FundingRateSample{
		Exchange:   exchangeName,
		Symbol:     symbol,
		Rate:       rate,
		MarkPrice:  mark,
		ObservedAt: h.clock.Now(),
	}
	switch exchangeName {
	case "binance":
		h.binance.SetSample(sample)
	case "bybit":
		h.bybit.SetSample(sample)
	}
	h.rates.Upsert(sample)
}

func TestTickEntersOnWideSpread(t *testing.T) {
	h := newHarness(t, nil)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)

	if err := h.engine.Tick(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	open := h.registry.ListOpen()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	p := open[0]
	if p.Legs[0].Exchange != "binance" || p.Legs[0].Side != position.SideLong {
		t.Fatalf("leg A = %s %s, want binance long", p.Legs[0].Exchange, p.Legs[0].Side)
	}
	if p.Legs[1].Exchange != "bybit" || p.Legs[1].Side != position.SideShort {
		t.Fatalf("leg B = %s %s, want bybit short", p.Legs[1].Exchange, p.Legs[1].Side)
	}
	if got := h.riskMgr.Exposure("binance"); got != 1000 {
		t.Fatalf("binance exposure = %v, want 1000", got)
	}
}

func TestTickHoldsExistingPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)

	ctx := context.Background()
	if err := h.engine.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := h.engine.Tick(ctx, h.clock.Advance(time.Minute)); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if got := len(h.registry.ListAll()); got != 1 {
		t.Fatalf("positions = %d, want 1 after hold", got)
	}
}

func TestTickExitsOnNarrowSpread(t *testing.T) {
	h := newHarness(t, nil)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)

	ctx := context.Background()
	if err := h.engine.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	id := h.registry.ListOpen()[0].ID

	now := h.clock.Advance(time.Hour)
	h.setMarket("binance", "BTCUSDT", 0.0050, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0051, 50000)
	if err := h.engine.Tick(ctx, now); err != nil {
		t.Fatalf("exit tick: %v", err)
	}

	p, err := h.registry.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != position.StatusClosed {
		t.Fatalf("status = %s, want %s", p.Status, position.StatusClosed)
	}
	if got := h.riskMgr.Exposure("binance"); got != 0 {
		t.Fatalf("binance exposure after close = %v, want 0", got)
	}
	if got := h.engine.Accrued(id); got != 0 {
		t.Fatalf("accrual not cleared after close: %v", got)
	}
}

func TestFundingAccruesWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)

	ctx := context.Background()
	if err := h.engine.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	id := h.registry.ListOpen()[0].ID

	now := h.clock.Advance(8 * time.Hour)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)
	if err := h.engine.Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Short leg collects 0.0120, long leg pays 0.0001, on 1000 USD over
	// one full interval.
	want := (0.0120 - 0.0001) * 1000
	if got := h.engine.Accrued(id); math.Abs(got-want) > 1e-9 {
		t.Fatalf("accrued = %v, want %v", got, want)
	}
}

func TestDrawdownBreachForcesExitAndHalts(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Risk.MaxDailyDrawdown = 10
	})
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)

	ctx := context.Background()
	if err := h.engine.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	id := h.registry.ListOpen()[0].ID

	// Marks move against both legs: the long venue drops, the short
	// venue rallies. 2 percent each way on 1000 USD is -40 total.
	now := h.clock.Advance(time.Minute)
	h.setMarket("binance", "BTCUSDT", 0.0001, 49000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 51000)
	if err := h.engine.Tick(ctx, now); err != nil {
		t.Fatalf("breach tick: %v", err)
	}

	if !h.riskMgr.Halted() {
		t.Fatal("risk manager not halted after drawdown breach")
	}
	p, err := h.registry.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != position.StatusClosed {
		t.Fatalf("status = %s, want forced close to %s", p.Status, position.StatusClosed)
	}
	if p.RealizedPnl > -39 {
		t.Fatalf("realized pnl = %v, want roughly -40", p.RealizedPnl)
	}

	// Halted manager denies the next entry even at a wide spread.
	now = h.clock.Advance(time.Minute)
	h.setMarket("binance", "BTCUSDT", 0.0001, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0120, 50000)
	if err := h.engine.Tick(ctx, now); err != nil {
		t.Fatalf("post-halt tick: %v", err)
	}
	if got := len(h.registry.ListOpen()); got != 0 {
		t.Fatalf("open positions while halted = %d, want 0", got)
	}
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (m *memStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func TestRecoverRestoresJournaledPosition(t *testing.T) {
	h := newHarness(t, nil)
	journal := state.NewJournal(newMemStore())

	opened := h.clock.Now().Add(-time.Hour)
	p := position.Position{
		ID:             "pos-1",
		CombinationKey: h.cfg.Strategy.Combinations[0].Key(),
		Status:         position.StatusOpen,
		OpenedAt:       opened,
		Legs: [2]position.Leg{
			{Exchange: "binance", Symbol: "BTCUSDT", Side: position.SideLong, NotionalUSD: 1000, EntryPrice: 50000, Status: position.LegFilled},
			{Exchange: "bybit", Symbol: "BTCUSDT", Side: position.SideShort, NotionalUSD: 1000, EntryPrice: 50000, Status: position.LegFilled},
		},
	}
	if err := journal.SavePosition(context.Background(), p); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := h.engine.Recover(context.Background(), journal); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := len(h.registry.ListOpen()); got != 1 {
		t.Fatalf("open positions after recover = %d, want 1", got)
	}
	if got := h.riskMgr.Exposure("bybit"); got != 1000 {
		t.Fatalf("bybit exposure after recover = %v, want 1000", got)
	}

	// The recovered position exits like any other once the spread
	// narrows.
	h.setMarket("binance", "BTCUSDT", 0.0050, 50000)
	h.setMarket("bybit", "BTCUSDT", 0.0051, 50000)
	if err := h.engine.Tick(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, err := h.registry.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != position.StatusClosed {
		t.Fatalf("status = %s, want %s", got.Status, position.StatusClosed)
	}
}
