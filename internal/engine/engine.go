// Package engine ties the pipeline together: rate ingestion, spread
// evaluation, risk authorization and execution dispatch run from one
// periodic tick, the way the whole bot is driven in production. The
// backtester drives the same engine tick by tick with a logical clock.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/strategy"
)

// fundingBase is the interval all stored rates are normalized to.
const fundingBase = 8 * time.Hour

type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	rates     *market.RateStore
	registry  *position.Registry
	coord     *exec.Coordinator
	evaluator *strategy.Evaluator
	riskMgr   *risk.Manager
	metrics   *metrics.Metrics
	notifier  *alerts.Notifier
	gateways  map[string]exchange.Gateway

	// RateSink, when set, receives every polled sample (archival).
	RateSink func(market.FundingRateSample)

	now        func() time.Time
	sequential bool
	startedAt  time.Time

	mu          sync.Mutex
	inFlight    map[string]bool // combination key -> entry/exit running
	lastAccrual map[string]time.Time
	accrued     map[string]float64 // position id -> funding pnl
	breached    bool
	draining    bool
	wg          sync.WaitGroup
}

type Option func(*Engine)

// WithClock injects a time source; with Sequential it makes a run
// fully deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Sequential executes entries and exits inline on the tick instead of
// concurrently. Replays require it.
func Sequential() Option {
	return func(e *Engine) { e.sequential = true }
}

func New(cfg *config.Config, rates *market.RateStore, registry *position.Registry, coord *exec.Coordinator, evaluator *strategy.Evaluator, riskMgr *risk.Manager, m *metrics.Metrics, notifier *alerts.Notifier, gateways map[string]exchange.Gateway, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		log:         log,
		rates:       rates,
		registry:    registry,
		coord:       coord,
		evaluator:   evaluator,
		riskMgr:     riskMgr,
		metrics:     m,
		notifier:    notifier,
		gateways:    gateways,
		now:         time.Now,
		inFlight:    make(map[string]bool),
		lastAccrual: make(map[string]time.Time),
		accrued:     make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recover reloads journaled positions from the previous run. Open
// positions resume funding accrual and become eligible for exit. A
// position journaled mid-protocol is restored as-is and surfaced to
// the operator, the evaluator holds its combination until it resolves.
func (e *Engine) Recover(ctx context.Context, journal *state.Journal) error {
	positions, err := journal.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	for _, p := range positions {
		if err := e.registry.Restore(p); err != nil {
			return err
		}
		e.riskMgr.Restore(p.Legs[0].Exchange, p.Legs[1].Exchange, p.Legs[0].NotionalUSD)
		if p.Status == position.StatusOpen {
			e.mu.Lock()
			e.lastAccrual[p.ID] = e.now()
			e.mu.Unlock()
			e.log.Info("recovered open position",
				zap.String("position", p.ID),
				zap.String("combination", p.CombinationKey))
			continue
		}
		e.log.Warn("recovered position mid-transition, manual review needed",
			zap.String("position", p.ID),
			zap.String("status", string(p.Status)))
	}
	return nil
}

// Run polls rates and evaluates until ctx is cancelled. On shutdown no
// new entries start, in-flight protocols drain, and any position left
// non-terminal is logged for the next start to recover.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	g, gctx := errgroup.WithContext(ctx)

	for name, gw := range e.gateways {
		gw := gw
		symbols := e.symbolsFor(name)
		if len(symbols) == 0 {
			continue
		}
		interval := 30 * time.Second
		if ex, ok := e.cfg.Exchanges.ByName(name); ok && ex.PollInterval > 0 {
			interval = ex.PollInterval
		}
		g.Go(func() error {
			e.pollRates(gctx, gw, symbols, interval)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.Strategy.EvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := e.Tick(gctx, e.now()); err != nil {
					e.log.Warn("evaluation tick failed", zap.Error(err))
				}
			}
		}
	})

	<-gctx.Done()
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.wg.Wait()
	_ = g.Wait()

	for _, p := range e.registry.ListActive() {
		if p.Status != position.StatusOpen {
			e.log.Warn("position left in transition at shutdown",
				zap.String("position", p.ID),
				zap.String("status", string(p.Status)))
		}
	}
	return ctx.Err()
}

// Tick runs one evaluation cycle at the given time. Exported so the
// backtester can step the engine on a logical clock.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	snap := e.rates.Snapshot(now)
	e.publishRateMetrics(snap)
	e.accrueFunding(snap, now)
	e.refreshUnrealized(snap, now)

	e.metrics.UptimeSeconds.Set(now.Sub(e.startedAt).Seconds())
	e.metrics.ActivePositions.Set(float64(len(e.registry.ListActive())))
	e.metrics.DailyPnl.Set(e.riskMgr.DailyPnl(now))

	if e.riskMgr.DrawdownBreached(now) {
		e.onDrawdownBreach(ctx, now)
		return nil
	}
	e.mu.Lock()
	e.breached = false
	e.mu.Unlock()

	for _, combo := range e.cfg.Strategy.Combinations {
		key := combo.Key()
		open := e.openState(key)
		decision := e.evaluator.Evaluate(snap, combo, open, now)
		e.metrics.FundingDiff.Set(key, decision.Diff)

		switch decision.Action {
		case strategy.ActionEnter:
			e.dispatchEnter(ctx, decision, now)
		case strategy.ActionExit:
			e.dispatchExit(ctx, key, decision.Reason, now)
		}
	}
	return nil
}

func (e *Engine) openState(key string) strategy.OpenState {
	p, ok := e.registry.ActiveForCombination(key)
	if !ok {
		return strategy.OpenState{}
	}
	return strategy.OpenState{
		Active:   true,
		Open:     p.Status == position.StatusOpen,
		OpenedAt: p.OpenedAt,
	}
}

func (e *Engine) dispatchEnter(ctx context.Context, d strategy.Decision, now time.Time) {
	key := d.Combination.Key()
	if !e.claim(key) {
		return
	}
	res, deny := e.riskMgr.AuthorizeEntry(d.LongExchange, d.ShortExchange, e.cfg.Strategy.NotionalUSD, now)
	if deny != risk.DenyNone {
		e.release(key)
		e.log.Debug("entry denied",
			zap.String("combination", key),
			zap.String("reason", string(deny)))
		return
	}
	plan := exec.EntryPlan{
		CombinationKey: key,
		LongExchange:   d.LongExchange,
		LongSymbol:     d.LongSymbol,
		ShortExchange:  d.ShortExchange,
		ShortSymbol:    d.ShortSymbol,
		NotionalUSD:    e.cfg.Strategy.NotionalUSD,
		EntrySpread:    d.Diff,
		Reservation:    res,
	}
	e.run(key, func() {
		p, err := e.coord.OpenPosition(ctx, plan)
		if err != nil {
			e.metrics.EntryFailed.Inc()
			e.log.Warn("entry failed",
				zap.String("combination", key),
				zap.Error(err))
			return
		}
		e.mu.Lock()
		e.lastAccrual[p.ID] = e.now()
		e.mu.Unlock()
	})
}

func (e *Engine) dispatchExit(ctx context.Context, key, reason string, now time.Time) {
	p, ok := e.registry.ActiveForCombination(key)
	if !ok || p.Status != position.StatusOpen {
		return
	}
	if !e.claim(key) {
		return
	}
	e.run(key, func() {
		e.mu.Lock()
		accrued := e.accrued[p.ID]
		e.mu.Unlock()
		if _, err := e.coord.ClosePosition(ctx, p.ID, accrued, reason); err != nil {
			e.metrics.ExitFailed.Inc()
			e.log.Warn("exit failed",
				zap.String("position", p.ID),
				zap.Error(err))
			return
		}
		e.mu.Lock()
		delete(e.accrued, p.ID)
		delete(e.lastAccrual, p.ID)
		e.mu.Unlock()
	})
}

// onDrawdownBreach halts entries and force-closes everything open.
// The halt fires once per breach.
func (e *Engine) onDrawdownBreach(ctx context.Context, now time.Time) {
	e.mu.Lock()
	first := !e.breached
	e.breached = true
	e.mu.Unlock()
	if first {
		e.metrics.TradingHalted.Inc()
		e.riskMgr.Halt("daily drawdown limit breached")
		if e.notifier != nil {
			e.notifier.DrawdownBreach(e.riskMgr.DailyPnl(now), e.cfg.Risk.MaxDailyDrawdown)
		}
	}
	for _, p := range e.registry.ListOpen() {
		key := p.CombinationKey
		if !e.claim(key) {
			continue
		}
		e.dispatchExitClaimed(ctx, p, "daily drawdown limit breached")
	}
}

func (e *Engine) dispatchExitClaimed(ctx context.Context, p position.Position, reason string) {
	e.run(p.CombinationKey, func() {
		e.mu.Lock()
		accrued := e.accrued[p.ID]
		e.mu.Unlock()
		if _, err := e.coord.ClosePosition(ctx, p.ID, accrued, reason); err != nil {
			e.metrics.ExitFailed.Inc()
			e.log.Warn("forced exit failed",
				zap.String("position", p.ID),
				zap.Error(err))
			return
		}
		e.mu.Lock()
		delete(e.accrued, p.ID)
		delete(e.lastAccrual, p.ID)
		e.mu.Unlock()
	})
}

// accrueFunding books the carry earned since the previous tick on each
// open position, prorated from the normalized per-interval spread.
func (e *Engine) accrueFunding(snap market.Snapshot, now time.Time) {
	for _, p := range e.registry.ListOpen() {
		e.mu.Lock()
		last, ok := e.lastAccrual[p.ID]
		if !ok {
			last = p.OpenedAt
		}
		e.mu.Unlock()
		dt := now.Sub(last)
		if dt <= 0 {
			continue
		}
		long, short := carryLegs(p)
		longSample, okL := snap.Get(long.Exchange, long.Symbol)
		shortSample, okS := snap.Get(short.Exchange, short.Symbol)
		if !okL || !okS {
			continue
		}
		// Shorts receive funding when the rate is positive, longs pay.
		carry := (shortSample.Rate - longSample.Rate) * long.NotionalUSD
		delta := carry * dt.Seconds() / fundingBase.Seconds()
		e.mu.Lock()
		e.accrued[p.ID] += delta
		e.lastAccrual[p.ID] = now
		e.mu.Unlock()
	}
}

func (e *Engine) refreshUnrealized(snap market.Snapshot, now time.Time) {
	total := 0.0
	for _, p := range e.registry.ListOpen() {
		for _, leg := range p.Legs {
			sample, ok := snap.Get(leg.Exchange, leg.Symbol)
			if !ok || leg.EntryPrice == 0 || sample.MarkPrice == 0 {
				continue
			}
			move := (sample.MarkPrice - leg.EntryPrice) / leg.EntryPrice
			if leg.Side == position.SideShort {
				move = -move
			}
			total += move * leg.NotionalUSD
		}
		e.mu.Lock()
		total += e.accrued[p.ID]
		e.mu.Unlock()
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return
	}
	e.riskMgr.SetUnrealized(total, now)
}

func (e *Engine) publishRateMetrics(snap market.Snapshot) {
	for _, sample := range snap.All() {
		e.metrics.FundingRate.Set(market.Key(sample.Exchange, sample.Symbol), sample.Rate)
	}
}

func (e *Engine) pollRates(ctx context.Context, gw exchange.Gateway, symbols []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	poll := func() {
		for _, symbol := range symbols {
			sample, err := gw.FundingRate(ctx, symbol)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Warn("funding rate poll failed",
						zap.String("exchange", gw.Name()),
						zap.String("symbol", symbol),
						zap.Error(err))
				}
				continue
			}
			if e.rates.Upsert(sample) && e.RateSink != nil {
				e.RateSink(sample)
			}
		}
	}
	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func (e *Engine) symbolsFor(exchangeName string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, combo := range e.cfg.Strategy.Combinations {
		var symbol string
		switch exchangeName {
		case combo.ExchangeA:
			symbol = combo.SymbolA
		case combo.ExchangeB:
			symbol = combo.SymbolB
		default:
			continue
		}
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}

// claim marks a combination as having a protocol in flight. A second
// claim for the same combination fails until release.
func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining || e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// run executes fn for a claimed combination, inline when sequential.
func (e *Engine) run(key string, fn func()) {
	if e.sequential {
		fn()
		e.release(key)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(key)
		fn()
	}()
}

func carryLegs(p position.Position) (long, short position.Leg) {
	if p.Legs[0].Side == position.SideLong {
		return p.Legs[0], p.Legs[1]
	}
	return p.Legs[1], p.Legs[0]
}

// Accrued reports the funding PnL booked so far for a position.
func (e *Engine) Accrued(positionID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accrued[positionID]
}
