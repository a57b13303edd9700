// Package backtest replays historical funding-rate feeds through the
// live evaluation and execution pipeline. The engine runs in
// sequential mode on a logical clock, orders fill on simulated venues,
// and the same feed always produces the same trade sequence.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/exchange/sim"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/strategy"
)

type EquityPoint struct {
	At     time.Time `json:"at"`
	Equity float64   `json:"equity"`
}

// Result is a full replay outcome: headline performance numbers plus
// the raw material they were computed from.
type Result struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	InitialCapital   float64   `json:"initial_capital"`
	FinalEquity      float64   `json:"final_equity"`
	NetPnl           float64   `json:"net_pnl"`
	TotalReturn      float64   `json:"total_return"`
	AnnualizedReturn float64   `json:"annualized_return"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	MaxDrawdownPct   float64   `json:"max_drawdown_pct"`
	WinRate          float64   `json:"win_rate"`
	ProfitFactor     float64   `json:"profit_factor"`
	SharpeRatio      float64   `json:"sharpe_ratio"`
	Trades           int       `json:"trades"`
	Wins             int       `json:"wins"`
	Losses           int       `json:"losses"`

	EquityCurve []EquityPoint               `json:"-"`
	Transitions []position.TransitionRecord `json:"-"`
	Closed      []position.Position         `json:"-"`
}

type Backtester struct {
	cfg     *config.Config
	log     *zap.Logger
	capital float64
	model   sim.FillModel
}

type Option func(*Backtester)

func WithInitialCapital(usd float64) Option {
	return func(b *Backtester) { b.capital = usd }
}

func WithFillModel(model sim.FillModel) Option {
	return func(b *Backtester) { b.model = model }
}

func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Backtester {
	b := &Backtester{
		cfg:     cfg,
		log:     log,
		capital: 10000,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run replays the event timeline and returns the performance report.
func (b *Backtester) Run(ctx context.Context, events []Event) (*Result, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("empty event timeline")
	}

	current := events[0].At
	now := func() time.Time { return current }

	gateways := make(map[string]exchange.Gateway)
	sims := make(map[string]*sim.Gateway)
	for _, combo := range b.cfg.Strategy.Combinations {
		for _, name := range []string{combo.ExchangeA, combo.ExchangeB} {
			if _, ok := sims[name]; !ok {
				g := sim.New(name, b.model, now)
				sims[name] = g
				gateways[name] = g
			}
		}
	}

	log := b.log
	registry := position.NewRegistry(b.cfg.Risk.HedgeTolerance)
	riskMgr := risk.NewManager(b.cfg.Risk, log)
	seq := 0
	coord := exec.NewCoordinator(gateways, registry, nil, riskMgr, b.cfg.Exec, log,
		exec.WithClock(now, func(context.Context, time.Duration) error { return nil }),
		exec.WithIDGenerator(func() string { seq++; return fmt.Sprintf("bt-%d", seq) }))

	// Feed events arrive hours apart; wall-clock staleness does not
	// apply on a logical timeline.
	rates := market.NewRateStore(0)
	evaluator := strategy.NewEvaluator(b.cfg.Strategy, b.cfg.Risk.MaxPositionHoldingTime)
	eng := engine.New(b.cfg, rates, registry, coord, evaluator, riskMgr, metrics.NewNoop(), nil, gateways, log,
		engine.WithClock(now), engine.Sequential())

	result := &Result{
		Start:          events[0].At,
		End:            events[len(events)-1].At,
		InitialCapital: b.capital,
	}
	registry.Observe(func(rec position.TransitionRecord) {
		result.Transitions = append(result.Transitions, rec)
	})

	latest := make(map[string]market.FundingRateSample)
	cumRealized := 0.0
	realizedSeen := make(map[string]float64)

	i := 0
	for i < len(events) {
		// Apply every event stamped at the same instant, then run one
		// evaluation cycle against the combined state.
		ts := events[i].At
		for i < len(events) && events[i].At.Equal(ts) {
			sample := events[i].Sample()
			sims[sample.Exchange].SetSample(sample)
			rates.Upsert(sample)
			latest[sample.Key()] = sample
			i++
		}
		current = ts
		if err := eng.Tick(ctx, ts); err != nil {
			return nil, fmt.Errorf("tick at %s: %w", ts, err)
		}

		for _, p := range registry.ListAll() {
			if p.Status.Terminal() {
				if _, seen := realizedSeen[p.ID]; !seen {
					realizedSeen[p.ID] = p.RealizedPnl
					cumRealized += p.RealizedPnl
				}
			}
		}
		equity := b.capital + cumRealized + b.openPnl(registry, eng, latest)
		result.EquityCurve = append(result.EquityCurve, EquityPoint{At: ts, Equity: equity})
	}

	for _, p := range registry.ListAll() {
		if p.Status.Terminal() {
			result.Closed = append(result.Closed, p)
		}
	}
	sort.Slice(result.Closed, func(i, j int) bool {
		return result.Closed[i].ClosedAt.Before(result.Closed[j].ClosedAt)
	})
	b.summarize(result)
	return result, nil
}

// openPnl marks open positions to the latest prices and adds accrued
// funding.
func (b *Backtester) openPnl(registry *position.Registry, eng *engine.Engine, latest map[string]market.FundingRateSample) float64 {
	total := 0.0
	for _, p := range registry.ListOpen() {
		for _, leg := range p.Legs {
			sample, ok := latest[market.Key(leg.Exchange, leg.Symbol)]
			if !ok || leg.EntryPrice == 0 || sample.MarkPrice == 0 {
				continue
			}
			move := (sample.MarkPrice - leg.EntryPrice) / leg.EntryPrice
			if leg.Side == position.SideShort {
				move = -move
			}
			total += move * leg.NotionalUSD
		}
		total += eng.Accrued(p.ID)
	}
	return total
}

func (b *Backtester) summarize(r *Result) {
	if len(r.EquityCurve) > 0 {
		r.FinalEquity = r.EquityCurve[len(r.EquityCurve)-1].Equity
	} else {
		r.FinalEquity = r.InitialCapital
	}
	r.NetPnl = r.FinalEquity - r.InitialCapital
	if r.InitialCapital > 0 {
		r.TotalReturn = r.NetPnl / r.InitialCapital
	}

	days := r.End.Sub(r.Start).Hours() / 24
	if days > 0 && r.TotalReturn > -1 {
		r.AnnualizedReturn = math.Pow(1+r.TotalReturn, 365/days) - 1
	}

	peak := r.InitialCapital
	for _, pt := range r.EquityCurve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		dd := peak - pt.Equity
		if dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
			if peak > 0 {
				r.MaxDrawdownPct = dd / peak
			}
		}
	}

	grossProfit, grossLoss := 0.0, 0.0
	for _, p := range r.Closed {
		r.Trades++
		if p.RealizedPnl > 0 {
			r.Wins++
			grossProfit += p.RealizedPnl
		} else {
			r.Losses++
			grossLoss += -p.RealizedPnl
		}
	}
	if r.Trades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.Trades)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		r.ProfitFactor = math.Inf(1)
	}

	r.SharpeRatio = sharpe(dailyReturns(r.EquityCurve))
}

// dailyReturns buckets the equity curve by UTC day and computes the
// return between consecutive day-end equities.
func dailyReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	dayEnd := make(map[string]float64)
	var days []string
	for _, pt := range curve {
		day := pt.At.UTC().Format("2006-01-02")
		if _, ok := dayEnd[day]; !ok {
			days = append(days, day)
		}
		dayEnd[day] = pt.Equity
	}
	var returns []float64
	for i := 1; i < len(days); i++ {
		prev := dayEnd[days[i-1]]
		if prev == 0 {
			continue
		}
		returns = append(returns, dayEnd[days[i]]/prev-1)
	}
	return returns
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(365)
}
