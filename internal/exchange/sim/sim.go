// Package sim is a deterministic in-memory venue. The backtester and
// paper-trading mode drive it by setting market state directly; orders
// fill instantly at the current mark price adjusted for slippage.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
)

// FillModel controls how orders execute.
type FillModel struct {
	SlippageRate float64 // adverse price move per fill, as a fraction
	TakerFeeRate float64 // fee deducted from filled notional
	RejectOrders bool    // reject every order while set
}

type Gateway struct {
	name string

	mu      sync.Mutex
	model   FillModel
	samples map[string]market.FundingRateSample
	orders  map[string]exchange.OrderResult
	fills   []exchange.OrderRequest
	now     func() time.Time
}

func New(name string, model FillModel, now func() time.Time) *Gateway {
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		name:    name,
		model:   model,
		samples: make(map[string]market.FundingRateSample),
		orders:  make(map[string]exchange.OrderResult),
		now:     now,
	}
}

func (g *Gateway) Name() string { return g.name }

// SetSample replaces the venue's market state for one symbol.
func (g *Gateway) SetSample(sample market.FundingRateSample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sample.Exchange = g.name
	g.samples[sample.Symbol] = sample
}

// SetFillModel swaps the fill behavior, typically to inject failures.
func (g *Gateway) SetFillModel(model FillModel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = model
}

// Fills returns every filled order request, in submission order.
func (g *Gateway) Fills() []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exchange.OrderRequest(nil), g.fills...)
}

func (g *Gateway) FundingRate(_ context.Context, symbol string) (market.FundingRateSample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sample, ok := g.samples[symbol]
	if !ok {
		return market.FundingRateSample{}, fmt.Errorf("sim %s/%s: %w", g.name, symbol, exchange.ErrSymbolUnknown)
	}
	return sample, nil
}

func (g *Gateway) MarkPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sample, ok := g.samples[symbol]
	if !ok {
		return 0, fmt.Errorf("sim %s/%s: %w", g.name, symbol, exchange.ErrSymbolUnknown)
	}
	return sample.MarkPrice, nil
}

func (g *Gateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Idempotent on client order id.
	if res, ok := g.orders[req.ClientOrderID]; ok {
		return res, nil
	}
	if g.model.RejectOrders {
		res := exchange.OrderResult{
			ClientOrderID: req.ClientOrderID,
			Status:        exchange.OrderRejected,
		}
		g.orders[req.ClientOrderID] = res
		return res, fmt.Errorf("sim %s: %w", g.name, exchange.ErrOrderRejected)
	}
	sample, ok := g.samples[req.Symbol]
	if !ok || sample.MarkPrice <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("sim %s/%s: %w", g.name, req.Symbol, exchange.ErrSymbolUnknown)
	}

	price := fillPrice(sample.MarkPrice, req.Side, g.model.SlippageRate)
	notional := req.NotionalUSD * (1 - g.model.TakerFeeRate)
	res := exchange.OrderResult{
		ClientOrderID:     req.ClientOrderID,
		ExchangeOrderID:   fmt.Sprintf("%s-%d", g.name, len(g.orders)+1),
		Status:            exchange.OrderFilled,
		Quantity:          req.NotionalUSD / price,
		FilledQuantity:    req.NotionalUSD / price,
		FilledNotionalUSD: notional,
		AvgFillPrice:      price,
	}
	g.orders[req.ClientOrderID] = res
	g.fills = append(g.fills, req)
	return res, nil
}

func (g *Gateway) CancelOrder(_ context.Context, _, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("sim %s: %w", g.name, exchange.ErrOrderNotFound)
	}
	if !res.Status.Final() {
		res.Status = exchange.OrderCancelled
		g.orders[clientOrderID] = res
	}
	return nil
}

func (g *Gateway) OrderStatus(_ context.Context, _, clientOrderID string) (exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.orders[clientOrderID]
	if !ok {
		return exchange.OrderResult{}, fmt.Errorf("sim %s: %w", g.name, exchange.ErrOrderNotFound)
	}
	return res, nil
}

// fillPrice applies slippage against the taker: buys fill above mark,
// sells below.
func fillPrice(mark float64, side position.Side, slippage float64) float64 {
	if side == position.SideLong {
		return mark * (1 + slippage)
	}
	return mark * (1 - slippage)
}
