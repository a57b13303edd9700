// Package bybit adapts Bybit linear perpetuals to the exchange.Gateway
// interface. Bybit contracts fund on per-symbol intervals (1h, 4h or
// 8h), so rates are normalized to a per-8-hour fraction before they
// reach the store.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
)

const (
	Name     = "bybit"
	category = "linear"

	// normalization target, in minutes
	fundingBaseMinutes = 480
)

var quantityStep = int32(3)

type Gateway struct {
	client  *bybitapi.Client
	limiter *rate.Limiter
	log     *zap.Logger

	mu        sync.Mutex
	intervals map[string]int // funding interval per symbol, minutes
}

func New(cfg config.ExchangeConfig, apiKey, apiSecret string, log *zap.Logger) *Gateway {
	opts := []bybitapi.ClientOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, bybitapi.WithBaseURL(cfg.BaseURL))
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Gateway{
		client:    bybitapi.NewBybitHttpClient(apiKey, apiSecret, opts...),
		limiter:   rate.NewLimiter(rate.Limit(perSec), int(perSec)),
		log:       log,
		intervals: make(map[string]int),
	}
}

func (g *Gateway) Name() string { return Name }

type tickerResult struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingRate     string `json:"fundingRate"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

type instrumentResult struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingInterval int    `json:"fundingInterval"`
	} `json:"list"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderListResult struct {
	List []struct {
		OrderID      string `json:"orderId"`
		OrderLinkID  string `json:"orderLinkId"`
		OrderStatus  string `json:"orderStatus"`
		Qty          string `json:"qty"`
		CumExecQty   string `json:"cumExecQty"`
		CumExecValue string `json:"cumExecValue"`
		AvgPrice     string `json:"avgPrice"`
	} `json:"list"`
}

func (g *Gateway) FundingRate(ctx context.Context, symbol string) (market.FundingRateSample, error) {
	var result tickerResult
	params := map[string]interface{}{"category": category, "symbol": symbol}
	if err := g.call(ctx, params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.GetMarketTickers(ctx)
	}); err != nil {
		return market.FundingRateSample{}, fmt.Errorf("bybit tickers %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return market.FundingRateSample{}, fmt.Errorf("bybit tickers %s: %w", symbol, exchange.ErrSymbolUnknown)
	}
	tick := result.List[0]
	rawRate, err := parseFloat(tick.FundingRate)
	if err != nil {
		return market.FundingRateSample{}, fmt.Errorf("bybit funding rate %s: %w", symbol, err)
	}
	mark, err := parseFloat(tick.MarkPrice)
	if err != nil {
		return market.FundingRateSample{}, fmt.Errorf("bybit mark price %s: %w", symbol, err)
	}
	index, _ := parseFloat(tick.IndexPrice)
	nextMs, _ := parseFloat(tick.NextFundingTime)

	interval, err := g.fundingInterval(ctx, symbol)
	if err != nil {
		return market.FundingRateSample{}, err
	}
	return market.FundingRateSample{
		Exchange:      Name,
		Symbol:        symbol,
		Rate:          normalizeRate(rawRate, interval),
		MarkPrice:     mark,
		IndexPrice:    index,
		ObservedAt:    time.Now().UTC(),
		NextFundingAt: time.UnixMilli(int64(nextMs)),
	}, nil
}

func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	sample, err := g.FundingRate(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return sample.MarkPrice, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	mark, err := g.MarkPrice(ctx, req.Symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	if mark <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("bybit %s: non-positive mark price", req.Symbol)
	}
	qty := decimal.NewFromFloat(req.NotionalUSD).
		Div(decimal.NewFromFloat(mark)).
		RoundDown(quantityStep)
	if qty.IsZero() {
		return exchange.OrderResult{}, fmt.Errorf("bybit %s: notional %.2f rounds to zero quantity", req.Symbol, req.NotionalUSD)
	}

	params := map[string]interface{}{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        orderSide(req.Side),
		"orderType":   "Market",
		"qty":         qty.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	var result orderResult
	if err := g.call(ctx, params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.PlaceOrder(ctx)
	}); err != nil {
		// Duplicate orderLinkId: the order already exists, read it back.
		if strings.Contains(err.Error(), "duplicate") {
			return g.OrderStatus(ctx, req.Symbol, req.ClientOrderID)
		}
		return exchange.OrderResult{}, fmt.Errorf("bybit place order %s: %w", req.Symbol, err)
	}
	// Market orders fill asynchronously; the caller polls OrderStatus.
	return exchange.OrderResult{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: result.OrderID,
		Status:          exchange.OrderNew,
		Quantity:        qty.InexactFloat64(),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	var result orderResult
	err := g.call(ctx, params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.CancelOrder(ctx)
	})
	if err != nil {
		// Already in a final state is success for cancellation.
		if strings.Contains(err.Error(), "110001") {
			return nil
		}
		return fmt.Errorf("bybit cancel %s/%s: %w", symbol, clientOrderID, err)
	}
	return nil
}

func (g *Gateway) OrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	params := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	var result orderListResult
	if err := g.call(ctx, params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.GetOpenOrders(ctx)
	}); err != nil {
		return exchange.OrderResult{Status: exchange.OrderUnknown}, fmt.Errorf("bybit order status %s/%s: %w", symbol, clientOrderID, err)
	}
	if len(result.List) == 0 {
		return exchange.OrderResult{}, fmt.Errorf("bybit order %s/%s: %w", symbol, clientOrderID, exchange.ErrOrderNotFound)
	}
	order := result.List[0]
	return exchange.OrderResult{
		ClientOrderID:     order.OrderLinkID,
		ExchangeOrderID:   order.OrderID,
		Status:            mapStatus(order.OrderStatus),
		Quantity:          parseFloatOrZero(order.Qty),
		FilledQuantity:    parseFloatOrZero(order.CumExecQty),
		FilledNotionalUSD: parseFloatOrZero(order.CumExecValue),
		AvgFillPrice:      parseFloatOrZero(order.AvgPrice),
	}, nil
}

// fundingInterval returns the symbol's funding interval in minutes,
// fetched once and cached.
func (g *Gateway) fundingInterval(ctx context.Context, symbol string) (int, error) {
	g.mu.Lock()
	if interval, ok := g.intervals[symbol]; ok {
		g.mu.Unlock()
		return interval, nil
	}
	g.mu.Unlock()

	var result instrumentResult
	params := map[string]interface{}{"category": category, "symbol": symbol}
	if err := g.call(ctx, params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.GetInstrumentInfo(ctx)
	}); err != nil {
		return 0, fmt.Errorf("bybit instrument info %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit instrument info %s: %w", symbol, exchange.ErrSymbolUnknown)
	}
	interval := result.List[0].FundingInterval
	if interval <= 0 {
		interval = fundingBaseMinutes
	}
	g.mu.Lock()
	g.intervals[symbol] = interval
	g.mu.Unlock()
	return interval, nil
}

// call runs one SDK request through the rate limiter and decodes the
// untyped Result payload into out.
func (g *Gateway) call(ctx context.Context, params map[string]interface{}, out interface{}, do func(*bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error)) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := do(g.client.NewUtaBybitServiceWithParams(params))
	if err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg)
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func orderSide(side position.Side) string {
	if side == position.SideLong {
		return "Buy"
	}
	return "Sell"
}

func mapStatus(status string) exchange.OrderStatus {
	switch status {
	case "New", "Created", "Untriggered":
		return exchange.OrderNew
	case "PartiallyFilled":
		return exchange.OrderPartiallyFilled
	case "Filled":
		return exchange.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return exchange.OrderCancelled
	case "Rejected":
		return exchange.OrderRejected
	}
	return exchange.OrderUnknown
}

// normalizeRate converts a per-interval funding rate to the 8-hour
// basis the rest of the system compares on.
func normalizeRate(rate float64, intervalMinutes int) float64 {
	if intervalMinutes <= 0 || intervalMinutes == fundingBaseMinutes {
		return rate
	}
	return rate * float64(fundingBaseMinutes) / float64(intervalMinutes)
}

func parseFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func parseFloatOrZero(s string) float64 {
	v, err := parseFloat(s)
	if err != nil {
		return 0
	}
	return v
}
