// Package binance adapts Binance USD-M futures to the exchange.Gateway
// interface. Binance funding settles every 8 hours, so rates are used
// as reported.
package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
)

const Name = "binance"

// quantityStep is the order quantity rounding used when the symbol's
// filter is unknown. Three decimals covers the major USD-M contracts.
var quantityStep = int32(3)

type Gateway struct {
	client  *futures.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(cfg config.ExchangeConfig, apiKey, apiSecret string, log *zap.Logger) *Gateway {
	client := futures.NewClient(apiKey, apiSecret)
	if cfg.BaseURL != "" {
		client.SetApiEndpoint(cfg.BaseURL)
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Gateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSec), int(perSec)),
		log:     log,
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) FundingRate(ctx context.Context, symbol string) (market.FundingRateSample, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return market.FundingRateSample{}, err
	}
	indexes, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return market.FundingRateSample{}, fmt.Errorf("binance premium index %s: %w", symbol, err)
	}
	if len(indexes) == 0 {
		return market.FundingRateSample{}, fmt.Errorf("binance premium index %s: %w", symbol, exchange.ErrSymbolUnknown)
	}
	idx := indexes[0]
	rate, err := parseFloat(idx.LastFundingRate)
	if err != nil {
		return market.FundingRateSample{}, fmt.Errorf("binance funding rate %s: %w", symbol, err)
	}
	mark, err := parseFloat(idx.MarkPrice)
	if err != nil {
		return market.FundingRateSample{}, fmt.Errorf("binance mark price %s: %w", symbol, err)
	}
	index, _ := parseFloat(idx.IndexPrice)
	return market.FundingRateSample{
		Exchange:      Name,
		Symbol:        symbol,
		Rate:          rate,
		MarkPrice:     mark,
		IndexPrice:    index,
		ObservedAt:    time.UnixMilli(idx.Time),
		NextFundingAt: time.UnixMilli(idx.NextFundingTime),
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
		return exchange.OrderResult{}, fmt.Errorf("binance %s: non-positive mark price", req.Symbol)
	}
	qty := decimal.NewFromFloat(req.NotionalUSD).
		Div(decimal.NewFromFloat(mark)).
		RoundDown(quantityStep)
	if qty.IsZero() {
		return exchange.OrderResult{}, fmt.Errorf("binance %s: notional %.2f rounds to zero quantity", req.Symbol, req.NotionalUSD)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return exchange.OrderResult{}, err
	}
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(orderSide(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		// A duplicate client order id means a previous attempt reached
		// the venue; read that order back instead of failing.
		if apiErrorCode(err) == -4015 || apiErrorCode(err) == -2022 {
			return g.OrderStatus(ctx, req.Symbol, req.ClientOrderID)
		}
		return exchange.OrderResult{}, fmt.Errorf("binance place order %s: %w", req.Symbol, err)
	}
	return exchange.OrderResult{
		ClientOrderID:     res.ClientOrderID,
		ExchangeOrderID:   fmt.Sprintf("%d", res.OrderID),
		Status:            mapStatus(res.Status),
		Quantity:          qty.InexactFloat64(),
		FilledQuantity:    parseFloatOrZero(res.ExecutedQuantity),
		FilledNotionalUSD: parseFloatOrZero(res.CumQuote),
		AvgFillPrice:      parseFloatOrZero(res.AvgPrice),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErrorCode(err) == -2011 { // unknown order: already filled or cancelled
			return nil
		}
		return fmt.Errorf("binance cancel %s/%s: %w", symbol, clientOrderID, err)
	}
	return nil
}

func (g *Gateway) OrderStatus(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return exchange.OrderResult{}, err
	}
	order, err := g.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErrorCode(err) == -2013 {
			return exchange.OrderResult{}, fmt.Errorf("binance order %s/%s: %w", symbol, clientOrderID, exchange.ErrOrderNotFound)
		}
		return exchange.OrderResult{Status: exchange.OrderUnknown}, fmt.Errorf("binance order status %s/%s: %w", symbol, clientOrderID, err)
	}
	return exchange.OrderResult{
		ClientOrderID:     order.ClientOrderID,
		ExchangeOrderID:   fmt.Sprintf("%d", order.OrderID),
		Status:            mapStatus(order.Status),
		Quantity:          parseFloatOrZero(order.OrigQuantity),
		FilledQuantity:    parseFloatOrZero(order.ExecutedQuantity),
		FilledNotionalUSD: parseFloatOrZero(order.CumQuote),
		AvgFillPrice:      parseFloatOrZero(order.AvgPrice),
	}, nil
}

func orderSide(side position.Side) futures.SideType {
	if side == position.SideLong {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func mapStatus(status futures.OrderStatusType) exchange.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return exchange.OrderNew
	case futures.OrderStatusTypePartiallyFilled:
		return exchange.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return exchange.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return exchange.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return exchange.OrderRejected
	}
	return exchange.OrderUnknown
}

func apiErrorCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
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
