// Package exchange defines the venue abstraction the rest of the bot
// trades through. Adapters live in subpackages; everything above them
// sees only this interface.
package exchange

import (
	"context"
	"errors"

	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
)

var (
	ErrOrderNotFound  = errors.New("exchange: order not found")
	ErrOrderRejected  = errors.New("exchange: order rejected")
	ErrSymbolUnknown  = errors.New("exchange: symbol unknown")
	ErrNotImplemented = errors.New("exchange: not implemented")
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	// OrderUnknown means the venue could not be asked or gave no
	// answer. Callers must reconcile before assuming anything.
	OrderUnknown OrderStatus = "UNKNOWN"
)

func (s OrderStatus) Final() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// OrderRequest sizes the order in USD notional; adapters convert to
// base quantity at the current mark price and round to the venue's
// quantity step.
type OrderRequest struct {
	Symbol        string
	Side          position.Side
	NotionalUSD   float64
	ReduceOnly    bool
	ClientOrderID string
}

type OrderResult struct {
	ClientOrderID     string
	ExchangeOrderID   string
	Status            OrderStatus
	Quantity          float64
	FilledQuantity    float64
	FilledNotionalUSD float64
	AvgFillPrice      float64
}

// Gateway is one venue's trading and market-data surface. All order
// calls are idempotent on ClientOrderID: resubmitting an id the venue
// has seen returns the existing order instead of placing a new one.
type Gateway interface {
	Name() string
	FundingRate(ctx context.Context, symbol string) (market.FundingRateSample, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	OrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
}
