package bybit

import (
	"testing"

	"funding-arb-bot/internal/exchange"
)

func TestNormalizeRate(t *testing.T) {
	cases := []struct {
		rate     float64
		interval int
		want     float64
	}{
		{0.0001, 480, 0.0001},  // 8h contract, unchanged
		{0.0001, 240, 0.0002},  // 4h contract, doubled
		{0.0001, 60, 0.0008},   // 1h contract
		{0.0001, 0, 0.0001},    // unknown interval falls back to 8h
		{-0.0002, 240, -0.0004},
	}
	for _, tc := range cases {
		if got := normalizeRate(tc.rate, tc.interval); got != tc.want {
			t.Fatalf("normalizeRate(%v, %d) = %v, want %v", tc.rate, tc.interval, got, tc.want)
		}
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]exchange.OrderStatus{
		"New":                     exchange.OrderNew,
		"PartiallyFilled":         exchange.OrderPartiallyFilled,
		"Filled":                  exchange.OrderFilled,
		"Cancelled":               exchange.OrderCancelled,
		"PartiallyFilledCanceled": exchange.OrderCancelled,
		"Rejected":                exchange.OrderRejected,
		"whatever":                exchange.OrderUnknown,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Fatalf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
