package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "arbitrage"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) { p.gauge.Set(v) }
func (p promGauge) Add(v float64) { p.gauge.Add(v) }

type promLabeledGauge struct {
	vec   *prometheus.GaugeVec
	label string
}

func (p promLabeledGauge) Set(label string, v float64) {
	p.vec.WithLabelValues(label).Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	uptimeSeconds   prometheus.Gauge
	activePositions prometheus.Gauge
	dailyPnl        prometheus.Gauge
	fundingRate     *prometheus.GaugeVec
	fundingDiff     *prometheus.GaugeVec
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	entryFailed     prometheus.Counter
	exitFailed      prometheus.Counter
	unwindFailed    prometheus.Counter
	tradingHalted   prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	uptimeSeconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the engine started.",
	})
	activePositions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "active_positions",
		Help:      "Number of positions currently open or in transition.",
	})
	dailyPnl := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "daily_pnl",
		Help:      "Realized plus unrealized PnL for the current trading day, in USD.",
	})
	fundingRate := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "funding_rate",
		Help:      "Latest funding rate per market, as a fraction per interval.",
	}, []string{"market"})
	fundingDiff := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "funding_diff",
		Help:      "Latest funding rate difference per combination.",
	}, []string{"combination"})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	entryFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entry_failed_total",
		Help:      "Total number of entry flow failures.",
	})
	exitFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "exit_failed_total",
		Help:      "Total number of exit flow failures.",
	})
	unwindFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "unwind_failed_total",
		Help:      "Total number of stuck unwinds that halted a venue pair.",
	})
	tradingHalted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "trading_halted_total",
		Help:      "Total number of global trading halts.",
	})

	registry.MustRegister(uptimeSeconds, activePositions, dailyPnl, fundingRate, fundingDiff,
		ordersPlaced, ordersFailed, entryFailed, exitFailed, unwindFailed, tradingHalted)

	m := &Metrics{
		UptimeSeconds:   promGauge{uptimeSeconds},
		ActivePositions: promGauge{activePositions},
		DailyPnl:        promGauge{dailyPnl},
		FundingRate:     promLabeledGauge{vec: fundingRate},
		FundingDiff:     promLabeledGauge{vec: fundingDiff},
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		EntryFailed:     promCounter{entryFailed},
		ExitFailed:      promCounter{exitFailed},
		UnwindFailed:    promCounter{unwindFailed},
		TradingHalted:   promCounter{tradingHalted},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		uptimeSeconds:   uptimeSeconds,
		activePositions: activePositions,
		dailyPnl:        dailyPnl,
		fundingRate:     fundingRate,
		fundingDiff:     fundingDiff,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		entryFailed:     entryFailed,
		exitFailed:      exitFailed,
		unwindFailed:    unwindFailed,
		tradingHalted:   tradingHalted,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
