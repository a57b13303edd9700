package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
	Add(v float64)
}

// LabeledGauge is a gauge family keyed by one label value.
type LabeledGauge interface {
	Set(label string, v float64)
}

type Metrics struct {
	UptimeSeconds   Gauge
	ActivePositions Gauge
	DailyPnl        Gauge
	FundingRate     LabeledGauge // labeled by exchange:symbol
	FundingDiff     LabeledGauge // labeled by combination key

	OrdersPlaced  Counter
	OrdersFailed  Counter
	EntryFailed   Counter
	ExitFailed    Counter
	UnwindFailed  Counter
	TradingHalted Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Add(float64) {}

type noopLabeledGauge struct{}

func (noopLabeledGauge) Set(string, float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	lg := noopLabeledGauge{}
	return &Metrics{
		UptimeSeconds:   g,
		ActivePositions: g,
		DailyPnl:        g,
		FundingRate:     lg,
		FundingDiff:     lg,
		OrdersPlaced:    c,
		OrdersFailed:    c,
		EntryFailed:     c,
		ExitFailed:      c,
		UnwindFailed:    c,
		TradingHalted:   c,
	}
}
