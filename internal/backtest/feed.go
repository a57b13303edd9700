package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"funding-arb-bot/internal/market"
)

// Event is one historical funding observation for a venue and symbol.
type Event struct {
	At         time.Time
	Exchange   string
	Symbol     string
	Rate       float64
	MarkPrice  float64
	IndexPrice float64
}

func (e Event) Sample() market.FundingRateSample {
	return market.FundingRateSample{
		Exchange:   e.Exchange,
		Symbol:     e.Symbol,
		Rate:       e.Rate,
		MarkPrice:  e.MarkPrice,
		IndexPrice: e.IndexPrice,
		ObservedAt: e.At,
	}
}

// LoadDir reads every "<exchange>_<symbol>.csv" file in dir and merges
// the events into one timeline ordered by timestamp. Files use the
// header: timestamp,funding_rate,mark_price,index_price with RFC 3339
// or unix-millisecond timestamps.
func LoadDir(dir string, start, end time.Time) ([]Event, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no feed files in %s", dir)
	}
	var events []Event
	for _, path := range paths {
		exchange, symbol, err := parseFeedName(path)
		if err != nil {
			return nil, err
		}
		fileEvents, err := loadFile(path, exchange, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		events = append(events, fileEvents...)
	}
	// Stable sort keeps same-timestamp events in file order so replays
	// are reproducible.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
	return events, nil
}

func parseFeedName(path string) (exchange, symbol string, err error) {
	base := strings.TrimSuffix(filepath.Base(path), ".csv")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("feed file %s: want <exchange>_<symbol>.csv", path)
	}
	return parts[0], parts[1], nil
}

func loadFile(path, exchange, symbol string, start, end time.Time) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	cols, err := headerIndex(rows[0])
	if err != nil {
		return nil, err
	}

	var events []Event
	for i, row := range rows[1:] {
		ev, err := parseRow(row, cols, exchange, symbol)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if !start.IsZero() && ev.At.Before(start) {
			continue
		}
		if !end.IsZero() && !ev.At.Before(end) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

type feedColumns struct {
	timestamp, rate, mark, index int
}

func headerIndex(header []string) (feedColumns, error) {
	cols := feedColumns{timestamp: -1, rate: -1, mark: -1, index: -1}
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "timestamp":
			cols.timestamp = i
		case "funding_rate":
			cols.rate = i
		case "mark_price":
			cols.mark = i
		case "index_price":
			cols.index = i
		}
	}
	if cols.timestamp < 0 || cols.rate < 0 || cols.mark < 0 {
		return cols, fmt.Errorf("header %v: need timestamp, funding_rate, mark_price", header)
	}
	return cols, nil
}

func parseRow(row []string, cols feedColumns, exchange, symbol string) (Event, error) {
	at, err := parseTimestamp(row[cols.timestamp])
	if err != nil {
		return Event{}, err
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(row[cols.rate]), 64)
	if err != nil {
		return Event{}, fmt.Errorf("funding_rate: %w", err)
	}
	mark, err := strconv.ParseFloat(strings.TrimSpace(row[cols.mark]), 64)
	if err != nil {
		return Event{}, fmt.Errorf("mark_price: %w", err)
	}
	ev := Event{At: at, Exchange: exchange, Symbol: symbol, Rate: rate, MarkPrice: mark}
	if cols.index >= 0 && cols.index < len(row) && strings.TrimSpace(row[cols.index]) != "" {
		ev.IndexPrice, err = strconv.ParseFloat(strings.TrimSpace(row[cols.index]), 64)
		if err != nil {
			return Event{}, fmt.Errorf("index_price: %w", err)
		}
	}
	return ev, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", raw, err)
	}
	return at.UTC(), nil
}
