package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// WriteReport writes results.json, equity.csv and trades.csv into dir.
func WriteReport(dir string, r *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "results.json"), r); err != nil {
		return err
	}
	if err := writeEquityCSV(filepath.Join(dir, "equity.csv"), r.EquityCurve); err != nil {
		return err
	}
	return writeTradesCSV(filepath.Join(dir, "trades.csv"), r)
}

func writeJSON(path string, r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeEquityCSV(path string, curve []EquityPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "equity"}); err != nil {
		return err
	}
	for _, pt := range curve {
		row := []string{
			pt.At.UTC().Format(time.RFC3339),
			strconv.FormatFloat(pt.Equity, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeTradesCSV(path string, r *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"position_id", "combination", "status", "opened_at", "closed_at", "entry_spread", "realized_pnl"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, p := range r.Closed {
		row := []string{
			p.ID,
			p.CombinationKey,
			string(p.Status),
			formatTime(p.OpenedAt),
			formatTime(p.ClosedAt),
			strconv.FormatFloat(p.EntrySpread, 'f', -1, 64),
			strconv.FormatFloat(p.RealizedPnl, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Summary renders the headline numbers for terminal output.
func Summary(r *Result) string {
	return fmt.Sprintf(`Backtest %s -> %s
  initial capital    %.2f USD
  final equity       %.2f USD
  net pnl            %.2f USD
  total return       %.2f%%
  annualized return  %.2f%%
  max drawdown       %.2f USD (%.2f%%)
  trades             %d (%d wins / %d losses)
  win rate           %.1f%%
  profit factor      %.2f
  sharpe ratio       %.2f
`,
		r.Start.UTC().Format("2006-01-02"), r.End.UTC().Format("2006-01-02"),
		r.InitialCapital, r.FinalEquity, r.NetPnl,
		r.TotalReturn*100, r.AnnualizedReturn*100,
		r.MaxDrawdown, r.MaxDrawdownPct*100,
		r.Trades, r.Wins, r.Losses,
		r.WinRate*100, r.ProfitFactor, r.SharpeRatio)
}
