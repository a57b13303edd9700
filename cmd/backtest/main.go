package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/backtest"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exchange/sim"
	"funding-arb-bot/internal/logging"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dataDir := flag.String("data-dir", "data/backtest", "directory of <exchange>_<symbol>.csv feed files")
	outDir := flag.String("out", "", "directory for results.json, equity.csv and trades.csv")
	startStr := flag.String("start", "", "start date, inclusive (YYYY-MM-DD)")
	endStr := flag.String("end", "", "end date, exclusive (YYYY-MM-DD)")
	capital := flag.Float64("capital", 10000, "initial capital in USD")
	slippageBps := flag.Float64("slippage-bps", 0, "simulated slippage per fill, in basis points")
	feeBps := flag.Float64("fee-bps", 0, "simulated taker fee, in basis points")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)

	start, err := parseDate(*startStr)
	if err != nil {
		fatal(fmt.Errorf("start: %w", err))
	}
	end, err := parseDate(*endStr)
	if err != nil {
		fatal(fmt.Errorf("end: %w", err))
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		fatal(fmt.Errorf("start %s is not before end %s", *startStr, *endStr))
	}

	events, err := backtest.LoadDir(*dataDir, start, end)
	if err != nil {
		fatal(err)
	}
	log.Info("feed loaded",
		zap.String("dir", *dataDir),
		zap.Int("events", len(events)))

	bt := backtest.New(cfg, log,
		backtest.WithInitialCapital(*capital),
		backtest.WithFillModel(sim.FillModel{
			SlippageRate: *slippageBps / 10000,
			TakerFeeRate: *feeBps / 10000,
		}))
	result, err := bt.Run(context.Background(), events)
	if err != nil {
		fatal(err)
	}

	fmt.Print(backtest.Summary(result))
	if *outDir != "" {
		if err := backtest.WriteReport(*outDir, result); err != nil {
			fatal(err)
		}
		fmt.Printf("report written to %s\n", *outDir)
	}
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
