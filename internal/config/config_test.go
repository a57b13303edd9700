package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validBody = `
strategy:
  combinations:
    - exchange_a: BINANCE
      symbol_a: BTCUSDT
      exchange_b: BYBIT
      symbol_b: BTCUSDT
  min_funding_rate_diff: 0.0001
  exit_funding_rate_diff: 0.00005
  notional_usd: 1000
risk:
  max_position_size: 10000
  max_daily_drawdown: 500
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Strategy.MinFundingRateDiff != 0.0001 {
		t.Fatalf("expected threshold 0.0001, got %f", cfg.Strategy.MinFundingRateDiff)
	}
	if cfg.Strategy.EvalInterval != 10*time.Second {
		t.Fatalf("expected default eval interval, got %s", cfg.Strategy.EvalInterval)
	}
	if cfg.Risk.MaxPositionHoldingTime != 24*time.Hour {
		t.Fatalf("expected default holding time, got %s", cfg.Risk.MaxPositionHoldingTime)
	}
	if cfg.Risk.HedgeTolerance != 0.001 {
		t.Fatalf("expected default hedge tolerance, got %f", cfg.Risk.HedgeTolerance)
	}
}

func TestLoadRequiresCombinations(t *testing.T) {
	body := `
strategy:
  min_funding_rate_diff: 0.0001
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for missing combinations")
	}
}

func TestLoadRejectsSameVenuePair(t *testing.T) {
	body := `
strategy:
  combinations:
    - exchange_a: BINANCE
      symbol_a: BTCUSDT
      exchange_b: BINANCE
      symbol_b: ETHUSDT
  min_funding_rate_diff: 0.0001
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for same-venue combination")
	}
}

func TestLoadRejectsExitAboveEntryThreshold(t *testing.T) {
	body := `
strategy:
  combinations:
    - exchange_a: BINANCE
      symbol_a: BTCUSDT
      exchange_b: BYBIT
      symbol_b: BTCUSDT
  min_funding_rate_diff: 0.0001
  exit_funding_rate_diff: 0.0002
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for exit threshold above entry threshold")
	}
}

func TestLoadRejectsNotionalAbovePositionCap(t *testing.T) {
	body := `
strategy:
  combinations:
    - exchange_a: BINANCE
      symbol_a: BTCUSDT
      exchange_b: BYBIT
      symbol_b: BTCUSDT
  min_funding_rate_diff: 0.0001
  notional_usd: 20000
risk:
  max_position_size: 10000
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected error for notional above max position size")
	}
}

func TestCombinationKey(t *testing.T) {
	combo := Combination{ExchangeA: "BINANCE", SymbolA: "BTCUSDT", ExchangeB: "BYBIT", SymbolB: "BTCPERP"}
	if combo.Key() != "BINANCE:BTCUSDT|BYBIT:BTCPERP" {
		t.Fatalf("unexpected key %s", combo.Key())
	}
}
