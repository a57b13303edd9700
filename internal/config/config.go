package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	State     StateConfig     `yaml:"state"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Exec      ExecConfig      `yaml:"exec"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Bybit   ExchangeConfig `yaml:"bybit"`
}

// ByName looks up a venue section by gateway name.
func (e ExchangesConfig) ByName(name string) (ExchangeConfig, bool) {
	switch name {
	case "binance":
		return e.Binance, true
	case "bybit":
		return e.Bybit, true
	}
	return ExchangeConfig{}, false
}

type ExchangeConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	StreamURL    string        `yaml:"stream_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Combination is one venue pair to evaluate. Symbols may differ across
// venues for the same underlying (BTCUSDT vs BTCPERP).
type Combination struct {
	ExchangeA string `yaml:"exchange_a"`
	SymbolA   string `yaml:"symbol_a"`
	ExchangeB string `yaml:"exchange_b"`
	SymbolB   string `yaml:"symbol_b"`
}

func (c Combination) Key() string {
	return fmt.Sprintf("%s:%s|%s:%s", c.ExchangeA, c.SymbolA, c.ExchangeB, c.SymbolB)
}

type StrategyConfig struct {
	Combinations        []Combination `yaml:"combinations"`
	MinFundingRateDiff  float64       `yaml:"min_funding_rate_diff"`
	ExitFundingRateDiff float64       `yaml:"exit_funding_rate_diff"`
	NotionalUSD         float64       `yaml:"notional_usd"`
	EvalInterval        time.Duration `yaml:"eval_interval"`
	StalenessWindow     time.Duration `yaml:"staleness_window"`
}

type RiskConfig struct {
	MaxPositionSize        float64       `yaml:"max_position_size"`
	MaxDailyDrawdown       float64       `yaml:"max_daily_drawdown"`
	MaxPositionHoldingTime time.Duration `yaml:"max_position_holding_time"`
	MaxOpenPositions       int           `yaml:"max_open_positions"`
	MinNotionalUSD         float64       `yaml:"min_notional_usd"`
	HedgeTolerance         float64       `yaml:"hedge_tolerance"`
	DayEpochOffset         time.Duration `yaml:"day_epoch_offset"`
}

type ExecConfig struct {
	OrderTimeout   time.Duration `yaml:"order_timeout"`
	FillPoll       time.Duration `yaml:"fill_poll"`
	UnwindAttempts int           `yaml:"unwind_attempts"`
	UnwindBackoff  time.Duration `yaml:"unwind_backoff"`
	UnwindWindow   time.Duration `yaml:"unwind_window"`
	CloseAttempts  int           `yaml:"close_attempts"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, Validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 7
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8000"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/funding-arb-bot.db"
	}
	applyExchangeDefaults(&cfg.Exchanges.Binance, "https://fapi.binance.com", "wss://fstream.binance.com")
	applyExchangeDefaults(&cfg.Exchanges.Bybit, "https://api.bybit.com", "wss://stream.bybit.com/v5/public/linear")
	if cfg.Strategy.EvalInterval == 0 {
		cfg.Strategy.EvalInterval = 10 * time.Second
	}
	if cfg.Strategy.StalenessWindow == 0 {
		cfg.Strategy.StalenessWindow = 5 * time.Minute
	}
	if cfg.Strategy.NotionalUSD == 0 {
		cfg.Strategy.NotionalUSD = 1000
	}
	if cfg.Risk.MaxPositionSize == 0 {
		cfg.Risk.MaxPositionSize = 10000
	}
	if cfg.Risk.MaxDailyDrawdown == 0 {
		cfg.Risk.MaxDailyDrawdown = 500
	}
	if cfg.Risk.MaxPositionHoldingTime == 0 {
		cfg.Risk.MaxPositionHoldingTime = 24 * time.Hour
	}
	if cfg.Risk.MaxOpenPositions == 0 {
		cfg.Risk.MaxOpenPositions = 5
	}
	if cfg.Risk.MinNotionalUSD == 0 {
		cfg.Risk.MinNotionalUSD = 100
	}
	if cfg.Risk.HedgeTolerance == 0 {
		cfg.Risk.HedgeTolerance = 0.001
	}
	if cfg.Exec.OrderTimeout == 0 {
		cfg.Exec.OrderTimeout = 10 * time.Second
	}
	if cfg.Exec.FillPoll == 0 {
		cfg.Exec.FillPoll = 500 * time.Millisecond
	}
	if cfg.Exec.UnwindAttempts == 0 {
		cfg.Exec.UnwindAttempts = 3
	}
	if cfg.Exec.UnwindBackoff == 0 {
		cfg.Exec.UnwindBackoff = 2 * time.Second
	}
	if cfg.Exec.UnwindWindow == 0 {
		cfg.Exec.UnwindWindow = 60 * time.Second
	}
	if cfg.Exec.CloseAttempts == 0 {
		cfg.Exec.CloseAttempts = 3
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func applyExchangeDefaults(ex *ExchangeConfig, baseURL, streamURL string) {
	if ex.BaseURL == "" {
		ex.BaseURL = baseURL
	}
	if ex.StreamURL == "" {
		ex.StreamURL = streamURL
	}
	if ex.Timeout == 0 {
		ex.Timeout = 10 * time.Second
	}
	if ex.RatePerSec == 0 {
		ex.RatePerSec = 5
	}
	if ex.PollInterval == 0 {
		ex.PollInterval = 30 * time.Second
	}
}

// Validate rejects configurations that would start trading with unusable
// thresholds. Runs at startup before any position activity.
func Validate(cfg *Config) error {
	if len(cfg.Strategy.Combinations) == 0 {
		return errors.New("strategy.combinations is required")
	}
	seen := make(map[string]struct{}, len(cfg.Strategy.Combinations))
	for i, combo := range cfg.Strategy.Combinations {
		if combo.ExchangeA == "" || combo.SymbolA == "" || combo.ExchangeB == "" || combo.SymbolB == "" {
			return fmt.Errorf("strategy.combinations[%d] is incomplete", i)
		}
		if strings.EqualFold(combo.ExchangeA, combo.ExchangeB) {
			return fmt.Errorf("strategy.combinations[%d] uses the same venue on both sides", i)
		}
		if _, dup := seen[combo.Key()]; dup {
			return fmt.Errorf("strategy.combinations[%d] duplicates %s", i, combo.Key())
		}
		seen[combo.Key()] = struct{}{}
	}
	if cfg.Strategy.MinFundingRateDiff <= 0 {
		return errors.New("strategy.min_funding_rate_diff must be > 0")
	}
	if cfg.Strategy.ExitFundingRateDiff < 0 {
		return errors.New("strategy.exit_funding_rate_diff must be >= 0")
	}
	if cfg.Strategy.ExitFundingRateDiff >= cfg.Strategy.MinFundingRateDiff {
		return errors.New("strategy.exit_funding_rate_diff must be below min_funding_rate_diff")
	}
	if cfg.Strategy.NotionalUSD <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if cfg.Strategy.NotionalUSD > cfg.Risk.MaxPositionSize {
		return errors.New("strategy.notional_usd exceeds risk.max_position_size")
	}
	if cfg.Risk.MaxDailyDrawdown <= 0 {
		return errors.New("risk.max_daily_drawdown must be > 0")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
