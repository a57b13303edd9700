package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/exchange/binance"
	"funding-arb-bot/internal/exchange/bybit"
	"funding-arb-bot/internal/exec"
	"funding-arb-bot/internal/health"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
	"funding-arb-bot/internal/strategy"
	"funding-arb-bot/internal/timescale"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("bot terminated", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	gateways, err := buildGateways(cfg, log)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.State.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	journal := state.NewJournal(store)

	prom := metrics.NewPrometheus()
	registry := position.NewRegistry(cfg.Risk.HedgeTolerance)
	riskMgr := risk.NewManager(cfg.Risk, log)
	rates := market.NewRateStore(cfg.Strategy.StalenessWindow)
	evaluator := strategy.NewEvaluator(cfg.Strategy, cfg.Risk.MaxPositionHoldingTime)
	coord := exec.NewCoordinator(gateways, registry, journal, riskMgr, cfg.Exec, log,
		exec.WithMetrics(prom.Metrics))

	notifier := alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log), log)
	defer notifier.Wait()
	registry.Observe(notifier.OnTransition)

	eng := engine.New(cfg, rates, registry, coord, evaluator, riskMgr, prom.Metrics, notifier, gateways, log)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	if writer != nil {
		defer writer.Close()
		registry.Observe(writer.EnqueueTransition)
		eng.RateSink = writer.EnqueueRate
	}

	if err := eng.Recover(ctx, journal); err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}

	server := health.NewServer(cfg.API.Addr, registry, rates, riskMgr, coord, prom.Handler(), log)

	g, gctx := errgroup.WithContext(ctx)
	writer.Start(gctx)
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Exchanges.Binance.Enabled {
		symbols := binanceSymbols(cfg)
		if len(symbols) > 0 {
			g.Go(func() error {
				return binance.Stream(gctx, cfg.Exchanges.Binance.StreamURL, symbols, rates, log)
			})
		}
	}
	g.Go(func() error { return eng.Run(gctx) })

	log.Info("bot started",
		zap.String("api_addr", cfg.API.Addr),
		zap.Int("combinations", len(cfg.Strategy.Combinations)))
	return g.Wait()
}

func buildGateways(cfg *config.Config, log *zap.Logger) (map[string]exchange.Gateway, error) {
	gateways := make(map[string]exchange.Gateway)
	if cfg.Exchanges.Binance.Enabled {
		gateways["binance"] = binance.New(cfg.Exchanges.Binance,
			os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"), log)
	}
	if cfg.Exchanges.Bybit.Enabled {
		gateways["bybit"] = bybit.New(cfg.Exchanges.Bybit,
			os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET"), log)
	}
	for _, combo := range cfg.Strategy.Combinations {
		for _, name := range []string{combo.ExchangeA, combo.ExchangeB} {
			if _, ok := gateways[name]; !ok {
				return nil, fmt.Errorf("combination %s needs exchange %q which is not enabled", combo.Key(), name)
			}
		}
	}
	return gateways, nil
}

func binanceSymbols(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, combo := range cfg.Strategy.Combinations {
		for _, pair := range [][2]string{{combo.ExchangeA, combo.SymbolA}, {combo.ExchangeB, combo.SymbolB}} {
			if pair[0] != "binance" {
				continue
			}
			if _, ok := seen[pair[1]]; !ok {
				seen[pair[1]] = struct{}{}
				out = append(out, pair[1])
			}
		}
	}
	return out
}
