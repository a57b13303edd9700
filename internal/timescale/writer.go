// Package timescale archives funding rates and position transitions to
// TimescaleDB for offline analysis. Writes are asynchronous and lossy
// under backpressure; the trading path never blocks on the database.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	rates       chan market.FundingRateSample
	transitions chan position.TransitionRecord
	started     atomic.Bool
	dropRate    atomic.Uint64
	dropTrans   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:          db,
		log:         log,
		schema:      schema,
		rates:       make(chan market.FundingRateSample, queueSize),
		transitions: make(chan position.TransitionRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRate(sample market.FundingRateSample) {
	if w == nil {
		return
	}
	select {
	case w.rates <- sample:
		return
	default:
		if w.dropRate.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale rate queue full")
		}
	}
}

// EnqueueTransition has the registry observer signature, so a non-nil
// writer can be registered directly with Registry.Observe.
func (w *Writer) EnqueueTransition(rec position.TransitionRecord) {
	if w == nil {
		return
	}
	select {
	case w.transitions <- rec:
		return
	default:
		if w.dropTrans.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale transition queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.rates:
			w.writeRate(ctx, sample)
		case rec := <-w.transitions:
			w.writeTransition(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		index_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		next_funding_at TIMESTAMPTZ,
		PRIMARY KEY (ts, exchange, symbol)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		combination TEXT NOT NULL,
		event TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("position_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_rates"))); err != nil && w.log != nil {
		w.log.Warn("timescale funding_rates hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_transitions"))); err != nil && w.log != nil {
		w.log.Warn("timescale position_transitions hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeRate(ctx context.Context, sample market.FundingRateSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, exchange, symbol, funding_rate, mark_price, index_price, next_funding_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (ts, exchange, symbol) DO NOTHING`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.ObservedAt,
		sample.Exchange,
		sample.Symbol,
		sample.Rate,
		sample.MarkPrice,
		sample.IndexPrice,
		sample.NextFundingAt,
	); err != nil && w.log != nil {
		w.log.Warn("timescale rate insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTransition(ctx context.Context, rec position.TransitionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, combination, event, from_status, to_status, realized_pnl
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("position_transitions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.At,
		rec.PositionID,
		rec.CombinationKey,
		string(rec.Event),
		string(rec.From),
		string(rec.To),
		rec.RealizedPnl,
	); err != nil && w.log != nil {
		w.log.Warn("timescale transition insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
