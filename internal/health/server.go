// Package health exposes the operational HTTP surface: liveness, open
// positions, latest funding rates, Prometheus metrics and the operator
// resume controls.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
)

// PairResumer is the coordinator surface the operator endpoints need:
// listing halted venue pairs and clearing a halt after manual
// reconciliation.
type PairResumer interface {
	HaltedPairs() map[string]string
	ResumePair(pairKey string)
}

type Server struct {
	srv      *http.Server
	registry *position.Registry
	rates    *market.RateStore
	riskMgr  *risk.Manager
	pairs    PairResumer
	log      *zap.Logger
	started  time.Time
}

func NewServer(addr string, registry *position.Registry, rates *market.RateStore, riskMgr *risk.Manager, pairs PairResumer, metricsHandler http.Handler, log *zap.Logger) *Server {
	s := &Server{
		registry: registry,
		rates:    rates,
		riskMgr:  riskMgr,
		pairs:    pairs,
		log:      log,
		started:  time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/funding_rates", s.handleRates)
	mux.HandleFunc("/halts", s.handleHalts)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/resume_pair", s.handleResumePair)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("api server listening", zap.String("addr", s.srv.Addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type healthResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ActivePositions int     `json:"active_positions"`
	DailyPnl        float64 `json:"daily_pnl"`
	TradingHalted   bool    `json:"trading_halted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		UptimeSeconds:   now.Sub(s.started).Seconds(),
		ActivePositions: len(s.registry.ListActive()),
		DailyPnl:        s.riskMgr.DailyPnl(now),
		TradingHalted:   s.riskMgr.Halted(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.registry.ListActive()
	if positions == nil {
		positions = []position.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

type haltsResponse struct {
	TradingHalted bool              `json:"trading_halted"`
	HaltedPairs   map[string]string `json:"halted_pairs"`
}

func (s *Server) handleHalts(w http.ResponseWriter, r *http.Request) {
	resp := haltsResponse{
		TradingHalted: s.riskMgr.Halted(),
		HaltedPairs:   map[string]string{},
	}
	if s.pairs != nil {
		resp.HaltedPairs = s.pairs.HaltedPairs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResume clears the global trading halt. Used after an operator
// has reviewed a drawdown breach.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.riskMgr.Resume()
	s.log.Info("trading resumed by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleResumePair clears one venue-pair halt after the operator has
// reconciled any stuck orders on those venues.
func (s *Server) handleResumePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		http.Error(w, "pair query parameter is required", http.StatusBadRequest)
		return
	}
	if s.pairs == nil {
		http.Error(w, "pair control unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, halted := s.pairs.HaltedPairs()[pair]; !halted {
		http.Error(w, "pair is not halted", http.StatusNotFound)
		return
	}
	s.pairs.ResumePair(pair)
	s.log.Info("venue pair resumed by operator", zap.String("pair", pair))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "pair": pair})
}

type rateEntry struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Rate          float64   `json:"funding_rate"`
	MarkPrice     float64   `json:"mark_price"`
	IndexPrice    float64   `json:"index_price"`
	ObservedAt    time.Time `json:"observed_at"`
	NextFundingAt time.Time `json:"next_funding_at"`
	Stale         bool      `json:"stale"`
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	snap := s.rates.Snapshot(time.Now())
	entries := make([]rateEntry, 0, snap.Len())
	for _, sample := range snap.All() {
		_, fresh := snap.Fresh(sample.Exchange, sample.Symbol)
		entries = append(entries, rateEntry{
			Exchange:      sample.Exchange,
			Symbol:        sample.Symbol,
			Rate:          sample.Rate,
			MarkPrice:     sample.MarkPrice,
			IndexPrice:    sample.IndexPrice,
			ObservedAt:    sample.ObservedAt,
			NextFundingAt: sample.NextFundingAt,
			Stale:         !fresh,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
