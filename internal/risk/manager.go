// Package risk enforces global exposure and drawdown limits. Every
// entry passes through AuthorizeEntry before any order is placed, and
// the check reserves the exposure it approves in the same critical
// section, so two concurrent entries can never both clear a limit that
// only has room for one.
package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
)

// DenyReason explains why AuthorizeEntry rejected a proposal.
type DenyReason string

const (
	DenyNone             DenyReason = ""
	DenyHalted           DenyReason = "trading halted"
	DenyDrawdown         DenyReason = "daily drawdown limit breached"
	DenyExposure         DenyReason = "per-exchange exposure cap"
	DenyMaxPositions     DenyReason = "max open positions reached"
	DenyBelowMinNotional DenyReason = "notional below minimum"
)

// Reservation holds exposure against both venues of a proposed entry
// until the entry either fills (RecordFill) or fails (Release).
type Reservation struct {
	ExchangeA   string
	ExchangeB   string
	NotionalUSD float64

	mgr      *Manager
	released bool
}

type Manager struct {
	cfg config.RiskConfig
	log *zap.Logger

	mu               sync.Mutex
	dayEpoch         time.Time
	dailyRealizedPnl float64
	dailyUnrealized  float64
	openPositions    int
	exposure         map[string]float64 // per-exchange notional, reserved + filled
	halted           bool
}

func NewManager(cfg config.RiskConfig, log *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log,
		exposure: make(map[string]float64),
	}
}

// AuthorizeEntry decides whether a new hedged position of the given
// notional may be opened on the two exchanges, and if so reserves that
// notional on both until the caller resolves the reservation.
func (m *Manager) AuthorizeEntry(exchangeA, exchangeB string, notionalUSD float64, now time.Time) (*Reservation, DenyReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollEpochLocked(now)

	if m.halted {
		return nil, DenyHalted
	}
	if notionalUSD < m.cfg.MinNotionalUSD {
		return nil, DenyBelowMinNotional
	}
	if m.dailyPnlLocked() <= -m.cfg.MaxDailyDrawdown {
		return nil, DenyDrawdown
	}
	if m.openPositions >= m.cfg.MaxOpenPositions {
		return nil, DenyMaxPositions
	}
	for _, ex := range []string{exchangeA, exchangeB} {
		if m.exposure[ex]+notionalUSD > m.cfg.MaxPositionSize {
			return nil, DenyExposure
		}
	}

	m.exposure[exchangeA] += notionalUSD
	m.exposure[exchangeB] += notionalUSD
	m.openPositions++
	return &Reservation{
		ExchangeA:   exchangeA,
		ExchangeB:   exchangeB,
		NotionalUSD: notionalUSD,
		mgr:         m,
	}, DenyNone
}

// Release returns the reserved exposure after a failed or aborted
// entry. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.mgr == nil {
		return
	}
	r.mgr.mu.Lock()
	defer r.mgr.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.mgr.releaseLocked(r.ExchangeA, r.NotionalUSD)
	r.mgr.releaseLocked(r.ExchangeB, r.NotionalUSD)
	if r.mgr.openPositions > 0 {
		r.mgr.openPositions--
	}
}

// Commit converts the reservation into filled exposure. The exposure
// stays held; only the reservation's claim to release it is dropped.
func (r *Reservation) Commit() {
	if r == nil || r.mgr == nil {
		return
	}
	r.mgr.mu.Lock()
	defer r.mgr.mu.Unlock()
	r.released = true
}

// Restore re-books exposure for a position recovered from the journal
// after a restart. No limit checks apply, the exposure already exists
// on the venues.
func (m *Manager) Restore(exchangeA, exchangeB string, notionalUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure[exchangeA] += notionalUSD
	m.exposure[exchangeB] += notionalUSD
	m.openPositions++
}

// RecordClose releases the position's exposure and books its realized
// PnL against the daily total.
func (m *Manager) RecordClose(exchangeA, exchangeB string, notionalUSD, realizedPnl float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollEpochLocked(now)
	m.releaseLocked(exchangeA, notionalUSD)
	m.releaseLocked(exchangeB, notionalUSD)
	if m.openPositions > 0 {
		m.openPositions--
	}
	m.dailyRealizedPnl += realizedPnl
	if m.dailyPnlLocked() <= -m.cfg.MaxDailyDrawdown {
		m.log.Warn("daily drawdown limit breached",
			zap.Float64("daily_pnl", m.dailyPnlLocked()),
			zap.Float64("limit", m.cfg.MaxDailyDrawdown))
	}
}

// SetUnrealized replaces the aggregate unrealized PnL across all open
// positions, as recomputed from the latest mark prices.
func (m *Manager) SetUnrealized(pnl float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollEpochLocked(now)
	m.dailyUnrealized = pnl
}

// DrawdownBreached reports whether combined daily PnL has crossed the
// configured limit.
func (m *Manager) DrawdownBreached(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollEpochLocked(now)
	return m.dailyPnlLocked() <= -m.cfg.MaxDailyDrawdown
}

// Halt stops all future entries until Resume or the next daily epoch.
// Exits stay allowed.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halted {
		m.log.Warn("trading halted", zap.String("reason", reason))
	}
	m.halted = true
}

func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = false
}

func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// DailyPnl returns realized plus unrealized PnL for the current epoch.
func (m *Manager) DailyPnl(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollEpochLocked(now)
	return m.dailyPnlLocked()
}

func (m *Manager) Exposure(exchange string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure[exchange]
}

func (m *Manager) OpenPositions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openPositions
}

func (m *Manager) dailyPnlLocked() float64 {
	return m.dailyRealizedPnl + m.dailyUnrealized
}

func (m *Manager) releaseLocked(exchange string, notionalUSD float64) {
	m.exposure[exchange] -= notionalUSD
	if m.exposure[exchange] < 0 {
		m.exposure[exchange] = 0
	}
}

// rollEpochLocked resets daily counters when now crosses into a new
// trading day. Days start at UTC midnight plus the configured offset.
func (m *Manager) rollEpochLocked(now time.Time) {
	epoch := dayEpoch(now, m.cfg.DayEpochOffset)
	if m.dayEpoch.IsZero() {
		m.dayEpoch = epoch
		return
	}
	if epoch.After(m.dayEpoch) {
		m.log.Info("daily risk epoch rolled",
			zap.Time("epoch", epoch),
			zap.Float64("closed_day_pnl", m.dailyPnlLocked()),
			zap.Bool("halt_cleared", m.halted))
		m.dayEpoch = epoch
		m.dailyRealizedPnl = 0
		m.dailyUnrealized = 0
		// A drawdown halt guards the day's budget; the new day gets a
		// fresh one.
		m.halted = false
	}
}

func dayEpoch(now time.Time, offset time.Duration) time.Time {
	shifted := now.UTC().Add(-offset)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(offset)
}

func (d DenyReason) Error() string {
	return fmt.Sprintf("entry denied: %s", string(d))
}
