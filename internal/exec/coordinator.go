// Package exec drives the two-leg order protocol. The coordinator is
// the only component that talks to exchange gateways for trading; it
// reports every leg result to the position registry and never mutates
// position status itself.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/exchange"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/state"
)

var (
	ErrPairHalted     = errors.New("exec: venue pair halted")
	ErrUnknownGateway = errors.New("exec: no gateway for exchange")
	ErrNotOpen        = errors.New("exec: position is not open")
	// ErrOutcomeUnknown means an order reached the venue but its final
	// state could not be read back. The order may be live or filled, so
	// callers must never treat the leg as dead.
	ErrOutcomeUnknown = errors.New("exec: order outcome unknown")
)

// reconcileAttempts bounds the post-cancel status reads before an order
// is declared unknown.
const reconcileAttempts = 3

// EntryPlan is a fully authorized entry: the evaluator picked the
// hedge direction and the risk manager already reserved the exposure.
type EntryPlan struct {
	CombinationKey string
	LongExchange   string
	LongSymbol     string
	ShortExchange  string
	ShortSymbol    string
	NotionalUSD    float64
	EntrySpread    float64
	Reservation    *risk.Reservation
}

type Coordinator struct {
	gateways map[string]exchange.Gateway
	registry *position.Registry
	journal  *state.Journal
	riskMgr  *risk.Manager
	cfg      config.ExecConfig
	log      *zap.Logger
	metrics  *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	mu          sync.Mutex
	haltedPairs map[string]string // pair key -> reason
}

type Option func(*Coordinator)

// WithClock replaces wall-clock time and sleeping, which makes replay
// deterministic.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		c.now = now
		c.sleep = sleep
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithMetrics wires order and unwind counters. Without it the
// coordinator counts into no-op metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(gateways map[string]exchange.Gateway, registry *position.Registry, journal *state.Journal, riskMgr *risk.Manager, cfg config.ExecConfig, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateways:    gateways,
		registry:    registry,
		journal:     journal,
		riskMgr:     riskMgr,
		cfg:         cfg,
		log:         log,
		metrics:     metrics.NewNoop(),
		now:         time.Now,
		newID:       uuid.NewString,
		haltedPairs: make(map[string]string),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenPosition runs the sequential entry protocol: leg A (the long
// side) first, then leg B sized to leg A's actual fill. A leg B
// failure unwinds leg A before anything else happens.
func (c *Coordinator) OpenPosition(ctx context.Context, plan EntryPlan) (position.Position, error) {
	pairKey := PairKey(plan.LongExchange, plan.ShortExchange)
	if reason, halted := c.pairHalted(pairKey); halted {
		plan.Reservation.Release()
		return position.Position{}, fmt.Errorf("%w: %s (%s)", ErrPairHalted, pairKey, reason)
	}
	if _, err := c.gateway(plan.LongExchange); err != nil {
		plan.Reservation.Release()
		return position.Position{}, err
	}
	if _, err := c.gateway(plan.ShortExchange); err != nil {
		plan.Reservation.Release()
		return position.Position{}, err
	}

	now := c.now()
	p := position.Position{
		ID:             c.newID(),
		CombinationKey: plan.CombinationKey,
		Status:         position.StatusProposed,
		EntrySpread:    plan.EntrySpread,
		ProposedAt:     now,
		Legs: [2]position.Leg{
			{
				Exchange:    plan.LongExchange,
				Symbol:      plan.LongSymbol,
				Side:        position.SideLong,
				NotionalUSD: plan.NotionalUSD,
				Status:      position.LegPending,
			},
			{
				Exchange:    plan.ShortExchange,
				Symbol:      plan.ShortSymbol,
				Side:        position.SideShort,
				NotionalUSD: plan.NotionalUSD,
				Status:      position.LegPending,
			},
		},
	}
	if err := c.registry.Create(p); err != nil {
		plan.Reservation.Release()
		return position.Position{}, err
	}
	c.journalPosition(ctx, p)

	p, err := c.report(ctx, p.ID, position.Outcome{Event: position.EventOpenLegA, At: c.now(), LegIndex: -1})
	if err != nil {
		plan.Reservation.Release()
		return p, err
	}

	legA, err := c.fillLeg(ctx, p.Legs[0], false)
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			return c.escalateUnknown(ctx, p, pairKey, 0, legA, err)
		}
		c.log.Warn("entry leg A failed",
			zap.String("position", p.ID),
			zap.String("exchange", p.Legs[0].Exchange),
			zap.Error(err))
		p, rerr := c.report(ctx, p.ID, position.Outcome{Event: position.EventLegAFailed, At: c.now(), LegIndex: 0, Leg: legA})
		plan.Reservation.Release()
		if rerr != nil {
			return p, rerr
		}
		return p, err
	}
	p, err = c.report(ctx, p.ID, position.Outcome{Event: position.EventLegAFilled, At: c.now(), LegIndex: 0, Leg: legA})
	if err != nil {
		plan.Reservation.Release()
		return p, err
	}

	// Leg B matches leg A's filled notional, not the planned one, so a
	// partial leg A fill still produces a neutral hedge.
	legBReq := p.Legs[1]
	legBReq.NotionalUSD = legA.NotionalUSD
	legB, err := c.fillLeg(ctx, legBReq, false)
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			// Leg B may have filled, so unwinding leg A could turn a
			// complete hedge into a naked short.
			return c.escalateUnknown(ctx, p, pairKey, 1, legB, err)
		}
		c.log.Warn("entry leg B failed, unwinding leg A",
			zap.String("position", p.ID),
			zap.String("exchange", legBReq.Exchange),
			zap.Error(err))
		p, rerr := c.report(ctx, p.ID, position.Outcome{Event: position.EventLegBFailed, At: c.now(), LegIndex: 1, Leg: legB})
		if rerr != nil {
			plan.Reservation.Release()
			return p, rerr
		}
		return c.unwindLegA(ctx, p, plan, pairKey, err)
	}

	p, err = c.report(ctx, p.ID, position.Outcome{Event: position.EventLegBFilled, At: c.now(), LegIndex: 1, Leg: legB})
	if err != nil {
		if errors.Is(err, position.ErrHedgeViolation) {
			// Both venues hold fills but they do not offset. That is
			// live exposure, not an abortable entry.
			return c.escalateUnknown(ctx, p, pairKey, 1, legB, err)
		}
		plan.Reservation.Release()
		return p, err
	}
	plan.Reservation.Commit()
	c.log.Info("position open",
		zap.String("position", p.ID),
		zap.String("combination", p.CombinationKey),
		zap.Float64("notional_usd", legA.NotionalUSD),
		zap.Float64("entry_spread", p.EntrySpread))
	return p, nil
}

// ClosePosition exits an open position leg by leg. fundingAccrued is
// the funding PnL the caller has booked for the position's lifetime;
// it is added to the price PnL of the fills.
func (c *Coordinator) ClosePosition(ctx context.Context, id string, fundingAccrued float64, reason string) (position.Position, error) {
	p, err := c.registry.Get(id)
	if err != nil {
		return position.Position{}, err
	}
	if p.Status != position.StatusOpen {
		return p, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, p.Status)
	}
	c.log.Info("closing position",
		zap.String("position", id),
		zap.String("combination", p.CombinationKey),
		zap.String("reason", reason))

	p, err = c.report(ctx, id, position.Outcome{Event: position.EventCloseLegA, At: c.now(), LegIndex: -1})
	if err != nil {
		return p, err
	}

	legA, err := c.closeLeg(ctx, p.Legs[0])
	if err != nil {
		c.log.Error("close leg A stuck",
			zap.String("position", id),
			zap.String("exchange", p.Legs[0].Exchange),
			zap.Error(err))
		p, _ = c.report(ctx, id, position.Outcome{Event: position.EventCloseStuck, At: c.now(), LegIndex: -1})
		c.haltPair(PairKey(p.Legs[0].Exchange, p.Legs[1].Exchange), "close leg stuck on "+p.Legs[0].Exchange)
		return p, err
	}
	pnlA := legPnl(legA)
	p, err = c.report(ctx, id, position.Outcome{Event: position.EventLegAClosed, At: c.now(), LegIndex: 0, Leg: legA, RealizedPnl: pnlA})
	if err != nil {
		return p, err
	}

	legB, err := c.closeLeg(ctx, p.Legs[1])
	if err != nil {
		c.log.Error("close leg B stuck",
			zap.String("position", id),
			zap.String("exchange", p.Legs[1].Exchange),
			zap.Error(err))
		p, _ = c.report(ctx, id, position.Outcome{Event: position.EventCloseStuck, At: c.now(), LegIndex: -1})
		c.haltPair(PairKey(p.Legs[0].Exchange, p.Legs[1].Exchange), "close leg stuck on "+p.Legs[1].Exchange)
		return p, err
	}
	pnlB := legPnl(legB) + fundingAccrued
	p, err = c.report(ctx, id, position.Outcome{Event: position.EventLegBClosed, At: c.now(), LegIndex: 1, Leg: legB, RealizedPnl: pnlB})
	if err != nil {
		return p, err
	}

	c.riskMgr.RecordClose(p.Legs[0].Exchange, p.Legs[1].Exchange, p.Legs[0].NotionalUSD, p.RealizedPnl, c.now())
	c.log.Info("position closed",
		zap.String("position", id),
		zap.Float64("realized_pnl", p.RealizedPnl),
		zap.String("reason", reason))
	return p, nil
}

// HaltedPairs lists venue pairs currently excluded from trading, with
// the reason each was halted.
func (c *Coordinator) HaltedPairs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.haltedPairs))
	for k, v := range c.haltedPairs {
		out[k] = v
	}
	return out
}

// ResumePair clears a halt after an operator has reconciled the venue
// manually.
func (c *Coordinator) ResumePair(pairKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.haltedPairs, pairKey)
}

// PairKey is order-independent: (a,b) and (b,a) name the same pair.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// escalateUnknown parks an entry whose leg outcome could not be
// established. Releasing the reservation here would unbook exposure
// that may be live on the venue, so the reservation stays held, the
// pair is halted, and the position waits for operator reconciliation.
func (c *Coordinator) escalateUnknown(ctx context.Context, p position.Position, pairKey string, legIndex int, leg position.Leg, cause error) (position.Position, error) {
	p, rerr := c.report(ctx, p.ID, position.Outcome{Event: position.EventUnwindStuck, At: c.now(), LegIndex: legIndex, Leg: leg})
	if rerr != nil {
		return p, rerr
	}
	c.metrics.UnwindFailed.Inc()
	c.haltPair(pairKey, "order outcome unknown on "+leg.Exchange)
	c.log.Error("entry left in unknown state, venue pair halted",
		zap.String("position", p.ID),
		zap.String("pair", pairKey),
		zap.String("exchange", leg.Exchange),
		zap.Error(cause))
	return p, cause
}

func (c *Coordinator) unwindLegA(ctx context.Context, p position.Position, plan EntryPlan, pairKey string, cause error) (position.Position, error) {
	deadline := c.now().Add(c.cfg.UnwindWindow)
	backoff := c.cfg.UnwindBackoff
	var lastErr error
	for attempt := 0; attempt < c.cfg.UnwindAttempts; attempt++ {
		if c.now().After(deadline) {
			lastErr = fmt.Errorf("unwind window expired after %d attempts: %w", attempt, lastErr)
			break
		}
		leg, err := c.closeLeg(ctx, p.Legs[0])
		if err == nil {
			p, rerr := c.report(ctx, p.ID, position.Outcome{Event: position.EventUnwound, At: c.now(), LegIndex: 0, Leg: leg, RealizedPnl: legPnl(leg)})
			plan.Reservation.Release()
			if rerr != nil {
				return p, rerr
			}
			c.log.Warn("entry aborted, leg A unwound",
				zap.String("position", p.ID),
				zap.Error(cause))
			return p, cause
		}
		lastErr = err
		if serr := c.sleep(ctx, backoff); serr != nil {
			lastErr = serr
			break
		}
		backoff *= 2
	}

	p, rerr := c.report(ctx, p.ID, position.Outcome{Event: position.EventUnwindStuck, At: c.now(), LegIndex: -1})
	if rerr != nil {
		return p, rerr
	}
	// The reservation stays held: the naked leg is real exposure until
	// an operator flattens it.
	c.metrics.UnwindFailed.Inc()
	c.haltPair(pairKey, "unwind failed on "+p.Legs[0].Exchange)
	c.log.Error("unwind failed, venue pair halted",
		zap.String("position", p.ID),
		zap.String("pair", pairKey),
		zap.Error(lastErr))
	return p, fmt.Errorf("unwind failed: %w", lastErr)
}

// fillLeg places a leg's order and waits for the fill. The returned
// leg carries the venue's actual fill quantities and price.
func (c *Coordinator) fillLeg(ctx context.Context, leg position.Leg, reduceOnly bool) (position.Leg, error) {
	gw, err := c.gateway(leg.Exchange)
	if err != nil {
		return leg, err
	}
	coid := leg.ClientOrderID
	if coid == "" {
		coid = c.newID()
		leg.ClientOrderID = coid
	}
	side := leg.Side
	if reduceOnly {
		side = side.Opposite()
	}

	// An ack recorded for this id means a previous attempt reached the
	// venue; reconcile instead of resubmitting.
	if c.journal != nil {
		if _, acked, err := c.journal.OrderAck(ctx, coid); err == nil && acked {
			return c.awaitFill(ctx, gw, leg)
		}
	}

	res, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        leg.Symbol,
		Side:          side,
		NotionalUSD:   leg.NotionalUSD,
		ReduceOnly:    reduceOnly,
		ClientOrderID: coid,
	})
	if err != nil {
		leg.Status = position.LegRejected
		c.metrics.OrdersFailed.Inc()
		return leg, fmt.Errorf("place order on %s: %w", leg.Exchange, err)
	}
	c.metrics.OrdersPlaced.Inc()
	if c.journal != nil {
		if jerr := c.journal.RecordOrderAck(ctx, coid, res.ExchangeOrderID); jerr != nil {
			c.log.Warn("failed to persist order ack", zap.Error(jerr))
		}
	}
	if res.Status == exchange.OrderFilled {
		return c.filledLeg(leg, res), nil
	}
	if res.Status == exchange.OrderRejected {
		leg.Status = position.LegRejected
		c.metrics.OrdersFailed.Inc()
		return leg, fmt.Errorf("order rejected on %s: %w", leg.Exchange, exchange.ErrOrderRejected)
	}
	return c.awaitFill(ctx, gw, leg)
}

// awaitFill polls order status until it is final or the order timeout
// expires. On timeout the order is cancelled and the final state read
// back; the venue's answer is authoritative either way.
func (c *Coordinator) awaitFill(ctx context.Context, gw exchange.Gateway, leg position.Leg) (position.Leg, error) {
	deadline := c.now().Add(c.cfg.OrderTimeout)
	for {
		res, err := gw.OrderStatus(ctx, leg.Symbol, leg.ClientOrderID)
		if err == nil {
			switch res.Status {
			case exchange.OrderFilled:
				return c.filledLeg(leg, res), nil
			case exchange.OrderRejected:
				leg.Status = position.LegRejected
				c.metrics.OrdersFailed.Inc()
				return leg, fmt.Errorf("order rejected on %s: %w", leg.Exchange, exchange.ErrOrderRejected)
			case exchange.OrderCancelled:
				leg.Status = position.LegCancelled
				c.metrics.OrdersFailed.Inc()
				return leg, fmt.Errorf("order cancelled on %s", leg.Exchange)
			}
		} else {
			c.log.Warn("order status poll failed",
				zap.String("exchange", leg.Exchange),
				zap.String("client_order_id", leg.ClientOrderID),
				zap.Error(err))
		}
		if c.now().After(deadline) {
			return c.reconcileTimeout(ctx, gw, leg)
		}
		// The order is live on the venue at this point, so an aborted
		// wait is an unknown outcome, not a failure.
		if err := c.sleep(ctx, c.cfg.FillPoll); err != nil {
			leg.Status = position.LegPending
			return leg, fmt.Errorf("%w: %s poll aborted: %v", ErrOutcomeUnknown, leg.Exchange, err)
		}
	}
}

// reconcileTimeout resolves an order that did not fill in time. It
// cancels, then reads the final state back with bounded retries: the
// cancel may have raced a fill, and the venue's final word wins. When
// the venue stays unreachable the outcome is unknown and the caller
// must keep the exposure booked.
func (c *Coordinator) reconcileTimeout(ctx context.Context, gw exchange.Gateway, leg position.Leg) (position.Leg, error) {
	if err := gw.CancelOrder(ctx, leg.Symbol, leg.ClientOrderID); err != nil {
		c.log.Warn("cancel after timeout failed",
			zap.String("exchange", leg.Exchange),
			zap.String("client_order_id", leg.ClientOrderID),
			zap.Error(err))
	}
	backoff := c.cfg.FillPoll
	var lastErr error
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		res, err := gw.OrderStatus(ctx, leg.Symbol, leg.ClientOrderID)
		if err == nil {
			if res.Status == exchange.OrderFilled {
				return c.filledLeg(leg, res), nil
			}
			leg.Status = position.LegCancelled
			c.metrics.OrdersFailed.Inc()
			return leg, fmt.Errorf("order timed out on %s (final status %s)", leg.Exchange, res.Status)
		}
		lastErr = err
		c.log.Warn("reconcile status query failed",
			zap.String("exchange", leg.Exchange),
			zap.String("client_order_id", leg.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if serr := c.sleep(ctx, backoff); serr != nil {
			lastErr = serr
			break
		}
		backoff *= 2
	}
	leg.Status = position.LegPending
	return leg, fmt.Errorf("%w: %s after timeout: %v", ErrOutcomeUnknown, leg.Exchange, lastErr)
}

// closeLeg submits the reduce-only opposite order for a filled leg and
// returns the leg with its exit price set.
func (c *Coordinator) closeLeg(ctx context.Context, leg position.Leg) (position.Leg, error) {
	closing := leg
	closing.ClientOrderID = c.newID()
	var lastErr error
	backoff := c.cfg.UnwindBackoff
	attempts := c.cfg.CloseAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		filled, err := c.fillLeg(ctx, closing, true)
		if err == nil {
			out := leg
			out.ExitPrice = filled.EntryPrice
			out.Status = position.LegFilled
			return out, nil
		}
		lastErr = err
		// After an unknown outcome the order may still be live, so the
		// retry keeps the same id and reconciles through the journal
		// ack instead of submitting a second close. A definitive
		// failure gets a fresh id.
		if !errors.Is(err, ErrOutcomeUnknown) {
			closing.ClientOrderID = c.newID()
		}
		if attempt < attempts-1 {
			if serr := c.sleep(ctx, backoff); serr != nil {
				return leg, serr
			}
			backoff *= 2
		}
	}
	return leg, lastErr
}

func (c *Coordinator) report(ctx context.Context, id string, out position.Outcome) (position.Position, error) {
	p, err := c.registry.RecordTransition(id, out)
	if err != nil {
		return p, err
	}
	c.journalPosition(ctx, p)
	return p, nil
}

func (c *Coordinator) journalPosition(ctx context.Context, p position.Position) {
	if c.journal == nil {
		return
	}
	if err := c.journal.SavePosition(ctx, p); err != nil {
		c.log.Warn("failed to persist position",
			zap.String("position", p.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) gateway(exchangeName string) (exchange.Gateway, error) {
	gw, ok := c.gateways[exchangeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, exchangeName)
	}
	return gw, nil
}

func (c *Coordinator) pairHalted(pairKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.haltedPairs[pairKey]
	return reason, ok
}

func (c *Coordinator) haltPair(pairKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltedPairs[pairKey] = reason
}

func (c *Coordinator) filledLeg(leg position.Leg, res exchange.OrderResult) position.Leg {
	leg.Status = position.LegFilled
	leg.Quantity = res.FilledQuantity
	leg.EntryPrice = res.AvgFillPrice
	leg.FilledAt = c.now()
	if res.FilledNotionalUSD > 0 {
		leg.NotionalUSD = res.FilledNotionalUSD
	}
	return leg
}

// legPnl is the price PnL of a closed leg on its filled notional.
func legPnl(leg position.Leg) float64 {
	if leg.EntryPrice == 0 || leg.ExitPrice == 0 {
		return 0
	}
	move := (leg.ExitPrice - leg.EntryPrice) / leg.EntryPrice
	if leg.Side == position.SideShort {
		move = -move
	}
	return move * leg.NotionalUSD
}
