// Package alerts pushes operator notifications for the position
// lifecycle events that need a human looking at them.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/position"
)

// Sender is anything that can deliver one message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier turns registry transitions and risk events into messages.
// Delivery failures are logged and dropped; alerting never blocks the
// trading path.
type Notifier struct {
	sender  Sender
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	return &Notifier{sender: sender, log: log, timeout: 10 * time.Second}
}

// Wait blocks until every in-flight delivery has finished. Called on
// shutdown so pending alerts still go out.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// OnTransition is registered as a registry observer. Only events an
// operator may need to act on produce a message.
func (n *Notifier) OnTransition(rec position.TransitionRecord) {
	var msg string
	switch rec.To {
	case position.StatusOpen:
		msg = fmt.Sprintf("position open: %s (%s)", rec.PositionID, rec.CombinationKey)
	case position.StatusClosed:
		msg = fmt.Sprintf("position closed: %s (%s) pnl %.2f USD", rec.PositionID, rec.CombinationKey, rec.RealizedPnl)
	case position.StatusAborted:
		msg = fmt.Sprintf("entry aborted: %s (%s), leg unwound", rec.PositionID, rec.CombinationKey)
	case position.StatusUnwindFailed:
		msg = fmt.Sprintf("UNWIND FAILED: %s (%s) holds a naked leg, venue pair halted, manual action required", rec.PositionID, rec.CombinationKey)
	case position.StatusPartiallyClosed:
		msg = fmt.Sprintf("PARTIAL CLOSE: %s (%s) has one leg still open, manual action required", rec.PositionID, rec.CombinationKey)
	default:
		return
	}
	n.deliver(msg)
}

func (n *Notifier) DrawdownBreach(dailyPnl, limit float64) {
	n.deliver(fmt.Sprintf("DRAWDOWN BREACH: daily pnl %.2f USD beyond limit %.2f USD, forcing all positions closed", dailyPnl, limit))
}

func (n *Notifier) TradingHalted(reason string) {
	n.deliver("trading halted: " + reason)
}

// deliver hands the message off to its own goroutine. Observers fire
// inside the order protocol, and a slow Telegram round trip must not
// stall a leg sequence.
func (n *Notifier) deliver(msg string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sender.Send(ctx, msg); err != nil {
			n.log.Warn("alert delivery failed", zap.String("message", msg), zap.Error(err))
		}
	}()
}
