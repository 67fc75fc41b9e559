// Package alert notifies humans about position outcomes.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/diamondsteel259/trading-bot/internal/core"
)

// Notifier delivers one message to one destination
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Manager fans position events out to every registered notifier. Delivery is
// best effort; a failing notifier is logged and never blocks trading.
type Manager struct {
	notifiers []Notifier
	logger    core.ILogger
	timeout   time.Duration
}

// NewManager creates an alert manager
func NewManager(logger core.ILogger, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.WithField("component", "alerts"),
		timeout:   10 * time.Second,
	}
}

// PositionClosed announces a completed round trip
func (m *Manager) PositionClosed(p *core.Position) {
	m.send(fmt.Sprintf("Position closed: %s %s qty %s entry %s pnl %s",
		p.Pair, p.Side, p.Quantity, p.EntryPrice, p.RealizedPnL))
}

// PositionFailed announces a position that needs human attention
func (m *Manager) PositionFailed(p *core.Position) {
	m.send(fmt.Sprintf("Position FAILED: %s %s reason: %s", p.Pair, p.ID, p.FailReason))
}

// BotStarted announces startup with the reconciliation outcome
func (m *Manager) BotStarted(openPositions, repaired int) {
	msg := fmt.Sprintf("Bot started, %d open position(s) restored", openPositions)
	if repaired > 0 {
		msg += fmt.Sprintf(", %d repaired during reconciliation", repaired)
	}
	m.send(msg)
}

// BotStopping announces shutdown
func (m *Manager) BotStopping() {
	m.send("Bot shutting down")
}

func (m *Manager) send(message string) {
	for _, n := range m.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := n.Notify(ctx, message); err != nil {
				m.logger.Warn("Alert delivery failed", "error", err)
			}
		}(n)
	}
}
