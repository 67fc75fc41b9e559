// Package recovery reconstructs true position state from the exchange after
// a restart.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/retry"
	"github.com/diamondsteel259/trading-bot/pkg/telemetry"
	"github.com/diamondsteel259/trading-bot/pkg/tradingutils"
)

// Config holds the parameters needed to recompute exit targets from fill data
type Config struct {
	TakeProfitPct float64
	StopLossPct   float64
	PriceDecimals map[string]int
	RetryPolicy   retry.Policy
}

// Reconciler maps every stored non-terminal position onto the nearest state
// consistent with what the exchange actually knows. It must finish before
// any Tick loop starts; a skipped pass risks duplicate order placement.
type Reconciler struct {
	cfg      Config
	store    core.PositionStore
	exchange core.Exchange
	logger   core.ILogger
	now      func() time.Time

	metrics  *telemetry.MetricsHolder
	repaired int
}

// New creates a reconciler
func New(cfg Config, store core.PositionStore, exchange core.Exchange, logger core.ILogger) *Reconciler {
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy
	}
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		exchange: exchange,
		logger:   logger.WithField("component", "reconciler"),
		now:      time.Now,
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// SetClock overrides the time source, for tests
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes the reconciliation pass, retrying the whole pass with backoff
// on transient failure. It returns the repaired open positions ready to hand
// to the engine.
func (r *Reconciler) Run(ctx context.Context) ([]*core.Position, error) {
	var open []*core.Position
	err := retry.Do(ctx, r.cfg.RetryPolicy, apperrors.IsRetryable, func() error {
		var passErr error
		open, passErr = r.pass(ctx)
		return passErr
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation failed: %w", err)
	}
	return open, nil
}

func (r *Reconciler) pass(ctx context.Context) ([]*core.Position, error) {
	positions, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	var open []*core.Position
	repaired := 0
	for _, p := range positions {
		if p.Status.Terminal() {
			continue
		}

		before := p.Status
		if err := r.reconcilePosition(ctx, p); err != nil {
			return nil, err
		}

		if p.Status != before {
			repaired++
			r.metrics.ReconcileRepairsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("pair", p.Pair),
				attribute.String("from", string(before)),
				attribute.String("to", string(p.Status)),
			))
			r.logger.Info("Position repaired", "position_id", p.ID, "pair", p.Pair,
				"from", before, "to", p.Status)
			if err := r.store.Save(ctx, p); err != nil {
				return nil, fmt.Errorf("failed to persist repaired position %s: %w", p.ID, err)
			}
		}

		if !p.Status.Terminal() {
			open = append(open, p)
		}
	}

	r.repaired = repaired
	r.logger.Info("Reconciliation complete", "open", len(open), "repaired", repaired)
	return open, nil
}

// RepairedCount reports how many positions the last completed pass repaired
func (r *Reconciler) RepairedCount() int {
	return r.repaired
}

func (r *Reconciler) reconcilePosition(ctx context.Context, p *core.Position) error {
	switch p.Status {
	case core.PositionPendingEntry:
		// Crash before the placement was acknowledged: the order id was
		// never recorded, so its outcome cannot be verified either way.
		r.fail(p, "entry placement unconfirmed after restart")
		return nil

	case core.PositionEntryOpen, core.PositionCancellingEntry:
		return r.reconcileEntry(ctx, p)

	case core.PositionActive:
		// Entry concluded and no exit order exists; nothing to verify.
		return nil

	case core.PositionPlacingExit, core.PositionClosingAtMarket:
		return r.reconcileExit(ctx, p)
	}
	return nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, p *core.Position) error {
	state, err := r.exchange.GetOrderStatus(ctx, p.Pair, p.EntryOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			p.EntryOrder.Status = core.OrderFailed
			r.fail(p, "entry order unknown to exchange")
			return nil
		}
		return err
	}

	now := r.now()
	switch state.Status {
	case core.OrderFilled:
		r.activate(p, state, now)

	case core.OrderCancelled:
		if state.FilledQuantity.Sign() > 0 {
			r.activatePartial(p, state, now)
			return nil
		}
		p.EntryOrder.Advance(core.OrderCancelled, now)
		if p.Status == core.PositionCancellingEntry {
			p.Transition(core.PositionCancelled)
			t := now
			p.ClosedAt = &t
		} else {
			r.fail(p, "entry order cancelled externally")
		}

	case core.OrderFailed:
		p.EntryOrder.Status = core.OrderFailed
		r.fail(p, "entry order failed at exchange")

	default:
		// Still resting; the engine's timers take it from here
		p.EntryOrder.Advance(state.Status, now)
	}
	return nil
}

func (r *Reconciler) reconcileExit(ctx context.Context, p *core.Position) error {
	// Intent was persisted but the order never went out; the engine will
	// place it on the first tick.
	if p.ExitOrder == nil || p.ExitOrder.ID == "" {
		return nil
	}

	state, err := r.exchange.GetOrderStatus(ctx, p.Pair, p.ExitOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			p.ExitOrder.Status = core.OrderFailed
			r.fail(p, "exit order unknown to exchange")
			return nil
		}
		return err
	}

	now := r.now()
	switch state.Status {
	case core.OrderFilled:
		p.ExitOrder.Advance(core.OrderFilled, now)
		p.RealizedPnL = tradingutils.RealizedPnL(p.EntryPrice, state.AvgFillPrice, p.Quantity)
		p.Transition(core.PositionClosed)
		t := now
		p.ClosedAt = &t

	case core.OrderCancelled:
		if p.Status == core.PositionClosingAtMarket && p.ExitOrder.Role == core.RoleTakeProfit {
			// A pre-empted take-profit whose market replacement never
			// went out; the engine places it on the first tick.
			p.ExitOrder = nil
			return nil
		}
		p.ExitOrder.Advance(core.OrderCancelled, now)
		r.fail(p, "exit order cancelled externally")

	case core.OrderFailed:
		p.ExitOrder.Status = core.OrderFailed
		r.fail(p, "exit order failed at exchange")

	default:
		p.ExitOrder.Advance(state.Status, now)
	}
	return nil
}

// activate maps a filled entry onto ACTIVE using the exchange's fill data,
// never the stale request
func (r *Reconciler) activate(p *core.Position, state *core.OrderState, now time.Time) {
	p.EntryOrder.Advance(core.OrderFilled, now)
	r.applyFill(p, state)
}

// activatePartial maps an entry cancelled after a partial fill onto ACTIVE.
// The order ends CANCELLED via PARTIALLY_FILLED to keep its status history
// forward-only.
func (r *Reconciler) activatePartial(p *core.Position, state *core.OrderState, now time.Time) {
	p.EntryOrder.Advance(core.OrderPartiallyFilled, now)
	p.EntryOrder.Advance(core.OrderCancelled, now)
	r.applyFill(p, state)
}

func (r *Reconciler) applyFill(p *core.Position, state *core.OrderState) {
	if !state.AvgFillPrice.IsZero() {
		p.EntryPrice = state.AvgFillPrice
	} else {
		p.EntryPrice = p.EntryOrder.Price
	}
	if state.FilledQuantity.Sign() > 0 {
		p.Quantity = state.FilledQuantity
	}
	decimals := r.priceDecimals(p.Pair)
	p.TakeProfitPrice = tradingutils.TakeProfitPrice(p.EntryPrice, r.cfg.TakeProfitPct, decimals)
	p.StopLossTrigger = tradingutils.StopLossPrice(p.EntryPrice, r.cfg.StopLossPct, decimals)
	p.Transition(core.PositionActive)
}

func (r *Reconciler) fail(p *core.Position, reason string) {
	p.Status = core.PositionFailed
	p.FailReason = reason
	t := r.now()
	p.ClosedAt = &t
}

func (r *Reconciler) priceDecimals(pair string) int {
	if d, ok := r.cfg.PriceDecimals[pair]; ok {
		return d
	}
	return 2
}
