// Package engine implements the position lifecycle state machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/telemetry"
	"github.com/diamondsteel259/trading-bot/pkg/tradingutils"
)

// OrderClient is the rate-limited order surface the engine drives. The
// trading/order Executor satisfies it.
type OrderClient interface {
	PlaceLimit(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error)
	PlaceMarket(ctx context.Context, pair string, side core.OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error)
	Cancel(ctx context.Context, pair, orderID string) error
	Status(ctx context.Context, pair, orderID string) (*core.OrderState, error)
}

// Config holds the lifecycle parameters
type Config struct {
	TakeProfitPct    float64
	StopLossPct      float64
	EntryTimeout     time.Duration
	MaxHold          time.Duration
	BaseTradeAmount  decimal.Decimal
	MaxDailyTrades   int
	MaxOpenPositions int
	PairDecimals     map[string]int
	PriceDecimals    map[string]int

	// Minimum interval between status polls for the same order; zero polls
	// on every tick.
	StatusPollInterval time.Duration
}

// Engine owns every open position and is the only writer of position state.
// The store holds the canonical copy: an intended transition is persisted
// before the exchange call it implies, and a failed persist aborts the call.
type Engine struct {
	cfg    Config
	store  core.PositionStore
	orders OrderClient
	logger core.ILogger
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]*core.Position // open positions by id
	byPair    map[string]string         // pair -> open position id
	locks     map[string]*sync.Mutex    // per-position serialization

	dailyDay   string
	dailyCount int
	dailyPnL   decimal.Decimal

	metrics *telemetry.MetricsHolder
	tracer  trace.Tracer

	transitionCounter metric.Int64Counter

	// terminalHook, when set, observes every position reaching a terminal
	// state. It runs outside the engine mutex and must not block.
	terminalHook func(*core.Position)
}

// New creates a lifecycle engine
func New(cfg Config, store core.PositionStore, orders OrderClient, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("lifecycle-engine")
	transitionCounter, _ := meter.Int64Counter("position_transitions_total",
		metric.WithDescription("Total position state transitions"))

	return &Engine{
		cfg:               cfg,
		store:             store,
		orders:            orders,
		logger:            logger.WithField("component", "engine"),
		now:               time.Now,
		positions:         make(map[string]*core.Position),
		byPair:            make(map[string]string),
		locks:             make(map[string]*sync.Mutex),
		metrics:           telemetry.GetGlobalMetrics(),
		tracer:            telemetry.GetTracer("lifecycle-engine"),
		transitionCounter: transitionCounter,
	}
}

// SetClock overrides the time source, for tests
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetTerminalHook registers an observer for positions reaching CLOSED,
// CANCELLED or FAILED. Call before any position activity starts.
func (e *Engine) SetTerminalHook(hook func(*core.Position)) {
	e.terminalHook = hook
}

// Restore loads reconciled positions into the working set. Terminal
// positions are ignored; they stay in the store for audit only.
func (e *Engine) Restore(positions []*core.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range positions {
		if p.Status.Terminal() {
			continue
		}
		if existing, ok := e.byPair[p.Pair]; ok {
			return fmt.Errorf("two open positions for %s: %s and %s", p.Pair, existing, p.ID)
		}
		cp := p.Clone()
		e.positions[cp.ID] = cp
		e.byPair[cp.Pair] = cp.ID
		e.locks[cp.ID] = &sync.Mutex{}
	}
	e.updateActiveMetrics()
	e.logger.Info("Positions restored", "open", len(e.positions))
	return nil
}

// OnSignal implements core.SignalHandler
func (e *Engine) OnSignal(ctx context.Context, sig core.Signal) error {
	_, err := e.OpenPosition(ctx, sig.Pair, core.SideBuy, sig.ReferencePrice, e.cfg.BaseTradeAmount)
	return err
}

// OpenPosition creates a position and places its entry order. The position
// is durably recorded as PENDING_ENTRY before anything touches the
// exchange; a crash after that point is repaired by reconciliation.
func (e *Engine) OpenPosition(ctx context.Context, pair string, side core.OrderSide, referencePrice, budget decimal.Decimal) (*core.Position, error) {
	ctx, span := e.tracer.Start(ctx, "OpenPosition",
		trace.WithAttributes(attribute.String("pair", pair)),
	)
	defer span.End()

	now := e.now()

	if referencePrice.Sign() <= 0 || budget.Sign() <= 0 {
		return nil, fmt.Errorf("%w: reference price and budget must be positive", apperrors.ErrInvalidOrderParameter)
	}

	price := tradingutils.RoundPrice(referencePrice, e.priceDecimals(pair))
	quantity := tradingutils.QuantityForBudget(budget, price, e.pairDecimals(pair))
	if quantity.Sign() <= 0 {
		return nil, fmt.Errorf("%w: budget %s too small at price %s", apperrors.ErrInvalidOrderParameter, budget, price)
	}

	p := &core.Position{
		ID:   uuid.NewString(),
		Pair: pair,
		Side: side,
		EntryOrder: &core.Order{
			Pair:      pair,
			Role:      core.RoleEntry,
			Side:      side,
			Price:     price,
			Quantity:  quantity,
			Status:    core.OrderPlacing,
			CreatedAt: now,
		},
		TakeProfitPrice: tradingutils.TakeProfitPrice(price, e.cfg.TakeProfitPct, e.priceDecimals(pair)),
		StopLossTrigger: tradingutils.StopLossPrice(price, e.cfg.StopLossPct, e.priceDecimals(pair)),
		Quantity:        quantity,
		OpenedAt:        now,
		Status:          core.PositionPendingEntry,
	}

	// Reserve the pair and the daily budget before anything durable or
	// external happens; concurrent signals for the same pair lose here.
	lock := &sync.Mutex{}
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	if id, ok := e.byPair[pair]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: position %s already open for %s", apperrors.ErrSignalRejected, id, pair)
	}
	e.rollDailyWindowLocked(now)
	if e.dailyCount >= e.cfg.MaxDailyTrades {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d trades today", apperrors.ErrDailyLimitReached, e.dailyCount)
	}
	if e.cfg.MaxOpenPositions > 0 && len(e.positions) >= e.cfg.MaxOpenPositions {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d positions open", apperrors.ErrSignalRejected, len(e.positions))
	}
	e.positions[p.ID] = p
	e.byPair[pair] = p.ID
	e.locks[p.ID] = lock
	e.dailyCount++
	e.metrics.SetDailyTrades(int64(e.dailyCount))
	e.mu.Unlock()

	// Write-ahead: the position must survive a crash that happens while
	// the placement is in flight.
	if err := e.store.Save(ctx, p); err != nil {
		e.metrics.StoreWriteFailures.Add(ctx, 1)
		e.mu.Lock()
		delete(e.positions, p.ID)
		delete(e.byPair, pair)
		delete(e.locks, p.ID)
		e.dailyCount--
		e.metrics.SetDailyTrades(int64(e.dailyCount))
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist new position: %w", err)
	}
	e.refreshPairGauge(pair)

	orderID, err := e.orders.PlaceLimit(ctx, pair, side, quantity, price, true)
	if err != nil {
		e.logger.Error("Entry placement failed", "pair", pair, "position_id", p.ID, "error", err.Error())
		work := p.Clone()
		work.EntryOrder.Status = core.OrderFailed
		work.FailReason = fmt.Sprintf("entry placement failed: %v", err)
		e.toTerminal(work, core.PositionFailed, now)
		e.persistObservation(ctx, work)
		e.commit(work)
		// Only entries that reached the book count against the daily budget
		e.mu.Lock()
		e.rollDailyWindowLocked(now)
		if e.dailyCount > 0 {
			e.dailyCount--
		}
		e.metrics.SetDailyTrades(int64(e.dailyCount))
		e.mu.Unlock()
		return nil, err
	}

	work := p.Clone()
	work.EntryOrder.ID = orderID
	work.EntryOrder.Advance(core.OrderOpen, now)
	work.Transition(core.PositionEntryOpen)
	e.persistObservation(ctx, work)
	e.commit(work)

	e.metrics.PositionsOpenedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("pair", pair)))
	e.logger.Info("Position opened", "pair", pair, "position_id", work.ID,
		"entry_price", price, "quantity", quantity,
		"take_profit", work.TakeProfitPrice, "stop_loss", work.StopLossTrigger)
	return work.Clone(), nil
}

// Tick advances the open position on pair by at most one transition.
// livePrice may be zero, in which case only polls and timers run.
func (e *Engine) Tick(ctx context.Context, now time.Time, pair string, livePrice decimal.Decimal) error {
	e.mu.Lock()
	id, ok := e.byPair[pair]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	lock := e.locks[id]
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	p, ok := e.positions[id]
	e.mu.Unlock()
	if !ok || p.Status.Terminal() {
		return nil
	}

	work := p.Clone()
	var err error
	switch work.Status {
	case core.PositionEntryOpen:
		err = e.tickEntryOpen(ctx, now, work)
	case core.PositionCancellingEntry:
		err = e.tickCancellingEntry(ctx, now, work)
	case core.PositionActive:
		err = e.tickActive(ctx, now, work, livePrice)
	case core.PositionPlacingExit:
		err = e.tickPlacingExit(ctx, now, work, livePrice)
	case core.PositionClosingAtMarket:
		err = e.tickClosingAtMarket(ctx, now, work)
	default:
		// PENDING_ENTRY only exists transiently inside OpenPosition
		return nil
	}
	return err
}

// TickAll runs a sweep over every open position without price context
func (e *Engine) TickAll(ctx context.Context, now time.Time) {
	for _, pair := range e.OpenPairs() {
		if err := e.Tick(ctx, now, pair, decimal.Zero); err != nil {
			e.logger.Warn("Sweep tick failed", "pair", pair, "error", err.Error())
		}
	}
}

// OpenPairs returns the pairs that currently hold an open position
func (e *Engine) OpenPairs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	pairs := make([]string, 0, len(e.byPair))
	for pair := range e.byPair {
		pairs = append(pairs, pair)
	}
	return pairs
}

// Position returns a clone of an open position, or nil
func (e *Engine) Position(id string) *core.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.positions[id]; ok {
		return p.Clone()
	}
	return nil
}

// PositionForPair returns a clone of the open position on pair, or nil
func (e *Engine) PositionForPair(pair string) *core.Position {
	e.mu.Lock()
	id, ok := e.byPair[pair]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	p := e.positions[id]
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Clone()
}

// Stats summarizes the engine state
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	byStatus := make(map[string]int)
	for _, p := range e.positions {
		byStatus[string(p.Status)]++
	}
	return map[string]interface{}{
		"open_positions": len(e.positions),
		"by_status":      byStatus,
		"daily_trades":   e.dailyCount,
		"daily_pnl":      e.dailyPnL.String(),
	}
}

// --- per-state handlers ---

func (e *Engine) tickEntryOpen(ctx context.Context, now time.Time, work *core.Position) error {
	if !e.shouldPoll(now, work.EntryOrder) {
		return nil
	}

	state, err := e.orders.Status(ctx, work.Pair, work.EntryOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return e.failPosition(ctx, now, work, "entry order not found at exchange")
		}
		return err
	}
	work.EntryOrder.LastSyncedAt = now

	switch state.Status {
	case core.OrderFilled:
		e.applyEntryFill(work, state, now)
		work.Transition(core.PositionActive)
		e.persistObservation(ctx, work)
		e.commit(work)
		e.recordTransition(ctx, work, "entry_filled")
		e.logger.Info("Entry filled", "pair", work.Pair, "position_id", work.ID,
			"entry_price", work.EntryPrice, "quantity", work.Quantity)
		return nil

	case core.OrderCancelled:
		return e.failPosition(ctx, now, work, "entry order cancelled externally")

	case core.OrderFailed:
		return e.failPosition(ctx, now, work, "entry order failed at exchange")

	case core.OrderPartiallyFilled:
		work.EntryOrder.Advance(core.OrderPartiallyFilled, now)
	}

	// Entry still resting: enforce the entry timeout
	if now.Sub(work.OpenedAt) >= e.cfg.EntryTimeout {
		work.Transition(core.PositionCancellingEntry)
		if err := e.persistIntent(ctx, work); err != nil {
			return err
		}
		e.commit(work)
		e.recordTransition(ctx, work, "entry_timeout")
		e.logger.Info("Entry timed out, cancelling", "pair", work.Pair, "position_id", work.ID)

		if err := e.orders.Cancel(ctx, work.Pair, work.EntryOrder.ID); err != nil && !apperrors.IsNotFound(err) {
			// Cancel will be re-issued next tick; the intent is durable.
			e.logger.Warn("Entry cancel failed, will retry", "position_id", work.ID, "error", err.Error())
		}
		return nil
	}

	e.persistObservation(ctx, work)
	e.commit(work)
	return nil
}

func (e *Engine) tickCancellingEntry(ctx context.Context, now time.Time, work *core.Position) error {
	state, err := e.orders.Status(ctx, work.Pair, work.EntryOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return e.failPosition(ctx, now, work, "entry order lost during cancellation")
		}
		return err
	}
	work.EntryOrder.LastSyncedAt = now

	switch state.Status {
	case core.OrderFilled:
		// Cancel lost the race against a fill
		e.applyEntryFill(work, state, now)
		work.Transition(core.PositionActive)
		e.persistObservation(ctx, work)
		e.commit(work)
		e.recordTransition(ctx, work, "cancel_lost_to_fill")
		return nil

	case core.OrderCancelled:
		if state.FilledQuantity.Sign() > 0 {
			// Partially filled before the cancel landed
			e.applyPartialEntryFill(work, state, now)
			work.Transition(core.PositionActive)
			e.persistObservation(ctx, work)
			e.commit(work)
			e.recordTransition(ctx, work, "partial_fill_active")
			e.logger.Info("Entry cancelled with partial fill", "pair", work.Pair,
				"position_id", work.ID, "quantity", work.Quantity)
			return nil
		}
		work.EntryOrder.Advance(core.OrderCancelled, now)
		e.toTerminal(work, core.PositionCancelled, now)
		e.persistObservation(ctx, work)
		e.commit(work)
		e.recordTransition(ctx, work, "entry_cancelled")
		e.metrics.PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pair", work.Pair), attribute.String("outcome", "cancelled")))
		e.logger.Info("Position cancelled", "pair", work.Pair, "position_id", work.ID)
		return nil
	}

	// Still open: re-issue the cancel
	if err := e.orders.Cancel(ctx, work.Pair, work.EntryOrder.ID); err != nil && !apperrors.IsNotFound(err) {
		e.logger.Warn("Entry cancel retry failed", "position_id", work.ID, "error", err.Error())
	}
	return nil
}

func (e *Engine) tickActive(ctx context.Context, now time.Time, work *core.Position, livePrice decimal.Decimal) error {
	// Stop-loss wins every tie
	if !livePrice.IsZero() && livePrice.LessThanOrEqual(work.StopLossTrigger) {
		return e.startMarketExit(ctx, now, work, "stop_loss")
	}
	if e.cfg.MaxHold > 0 && now.Sub(work.OpenedAt) >= e.cfg.MaxHold {
		return e.startMarketExit(ctx, now, work, "max_hold")
	}
	if !livePrice.IsZero() && livePrice.GreaterThanOrEqual(work.TakeProfitPrice) {
		return e.startTakeProfit(ctx, now, work)
	}
	return nil
}

func (e *Engine) tickPlacingExit(ctx context.Context, now time.Time, work *core.Position, livePrice decimal.Decimal) error {
	// Placement intent was persisted but the order never went out
	if work.ExitOrder.ID == "" {
		return e.placePendingExit(ctx, now, work)
	}

	// Stop-loss pre-empts the resting take-profit
	if !livePrice.IsZero() && livePrice.LessThanOrEqual(work.StopLossTrigger) {
		work.Transition(core.PositionClosingAtMarket)
		if err := e.persistIntent(ctx, work); err != nil {
			return err
		}
		e.commit(work)
		e.recordTransition(ctx, work, "stop_loss_preempt")
		e.logger.Info("Stop loss pre-empting take profit", "pair", work.Pair, "position_id", work.ID)

		if err := e.orders.Cancel(ctx, work.Pair, work.ExitOrder.ID); err != nil && !apperrors.IsNotFound(err) {
			// The resting order may have filled; the next tick polls it
			// before replacing it with a market exit.
			e.logger.Warn("Take profit cancel failed", "position_id", work.ID, "error", err.Error())
		}
		return nil
	}

	if !e.shouldPoll(now, work.ExitOrder) {
		return nil
	}
	state, err := e.orders.Status(ctx, work.Pair, work.ExitOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return e.failPosition(ctx, now, work, "exit order not found at exchange")
		}
		return err
	}
	work.ExitOrder.LastSyncedAt = now

	switch state.Status {
	case core.OrderFilled:
		return e.closePosition(ctx, now, work, state, "take_profit")
	case core.OrderCancelled:
		return e.failPosition(ctx, now, work, "exit order cancelled externally")
	case core.OrderFailed:
		return e.failPosition(ctx, now, work, "exit order failed at exchange")
	case core.OrderPartiallyFilled:
		work.ExitOrder.Advance(core.OrderPartiallyFilled, now)
	}

	e.persistObservation(ctx, work)
	e.commit(work)
	return nil
}

func (e *Engine) tickClosingAtMarket(ctx context.Context, now time.Time, work *core.Position) error {
	// The previous exit order (a cancelled take-profit or an
	// unacknowledged market order) has to be resolved first.
	if work.ExitOrder == nil || work.ExitOrder.ID == "" {
		return e.placePendingMarketExit(ctx, now, work)
	}

	state, err := e.orders.Status(ctx, work.Pair, work.ExitOrder.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return e.failPosition(ctx, now, work, "market exit order not found at exchange")
		}
		return err
	}
	work.ExitOrder.LastSyncedAt = now

	switch state.Status {
	case core.OrderFilled:
		return e.closePosition(ctx, now, work, state, "market_exit")
	case core.OrderCancelled:
		if work.ExitOrder.Role == core.RoleTakeProfit {
			// The pre-empted take-profit is confirmed dead; replace it
			// with the market exit.
			work.ExitOrder = nil
			return e.placePendingMarketExit(ctx, now, work)
		}
		return e.failPosition(ctx, now, work, "market exit cancelled externally")
	case core.OrderFailed:
		return e.failPosition(ctx, now, work, "market exit failed at exchange")
	}
	return nil
}

// --- transition actions ---

func (e *Engine) startTakeProfit(ctx context.Context, now time.Time, work *core.Position) error {
	work.ExitOrder = &core.Order{
		Pair:      work.Pair,
		Role:      core.RoleTakeProfit,
		Side:      work.Side.Opposite(),
		Price:     work.TakeProfitPrice,
		Quantity:  work.Quantity,
		Status:    core.OrderPlacing,
		CreatedAt: now,
	}
	work.Transition(core.PositionPlacingExit)
	if err := e.persistIntent(ctx, work); err != nil {
		return err
	}
	e.commit(work)
	e.recordTransition(ctx, work, "take_profit_triggered")
	e.logger.Info("Take profit triggered", "pair", work.Pair, "position_id", work.ID,
		"price", work.TakeProfitPrice)
	return e.placePendingExit(ctx, now, work.Clone())
}

func (e *Engine) placePendingExit(ctx context.Context, now time.Time, work *core.Position) error {
	orderID, err := e.orders.PlaceLimit(ctx, work.Pair, work.ExitOrder.Side, work.ExitOrder.Quantity, work.ExitOrder.Price, false)
	if err != nil {
		if apperrors.IsFatalPlacement(err) {
			return e.failPosition(ctx, now, work, fmt.Sprintf("take profit placement failed: %v", err))
		}
		// Intent is durable; placement is retried next tick
		e.logger.Warn("Take profit placement failed, will retry", "position_id", work.ID, "error", err.Error())
		return nil
	}
	work.ExitOrder.ID = orderID
	work.ExitOrder.Advance(core.OrderOpen, now)
	e.persistObservation(ctx, work)
	e.commit(work)
	e.metrics.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "take_profit")))
	return nil
}

func (e *Engine) startMarketExit(ctx context.Context, now time.Time, work *core.Position, reason string) error {
	work.ExitOrder = &core.Order{
		Pair:      work.Pair,
		Role:      core.RoleMarketExit,
		Side:      work.Side.Opposite(),
		Quantity:  work.Quantity,
		Status:    core.OrderPlacing,
		CreatedAt: now,
	}
	work.Transition(core.PositionClosingAtMarket)
	if err := e.persistIntent(ctx, work); err != nil {
		return err
	}
	e.commit(work)
	e.recordTransition(ctx, work, reason)
	e.logger.Info("Market exit triggered", "pair", work.Pair, "position_id", work.ID, "reason", reason)
	return e.placePendingMarketExit(ctx, now, work.Clone())
}

func (e *Engine) placePendingMarketExit(ctx context.Context, now time.Time, work *core.Position) error {
	if work.ExitOrder == nil {
		work.ExitOrder = &core.Order{
			Pair:      work.Pair,
			Role:      core.RoleMarketExit,
			Side:      work.Side.Opposite(),
			Quantity:  work.Quantity,
			Status:    core.OrderPlacing,
			CreatedAt: now,
		}
		if err := e.persistIntent(ctx, work); err != nil {
			return err
		}
		e.commit(work)
	}

	orderID, err := e.orders.PlaceMarket(ctx, work.Pair, work.ExitOrder.Side, work.ExitOrder.Quantity, decimal.Zero)
	if err != nil {
		if apperrors.IsFatalPlacement(err) {
			return e.failPosition(ctx, now, work, fmt.Sprintf("market exit placement failed: %v", err))
		}
		e.logger.Warn("Market exit placement failed, will retry", "position_id", work.ID, "error", err.Error())
		return nil
	}
	work.ExitOrder.ID = orderID
	work.ExitOrder.Advance(core.OrderOpen, now)
	e.persistObservation(ctx, work)
	e.commit(work)
	e.metrics.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "market_exit")))
	return nil
}

func (e *Engine) closePosition(ctx context.Context, now time.Time, work *core.Position, state *core.OrderState, outcome string) error {
	work.ExitOrder.Advance(core.OrderFilled, now)
	exitPrice := state.AvgFillPrice
	work.RealizedPnL = tradingutils.RealizedPnL(work.EntryPrice, exitPrice, work.Quantity)
	e.toTerminal(work, core.PositionClosed, now)
	e.persistObservation(ctx, work)
	e.commit(work)
	e.recordTransition(ctx, work, outcome)

	e.mu.Lock()
	e.rollDailyWindowLocked(now)
	e.dailyPnL = e.dailyPnL.Add(work.RealizedPnL)
	e.mu.Unlock()

	pnl, _ := work.RealizedPnL.Float64()
	e.metrics.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("pair", work.Pair)))
	e.metrics.PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pair", work.Pair), attribute.String("outcome", outcome)))
	e.logger.Info("Position closed", "pair", work.Pair, "position_id", work.ID,
		"outcome", outcome, "exit_price", exitPrice, "realized_pnl", work.RealizedPnL)
	return nil
}

func (e *Engine) failPosition(ctx context.Context, now time.Time, work *core.Position, reason string) error {
	work.FailReason = reason
	e.toTerminal(work, core.PositionFailed, now)
	e.persistObservation(ctx, work)
	e.commit(work)
	e.recordTransition(ctx, work, "failed")
	e.metrics.PositionsClosedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pair", work.Pair), attribute.String("outcome", "failed")))
	e.logger.Error("Position failed", "pair", work.Pair, "position_id", work.ID, "reason", reason)
	return nil
}

// --- helpers ---

func (e *Engine) applyEntryFill(work *core.Position, state *core.OrderState, now time.Time) {
	work.EntryOrder.Advance(core.OrderFilled, now)
	e.applyEntryFillFields(work, state)
}

// applyPartialEntryFill records an entry that was cancelled after filling
// partially. The order ends CANCELLED via PARTIALLY_FILLED so its status
// history stays forward-only; the filled portion still opens the position.
func (e *Engine) applyPartialEntryFill(work *core.Position, state *core.OrderState, now time.Time) {
	work.EntryOrder.Advance(core.OrderPartiallyFilled, now)
	work.EntryOrder.Advance(core.OrderCancelled, now)
	e.applyEntryFillFields(work, state)
}

func (e *Engine) applyEntryFillFields(work *core.Position, state *core.OrderState) {
	if !state.AvgFillPrice.IsZero() {
		work.EntryPrice = state.AvgFillPrice
	} else {
		work.EntryPrice = work.EntryOrder.Price
	}
	if state.FilledQuantity.Sign() > 0 {
		work.Quantity = state.FilledQuantity
	}
	// Exit targets track the actual fill, not the requested price
	decimals := e.priceDecimals(work.Pair)
	work.TakeProfitPrice = tradingutils.TakeProfitPrice(work.EntryPrice, e.cfg.TakeProfitPct, decimals)
	work.StopLossTrigger = tradingutils.StopLossPrice(work.EntryPrice, e.cfg.StopLossPct, decimals)
}

func (e *Engine) toTerminal(work *core.Position, status core.PositionStatus, now time.Time) {
	if status == core.PositionFailed {
		work.Status = core.PositionFailed
	} else {
		work.Transition(status)
	}
	t := now
	work.ClosedAt = &t
}

// persistIntent saves a transition that an exchange call depends on. On
// failure the caller must abort: the in-memory state is untouched because
// work is a clone that never gets committed.
func (e *Engine) persistIntent(ctx context.Context, work *core.Position) error {
	if err := e.store.Save(ctx, work); err != nil {
		e.metrics.StoreWriteFailures.Add(ctx, 1)
		return fmt.Errorf("failed to persist transition for %s: %w", work.ID, err)
	}
	return nil
}

// persistObservation saves state that already reflects exchange reality.
// A failure here must not discard what actually happened, so the commit
// proceeds and the next successful Save catches the store up.
func (e *Engine) persistObservation(ctx context.Context, work *core.Position) {
	if err := e.store.Save(ctx, work); err != nil {
		e.metrics.StoreWriteFailures.Add(ctx, 1)
		e.logger.Error("CRITICAL: failed to persist observed state, store lags memory",
			"position_id", work.ID, "status", work.Status, "error", err.Error())
	}
}

// commit replaces the canonical in-memory copy
func (e *Engine) commit(work *core.Position) {
	e.mu.Lock()
	if work.Status.Terminal() {
		delete(e.positions, work.ID)
		delete(e.byPair, work.Pair)
		delete(e.locks, work.ID)
	} else {
		e.positions[work.ID] = work
	}
	e.mu.Unlock()
	e.refreshPairGauge(work.Pair)

	if work.Status.Terminal() && e.terminalHook != nil {
		e.terminalHook(work.Clone())
	}
}

func (e *Engine) shouldPoll(now time.Time, o *core.Order) bool {
	if e.cfg.StatusPollInterval <= 0 {
		return true
	}
	return now.Sub(o.LastSyncedAt) >= e.cfg.StatusPollInterval
}

func (e *Engine) rollDailyWindowLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != e.dailyDay {
		e.dailyDay = day
		e.dailyCount = 0
		e.dailyPnL = decimal.Zero
		e.metrics.SetDailyTrades(0)
	}
}

func (e *Engine) recordTransition(ctx context.Context, work *core.Position, event string) {
	e.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pair", work.Pair),
		attribute.String("to", string(work.Status)),
		attribute.String("event", event),
	))
}

func (e *Engine) updateActiveMetrics() {
	counts := make(map[string]int64)
	for _, p := range e.positions {
		counts[p.Pair]++
	}
	for pair, n := range counts {
		e.metrics.SetActivePositions(pair, n)
	}
}

func (e *Engine) refreshPairGauge(pair string) {
	e.mu.Lock()
	var n int64
	for _, p := range e.positions {
		if p.Pair == pair {
			n++
		}
	}
	e.mu.Unlock()
	e.metrics.SetActivePositions(pair, n)
}

func (e *Engine) pairDecimals(pair string) int {
	if d, ok := e.cfg.PairDecimals[pair]; ok {
		return d
	}
	return 8
}

func (e *Engine) priceDecimals(pair string) int {
	if d, ok := e.cfg.PriceDecimals[pair]; ok {
		return d
	}
	return 2
}
