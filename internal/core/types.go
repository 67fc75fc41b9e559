// Package core defines the domain types and interfaces for the trading bot.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRole describes why an order exists within a position.
type OrderRole string

const (
	RoleEntry      OrderRole = "ENTRY"
	RoleTakeProfit OrderRole = "TAKE_PROFIT"
	RoleStopLoss   OrderRole = "STOP_LOSS"
	RoleMarketExit OrderRole = "MARKET_EXIT"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the opposing side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle status of a single exchange order.
type OrderStatus string

const (
	OrderPlacing         OrderStatus = "PLACING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
)

// orderTransitions encodes the forward-only order status graph.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPlacing:         {OrderOpen, OrderFailed},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderFilled, OrderCancelled},
}

// Terminal reports whether no further status change is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// CanTransition reports whether moving from s to next is allowed. Statuses
// only ever move forward; "transitions" to the same status are permitted so
// that repeated polls are harmless.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a single exchange order tracked by the engine. The exchange id is
// empty until the order has been acknowledged.
type Order struct {
	ID           string          `json:"id,omitempty"`
	Pair         string          `json:"pair"`
	Role         OrderRole       `json:"role"`
	Side         OrderSide       `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
}

// Advance moves the order status forward, refusing backward moves.
func (o *Order) Advance(next OrderStatus, now time.Time) bool {
	if !o.Status.CanTransition(next) {
		return false
	}
	o.Status = next
	o.LastSyncedAt = now
	return true
}

// PositionStatus is the state-machine value of a position. Initial state is
// PENDING_ENTRY; CLOSED, CANCELLED and FAILED are terminal.
type PositionStatus string

const (
	PositionPendingEntry    PositionStatus = "PENDING_ENTRY"
	PositionEntryOpen       PositionStatus = "ENTRY_OPEN"
	PositionCancellingEntry PositionStatus = "CANCELLING_ENTRY"
	PositionActive          PositionStatus = "ACTIVE"
	PositionPlacingExit     PositionStatus = "PLACING_EXIT"
	PositionClosingAtMarket PositionStatus = "CLOSING_AT_MARKET"
	PositionClosed          PositionStatus = "CLOSED"
	PositionCancelled       PositionStatus = "CANCELLED"
	PositionFailed          PositionStatus = "FAILED"
)

// positionTransitions is the only allowed successor set for each state.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionPendingEntry:    {PositionEntryOpen, PositionFailed},
	PositionEntryOpen:       {PositionActive, PositionCancellingEntry, PositionFailed},
	PositionCancellingEntry: {PositionCancelled, PositionActive, PositionFailed},
	PositionActive:          {PositionPlacingExit, PositionClosingAtMarket, PositionFailed},
	PositionPlacingExit:     {PositionClosed, PositionClosingAtMarket, PositionFailed},
	PositionClosingAtMarket: {PositionClosed, PositionFailed},
}

// Terminal reports whether the position is immutable.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionCancelled || s == PositionFailed
}

// CanTransition reports whether s may move to next.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Position is one round-trip trade. It exclusively owns its order records;
// the store holds the canonical copy and the engine works on clones.
type Position struct {
	ID              string          `json:"id"`
	Pair            string          `json:"pair"`
	Side            OrderSide       `json:"side"`
	EntryOrder      *Order          `json:"entry_order"`
	ExitOrder       *Order          `json:"exit_order,omitempty"`
	StopLossTrigger decimal.Decimal `json:"stop_loss_trigger"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Quantity        decimal.Decimal `json:"quantity"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	Status          PositionStatus  `json:"status"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	FailReason      string          `json:"fail_reason,omitempty"`
}

// Open reports whether the position is still in a non-terminal state.
func (p *Position) Open() bool {
	return !p.Status.Terminal()
}

// Transition moves the position to next, refusing anything not in the
// transition table.
func (p *Position) Transition(next PositionStatus) bool {
	if !p.Status.CanTransition(next) {
		return false
	}
	p.Status = next
	return true
}

// Clone returns a deep copy, so the engine's working copy and the store's
// canonical copy never alias.
func (p *Position) Clone() *Position {
	cp := *p
	if p.EntryOrder != nil {
		eo := *p.EntryOrder
		cp.EntryOrder = &eo
	}
	if p.ExitOrder != nil {
		xo := *p.ExitOrder
		cp.ExitOrder = &xo
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// PriceTick is an explicit price snapshot handed to the engine; there is no
// process-wide mutable price cache.
type PriceTick struct {
	Pair  string
	Price decimal.Decimal
	At    time.Time
}

// Signal is an entry trigger emitted by the signal source.
type Signal struct {
	Pair           string
	ReferencePrice decimal.Decimal
	Strength       float64
}

// OrderState is the normalized result of an order status query.
type OrderState struct {
	ID             string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	UpdatedAt      time.Time
}

// IndicatorPoint is one sample of a server-computed market indicator.
type IndicatorPoint struct {
	At    time.Time
	Value float64
}
