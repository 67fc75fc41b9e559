// Package mock provides an in-memory exchange for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
)

// Exchange is a scriptable in-memory core.Exchange. Default behavior keeps
// orders open until a test advances them; every method can be overridden by
// the corresponding Fn field.
type Exchange struct {
	mu      sync.Mutex
	orders  map[string]*core.OrderState
	nextID  int
	prices  map[string]decimal.Decimal
	balance map[string]decimal.Decimal

	// Call counts for assertions
	PlaceLimitCalls  int
	PlaceMarketCalls int
	CancelCalls      int
	StatusCalls      int

	// Overrides
	PlaceLimitFn  func(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error)
	PlaceMarketFn func(ctx context.Context, pair string, side core.OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error)
	StatusFn      func(ctx context.Context, pair, orderID string) (*core.OrderState, error)
	CancelFn      func(ctx context.Context, pair, orderID string) error
	IndicatorFn   func(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error)
}

// NewExchange creates an empty mock exchange
func NewExchange() *Exchange {
	return &Exchange{
		orders:  make(map[string]*core.OrderState),
		prices:  make(map[string]decimal.Decimal),
		balance: make(map[string]decimal.Decimal),
	}
}

func (m *Exchange) GetName() string { return "mock" }

func (m *Exchange) CheckHealth(ctx context.Context) error { return nil }

func (m *Exchange) PlaceLimitOrder(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
	m.mu.Lock()
	m.PlaceLimitCalls++
	fn := m.PlaceLimitFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, pair, side, quantity, price, postOnly)
	}
	return m.addOrder(core.OrderOpen), nil
}

func (m *Exchange) PlaceMarketOrder(ctx context.Context, pair string, side core.OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error) {
	m.mu.Lock()
	m.PlaceMarketCalls++
	fn := m.PlaceMarketFn
	price := m.prices[pair]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, pair, side, baseQuantity, quoteAmount)
	}

	// Market orders fill immediately at the scripted price
	id := m.addOrder(core.OrderFilled)
	m.mu.Lock()
	st := m.orders[id]
	st.FilledQuantity = baseQuantity
	st.AvgFillPrice = price
	if baseQuantity.IsZero() && !price.IsZero() {
		st.FilledQuantity = quoteAmount.Div(price)
	}
	m.mu.Unlock()
	return id, nil
}

func (m *Exchange) GetOrderStatus(ctx context.Context, pair, orderID string) (*core.OrderState, error) {
	m.mu.Lock()
	m.StatusCalls++
	fn := m.StatusFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, pair, orderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	cp := *st
	return &cp, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, pair, orderID string) error {
	m.mu.Lock()
	m.CancelCalls++
	fn := m.CancelFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, pair, orderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if st.Status == core.OrderFilled {
		return fmt.Errorf("%w: order already filled", apperrors.ErrOrderRejected)
	}
	st.Status = core.OrderCancelled
	st.UpdatedAt = time.Now()
	return nil
}

func (m *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance[asset], nil
}

func (m *Exchange) GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidPair, pair)
	}
	return price, nil
}

func (m *Exchange) GetIndicator(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error) {
	m.mu.Lock()
	fn := m.IndicatorFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, pair, indicator, interval, limit)
	}
	return nil, nil
}

// Scripting helpers

// SetPrice sets the last traded price for a pair
func (m *Exchange) SetPrice(pair string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair] = price
}

// SetBalance sets the available balance for an asset
func (m *Exchange) SetBalance(asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[asset] = amount
}

// FillOrder marks an order as fully filled at the given price
func (m *Exchange) FillOrder(orderID string, quantity, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.orders[orderID]; ok {
		st.Status = core.OrderFilled
		st.FilledQuantity = quantity
		st.AvgFillPrice = price
		st.UpdatedAt = time.Now()
	}
}

// SetOrderStatus overwrites the scripted state of an order
func (m *Exchange) SetOrderStatus(orderID string, status core.OrderStatus, filled, avgPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.orders[orderID]
	if !ok {
		st = &core.OrderState{ID: orderID}
		m.orders[orderID] = st
	}
	st.Status = status
	st.FilledQuantity = filled
	st.AvgFillPrice = avgPrice
	st.UpdatedAt = time.Now()
}

// DropOrder removes an order so subsequent queries return not-found
func (m *Exchange) DropOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
}

func (m *Exchange) addOrder(status core.OrderStatus) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mock-order-%d", m.nextID)
	m.orders[id] = &core.OrderState{
		ID:        id,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	return id
}
