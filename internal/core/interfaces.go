package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the client contract the engine consumes. Implementations carry
// their own authentication and retry transient failures internally; errors
// that reach the caller are either fatal or mapped sentinels from pkg/errors.
type Exchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	// PlaceLimitOrder returns the exchange-assigned order id.
	PlaceLimitOrder(ctx context.Context, pair string, side OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error)
	// PlaceMarketOrder takes either a base quantity or a quote amount;
	// exactly one must be non-zero.
	PlaceMarketOrder(ctx context.Context, pair string, side OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error)
	// GetOrderStatus returns apperrors.ErrOrderNotFound when the exchange
	// does not know the order id.
	GetOrderStatus(ctx context.Context, pair, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, pair, orderID string) error

	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	GetIndicator(ctx context.Context, pair, indicator, interval string, limit int) ([]IndicatorPoint, error)
}

// PositionStore is the durable record of every position. Save is an atomic
// upsert keyed by position id and the only way state survives a restart, so
// the engine must Save an intended transition before acting on it externally.
type PositionStore interface {
	Save(ctx context.Context, p *Position) error
	Load(ctx context.Context, id string) (*Position, error)
	LoadAll(ctx context.Context) ([]*Position, error)
	PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// PriceSubscriber receives price snapshots from a monitor.
type PriceSubscriber interface {
	SubscribeTicks() <-chan PriceTick
}

// SignalHandler consumes entry signals.
type SignalHandler interface {
	OnSignal(ctx context.Context, sig Signal) error
}

// ILogger is the structured logging contract used across the bot.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
