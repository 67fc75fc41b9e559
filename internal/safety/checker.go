// Package safety gates entry signals with pre-trade checks.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/telemetry"
)

// Config holds the pre-trade limits
type Config struct {
	BaseTradeAmount decimal.Decimal
	MinOrderValue   decimal.Decimal
	MaxPositionSize decimal.Decimal
	QuoteAsset      string
}

// Checker sits between the signal source and the engine. Every signal passes
// the static limits and a live balance check before it may open a position;
// a rejection never reaches the engine.
type Checker struct {
	cfg      Config
	exchange core.Exchange
	next     core.SignalHandler
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewChecker wraps next with pre-trade checks
func NewChecker(cfg Config, exchange core.Exchange, next core.SignalHandler, logger core.ILogger) *Checker {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "ZAR"
	}
	return &Checker{
		cfg:      cfg,
		exchange: exchange,
		next:     next,
		logger:   logger.WithField("component", "safety"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// OnSignal validates the signal and forwards it to the wrapped handler
func (c *Checker) OnSignal(ctx context.Context, sig core.Signal) error {
	if err := c.check(ctx, sig); err != nil {
		c.metrics.SignalsRejectedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("pair", sig.Pair),
		))
		c.logger.Warn("Signal rejected", "pair", sig.Pair, "reason", err)
		return err
	}
	return c.next.OnSignal(ctx, sig)
}

func (c *Checker) check(ctx context.Context, sig core.Signal) error {
	if sig.ReferencePrice.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive reference price %s", apperrors.ErrSignalRejected, sig.ReferencePrice)
	}
	if c.cfg.BaseTradeAmount.LessThan(c.cfg.MinOrderValue) {
		return fmt.Errorf("%w: trade amount %s below minimum order value %s",
			apperrors.ErrSignalRejected, c.cfg.BaseTradeAmount, c.cfg.MinOrderValue)
	}
	if c.cfg.MaxPositionSize.Sign() > 0 && c.cfg.BaseTradeAmount.GreaterThan(c.cfg.MaxPositionSize) {
		return fmt.Errorf("%w: trade amount %s exceeds position size cap %s",
			apperrors.ErrSignalRejected, c.cfg.BaseTradeAmount, c.cfg.MaxPositionSize)
	}

	balance, err := c.exchange.GetBalance(ctx, c.cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("balance check failed: %w", err)
	}
	if balance.LessThan(c.cfg.BaseTradeAmount) {
		return fmt.Errorf("%w: available %s %s, need %s",
			apperrors.ErrInsufficientFunds, c.cfg.QuoteAsset, balance, c.cfg.BaseTradeAmount)
	}
	return nil
}
