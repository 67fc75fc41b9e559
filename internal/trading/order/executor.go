// Package order provides order execution with rate limiting and retry logic
package order

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/telemetry"
)

// Executor wraps an exchange with rate-limited, retrying order operations.
// Retries cover transient failures only; fatal placement errors surface to
// the caller immediately so the engine can fail the position.
type Executor struct {
	exchange core.Exchange
	logger   core.ILogger

	rateLimiter *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// Recent error tracking for health checks (ring buffer)
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
	errorMu         sync.Mutex

	// OTel
	tracer       trace.Tracer
	orderCounter metric.Int64Counter
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

// NewExecutor creates an order executor
func NewExecutor(exchange core.Exchange, rps float64, burst int, logger core.ILogger) *Executor {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 5
	}

	tracer := telemetry.GetTracer("order-executor")
	meter := telemetry.GetMeter("order-executor")

	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("Total number of orders placed"))
	retryCounter, _ := meter.Int64Counter("order_retries_total",
		metric.WithDescription("Total number of order placement retries"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of order placement failures"))

	return &Executor{
		exchange:        exchange,
		logger:          logger.WithField("component", "order_executor"),
		rateLimiter:     rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries:      3,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        10 * time.Second,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          tracer,
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		failCounter:     failCounter,
	}
}

// SetRetryConfig overrides the retry parameters
func (e *Executor) SetRetryConfig(maxRetries int, baseDelay, maxDelay time.Duration) {
	e.maxRetries = maxRetries
	e.baseDelay = baseDelay
	e.maxDelay = maxDelay
}

// PlaceLimit places a limit order, returning the exchange order id
func (e *Executor) PlaceLimit(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceLimit",
		trace.WithAttributes(
			attribute.String("pair", pair),
			attribute.String("side", string(side)),
		),
	)
	defer span.End()

	var orderID string
	err := e.withRetry(ctx, pair, func() error {
		var err error
		orderID, err = e.exchange.PlaceLimitOrder(ctx, pair, side, quantity, price, postOnly)
		return err
	})
	return orderID, err
}

// PlaceMarket places a market order, returning the exchange order id
func (e *Executor) PlaceMarket(ctx context.Context, pair string, side core.OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceMarket",
		trace.WithAttributes(
			attribute.String("pair", pair),
			attribute.String("side", string(side)),
		),
	)
	defer span.End()

	var orderID string
	err := e.withRetry(ctx, pair, func() error {
		var err error
		orderID, err = e.exchange.PlaceMarketOrder(ctx, pair, side, baseQuantity, quoteAmount)
		return err
	})
	return orderID, err
}

// Cancel cancels an order. ErrOrderNotFound is returned unchanged so the
// caller can treat an already-gone order as a repair case.
func (e *Executor) Cancel(ctx context.Context, pair, orderID string) error {
	ctx, span := e.tracer.Start(ctx, "CancelOrder",
		trace.WithAttributes(attribute.String("pair", pair)),
	)
	defer span.End()

	return e.withRetry(ctx, pair, func() error {
		return e.exchange.CancelOrder(ctx, pair, orderID)
	})
}

// Status queries the current state of an order
func (e *Executor) Status(ctx context.Context, pair, orderID string) (*core.OrderState, error) {
	var state *core.OrderState
	err := e.withRetry(ctx, pair, func() error {
		var err error
		state, err = e.exchange.GetOrderStatus(ctx, pair, orderID)
		return err
	})
	return state, err
}

// CheckHealth returns an error if the executor has seen too many recent failures
func (e *Executor) CheckHealth() error {
	if count := e.recentErrorCount(5 * time.Minute); count > 50 {
		return fmt.Errorf("high error rate: %d errors in last 5 minutes", count)
	}
	return nil
}

func (e *Executor) withRetry(ctx context.Context, pair string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if waitErr := e.rateLimiter.Wait(ctx); waitErr != nil {
			return fmt.Errorf("rate limit wait failed: %w", waitErr)
		}

		e.orderCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pair", pair)))

		err = fn()
		if err == nil {
			return nil
		}

		e.recordError()
		e.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pair", pair)))

		if !apperrors.IsRetryable(err) {
			return err
		}
		if attempt >= e.maxRetries {
			return fmt.Errorf("max retries exceeded: %w", err)
		}

		delay := e.retryDelay(attempt)
		e.retryCounter.Add(ctx, 1)
		e.logger.Warn("Exchange call failed, retrying",
			"pair", pair,
			"attempt", attempt+1,
			"delay", delay,
			"error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
	} else {
		e.errorTimestamps[e.errorIndex] = time.Now()
		e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
	}
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// retryDelay calculates exponential backoff with jitter
func (e *Executor) retryDelay(attempt int) time.Duration {
	delay := float64(e.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.maxDelay) {
		delay = float64(e.maxDelay)
	}
	jitter := (rand.Float64()*0.2 - 0.1) * delay
	return time.Duration(delay + jitter)
}
