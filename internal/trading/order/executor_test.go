package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/internal/mock"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
)

func newTestExecutor(ex core.Exchange) *Executor {
	e := NewExecutor(ex, 1000, 1000, logging.NewNop())
	e.SetRetryConfig(3, time.Millisecond, 5*time.Millisecond)
	return e
}

func TestPlaceLimitSucceeds(t *testing.T) {
	ex := mock.NewExchange()
	exec := newTestExecutor(ex)

	id, err := exec.PlaceLimit(context.Background(), "BTCZAR", core.SideBuy,
		decimal.RequireFromString("0.001"), decimal.RequireFromString("500000"), true)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, ex.PlaceLimitCalls)
}

func TestPlaceLimitRetriesTransientErrors(t *testing.T) {
	ex := mock.NewExchange()
	calls := 0
	ex.PlaceLimitFn = func(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("%w: connection reset", apperrors.ErrNetwork)
		}
		return "order-ok", nil
	}
	exec := newTestExecutor(ex)

	id, err := exec.PlaceLimit(context.Background(), "BTCZAR", core.SideBuy,
		decimal.New(1, -3), decimal.New(500000, 0), true)
	require.NoError(t, err)
	assert.Equal(t, "order-ok", id)
	assert.Equal(t, 3, calls)
}

func TestPlaceLimitDoesNotRetryFatalErrors(t *testing.T) {
	ex := mock.NewExchange()
	calls := 0
	ex.PlaceLimitFn = func(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
		calls++
		return "", fmt.Errorf("%w: balance too low", apperrors.ErrInsufficientFunds)
	}
	exec := newTestExecutor(ex)

	_, err := exec.PlaceLimit(context.Background(), "BTCZAR", core.SideBuy,
		decimal.New(1, -3), decimal.New(500000, 0), true)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestPlaceLimitGivesUpAfterMaxRetries(t *testing.T) {
	ex := mock.NewExchange()
	calls := 0
	ex.PlaceLimitFn = func(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
		calls++
		return "", fmt.Errorf("%w: still down", apperrors.ErrNetwork)
	}
	exec := newTestExecutor(ex)

	_, err := exec.PlaceLimit(context.Background(), "BTCZAR", core.SideBuy,
		decimal.New(1, -3), decimal.New(500000, 0), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 4, calls) // initial attempt plus three retries
}

func TestCancelPassesThroughNotFound(t *testing.T) {
	ex := mock.NewExchange()
	exec := newTestExecutor(ex)

	err := exec.Cancel(context.Background(), "BTCZAR", "never-existed")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ex := mock.NewExchange()
	ex.PlaceLimitFn = func(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
		return "", fmt.Errorf("%w: flapping", apperrors.ErrNetwork)
	}
	exec := NewExecutor(ex, 1000, 1000, logging.NewNop())
	exec.SetRetryConfig(10, 50*time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.PlaceLimit(ctx, "BTCZAR", core.SideBuy, decimal.New(1, -3), decimal.New(500000, 0), true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckHealthFlagsErrorBursts(t *testing.T) {
	ex := mock.NewExchange()
	exec := newTestExecutor(ex)
	require.NoError(t, exec.CheckHealth())

	for i := 0; i < 60; i++ {
		exec.recordError()
	}
	assert.Error(t, exec.CheckHealth())
}
