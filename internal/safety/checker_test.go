package safety

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/internal/mock"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
)

type recordingHandler struct {
	signals []core.Signal
}

func (h *recordingHandler) OnSignal(ctx context.Context, sig core.Signal) error {
	h.signals = append(h.signals, sig)
	return nil
}

func newTestChecker(t *testing.T, ex *mock.Exchange) (*Checker, *recordingHandler) {
	t.Helper()
	next := &recordingHandler{}
	c := NewChecker(Config{
		BaseTradeAmount: decimal.NewFromInt(1000),
		MinOrderValue:   decimal.NewFromInt(10),
		MaxPositionSize: decimal.NewFromInt(5000),
		QuoteAsset:      "ZAR",
	}, ex, next, logging.NewNop())
	return c, next
}

func validSignal() core.Signal {
	return core.Signal{Pair: "BTCZAR", ReferencePrice: decimal.NewFromInt(1000000), Strength: 10}
}

func TestSignalPassesAllChecks(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(2000))
	c, next := newTestChecker(t, ex)

	require.NoError(t, c.OnSignal(context.Background(), validSignal()))
	assert.Len(t, next.signals, 1)
}

func TestInsufficientBalanceRejected(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(999))
	c, next := newTestChecker(t, ex)

	err := c.OnSignal(context.Background(), validSignal())
	require.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Empty(t, next.signals)
}

func TestNonPositivePriceRejected(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(2000))
	c, next := newTestChecker(t, ex)

	sig := validSignal()
	sig.ReferencePrice = decimal.Zero
	err := c.OnSignal(context.Background(), sig)
	require.ErrorIs(t, err, apperrors.ErrSignalRejected)
	assert.Empty(t, next.signals)
}

func TestTradeAmountBelowMinimumRejected(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(2000))
	next := &recordingHandler{}
	c := NewChecker(Config{
		BaseTradeAmount: decimal.NewFromInt(5),
		MinOrderValue:   decimal.NewFromInt(10),
	}, ex, next, logging.NewNop())

	err := c.OnSignal(context.Background(), validSignal())
	require.ErrorIs(t, err, apperrors.ErrSignalRejected)
	assert.Empty(t, next.signals)
}

func TestTradeAmountAbovePositionCapRejected(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(100000))
	next := &recordingHandler{}
	c := NewChecker(Config{
		BaseTradeAmount: decimal.NewFromInt(10000),
		MinOrderValue:   decimal.NewFromInt(10),
		MaxPositionSize: decimal.NewFromInt(5000),
	}, ex, next, logging.NewNop())

	err := c.OnSignal(context.Background(), validSignal())
	require.ErrorIs(t, err, apperrors.ErrSignalRejected)
	assert.Empty(t, next.signals)
}

func TestZeroPositionCapDisablesCheck(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetBalance("ZAR", decimal.NewFromInt(100000))
	next := &recordingHandler{}
	c := NewChecker(Config{
		BaseTradeAmount: decimal.NewFromInt(10000),
		MinOrderValue:   decimal.NewFromInt(10),
	}, ex, next, logging.NewNop())

	require.NoError(t, c.OnSignal(context.Background(), validSignal()))
	assert.Len(t, next.signals, 1)
}
