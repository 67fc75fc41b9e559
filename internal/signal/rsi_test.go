package signal

import (
	"context"
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

type capturingHandler struct {
	signals []core.Signal
	err     error
}

func (h *capturingHandler) OnSignal(ctx context.Context, sig core.Signal) error {
	h.signals = append(h.signals, sig)
	return h.err
}

func scriptedRSI(values map[string]float64) func(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error) {
	return func(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error) {
		v, ok := values[pair]
		if !ok {
			return nil, nil
		}
		return []core.IndicatorPoint{{At: time.Now(), Value: v}}, nil
	}
}

func newTestScanner(t *testing.T, ex *mock.Exchange, handler core.SignalHandler) *RSIScanner {
	t.Helper()
	s := NewRSIScanner(Config{
		Pairs:        []string{"BTCZAR", "ETHZAR"},
		Period:       14,
		Oversold:     45,
		Interval:     "1h",
		ScanInterval: time.Minute,
		PairCooldown: 30 * time.Minute,
	}, ex, handler, logging.NewNop())
	return s
}

func TestScanEmitsSignalWhenOversold(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{"BTCZAR": 30, "ETHZAR": 60})
	ex.SetPrice("BTCZAR", decimal.NewFromInt(1000000))
	ex.SetPrice("ETHZAR", decimal.NewFromInt(50000))
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)

	s.ScanOnce(context.Background())

	require.Len(t, handler.signals, 1)
	sig := handler.signals[0]
	assert.Equal(t, "BTCZAR", sig.Pair)
	assert.True(t, sig.ReferencePrice.Equal(decimal.NewFromInt(1000000)))
	assert.InDelta(t, 15.0, sig.Strength, 0.001)
}

func TestScanSkipsWhenAboveThreshold(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{"BTCZAR": 45.1, "ETHZAR": 80})
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)

	s.ScanOnce(context.Background())

	assert.Empty(t, handler.signals)
}

func TestScanThresholdIsInclusive(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{"BTCZAR": 45})
	ex.SetPrice("BTCZAR", decimal.NewFromInt(1000000))
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)

	s.ScanOnce(context.Background())

	assert.Len(t, handler.signals, 1)
}

func TestCooldownSilencesPair(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{"BTCZAR": 30})
	ex.SetPrice("BTCZAR", decimal.NewFromInt(1000000))
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)
	s.SetClock(func() time.Time { return now })

	ctx := context.Background()
	s.ScanOnce(ctx)
	s.ScanOnce(ctx)
	require.Len(t, handler.signals, 1)

	now = now.Add(29 * time.Minute)
	s.ScanOnce(ctx)
	require.Len(t, handler.signals, 1)

	now = now.Add(2 * time.Minute)
	s.ScanOnce(ctx)
	assert.Len(t, handler.signals, 2)
}

func TestCooldownAppliesEvenWhenSignalRejected(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{"BTCZAR": 30})
	ex.SetPrice("BTCZAR", decimal.NewFromInt(1000000))
	handler := &capturingHandler{err: apperrors.ErrSignalRejected}
	s := newTestScanner(t, ex, handler)

	ctx := context.Background()
	s.ScanOnce(ctx)
	s.ScanOnce(ctx)

	assert.Len(t, handler.signals, 1)
}

func TestScanContinuesPastFailingPair(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = func(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error) {
		if pair == "BTCZAR" {
			return nil, assert.AnError
		}
		return []core.IndicatorPoint{{Value: 20}}, nil
	}
	ex.SetPrice("ETHZAR", decimal.NewFromInt(50000))
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)

	s.ScanOnce(context.Background())

	require.Len(t, handler.signals, 1)
	assert.Equal(t, "ETHZAR", handler.signals[0].Pair)
}

func TestScanHandlesEmptyIndicatorHistory(t *testing.T) {
	ex := mock.NewExchange()
	ex.IndicatorFn = scriptedRSI(map[string]float64{})
	handler := &capturingHandler{}
	s := newTestScanner(t, ex, handler)

	s.ScanOnce(context.Background())

	assert.Empty(t, handler.signals)
}
