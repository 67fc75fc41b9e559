package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/internal/mock"
	"github.com/diamondsteel259/trading-bot/internal/store"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
	"github.com/diamondsteel259/trading-bot/pkg/retry"
)

var reconcileTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T) (*Reconciler, *store.MemoryStore, *mock.Exchange) {
	t.Helper()
	st := store.NewMemoryStore()
	ex := mock.NewExchange()
	r := New(Config{
		TakeProfitPct: 1.5,
		StopLossPct:   2.0,
		PriceDecimals: map[string]int{"BTCZAR": 0},
		RetryPolicy:   retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, st, ex, logging.NewNop())
	r.SetClock(func() time.Time { return reconcileTime })
	return r, st, ex
}

func storedPosition(status core.PositionStatus, entryOrderID string) *core.Position {
	p := &core.Position{
		ID:     "pos-" + string(status),
		Pair:   "BTCZAR",
		Side:   core.SideBuy,
		Status: status,
		EntryOrder: &core.Order{
			ID:       entryOrderID,
			Pair:     "BTCZAR",
			Role:     core.RoleEntry,
			Side:     core.SideBuy,
			Price:    decimal.NewFromInt(1000000),
			Quantity: decimal.RequireFromString("0.001"),
			Status:   core.OrderOpen,
		},
		Quantity: decimal.RequireFromString("0.001"),
		OpenedAt: reconcileTime.Add(-10 * time.Minute),
	}
	if entryOrderID == "" {
		p.EntryOrder.Status = core.OrderPlacing
	}
	return p
}

func TestReconcilePendingEntryFails(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionPendingEntry, "")))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, "pos-PENDING_ENTRY")
	require.NoError(t, err)
	assert.Equal(t, core.PositionFailed, saved.Status)
	assert.Contains(t, saved.FailReason, "unconfirmed")
	require.NotNil(t, saved.ClosedAt)
}

func TestReconcileEntryFilledBecomesActive(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionEntryOpen, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderFilled,
		decimal.RequireFromString("0.001"), decimal.NewFromInt(999500))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	p := open[0]
	assert.Equal(t, core.PositionActive, p.Status)
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(999500)))
	assert.True(t, p.TakeProfitPrice.Equal(decimal.NewFromInt(1014492)), "got %s", p.TakeProfitPrice)
	assert.True(t, p.StopLossTrigger.Equal(decimal.NewFromInt(979510)), "got %s", p.StopLossTrigger)

	saved, err := st.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionActive, saved.Status)
}

func TestReconcileEntryStillRestingUnchanged(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionEntryOpen, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderOpen, decimal.Zero, decimal.Zero)

	open, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.PositionEntryOpen, open[0].Status)
}

func TestReconcileEntryCancelledExternally(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionEntryOpen, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderCancelled, decimal.Zero, decimal.Zero)

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, "pos-ENTRY_OPEN")
	require.NoError(t, err)
	assert.Equal(t, core.PositionFailed, saved.Status)
}

func TestReconcileCancellingEntryConcludesCancelled(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionCancellingEntry, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderCancelled, decimal.Zero, decimal.Zero)

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, "pos-CANCELLING_ENTRY")
	require.NoError(t, err)
	assert.Equal(t, core.PositionCancelled, saved.Status)
}

func TestReconcileCancellingEntryPartialFillBecomesActive(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionCancellingEntry, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderCancelled,
		decimal.RequireFromString("0.0004"), decimal.NewFromInt(1000000))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	p := open[0]
	assert.Equal(t, core.PositionActive, p.Status)
	assert.Equal(t, core.OrderCancelled, p.EntryOrder.Status)
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("0.0004")))
}

func TestReconcileEntryUnknownToExchange(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionEntryOpen, "order-gone")))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, "pos-ENTRY_OPEN")
	require.NoError(t, err)
	assert.Equal(t, core.PositionFailed, saved.Status)
	assert.Contains(t, saved.FailReason, "unknown to exchange")
}

func TestReconcileExitFilledCloses(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()

	p := storedPosition(core.PositionPlacingExit, "order-1")
	p.EntryOrder.Status = core.OrderFilled
	p.EntryPrice = decimal.NewFromInt(1000000)
	p.ExitOrder = &core.Order{
		ID:     "order-2",
		Pair:   "BTCZAR",
		Role:   core.RoleTakeProfit,
		Side:   core.SideSell,
		Price:  decimal.NewFromInt(1015000),
		Status: core.OrderOpen,
	}
	require.NoError(t, st.Save(ctx, p))
	ex.SetOrderStatus("order-2", core.OrderFilled,
		decimal.RequireFromString("0.001"), decimal.NewFromInt(1015000))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosed, saved.Status)
	assert.True(t, saved.RealizedPnL.Equal(decimal.NewFromInt(15)), "got %s", saved.RealizedPnL)
	require.NotNil(t, saved.ClosedAt)
}

func TestReconcileExitIntentWithoutOrderKeptForEngine(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()

	p := storedPosition(core.PositionClosingAtMarket, "order-1")
	p.EntryOrder.Status = core.OrderFilled
	p.ExitOrder = nil
	require.NoError(t, st.Save(ctx, p))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.PositionClosingAtMarket, open[0].Status)
}

func TestReconcilePreemptedTakeProfitStripped(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()

	p := storedPosition(core.PositionClosingAtMarket, "order-1")
	p.EntryOrder.Status = core.OrderFilled
	p.ExitOrder = &core.Order{
		ID:     "order-2",
		Pair:   "BTCZAR",
		Role:   core.RoleTakeProfit,
		Side:   core.SideSell,
		Status: core.OrderOpen,
	}
	require.NoError(t, st.Save(ctx, p))
	ex.SetOrderStatus("order-2", core.OrderCancelled, decimal.Zero, decimal.Zero)

	open, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.PositionClosingAtMarket, open[0].Status)
	assert.Nil(t, open[0].ExitOrder)
}

func TestReconcileSkipsTerminalPositions(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()

	p := storedPosition(core.PositionFailed, "order-1")
	p.FailReason = "previous failure"
	require.NoError(t, st.Save(ctx, p))

	open, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	saved, err := st.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "previous failure", saved.FailReason)
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, st, ex := newTestReconciler(t)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storedPosition(core.PositionEntryOpen, "order-1")))
	ex.SetOrderStatus("order-1", core.OrderFilled,
		decimal.RequireFromString("0.001"), decimal.NewFromInt(999500))

	first, err := r.Run(ctx)
	require.NoError(t, err)
	firstSaves := st.SaveCalls

	second, err := r.Run(ctx)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Status, second[0].Status)
	assert.True(t, first[0].EntryPrice.Equal(second[0].EntryPrice))
	assert.Equal(t, firstSaves, st.SaveCalls, "second pass must not rewrite anything")
}
