package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPosition(entryOrderID string) *core.Position {
	now := time.Now().UTC().Truncate(time.Second)
	return &core.Position{
		ID:   uuid.NewString(),
		Pair: "BTCZAR",
		Side: core.SideBuy,
		EntryOrder: &core.Order{
			ID:        entryOrderID,
			Pair:      "BTCZAR",
			Role:      core.RoleEntry,
			Side:      core.SideBuy,
			Price:     decimal.RequireFromString("500000"),
			Quantity:  decimal.RequireFromString("0.0002"),
			Status:    core.OrderOpen,
			CreatedAt: now,
		},
		StopLossTrigger: decimal.RequireFromString("490000"),
		TakeProfitPrice: decimal.RequireFromString("507500"),
		Quantity:        decimal.RequireFromString("0.0002"),
		OpenedAt:        now,
		Status:          core.PositionEntryOpen,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPosition("order-1")
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, core.PositionEntryOpen, got.Status)
	assert.True(t, got.TakeProfitPrice.Equal(p.TakeProfitPrice))
	assert.Equal(t, "order-1", got.EntryOrder.ID)
}

func TestSaveIsAnUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPosition("order-1")
	require.NoError(t, s.Save(ctx, p))

	p.Status = core.PositionActive
	p.EntryPrice = decimal.RequireFromString("499500")
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionActive, got.Status)
	assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("499500")))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoadMissingPosition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestDuplicateOrderIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newTestPosition("shared-order")))

	err := s.Save(ctx, newTestPosition("shared-order"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestEmptyOrderIDsDoNotConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two positions whose entry orders have not been acknowledged yet
	require.NoError(t, s.Save(ctx, newTestPosition("")))
	require.NoError(t, s.Save(ctx, newTestPosition("")))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLoadAllReturnsEveryPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, newTestPosition(uuid.NewString())))
	}

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestPurgeClosedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestPosition("old-order")
	oldClosed := time.Now().Add(-48 * time.Hour)
	old.Status = core.PositionClosed
	old.ClosedAt = &oldClosed
	require.NoError(t, s.Save(ctx, old))

	recent := newTestPosition("recent-order")
	recentClosed := time.Now().Add(-time.Hour)
	recent.Status = core.PositionClosed
	recent.ClosedAt = &recentClosed
	require.NoError(t, s.Save(ctx, recent))

	active := newTestPosition("active-order")
	require.NoError(t, s.Save(ctx, active))

	n, err := s.PurgeClosedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Load(ctx, old.ID)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestPurgeNeverTouchesOpenPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestPosition("order-open")
	require.NoError(t, s.Save(ctx, p))

	n, err := s.PurgeClosedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	p := newTestPosition("order-1")
	require.NoError(t, s1.Save(ctx, p))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, core.PositionEntryOpen, got.Status)
}
