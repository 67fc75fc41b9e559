package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/pkg/concurrency"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
)

func newTestDispatcher(t *testing.T, eng *Engine, sweep time.Duration) *Dispatcher {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "tick-test",
		MaxWorkers: 4,
	}, logging.NewNop())
	t.Cleanup(pool.Stop)
	return NewDispatcher(DispatcherConfig{SweepInterval: sweep}, eng, pool, logging.NewNop())
}

func TestDispatcherDeliversTicksToEngine(t *testing.T) {
	eng, ex, _ := newTestEngine(t)
	p := openTestPosition(t, eng)
	ex.FillOrder(p.EntryOrder.ID, p.Quantity, decimal.NewFromInt(1000000))

	d := newTestDispatcher(t, eng, time.Hour)
	ticks := make(chan core.PriceTick, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ticks) }()

	ticks <- core.PriceTick{Pair: "BTCZAR", Price: decimal.NewFromInt(1000000), At: baseTime}

	require.Eventually(t, func() bool {
		got := eng.Position(p.ID)
		return got != nil && got.Status == core.PositionActive
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestDispatcherStopsWhenTickChannelCloses(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	d := newTestDispatcher(t, eng, time.Hour)

	ticks := make(chan core.PriceTick)
	close(ticks)

	require.NoError(t, d.Run(context.Background(), ticks))
}

func TestDispatcherSweepDrivesTimerTransitions(t *testing.T) {
	eng, _, st := newTestEngine(t)
	p := openTestPosition(t, eng)

	// The position opened at a fixed past instant, so wall-clock sweeps see
	// the entry timeout as already expired; no price tick is ever sent.
	d := newTestDispatcher(t, eng, 5*time.Millisecond)
	ticks := make(chan core.PriceTick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, ticks) }()

	require.Eventually(t, func() bool {
		saved, err := st.Load(context.Background(), p.ID)
		return err == nil && saved.Status == core.PositionCancelled
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherCoalescesTicksPerPair(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	d := newTestDispatcher(t, eng, time.Hour)

	// Hold the in-flight slot and verify later ticks for the pair are skipped
	d.mu.Lock()
	d.inFlight["BTCZAR"] = true
	d.mu.Unlock()

	d.dispatch(context.Background(), "BTCZAR", decimal.NewFromInt(1000000))

	d.mu.Lock()
	stillHeld := d.inFlight["BTCZAR"]
	d.mu.Unlock()
	assert.True(t, stillHeld, "coalesced dispatch must not clear the busy flag")
}
