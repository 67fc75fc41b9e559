package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/pkg/concurrency"
)

// DispatcherConfig controls the tick dispatcher
type DispatcherConfig struct {
	SweepInterval time.Duration
}

// Dispatcher feeds price ticks and periodic sweeps into the engine through a
// worker pool. At most one tick per pair is in flight at a time; a tick
// arriving while its pair is busy is coalesced into the next one, since each
// tick re-reads current state anyway.
type Dispatcher struct {
	cfg    DispatcherConfig
	engine *Engine
	pool   *concurrency.WorkerPool
	logger core.ILogger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewDispatcher creates a dispatcher; Run starts it
func NewDispatcher(cfg DispatcherConfig, engine *Engine, pool *concurrency.WorkerPool, logger core.ILogger) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		engine:   engine,
		pool:     pool,
		logger:   logger.WithField("component", "dispatcher"),
		inFlight: make(map[string]bool),
	}
}

// Run consumes ticks until the channel closes or the context is cancelled.
// The periodic sweep drives pure-timer transitions (entry timeout, max hold,
// unacknowledged exit retries) so positions progress even when the market
// goes quiet.
func (d *Dispatcher) Run(ctx context.Context, ticks <-chan core.PriceTick) error {
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			d.dispatch(ctx, tick.Pair, tick.Price)
		case <-sweep.C:
			for _, pair := range d.engine.OpenPairs() {
				d.dispatch(ctx, pair, decimal.Zero)
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, pair string, price decimal.Decimal) {
	d.mu.Lock()
	if d.inFlight[pair] {
		d.mu.Unlock()
		return
	}
	d.inFlight[pair] = true
	d.mu.Unlock()

	err := d.pool.Submit(func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, pair)
			d.mu.Unlock()
		}()
		if err := d.engine.Tick(ctx, time.Now(), pair, price); err != nil {
			d.logger.Warn("Tick failed", "pair", pair, "error", err)
		}
	})
	if err != nil {
		d.mu.Lock()
		delete(d.inFlight, pair)
		d.mu.Unlock()
		d.logger.Warn("Tick dropped, pool saturated", "pair", pair, "error", err)
	}
}

// Drain stops accepting work and waits for queued ticks to finish
func (d *Dispatcher) Drain() {
	d.pool.Stop()
}
