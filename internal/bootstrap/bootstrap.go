// Package bootstrap wires the bot together and runs it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/diamondsteel259/trading-bot/internal/alert"
	"github.com/diamondsteel259/trading-bot/internal/config"
	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/internal/engine"
	"github.com/diamondsteel259/trading-bot/internal/exchange/valr"
	inframetrics "github.com/diamondsteel259/trading-bot/internal/infrastructure/metrics"
	"github.com/diamondsteel259/trading-bot/internal/mock"
	"github.com/diamondsteel259/trading-bot/internal/recovery"
	"github.com/diamondsteel259/trading-bot/internal/safety"
	"github.com/diamondsteel259/trading-bot/internal/signal"
	"github.com/diamondsteel259/trading-bot/internal/store"
	"github.com/diamondsteel259/trading-bot/internal/trading/monitor"
	"github.com/diamondsteel259/trading-bot/internal/trading/order"
	"github.com/diamondsteel259/trading-bot/pkg/concurrency"
	"github.com/diamondsteel259/trading-bot/pkg/logging"
	"github.com/diamondsteel259/trading-bot/pkg/retry"
	"github.com/diamondsteel259/trading-bot/pkg/telemetry"
	wsclient "github.com/diamondsteel259/trading-bot/pkg/websocket"
)

// App holds every long-lived component of the bot
type App struct {
	cfg    *config.Config
	logger *logging.ZapLogger

	telemetry  *telemetry.Telemetry
	metricsSrv *inframetrics.Server

	store    core.PositionStore
	exchange core.Exchange
	executor *order.Executor

	engine     *engine.Engine
	dispatcher *engine.Dispatcher
	tickPool   *concurrency.WorkerPool
	monitor    *monitor.PriceMonitor
	scanner    *signal.RSIScanner
	checker    *safety.Checker
	alerts     *alert.Manager
}

// New builds the full component graph from configuration. Nothing starts
// running until Run is called. version is the build version stamped into
// the binary; it flows into the exported telemetry resource.
func New(cfg *config.Config, version string) (*App, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	environment := "live"
	if cfg.Trading.DryRun {
		environment = "dry-run"
	}
	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName: "valr-bot",
		Version:     version,
		Environment: environment,
		DebugExport: cfg.Telemetry.DebugExport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	positionStore, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open position store: %w", err)
	}

	var exchange core.Exchange
	if cfg.Trading.DryRun {
		logger.Warn("Dry run mode: using in-memory exchange, no real orders will be placed")
		exchange = mock.NewExchange()
	} else {
		exchange = valr.New(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.SecretKey,
			time.Duration(cfg.Exchange.TimeoutSec)*time.Second, logger)
	}

	executor := order.NewExecutor(exchange, cfg.Exchange.RateLimitRPS, cfg.Exchange.RateBurst, logger)
	if cfg.Timing.OrderRetryDelayMs > 0 {
		executor.SetRetryConfig(3, time.Duration(cfg.Timing.OrderRetryDelayMs)*time.Millisecond, 10*time.Second)
	}

	eng := engine.New(engine.Config{
		TakeProfitPct:      cfg.Trading.TakeProfitPct,
		StopLossPct:        cfg.Trading.StopLossPct,
		EntryTimeout:       cfg.EntryTimeout(),
		MaxHold:            cfg.MaxHold(),
		BaseTradeAmount:    decimal.NewFromFloat(cfg.Trading.BaseTradeAmount),
		MaxDailyTrades:     cfg.Trading.MaxDailyTrades,
		MaxOpenPositions:   cfg.Trading.MaxOpenPositions,
		PairDecimals:       cfg.Trading.PairDecimals,
		PriceDecimals:      cfg.Trading.PriceDecimals,
		StatusPollInterval: time.Duration(cfg.Timing.OrderPollIntervalMs) * time.Millisecond,
	}, positionStore, executor, logger)

	var notifiers []alert.Notifier
	if cfg.Alerts.Enabled && cfg.Alerts.TelegramBotToken != "" {
		notifiers = append(notifiers, alert.NewTelegramNotifier(
			cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	alerts := alert.NewManager(logger, notifiers...)

	eng.SetTerminalHook(func(p *core.Position) {
		switch p.Status {
		case core.PositionClosed:
			alerts.PositionClosed(p)
		case core.PositionFailed:
			alerts.PositionFailed(p)
		}
	})

	checker := safety.NewChecker(safety.Config{
		BaseTradeAmount: decimal.NewFromFloat(cfg.Trading.BaseTradeAmount),
		MinOrderValue:   decimal.NewFromFloat(cfg.Trading.MinOrderValue),
		MaxPositionSize: decimal.NewFromFloat(cfg.Trading.MaxPositionSize),
	}, exchange, eng, logger)

	scanner := signal.NewRSIScanner(signal.Config{
		Pairs:        cfg.Trading.Pairs,
		Period:       cfg.Signals.RSIPeriod,
		Oversold:     cfg.Signals.RSIOversold,
		Interval:     cfg.Signals.CandleInterval,
		ScanInterval: time.Duration(cfg.Signals.ScanIntervalSec) * time.Second,
		PairCooldown: cfg.PairCooldown(),
	}, exchange, checker, logger)

	var headerFunc wsclient.HeaderFunc
	websocketURL := ""
	if !cfg.Trading.DryRun && cfg.Exchange.WebsocketURL != "" {
		websocketURL = cfg.Exchange.WebsocketURL
		signer := valr.NewRequestSigner(cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
		headerFunc = func() (http.Header, error) { return signer.WebsocketHeaders("/ws/trade") }
	}

	priceMonitor := monitor.NewPriceMonitor(monitor.Config{
		Pairs:        cfg.Trading.Pairs,
		PollInterval: time.Duration(cfg.Timing.PricePollIntervalMs) * time.Millisecond,
		WebsocketURL: websocketURL,
	}, exchange, headerFunc, logger)

	tickPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "tick",
		MaxWorkers:  cfg.Concurrency.TickPoolSize,
		MaxCapacity: cfg.Concurrency.TickPoolBuffer,
		NonBlocking: true,
	}, logger)

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		SweepInterval: time.Duration(cfg.Timing.SweepIntervalSec) * time.Second,
	}, eng, tickPool, logger)

	var metricsSrv *inframetrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = inframetrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tel,
		metricsSrv: metricsSrv,
		store:      positionStore,
		exchange:   exchange,
		executor:   executor,
		engine:     eng,
		dispatcher: dispatcher,
		tickPool:   tickPool,
		monitor:    priceMonitor,
		scanner:    scanner,
		checker:    checker,
		alerts:     alerts,
	}, nil
}

// Run reconciles, restores, then runs every component until the context is
// cancelled. Reconciliation must succeed before the first tick; a bot that
// cannot verify its own positions must not trade.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting", "exchange", a.exchange.GetName(),
		"pairs", a.cfg.Trading.Pairs, "dry_run", a.cfg.Trading.DryRun)

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}

	if err := a.exchange.CheckHealth(ctx); err != nil {
		a.logger.Warn("Exchange health check failed at startup", "error", err)
	}

	reconciler := recovery.New(recovery.Config{
		TakeProfitPct: a.cfg.Trading.TakeProfitPct,
		StopLossPct:   a.cfg.Trading.StopLossPct,
		PriceDecimals: a.cfg.Trading.PriceDecimals,
		RetryPolicy: retry.Policy{
			MaxAttempts:    a.cfg.Timing.ReconcileMaxAttempts,
			InitialBackoff: time.Duration(a.cfg.Timing.ReconcileBackoffSec) * time.Second,
			MaxBackoff:     time.Minute,
		},
	}, a.store, a.exchange, a.logger)

	open, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	if err := a.engine.Restore(open); err != nil {
		return fmt.Errorf("failed to restore positions: %w", err)
	}
	a.alerts.BotStarted(len(open), reconciler.RepairedCount())

	ticks := a.monitor.SubscribeTicks()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.scanner.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx, ticks) })
	g.Go(func() error { return a.purgeLoop(gctx) })
	g.Go(func() error { return a.statusLoop(gctx) })

	err = g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// purgeLoop removes long-terminal positions from the store once an hour
func (a *App) purgeLoop(ctx context.Context) error {
	retention := time.Duration(a.cfg.Store.PurgeClosedAfterHr) * time.Hour
	if retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.store.PurgeClosedBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				a.logger.Warn("Store purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("Purged terminal positions", "count", n)
			}
		}
	}
}

// statusLoop logs a periodic operational snapshot
func (a *App) statusLoop(ctx context.Context) error {
	interval := time.Duration(a.cfg.Timing.StatusPrintIntervalSc) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.logger.Info("Status", "engine", a.engine.Stats(), "pool", a.tickPool.Stats())
		}
	}
}

// cancelRestingEntries pulls unfilled entry orders off the book on shutdown.
// The store still says ENTRY_OPEN; reconciliation at next startup observes
// the cancellation and concludes the positions.
func (a *App) cancelRestingEntries(ctx context.Context) {
	for _, pair := range a.engine.OpenPairs() {
		p := a.engine.PositionForPair(pair)
		if p == nil || p.Status != core.PositionEntryOpen {
			continue
		}
		if err := a.executor.Cancel(ctx, p.Pair, p.EntryOrder.ID); err != nil {
			a.logger.Warn("Exit-time entry cancel failed", "pair", p.Pair, "error", err)
		} else {
			a.logger.Info("Cancelled resting entry on exit", "pair", p.Pair, "order_id", p.EntryOrder.ID)
		}
	}
}

func (a *App) shutdown() {
	a.logger.Info("Shutting down, draining in-flight work")
	a.alerts.BotStopping()

	a.dispatcher.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.cfg.System.CancelOnExit {
		a.cancelRestingEntries(shutdownCtx)
	}

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(shutdownCtx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Store close failed", "error", err)
	}
	_ = a.logger.Sync()
}
