package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal      = "valr_bot_pnl_realized_total"
	MetricPositionsActive       = "valr_bot_positions_active"
	MetricPositionsOpenedTotal  = "valr_bot_positions_opened_total"
	MetricPositionsClosedTotal  = "valr_bot_positions_closed_total"
	MetricOrdersPlacedTotal     = "valr_bot_orders_placed_total"
	MetricOrdersFailedTotal     = "valr_bot_orders_failed_total"
	MetricReconcileRepairsTotal = "valr_bot_reconcile_repairs_total"
	MetricSignalsRejectedTotal  = "valr_bot_signals_rejected_total"
	MetricDailyTrades           = "valr_bot_daily_trades"
	MetricLatencyExchange       = "valr_bot_latency_exchange_ms"
	MetricStoreWriteFailures    = "valr_bot_store_write_failures_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal      metric.Float64Counter
	PositionsActive       metric.Int64ObservableGauge
	PositionsOpenedTotal  metric.Int64Counter
	PositionsClosedTotal  metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFailedTotal     metric.Int64Counter
	ReconcileRepairsTotal metric.Int64Counter
	SignalsRejectedTotal  metric.Int64Counter
	DailyTrades           metric.Int64ObservableGauge
	LatencyExchange       metric.Float64Histogram
	StoreWriteFailures    metric.Int64Counter

	// State for observable gauges
	mu                 sync.RWMutex
	activePositionsMap map[string]int64
	dailyTrades        int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// created against the global meter provider immediately: the otel global
// delegates to the real provider once Setup installs it, and no-ops until
// then, so callers never see nil instruments.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activePositionsMap: make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("valr_bot"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in quote currency"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Total positions opened"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Total positions reaching a terminal state, by outcome"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total order placements that failed permanently"))
	if err != nil {
		return err
	}

	m.ReconcileRepairsTotal, err = meter.Int64Counter(MetricReconcileRepairsTotal, metric.WithDescription("Positions repaired during startup reconciliation"))
	if err != nil {
		return err
	}

	m.SignalsRejectedTotal, err = meter.Int64Counter(MetricSignalsRejectedTotal, metric.WithDescription("Entry signals rejected by safety checks"))
	if err != nil {
		return err
	}

	m.StoreWriteFailures, err = meter.Int64Counter(MetricStoreWriteFailures, metric.WithDescription("Position store write failures"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PositionsActive, err = meter.Int64ObservableGauge(MetricPositionsActive, metric.WithDescription("Number of non-terminal positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.activePositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyTrades, err = meter.Int64ObservableGauge(MetricDailyTrades, metric.WithDescription("Trades opened in the current UTC day"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyTrades)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActivePositions(pair string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePositionsMap[pair] = count
}

func (m *MetricsHolder) SetDailyTrades(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyTrades = count
}

func (m *MetricsHolder) GetActivePositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activePositionsMap {
		res[k] = v
	}
	return res
}
