// Package monitor streams price snapshots to the rest of the bot.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diamondsteel259/trading-bot/internal/core"
	"github.com/diamondsteel259/trading-bot/pkg/websocket"
)

// Config controls the price monitor
type Config struct {
	Pairs        []string
	PollInterval time.Duration
	WebsocketURL string
	TickBuffer   int
}

// PriceMonitor polls the exchange's last traded price for every configured
// pair and, when a websocket URL is configured, also streams market summary
// updates for lower latency. Both sources feed the same subscriber channels;
// subscribers must treat ticks as snapshots, not deltas.
type PriceMonitor struct {
	cfg      Config
	exchange core.Exchange
	logger   core.ILogger
	ws       *websocket.Client

	mu          sync.Mutex
	subscribers []chan core.PriceTick
	lastPrice   map[string]decimal.Decimal
}

type wsEnvelope struct {
	Type               string          `json:"type"`
	CurrencyPairSymbol string          `json:"currencyPairSymbol"`
	Data               json.RawMessage `json:"data"`
}

type wsMarketSummary struct {
	LastTradedPrice string `json:"lastTradedPrice"`
}

type wsSubscribeRequest struct {
	Type          string           `json:"type"`
	Subscriptions []wsSubscription `json:"subscriptions"`
}

type wsSubscription struct {
	Event string   `json:"event"`
	Pairs []string `json:"pairs"`
}

// NewPriceMonitor creates a monitor. headerFunc supplies authentication
// headers for the websocket handshake and may be nil when WebsocketURL is
// empty.
func NewPriceMonitor(cfg Config, exchange core.Exchange, headerFunc websocket.HeaderFunc, logger core.ILogger) *PriceMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = 64
	}

	m := &PriceMonitor{
		cfg:       cfg,
		exchange:  exchange,
		logger:    logger.WithField("component", "price_monitor"),
		lastPrice: make(map[string]decimal.Decimal),
	}

	if cfg.WebsocketURL != "" {
		m.ws = websocket.NewClient(cfg.WebsocketURL, m.handleMessage, m.logger)
		m.ws.SetHeaderFunc(headerFunc)
		m.ws.SetOnConnected(m.subscribeMarketSummaries)
	}
	return m
}

// SubscribeTicks registers a new subscriber channel. Slow subscribers drop
// ticks rather than stall the monitor.
func (m *PriceMonitor) SubscribeTicks() <-chan core.PriceTick {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan core.PriceTick, m.cfg.TickBuffer)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Run polls until the context is cancelled, closing all subscriber channels
// on the way out
func (m *PriceMonitor) Run(ctx context.Context) error {
	m.logger.Info("Price monitor started",
		"pairs", len(m.cfg.Pairs), "poll_interval", m.cfg.PollInterval,
		"websocket", m.cfg.WebsocketURL != "")

	if m.ws != nil {
		m.ws.Start()
		defer m.ws.Stop()
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	defer m.closeSubscribers()

	m.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce fetches the last traded price for every pair a single time
func (m *PriceMonitor) PollOnce(ctx context.Context) {
	for _, pair := range m.cfg.Pairs {
		price, err := m.exchange.GetLastTradedPrice(ctx, pair)
		if err != nil {
			m.logger.Warn("Price poll failed", "pair", pair, "error", err)
			continue
		}
		m.publish(core.PriceTick{Pair: pair, Price: price, At: time.Now()})
	}
}

// LastPrice returns the most recently observed price for the pair, or zero
// when no tick has been seen yet
func (m *PriceMonitor) LastPrice(pair string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice[pair]
}

func (m *PriceMonitor) publish(tick core.PriceTick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPrice[tick.Pair] = tick.Price
	for _, ch := range m.subscribers {
		select {
		case ch <- tick:
		default:
			m.logger.Debug("Subscriber buffer full, tick dropped", "pair", tick.Pair)
		}
	}
}

func (m *PriceMonitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

func (m *PriceMonitor) subscribeMarketSummaries() {
	req := wsSubscribeRequest{
		Type: "SUBSCRIBE",
		Subscriptions: []wsSubscription{
			{Event: "MARKET_SUMMARY_UPDATE", Pairs: m.cfg.Pairs},
		},
	}
	if err := m.ws.Send(req); err != nil {
		m.logger.Error("Market summary subscription failed", "error", err)
	}
}

func (m *PriceMonitor) handleMessage(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		m.logger.Debug("Unparseable websocket message", "error", err)
		return
	}
	if env.Type != "MARKET_SUMMARY_UPDATE" || env.CurrencyPairSymbol == "" {
		return
	}

	var summary wsMarketSummary
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		m.logger.Debug("Unparseable market summary", "pair", env.CurrencyPairSymbol, "error", err)
		return
	}
	price, err := decimal.NewFromString(summary.LastTradedPrice)
	if err != nil || price.Sign() <= 0 {
		return
	}

	m.publish(core.PriceTick{Pair: env.CurrencyPairSymbol, Price: price, At: time.Now()})
}
