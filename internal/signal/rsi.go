// Package signal produces entry signals from market indicators.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
)

// Config controls the RSI scanner
type Config struct {
	Pairs        []string
	Period       int
	Oversold     float64
	Interval     string
	ScanInterval time.Duration
	PairCooldown time.Duration
}

// RSIScanner polls the relative strength index for each configured pair and
// emits an entry signal when it drops to or below the oversold threshold.
// After a pair signals, it is silenced for the cooldown window regardless of
// whether the signal was accepted, so a stuck-oversold market does not hammer
// the handler every scan.
type RSIScanner struct {
	cfg      Config
	exchange core.Exchange
	handler  core.SignalHandler
	logger   core.ILogger
	now      func() time.Time

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// NewRSIScanner creates a scanner; Run starts it
func NewRSIScanner(cfg Config, exchange core.Exchange, handler core.SignalHandler, logger core.ILogger) *RSIScanner {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	return &RSIScanner{
		cfg:        cfg,
		exchange:   exchange,
		handler:    handler,
		logger:     logger.WithField("component", "rsi_scanner"),
		now:        time.Now,
		lastSignal: make(map[string]time.Time),
	}
}

// SetClock overrides the time source, for tests
func (s *RSIScanner) SetClock(now func() time.Time) {
	s.now = now
}

// Run scans at the configured interval until the context is cancelled
func (s *RSIScanner) Run(ctx context.Context) error {
	s.logger.Info("Signal scanner started",
		"pairs", len(s.cfg.Pairs), "period", s.cfg.Period, "oversold", s.cfg.Oversold)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce evaluates every configured pair a single time. Failures on one
// pair never block the others.
func (s *RSIScanner) ScanOnce(ctx context.Context) {
	for _, pair := range s.cfg.Pairs {
		if err := s.scanPair(ctx, pair); err != nil {
			s.logger.Warn("Pair scan failed", "pair", pair, "error", err)
		}
	}
}

func (s *RSIScanner) scanPair(ctx context.Context, pair string) error {
	if s.onCooldown(pair) {
		return nil
	}

	indicator := fmt.Sprintf("rsi_%d", s.cfg.Period)
	points, err := s.exchange.GetIndicator(ctx, pair, indicator, s.cfg.Interval, 1)
	if err != nil {
		return fmt.Errorf("indicator fetch failed: %w", err)
	}
	if len(points) == 0 {
		s.logger.Debug("Insufficient candle history", "pair", pair)
		return nil
	}

	rsi := points[len(points)-1].Value
	if rsi > s.cfg.Oversold {
		return nil
	}

	price, err := s.exchange.GetLastTradedPrice(ctx, pair)
	if err != nil {
		return fmt.Errorf("price fetch failed: %w", err)
	}

	s.markSignalled(pair)
	s.logger.Info("Oversold signal", "pair", pair, "rsi", rsi, "price", price)

	err = s.handler.OnSignal(ctx, core.Signal{
		Pair:           pair,
		ReferencePrice: price,
		Strength:       s.cfg.Oversold - rsi,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrSignalRejected), errors.Is(err, apperrors.ErrDailyLimitReached):
		s.logger.Debug("Signal not taken", "pair", pair, "reason", err)
		return nil
	default:
		return fmt.Errorf("signal handling failed: %w", err)
	}
}

func (s *RSIScanner) onCooldown(pair string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSignal[pair]
	return ok && s.now().Sub(last) < s.cfg.PairCooldown
}

func (s *RSIScanner) markSignalled(pair string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignal[pair] = s.now()
}
