// Package valr implements the exchange client for the VALR REST API.
package valr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diamondsteel259/trading-bot/internal/core"
	apperrors "github.com/diamondsteel259/trading-bot/pkg/errors"
	apphttp "github.com/diamondsteel259/trading-bot/pkg/http"
)

// Exchange is the VALR implementation of core.Exchange
type Exchange struct {
	client *apphttp.Client
	logger core.ILogger
}

// New creates a VALR exchange client
func New(baseURL, apiKey, apiSecret string, timeout time.Duration, logger core.ILogger) *Exchange {
	signer := NewRequestSigner(apiKey, apiSecret)
	return &Exchange{
		client: apphttp.NewClient(baseURL, timeout, signer),
		logger: logger.WithField("component", "valr_exchange"),
	}
}

// GetName returns the exchange identifier
func (e *Exchange) GetName() string {
	return "valr"
}

// CheckHealth verifies API connectivity, clock alignment and authentication
func (e *Exchange) CheckHealth(ctx context.Context) error {
	serverTime, err := e.GetServerTime(ctx)
	if err != nil {
		return err
	}
	if skew := time.Since(serverTime); skew > 10*time.Second || skew < -10*time.Second {
		// Signed requests carry a timestamp VALR validates; a drifted clock
		// fails every authenticated call.
		e.logger.Warn("Local clock skewed against exchange", "skew", skew)
	}

	if _, err := e.client.Get(ctx, "/v1/account/balances", nil); err != nil {
		return mapError(err)
	}
	return nil
}

// GetServerTime returns the exchange's clock
func (e *Exchange) GetServerTime(ctx context.Context) (time.Time, error) {
	body, err := e.client.Get(ctx, "/v1/public/time", nil)
	if err != nil {
		return time.Time{}, mapError(err)
	}
	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse server time: %w", err)
	}
	return time.Unix(resp.EpochTime, 0), nil
}

// PlaceLimitOrder places a GTC limit order and returns the exchange order id
func (e *Exchange) PlaceLimitOrder(ctx context.Context, pair string, side core.OrderSide, quantity, price decimal.Decimal, postOnly bool) (string, error) {
	req := limitOrderRequest{
		Side:        string(side),
		Quantity:    quantity.String(),
		Price:       price.String(),
		Pair:        pair,
		PostOnly:    postOnly,
		TimeInForce: "GTC",
	}

	body, err := e.client.Post(ctx, "/v1/orders/limit", req)
	if err != nil {
		return "", mapError(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode limit order response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: empty order id in response", apperrors.ErrOrderRejected)
	}

	e.logger.Info("Limit order placed", "pair", pair, "side", side, "price", price, "quantity", quantity, "order_id", resp.ID)
	return resp.ID, nil
}

// PlaceMarketOrder places a market order sized by base quantity or quote amount
func (e *Exchange) PlaceMarketOrder(ctx context.Context, pair string, side core.OrderSide, baseQuantity, quoteAmount decimal.Decimal) (string, error) {
	if baseQuantity.IsZero() == quoteAmount.IsZero() {
		return "", fmt.Errorf("%w: exactly one of base quantity or quote amount must be set", apperrors.ErrInvalidOrderParameter)
	}

	req := marketOrderRequest{
		Side: string(side),
		Pair: pair,
	}
	if !baseQuantity.IsZero() {
		req.BaseAmount = baseQuantity.String()
	} else {
		req.QuoteAmount = quoteAmount.String()
	}

	body, err := e.client.Post(ctx, "/v1/orders/market", req)
	if err != nil {
		return "", mapError(err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode market order response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: empty order id in response", apperrors.ErrOrderRejected)
	}

	e.logger.Info("Market order placed", "pair", pair, "side", side, "order_id", resp.ID)
	return resp.ID, nil
}

// GetOrderStatus queries the true state of an order
func (e *Exchange) GetOrderStatus(ctx context.Context, pair, orderID string) (*core.OrderState, error) {
	path := fmt.Sprintf("/v1/orders/%s/orderid/%s", pair, orderID)
	body, err := e.client.Get(ctx, path, nil)
	if err != nil {
		return nil, mapError(err)
	}

	var resp orderStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode order status response: %w", err)
	}

	original, _ := decimal.NewFromString(resp.OriginalQuantity)
	remaining, _ := decimal.NewFromString(resp.RemainingQuantity)
	avgPrice, _ := decimal.NewFromString(resp.AveragePrice)
	if avgPrice.IsZero() {
		// Market summaries and old fills omit averagePrice; fall back
		// to the limit price for fully filled limit orders.
		avgPrice, _ = decimal.NewFromString(resp.OriginalPrice)
	}

	updatedAt := time.Now()
	if t, err := time.Parse(time.RFC3339, resp.OrderUpdatedAt); err == nil {
		updatedAt = t
	}

	return &core.OrderState{
		ID:             resp.OrderID,
		Status:         mapOrderStatus(resp.OrderStatusType),
		FilledQuantity: original.Sub(remaining),
		AvgFillPrice:   avgPrice,
		UpdatedAt:      updatedAt,
	}, nil
}

// CancelOrder cancels an open order. Cancelling an order the exchange no
// longer knows returns apperrors.ErrOrderNotFound.
func (e *Exchange) CancelOrder(ctx context.Context, pair, orderID string) error {
	req := cancelOrderRequest{OrderID: orderID, Pair: pair}
	if _, err := e.client.Delete(ctx, "/v1/orders/order", req); err != nil {
		return mapError(err)
	}
	e.logger.Info("Order cancelled", "pair", pair, "order_id", orderID)
	return nil
}

// GetBalance returns the available balance for an asset
func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := e.client.Get(ctx, "/v1/account/balances", nil)
	if err != nil {
		return decimal.Zero, mapError(err)
	}

	var balances []balanceResponse
	if err := json.Unmarshal(body, &balances); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode balances response: %w", err)
	}

	for _, b := range balances {
		if strings.EqualFold(b.Currency, asset) {
			available, err := decimal.NewFromString(b.Available)
			if err != nil {
				return decimal.Zero, fmt.Errorf("failed to parse balance for %s: %w", asset, err)
			}
			return available, nil
		}
	}
	return decimal.Zero, nil
}

// GetLastTradedPrice returns the last traded price from the market summary
func (e *Exchange) GetLastTradedPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/public/%s/marketsummary", pair)
	body, err := e.client.Get(ctx, path, nil)
	if err != nil {
		return decimal.Zero, mapError(err)
	}

	var resp marketSummaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode market summary: %w", err)
	}

	price, err := decimal.NewFromString(resp.LastTradedPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse last traded price %q: %w", resp.LastTradedPrice, err)
	}
	return price, nil
}

// GetIndicator computes an indicator from mark price candles. The indicator
// name carries its period, e.g. "rsi_14".
func (e *Exchange) GetIndicator(ctx context.Context, pair, indicator, interval string, limit int) ([]core.IndicatorPoint, error) {
	name, period, err := parseIndicator(indicator)
	if err != nil {
		return nil, err
	}
	if name != "rsi" {
		return nil, fmt.Errorf("%w: unsupported indicator %q", apperrors.ErrInvalidOrderParameter, indicator)
	}

	seconds, err := intervalSeconds(interval)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/public/%s/markprice/buckets", pair)
	params := map[string]string{
		"periodSeconds": strconv.Itoa(seconds),
		"limit":         strconv.Itoa(limit + period),
	}
	body, err := e.client.Get(ctx, path, params)
	if err != nil {
		return nil, mapError(err)
	}

	var buckets []candleBucket
	if err := json.Unmarshal(body, &buckets); err != nil {
		return nil, fmt.Errorf("failed to decode candle buckets: %w", err)
	}
	if len(buckets) < period+1 {
		return nil, fmt.Errorf("not enough candles for %s: have %d, need %d", indicator, len(buckets), period+1)
	}

	// Buckets arrive newest first
	closes := make([]float64, 0, len(buckets))
	times := make([]time.Time, 0, len(buckets))
	for i := len(buckets) - 1; i >= 0; i-- {
		c, err := strconv.ParseFloat(buckets[i].Close, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse candle close %q: %w", buckets[i].Close, err)
		}
		closes = append(closes, c)
		t, _ := time.Parse(time.RFC3339, buckets[i].StartTime)
		times = append(times, t)
	}

	values := rsi(closes, period)
	points := make([]core.IndicatorPoint, 0, len(values))
	for i, v := range values {
		points = append(points, core.IndicatorPoint{
			At:    times[i+period],
			Value: v,
		})
	}
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// rsi computes Wilder's RSI over the close series. The result has
// len(closes)-period values, aligned to closes[period:].
func rsi(closes []float64, period int) []float64 {
	if len(closes) <= period {
		return nil
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, len(closes)-period)
	out = append(out, rsiValue(avgGain, avgLoss))

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func parseIndicator(indicator string) (string, int, error) {
	parts := strings.SplitN(strings.ToLower(indicator), "_", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid indicator %q, expected name_period", indicator)
	}
	period, err := strconv.Atoi(parts[1])
	if err != nil || period < 2 {
		return "", 0, fmt.Errorf("invalid indicator period in %q", indicator)
	}
	return parts[0], period, nil
}

func intervalSeconds(interval string) (int, error) {
	switch interval {
	case "1m":
		return 60, nil
	case "5m":
		return 300, nil
	case "15m":
		return 900, nil
	case "1h":
		return 3600, nil
	case "4h":
		return 14400, nil
	case "1d":
		return 86400, nil
	}
	return 0, fmt.Errorf("unsupported candle interval %q", interval)
}

// mapOrderStatus normalizes VALR order status strings
func mapOrderStatus(status string) core.OrderStatus {
	switch strings.ToLower(status) {
	case "placed", "active", "open":
		return core.OrderOpen
	case "partially filled":
		return core.OrderPartiallyFilled
	case "filled":
		return core.OrderFilled
	case "cancelled", "order cancelled":
		return core.OrderCancelled
	case "failed", "order failed":
		return core.OrderFailed
	}
	return core.OrderOpen
}

// mapError converts transport errors into the sentinel taxonomy
func mapError(err error) error {
	var apiErr *apphttp.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	var payload apiErrorResponse
	_ = json.Unmarshal(apiErr.Body, &payload)
	msg := strings.ToLower(payload.Message)

	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, payload.Message)
	case apiErr.StatusCode == 404:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, payload.Message)
	case apiErr.StatusCode == 429:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, payload.Message)
	case apiErr.StatusCode == 503:
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, payload.Message)
	case strings.Contains(msg, "insufficient"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, payload.Message)
	case strings.Contains(msg, "timestamp"):
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, payload.Message)
	case strings.Contains(msg, "post only") || strings.Contains(msg, "post-only"):
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, payload.Message)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", apperrors.ErrNetwork, apiErr.StatusCode)
	case apiErr.StatusCode >= 400:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, payload.Message)
	}
	return err
}
