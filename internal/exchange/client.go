// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) is the bot's only write path to the exchange:
//   - PlaceBatch:  POST /orders           — batch-place signed orders (max 15)
//   - GetOrder:    GET  /data/order/{id}  — verified status + filled size
//   - Cancel:      DELETE /orders         — cancel by ID (404 counts as done)
//   - CancelAll:   DELETE /cancel-all     — shutdown safety net
//   - GetOrderBook GET  /book             — L2 book for a token
//   - Balances:    GET  /balance-allowance — collateral and token balances
//   - DeriveAPIKey GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Transient failures (network, 5xx, 429) are retried here with exponential
// backoff (1s base, factor 2, 3 attempts) and surfaced as ErrTransient once
// the budget is exhausted. Higher layers treat every call as atomic.
// Requests are rate-limited per endpoint category via x/time/rate.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/pkg/types"
)

// Per-category rate limits, tuned under Polymarket's published per-10s
// budgets (orders 3500, cancels 3000, reads 1500).
const (
	orderRatePerSec  = 50
	cancelRatePerSec = 30
	readRatePerSec   = 15

	retryAttempts  = 3
	retryBaseWait  = 1 * time.Second
	retryMaxWait   = 4 * time.Second
	requestTimeout = 10 * time.Second
)

// Client is the Polymarket CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http    *resty.Client
	auth    *Auth
	orders  *rate.Limiter
	cancels *rate.Limiter
	reads   *rate.Limiter
	balance *balanceCache
	dryRun  bool
	logger  *slog.Logger

	dryRunSeq int64 // fabricated order IDs in dry-run mode
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryAttempts).
		SetRetryWaitTime(retryBaseWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:    httpClient,
		auth:    auth,
		orders:  rate.NewLimiter(orderRatePerSec, 2*orderRatePerSec),
		cancels: rate.NewLimiter(cancelRatePerSec, 2*cancelRatePerSec),
		reads:   rate.NewLimiter(readRatePerSec, 2*readRatePerSec),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "exchange"),
	}
	c.balance = newBalanceCache(c)
	return c
}

// PlaceBatch signs and submits up to 15 orders in one POST. The result slice
// is index-aligned with the input; each entry carries either the assigned
// exchange ID or a typed per-order failure (crossing, funds, transient).
func (c *Client) PlaceBatch(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.PlacedOrder, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place orders", "count", len(orders))
		results := make([]types.PlacedOrder, len(orders))
		for i := range orders {
			c.dryRunSeq++
			results[i] = types.PlacedOrder{
				ExchangeID: fmt.Sprintf("dry-run-%d", c.dryRunSeq),
				Status:     types.OrderLive,
			}
		}
		return results, nil
	}
	if err := c.orders.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		p, err := c.buildOrderPayload(order, negRisk)
		if err != nil {
			return nil, fmt.Errorf("build order %d: %w", i, err)
		}
		payloads[i] = p
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var raw []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&raw).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}
	if len(raw) != len(orders) {
		return nil, fmt.Errorf("post orders: %w: got %d results for %d orders", ErrTransient, len(raw), len(orders))
	}

	results := make([]types.PlacedOrder, len(raw))
	for i, r := range raw {
		if !r.Success {
			results[i] = types.PlacedOrder{
				Status: types.OrderRejectedCross,
				Err:    classifyOrderError(r.ErrorMsg),
			}
			continue
		}
		results[i] = types.PlacedOrder{
			ExchangeID: r.OrderID,
			Status:     mapWireStatus(r.Status),
		}
	}
	return results, nil
}

// buildOrderPayload converts a high-level UserOrder into the signed on-chain
// order + metadata the REST API expects. Price and size are converted to
// 6-decimal USDC maker/taker amounts at the market's tick precision, rounded
// down so the order never commits more collateral than priced.
func (c *Client) buildOrderPayload(order types.UserOrder, negRisk bool) (types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := priceToAmounts(order.Price, order.Size, order.Side, tickSize)

	signed := types.SignedOrder{
		TokenID:     order.TokenID,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Side:        order.Side,
		Expiration:  strconv.FormatInt(order.Expiration, 10),
		Nonce:       "0",
		FeeRateBps:  strconv.Itoa(order.FeeRateBps),
	}
	if err := c.auth.SignOrder(&signed, negRisk); err != nil {
		return types.OrderPayload{}, err
	}

	payload := types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeGTC,
	}
	if order.OrderType == types.OrderTypePostOnly {
		payload.PostOnly = true
	}
	return payload, nil
}

// GetOrder re-queries one order by exchange ID and returns its verified state.
// This is the only source fill sizes are trusted from.
func (c *Client) GetOrder(ctx context.Context, exchangeID string) (types.OrderState, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return types.OrderState{}, err
	}

	path := "/data/order/" + exchangeID
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return types.OrderState{}, fmt.Errorf("l2 headers: %w", err)
	}

	var raw types.OpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get(path)
	if err != nil {
		return types.OrderState{}, fmt.Errorf("get order: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.OrderState{}, fmt.Errorf("get order %s: %w", exchangeID, ErrNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderState{}, fmt.Errorf("get order: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}
	if raw.ID == "" {
		return types.OrderState{}, fmt.Errorf("get order %s: %w", exchangeID, ErrNotFound)
	}

	filled, _ := decimal.NewFromString(raw.SizeMatched)
	price, _ := decimal.NewFromString(raw.Price)
	state := types.OrderState{
		ExchangeID:   raw.ID,
		Status:       mapWireStatus(raw.Status),
		FilledSize:   filled,
		AvgFillPrice: price,
	}
	if raw.CreatedAt > 0 {
		state.CreatedAt = time.Unix(raw.CreatedAt, 0)
	}

	// An order reported terminal with a partial match is PARTIALLY_FILLED
	// from the caller's perspective until it re-classifies.
	orig, _ := decimal.NewFromString(raw.OriginalSize)
	if state.Status == types.OrderFilled && orig.GreaterThan(decimal.Zero) && filled.LessThan(orig) {
		state.Status = types.OrderPartiallyFilled
	}
	return state, nil
}

// Cancel cancels one order. A 404 or "not found" response reports
// canceled=true: the order is gone from the book either way.
func (c *Client) Cancel(ctx context.Context, exchangeID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", exchangeID)
		return true, nil
	}
	if err := c.cancels.Wait(ctx); err != nil {
		return false, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: []string{exchangeID}}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodDelete, "/orders", string(body))
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return true, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}

	for _, id := range result.Canceled {
		if id == exchangeID {
			return true, nil
		}
	}
	if reason, ok := result.NotCanceled[exchangeID]; ok {
		// Already matched or already gone — either way it is off the book.
		c.logger.Debug("cancel rejected", "order_id", exchangeID, "reason", reason)
		return true, nil
	}
	return false, nil
}

// CancelAll cancels every open order across all markets (shutdown safety net).
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return nil
	}
	if err := c.cancels.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.L2Headers(http.MethodDelete, "/cancel-all", "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return fmt.Errorf("cancel all: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return nil
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}
	return &result, nil
}

// BestBid returns the top-of-book bid for a token, zero if the book is empty.
func (c *Client) BestBid(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	return topLevel(book.Bids, true), nil
}

// BestAsk returns the top-of-book ask for a token, zero if the book is empty.
func (c *Client) BestAsk(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	return topLevel(book.Asks, false), nil
}

// topLevel picks the best level: highest price for bids, lowest for asks.
// The CLOB returns levels sorted, but the order has flipped across API
// versions, so scan rather than trust position zero.
func topLevel(levels []types.PriceLevel, wantMax bool) decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		if best.IsZero() || (wantMax && p.GreaterThan(best)) || (!wantMax && p.LessThan(best)) {
			best = p
		}
	}
	return best
}

// CollateralBalance returns available USDC, served from the 1s-TTL cache.
func (c *Client) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	return c.balance.collateral(ctx)
}

// TokenBalance returns the held size of one outcome token, cached likewise.
func (c *Client) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	return c.balance.token(ctx, tokenID)
}

// InvalidateBalance drops cached balances for a token (and collateral).
// Called by the fills consumer whenever one of our orders trades.
func (c *Client) InvalidateBalance(tokenID string) {
	c.balance.invalidate(tokenID)
}

// fetchBalance is the uncached read behind the balance cache.
func (c *Client) fetchBalance(ctx context.Context, assetType, tokenID string) (decimal.Decimal, error) {
	if err := c.reads.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", assetType).
		SetQueryParam("signature_type", strconv.Itoa(int(c.auth.sigType)))
	if tokenID != "" {
		req.SetQueryParam("token_id", tokenID)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := req.SetResult(&result).Get(path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w: %v", ErrTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get balance: status %d: %w: %s", resp.StatusCode(), ErrTransient, resp.String())
	}

	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw.Shift(-6), nil // wire amounts are 6-decimal USDC units
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// mapWireStatus translates CLOB status strings into internal order statuses.
func mapWireStatus(s string) types.OrderStatus {
	switch s {
	case "live", "LIVE":
		return types.OrderLive
	case "matched", "MATCHED", "filled", "FILLED":
		return types.OrderFilled
	case "delayed", "DELAYED", "unmatched", "UNMATCHED":
		return types.OrderPending
	case "canceled", "CANCELED", "cancelled":
		return types.OrderCanceled
	default:
		return types.OrderPending
	}
}
