package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/thuanavasosoft/bitbot-sub001/internal/domain"
	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// How many recent account trades to scan when reconstructing a closed
	// position from fills.
	closedTradesLookback = 100

	userStreamKeepalive = 30 * time.Minute
)

// Client implements ports.MarketDataPort and ports.TradingPort on Binance
// USDT-M futures using the go-binance library. Positions are assumed to be
// in one-way mode, so the symbol itself identifies the position.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	precMu     sync.Mutex
	precisions map[string]int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		precisions:           make(map[string]int),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022: // Order rejected / ReduceOnly order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041: // Insufficient margin/balance/position
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Exceeded the maximum allowable position at current leverage
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// --- MarketDataPort ---

// GetCandles retrieves closed candles for the symbol in [start, end),
// paginating through the API limit as needed.
func (c *Client) GetCandles(ctx context.Context, symbol string, interval string, start, end time.Time) ([]*domain.Candle, error) {
	op := "GetCandles"
	const maxLimit = 1500
	var all []*domain.Candle
	from := start

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			candle, err := translateKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate candle: %w", err), op)
			}
			all = append(all, candle)
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}

	return all, nil
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// PricePrecision returns the symbol's price tick precision from exchange
// info, cached after the first lookup.
func (c *Client) PricePrecision(ctx context.Context, symbol string) (int, error) {
	op := "PricePrecision"

	c.precMu.Lock()
	if p, ok := c.precisions[symbol]; ok {
		c.precMu.Unlock()
		return p, nil
	}
	c.precMu.Unlock()

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			c.precMu.Lock()
			c.precisions[symbol] = s.PricePrecision
			c.precMu.Unlock()
			return s.PricePrecision, nil
		}
	}
	return 0, fmt.Errorf("%s: symbol %s: %w", op, symbol, ports.ErrNotFound)
}

// HookPriceListener subscribes to live trade prices.
func (c *Client) HookPriceListener(symbol string, cb func(price float64)) (ports.Unhook, error) {
	return c.HookPriceListenerWithTimestamp(symbol, func(price float64, _ time.Time) { cb(price) })
}

// HookPriceListenerWithTimestamp subscribes to live trade prices carrying
// the exchange event time. The stream reconnects itself with exponential
// backoff; the returned unhook tears it down.
func (c *Client) HookPriceListenerWithTimestamp(symbol string, cb func(price float64, at time.Time)) (ports.Unhook, error) {
	op := "HookPriceListener"
	wsCtx, cancelWs := context.WithCancel(context.Background())

	handler := func(event *futures.WsAggTradeEvent) {
		if event == nil {
			return
		}
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil {
			c.logger.Error(wsCtx, op+": Failed to parse trade price", map[string]interface{}{
				"symbol": symbol, "price": event.Price,
			})
			return
		}
		cb(price, time.UnixMilli(event.TradeTime))
	}
	errHandler := func(err error) {
		if wsCtx.Err() != nil {
			return
		}
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
	}

	connect := func() (chan struct{}, chan struct{}, error) {
		return futures.WsAggTradeServe(symbol, handler, errHandler)
	}
	go c.maintainStream(wsCtx, op, symbol, connect)

	return ports.Unhook(cancelWs), nil
}

// maintainStream keeps one websocket stream alive until ctx is canceled,
// reconnecting with exponential backoff up to the configured attempt limit.
func (c *Client) maintainStream(ctx context.Context, op, symbol string, connect func() (doneCh, stopCh chan struct{}, err error)) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		doneCh, stopCh, err := connect()
		if err != nil {
			c.handleError(ctx, err, op+" connection attempt")
			attempt++
			if attempt >= c.maxReconnectAttempts {
				c.logger.Error(ctx, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{
					"symbol": symbol, "maxAttempts": c.maxReconnectAttempts,
				})
				return
			}
			delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.logger.Info(ctx, op+": WebSocket connection established.", map[string]interface{}{"symbol": symbol})
		attempt = 0

		select {
		case <-doneCh:
			c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...", map[string]interface{}{"symbol": symbol})
		case <-ctx.Done():
			select {
			case stopCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

// --- TradingPort ---

// PlaceOrder submits an order and returns the exchange acknowledgement.
// Only market orders are supported; a fill is confirmed separately via the
// order stream or position polling.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	op := "PlaceOrder"
	if req.Type != "" && req.Type != "MARKET" {
		return nil, fmt.Errorf("%s: order type %q: %w", op, req.Type, ports.ErrInvalidRequest)
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQuantity(req.Quantity)).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"quantity":      req.Quantity,
		"reduceOnly":    req.ReduceOnly,
		"orderID":       order.OrderID,
		"clientOrderID": order.ClientOrderID,
	})
	return &ports.OrderAck{OrderID: order.OrderID, ClientOrderID: order.ClientOrderID}, nil
}

// GetPosition retrieves the currently open position for the symbol, or
// nil, nil when none. In one-way mode the symbol identifies the position.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	op := "GetPosition"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(positions) == 0 {
		return nil, nil
	}

	risk := positions[0]
	qty, _ := strconv.ParseFloat(risk.PositionAmt, 64)
	if qty == 0 {
		return nil, nil
	}

	entryPrice, _ := strconv.ParseFloat(risk.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(risk.MarkPrice, 64)
	liqPrice, _ := strconv.ParseFloat(risk.LiquidationPrice, 64)
	unPnl, _ := strconv.ParseFloat(risk.UnRealizedProfit, 64)
	leverage, _ := strconv.Atoi(risk.Leverage)

	side := domain.Long
	size := qty
	if qty < 0 {
		side = domain.Short
		size = -qty
	}

	return &domain.Position{
		ID:               symbol,
		Symbol:           symbol,
		Side:             side,
		Size:             size,
		AvgPrice:         entryPrice,
		Leverage:         leverage,
		LiquidationPrice: liqPrice,
		Notional:         size * markPrice,
		UnrealizedPnl:    unPnl,
		UpdateTime:       time.Now(),
		Status:           domain.StatusOpen,
	}, nil
}

// GetPositionsHistory reconstructs recently closed positions from the
// account trade list. Binance futures has no closed-position endpoint, so
// closing fills (trades carrying realized PnL) are folded per order into a
// closed-position record. While a position is still open for the symbol,
// no record is returned; the authoritative record appears only once the
// position amount has gone to zero.
func (c *Client) GetPositionsHistory(ctx context.Context, symbol string, positionID string) ([]*domain.Position, error) {
	op := "GetPositionsHistory"

	open, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, nil
	}

	trades, err := c.futuresClient.NewListAccountTradeService().
		Symbol(symbol).
		Limit(closedTradesLookback).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// Fold closing fills per order id, newest order last in the response.
	type agg struct {
		realized  float64
		qty       float64
		lastPrice float64
		lastTime  int64
		sellSide  bool
	}
	byOrder := make(map[int64]*agg)
	var order []int64
	for _, tr := range trades {
		pnl, _ := strconv.ParseFloat(tr.RealizedPnl, 64)
		if pnl == 0 {
			continue
		}
		a, ok := byOrder[tr.OrderID]
		if !ok {
			a = &agg{}
			byOrder[tr.OrderID] = a
			order = append(order, tr.OrderID)
		}
		price, _ := strconv.ParseFloat(tr.Price, 64)
		qty, _ := strconv.ParseFloat(tr.Quantity, 64)
		a.realized += pnl
		a.qty += qty
		a.lastPrice = price
		a.lastTime = tr.Time
		a.sellSide = tr.Side == futures.SideTypeSell
	}

	var out []*domain.Position
	for i := len(order) - 1; i >= 0; i-- { // Newest first
		a := byOrder[order[i]]
		// A sell closed a long, a buy closed a short.
		side := domain.Long
		if !a.sellSide {
			side = domain.Short
		}
		out = append(out, &domain.Position{
			ID:          symbol,
			Symbol:      symbol,
			Side:        side,
			Size:        a.qty,
			ClosePrice:  a.lastPrice,
			RealizedPnl: a.realized,
			UpdateTime:  time.UnixMilli(a.lastTime),
			Status:      domain.StatusClosed,
		})
	}

	if positionID != "" {
		filtered := out[:0]
		for _, p := range out {
			if p.ID == positionID {
				filtered = append(filtered, p)
			}
		}
		out = filtered
	}
	return out, nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetBalances retrieves all futures wallet balances.
func (c *Client) GetBalances(ctx context.Context) ([]ports.BalanceInfo, error) {
	op := "GetBalances"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]ports.BalanceInfo, 0, len(account.Assets))
	now := time.Now()
	for _, asset := range account.Assets {
		free, err := strconv.ParseFloat(asset.AvailableBalance, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse available balance '%s' for asset %s: %w", asset.AvailableBalance, asset.Asset, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		total, err := strconv.ParseFloat(asset.WalletBalance, 64)
		if err != nil {
			parseErr := fmt.Errorf("could not parse wallet balance '%s' for asset %s: %w", asset.WalletBalance, asset.Asset, err)
			return nil, c.handleError(ctx, parseErr, op)
		}
		out = append(out, ports.BalanceInfo{Asset: asset.Asset, Free: free, Total: total, UpdatedAt: now})
	}
	return out, nil
}

// HookOrderListener subscribes to the user-data order-update stream. The
// listen key is kept alive in the background until the unhook is invoked.
func (c *Client) HookOrderListener(cb func(ports.OrderUpdate)) (ports.Unhook, error) {
	op := "HookOrderListener"
	ctx := context.Background()

	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	wsCtx, cancelWs := context.WithCancel(context.Background())

	handler := func(event *futures.WsUserDataEvent) {
		if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		u := event.OrderTradeUpdate
		avgPrice, _ := strconv.ParseFloat(u.AveragePrice, 64)
		filledQty, _ := strconv.ParseFloat(u.AccumulatedFilledQty, 64)
		cb(ports.OrderUpdate{
			ClientOrderID:  u.ClientOrderID,
			Symbol:         u.Symbol,
			Status:         string(u.Status),
			ExecutionPrice: avgPrice,
			FilledQty:      filledQty,
			UpdateTime:     time.UnixMilli(event.Time),
		})
	}
	errHandler := func(err error) {
		if wsCtx.Err() != nil {
			return
		}
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": err.Error()})
	}

	connect := func() (chan struct{}, chan struct{}, error) {
		return futures.WsUserDataServe(listenKey, handler, errHandler)
	}
	go c.maintainStream(wsCtx, op, "user-data", connect)

	// The listen key expires without periodic keepalives.
	go func() {
		ticker := time.NewTicker(userStreamKeepalive)
		defer ticker.Stop()
		for {
			select {
			case <-wsCtx.Done():
				return
			case <-ticker.C:
				if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(wsCtx); err != nil {
					c.logger.Warn(wsCtx, op+": Keepalive failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()

	return ports.Unhook(cancelWs), nil
}

// --- Translation Helpers ---

func formatQuantity(qty float64) string {
	return strconv.FormatFloat(qty, 'f', 3, 64)
}

func translateKline(bk *futures.Kline, symbol, interval string) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Candle{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true, // Historical klines are always final
	}, nil
}
