package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	// fastClient trades timeout headroom for latency on the entry path.
	fastClient *http.Client
	logger     *zap.Logger
}

func NewBybitAdapter(apiKey, apiSecret, baseURL string, logger *zap.Logger) *BybitAdapter {
	return &BybitAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		fastClient: &http.Client{Timeout: 2 * time.Second},
		logger:     logger,
	}
}

// --- REST plumbing ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, client *http.Client, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

func checkRetCode(resp []byte, what string) error {
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 {
		return fmt.Errorf("bybit %s error: %s", what, result.RetMsg)
	}
	return nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- Orders ---

func (b *BybitAdapter) placeOrder(ctx context.Context, client *http.Client, req *domain.OrderRequest) (string, error) {
	payload := map[string]interface{}{
		"category":  "linear",
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": req.OrderType,
		"qty":       formatQty(req.Qty),
	}
	if req.OrderType == "Limit" {
		payload["price"] = formatQty(req.Price)
	}
	if req.TimeInForce != "" {
		payload["timeInForce"] = req.TimeInForce
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = formatQty(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		payload["takeProfit"] = formatQty(req.TakeProfit)
	}

	resp, err := b.sendRequest(ctx, client, "POST", "/v5/order/create", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if result.RetCode != 0 {
		return "", fmt.Errorf("bybit order error: %s", result.RetMsg)
	}
	return result.Result.OrderID, nil
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req *domain.OrderRequest) (string, error) {
	return b.placeOrder(ctx, b.client, req)
}

// PlaceOrderFast tries the short-timeout client first. A transport failure
// falls back to the standard client; a venue rejection does not, since the
// order reached the venue.
func (b *BybitAdapter) PlaceOrderFast(ctx context.Context, req *domain.OrderRequest) (string, error) {
	orderID, err := b.placeOrder(ctx, b.fastClient, req)
	if err == nil {
		return orderID, nil
	}
	if strings.Contains(err.Error(), "bybit order error") {
		return "", err
	}
	b.logger.Warn("fast order path failed, falling back",
		zap.String("symbol", req.Symbol), zap.Error(err))
	return b.placeOrder(ctx, b.client, req)
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	resp, err := b.sendRequest(ctx, b.client, "POST", "/v5/order/cancel", payload)
	if err != nil {
		return err
	}
	return checkRetCode(resp, "cancel")
}

func (b *BybitAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	path := fmt.Sprintf("/v5/order/realtime?category=linear&symbol=%s&orderId=%s", symbol, orderID)
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				AvgPrice    string `json:"avgPrice"`
				CumExecQty  string `json:"cumExecQty"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order status error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}

	raw := result.Result.List[0]
	avg, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(raw.CumExecQty, 64)
	return &domain.OrderStatus{
		OrderID:   raw.OrderID,
		Status:    raw.OrderStatus,
		AvgPrice:  avg,
		FilledQty: filled,
	}, nil
}

// --- Position setup ---

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}
	resp, err := b.sendRequest(ctx, b.client, "POST", "/v5/position/set-leverage", payload)
	if err != nil {
		return err
	}
	// 110043: leverage not modified. Idempotent success.
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 && result.RetCode != 110043 {
		return fmt.Errorf("bybit leverage error: %s", result.RetMsg)
	}
	return nil
}

func (b *BybitAdapter) SetOneWayMode(ctx context.Context, symbol string) error {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"mode":     0, // 0: one-way, 3: hedge
	}
	resp, err := b.sendRequest(ctx, b.client, "POST", "/v5/position/switch-mode", payload)
	if err != nil {
		return err
	}
	// 110025: mode already set.
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	json.Unmarshal(resp, &result)
	if result.RetCode != 0 && result.RetCode != 110025 {
		return fmt.Errorf("bybit position mode error: %s", result.RetMsg)
	}
	return nil
}

func (b *BybitAdapter) SetTradingStop(ctx context.Context, symbol string, ts *domain.TradingStop) error {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if ts.StopLoss > 0 {
		payload["stopLoss"] = formatQty(ts.StopLoss)
	}
	if ts.TakeProfit > 0 {
		payload["takeProfit"] = formatQty(ts.TakeProfit)
	}
	if ts.TrailingStop > 0 {
		payload["trailingStop"] = formatQty(ts.TrailingStop)
	}
	if ts.ActivePrice > 0 {
		payload["activePrice"] = formatQty(ts.ActivePrice)
	}

	resp, err := b.sendRequest(ctx, b.client, "POST", "/v5/position/trading-stop", payload)
	if err != nil {
		return err
	}
	return checkRetCode(resp, "trading-stop")
}

// --- Queries ---

type rawPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	StopLoss      string `json:"stopLoss"`
	TrailingStop  string `json:"trailingStop"`
	TakeProfit    string `json:"takeProfit"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	CreatedTime   string `json:"createdTime"`
}

func (r rawPosition) toDomain() *domain.Position {
	size, _ := strconv.ParseFloat(r.Size, 64)
	entry, _ := strconv.ParseFloat(r.AvgPrice, 64)
	mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
	sl, _ := strconv.ParseFloat(r.StopLoss, 64)
	trailing, _ := strconv.ParseFloat(r.TrailingStop, 64)
	tp, _ := strconv.ParseFloat(r.TakeProfit, 64)
	pnl, _ := strconv.ParseFloat(r.UnrealisedPnl, 64)
	createdMs, _ := strconv.ParseInt(r.CreatedTime, 10, 64)

	return &domain.Position{
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		EntryPrice:    entry,
		Qty:           size,
		StopLoss:      sl,
		TrailingStop:  trailing,
		TakeProfit:    tp,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		OpenTime:      time.UnixMilli(createdMs),
	}
}

func (b *BybitAdapter) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	path := "/v5/position/list?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []rawPosition `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit position error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return &domain.Position{Symbol: symbol}, nil
	}
	return result.Result.List[0].toDomain(), nil
}

func (b *BybitAdapter) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	path := "/v5/position/list?category=linear&settleCoin=USDT&limit=200"
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []rawPosition `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit position error: %s", result.RetMsg)
	}

	var positions []*domain.Position
	for _, raw := range result.Result.List {
		p := raw.toDomain()
		if p.Qty > 0 {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

func (b *BybitAdapter) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]*domain.ClosedPnL, error) {
	path := fmt.Sprintf("/v5/position/closed-pnl?category=linear&limit=%d", limit)
	if symbol != "" {
		path += "&symbol=" + symbol
	}
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID       string `json:"orderId"`
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				AvgEntryPrice string `json:"avgEntryPrice"`
				AvgExitPrice  string `json:"avgExitPrice"`
				Qty           string `json:"qty"`
				ClosedPnl     string `json:"closedPnl"`
				CreatedTime   string `json:"createdTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit closed-pnl error: %s", result.RetMsg)
	}

	var records []*domain.ClosedPnL
	for _, raw := range result.Result.List {
		entry, _ := strconv.ParseFloat(raw.AvgEntryPrice, 64)
		exit, _ := strconv.ParseFloat(raw.AvgExitPrice, 64)
		qty, _ := strconv.ParseFloat(raw.Qty, 64)
		pnl, _ := strconv.ParseFloat(raw.ClosedPnl, 64)
		createdMs, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		records = append(records, &domain.ClosedPnL{
			OrderID:       raw.OrderID,
			Symbol:        raw.Symbol,
			Side:          domain.Side(raw.Side),
			AvgEntryPrice: entry,
			AvgExitPrice:  exit,
			Qty:           qty,
			ClosedPnL:     pnl,
			CreatedTime:   time.UnixMilli(createdMs),
		})
	}
	return records, nil
}

func (b *BybitAdapter) GetExecutions(ctx context.Context, symbol, orderID string) ([]*domain.Execution, error) {
	path := fmt.Sprintf("/v5/execution/list?category=linear&symbol=%s&orderId=%s&limit=50", symbol, orderID)
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID  string `json:"orderId"`
				ExecFee  string `json:"execFee"`
				IsMaker  bool   `json:"isMaker"`
				ExecType string `json:"execType"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit execution error: %s", result.RetMsg)
	}

	var executions []*domain.Execution
	for _, raw := range result.Result.List {
		if raw.ExecType != "" && raw.ExecType != "Trade" {
			continue
		}
		fee, _ := strconv.ParseFloat(raw.ExecFee, 64)
		executions = append(executions, &domain.Execution{
			OrderID: raw.OrderID,
			Fee:     fee,
			IsMaker: raw.IsMaker,
		})
	}
	return executions, nil
}

func (b *BybitAdapter) GetWalletBalance(ctx context.Context) (float64, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED&coin=USDT"
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit wallet error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("wallet balance not found")
	}
	return strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
}

func (b *BybitAdapter) GetInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	path := "/v5/market/instruments-info?category=linear&limit=1000"
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
					MaxOrderQty string `json:"maxOrderQty"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit instruments error: %s", result.RetMsg)
	}

	var instruments []*domain.Instrument
	for _, raw := range result.Result.List {
		tick, _ := strconv.ParseFloat(raw.PriceFilter.TickSize, 64)
		step, _ := strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
		minQty, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)
		maxQty, _ := strconv.ParseFloat(raw.LotSizeFilter.MaxOrderQty, 64)
		instruments = append(instruments, &domain.Instrument{
			Symbol:   raw.Symbol,
			Status:   raw.Status,
			TickSize: tick,
			QtyStep:  step,
			MinQty:   minQty,
			MaxQty:   maxQty,
		})
	}
	return instruments, nil
}

func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

func (b *BybitAdapter) GetOrderBook(ctx context.Context, symbol string) (*domain.OrderBook, error) {
	path := fmt.Sprintf("/v5/market/orderbook?category=linear&symbol=%s&limit=50", symbol)
	resp, err := b.sendRequest(ctx, b.client, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			S string     `json:"s"`
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit orderbook error: %d", result.RetCode)
	}

	ob := &domain.OrderBook{
		Symbol: result.Result.S,
		Bids:   make([]domain.OrderBookEntry, 0, len(result.Result.B)),
		Asks:   make([]domain.OrderBookEntry, 0, len(result.Result.A)),
	}
	for _, bid := range result.Result.B {
		if len(bid) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(bid[0], 64)
		size, _ := strconv.ParseFloat(bid[1], 64)
		ob.Bids = append(ob.Bids, domain.OrderBookEntry{Price: price, Size: size})
	}
	for _, ask := range result.Result.A {
		if len(ask) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(ask[0], 64)
		size, _ := strconv.ParseFloat(ask[1], 64)
		ob.Asks = append(ob.Asks, domain.OrderBookEntry{Price: price, Size: size})
	}
	return ob, nil
}
