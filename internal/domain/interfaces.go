package domain

import (
	"context"
	"time"
)

// OrderRequest is the venue-facing order payload.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Qty         float64
	OrderType   string // "Market" or "Limit"
	Price       float64
	TimeInForce string
	ReduceOnly  bool
	StopLoss    float64
	TakeProfit  float64
}

// OrderStatus is the venue's view of a submitted order.
type OrderStatus struct {
	OrderID   string
	Status    string // "New", "Filled", "Cancelled", ...
	AvgPrice  float64
	FilledQty float64
}

// TradingStop configures protective exits on an open position. Zero fields
// are omitted from the request.
type TradingStop struct {
	StopLoss     float64
	TakeProfit   float64
	TrailingStop float64 // distance
	ActivePrice  float64 // trailing activation
}

// Exchange defines the venue gateway. All calls are at-least-once; order
// placement is never silently retried.
type Exchange interface {
	// PlaceOrderFast tries the low-latency client and falls back to the
	// standard one on transport failure.
	PlaceOrderFast(ctx context.Context, req *OrderRequest) (string, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetOneWayMode(ctx context.Context, symbol string) error
	SetTradingStop(ctx context.Context, symbol string, ts *TradingStop) error

	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetPositions(ctx context.Context) ([]*Position, error)
	GetClosedPnL(ctx context.Context, symbol string, limit int) ([]*ClosedPnL, error)
	GetExecutions(ctx context.Context, symbol, orderID string) ([]*Execution, error)
	GetWalletBalance(ctx context.Context) (float64, error)

	GetInstruments(ctx context.Context) ([]*Instrument, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)
}

// LiquidationStream delivers parsed liquidation events.
type LiquidationStream interface {
	OnLiquidation(callback func(ev LiquidationEvent))
	Subscribe(symbols []string) error
	Close() error
}

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type OrderBookEntry struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type OrderBook struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookEntry `json:"bids"`
	Asks   []OrderBookEntry `json:"asks"`
}

// TradeRepository persists closed trades and the consumed close-order-id set.
type TradeRepository interface {
	SaveClosedTrade(ctx context.Context, trade *ClosedTrade) (int64, error)
	UpdateClosedTrade(ctx context.Context, trade *ClosedTrade) error
	ListClosedTrades(ctx context.Context, limit int) ([]*ClosedTrade, error)
	ListClosedTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*ClosedTrade, error)

	MarkOrderConsumed(ctx context.Context, orderID string, at time.Time) error
	IsOrderConsumed(ctx context.Context, orderID string) (bool, error)
}

// SnapshotStore is an opaque named-blob store for crash recovery. Save must
// be atomic: a crash mid-write never leaves a torn blob behind.
type SnapshotStore interface {
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
}
