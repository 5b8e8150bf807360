package domain

import "time"

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side for a position held on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is the ledger's view of one open position. At most one exists
// per symbol. EntryPrice is the venue's volume-weighted average after fills
// and DCA adds. TakeProfit and TrailingStop are mutually exclusive once
// trailing is armed.
type Position struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	EntryPrice     float64   `json:"entry_price"`
	Qty            float64   `json:"qty"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	TrailingStop   float64   `json:"trailing_stop,omitempty"`   // distance, not price
	TrailingActive float64   `json:"trailing_active,omitempty"` // activation price
	OpenTime       time.Time `json:"open_time"`
	DCALevel       int       `json:"dca_level"`
	TotalBudget    float64   `json:"total_budget"` // full notional across all splits
	LastEntryPrice float64   `json:"last_entry_price"`
	EntryOrderID   string    `json:"entry_order_id,omitempty"`
	MarkPrice      float64   `json:"mark_price,omitempty"`
	UnrealizedPnL  float64   `json:"unrealized_pnl,omitempty"`
}

// Protected reports whether any protective exit is active on the venue side.
func (p *Position) Protected() bool {
	return p.StopLoss > 0 || p.TrailingStop > 0
}

// ClosedTrade is one settled (or provisionally settled) closure. Settled is
// false when no closed-PnL record could be matched and the PnL is a local
// estimate; the backfill sweep repairs such records in place.
type ClosedTrade struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	Qty          float64   `json:"qty"`
	GrossPnL     float64   `json:"gross_pnl"`
	OpenFee      float64   `json:"open_fee"`
	CloseFee     float64   `json:"close_fee"`
	NetPnL       float64   `json:"net_pnl"`
	ExitType     string    `json:"exit_type"`
	EntryIsMaker bool      `json:"entry_is_maker"`
	ExitIsMaker  bool      `json:"exit_is_maker"`
	CloseOrderID string    `json:"close_order_id,omitempty"`
	Settled      bool      `json:"settled"`
	OpenTime     time.Time `json:"open_time"`
	ClosedAt     time.Time `json:"closed_at"`
}

// TotalFees is the round-trip fee total for the trade.
func (t *ClosedTrade) TotalFees() float64 {
	return t.OpenFee + t.CloseFee
}

// ClosedPnL is the venue's settlement record for one closing order. It
// carries no reference back to the entry that produced it.
type ClosedPnL struct {
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"` // side of the closing order
	AvgEntryPrice float64   `json:"avg_entry_price"`
	AvgExitPrice  float64   `json:"avg_exit_price"`
	Qty           float64   `json:"qty"`
	ClosedPnL     float64   `json:"closed_pnl"`
	CreatedTime   time.Time `json:"created_time"`
}

// PositionSide is the held side implied by the closing order's side.
func (c ClosedPnL) PositionSide() Side {
	return c.Side.Opposite()
}

// Execution is one fill leg of an order, used for fee and maker/taker
// attribution.
type Execution struct {
	OrderID string  `json:"order_id"`
	Fee     float64 `json:"fee"`
	IsMaker bool    `json:"is_maker"`
}
