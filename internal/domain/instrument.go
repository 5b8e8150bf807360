package domain

// Instrument carries the contract filters needed for rounding and
// tradability checks.
type Instrument struct {
	Symbol   string  `json:"symbol"`
	Status   string  `json:"status"`
	TickSize float64 `json:"tick_size"`
	QtyStep  float64 `json:"qty_step"`
	MinQty   float64 `json:"min_qty"`
	MaxQty   float64 `json:"max_qty"`
}

// Tradable reports whether the contract is open for trading.
func (i Instrument) Tradable() bool {
	return i.Status == "Trading"
}
