package domain

import "time"

// LiquidationEvent is one forced closure broadcast on the public stream.
// LiquidatedSide is the side of the position that was liquidated, not the
// side of the forced order the venue fired to close it. USDValue is
// price * quantity; Qualifies is set by the stream adapter against the
// configured notional threshold.
type LiquidationEvent struct {
	Symbol         string    `json:"symbol"`
	LiquidatedSide Side      `json:"liquidated_side"`
	Price          float64   `json:"price"`
	Qty            float64   `json:"qty"`
	USDValue       float64   `json:"usd_value"`
	Qualifies      bool      `json:"qualifies"`
	Time           time.Time `json:"time"`
}

// CounterSide returns the entry side that trades against the forced order:
// liquidated longs were force-sold, so the counter-trade buys, and vice
// versa. That is the same side the liquidated trader held.
func (e LiquidationEvent) CounterSide() Side {
	return e.LiquidatedSide
}
