package domain

// TradeStats aggregates the closed-trade history for the read-only surface.
type TradeStats struct {
	Total         int     `json:"total"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"`
	GrossPnL      float64 `json:"gross_pnl"`
	NetPnL        float64 `json:"net_pnl"`
	TotalFees     float64 `json:"total_fees"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	OpenPositions int     `json:"open_positions"`
	PendingLocks  int     `json:"pending_locks"`
}
