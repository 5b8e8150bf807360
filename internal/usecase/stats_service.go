package usecase

import (
	"context"

	"github.com/transdsign-boop/byliquidation/internal/domain"
)

const statsHistoryLimit = 1000

// StatsService aggregates the closed-trade history with the live engine
// counters for the read-only surface.
type StatsService struct {
	repo      domain.TradeRepository
	ledger    *Ledger
	execution *ExecutionService
}

func NewStatsService(repo domain.TradeRepository, ledger *Ledger, execution *ExecutionService) *StatsService {
	return &StatsService{repo: repo, ledger: ledger, execution: execution}
}

func (s *StatsService) Stats(ctx context.Context) (*domain.TradeStats, error) {
	trades, err := s.repo.ListClosedTrades(ctx, statsHistoryLimit)
	if err != nil {
		return nil, err
	}

	stats := &domain.TradeStats{
		Total:         len(trades),
		AvgLatencyMs:  s.execution.AvgLatencyMs(),
		OpenPositions: s.ledger.Len(),
		PendingLocks:  s.ledger.LockCount(),
	}
	for _, t := range trades {
		if t.NetPnL > 0 {
			stats.Wins++
		}
		stats.GrossPnL += t.GrossPnL
		stats.NetPnL += t.NetPnL
		stats.TotalFees += t.TotalFees()
	}
	if stats.Total > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Total)
	}
	return stats, nil
}
