package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// mockRepo is an in-memory TradeRepository.
type mockRepo struct {
	mu       sync.Mutex
	trades   []*domain.ClosedTrade
	consumed map[string]bool
	nextID   int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{consumed: make(map[string]bool)}
}

func (m *mockRepo) SaveClosedTrade(ctx context.Context, t *domain.ClosedTrade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	cp := *t
	m.trades = append(m.trades, &cp)
	return t.ID, nil
}

func (m *mockRepo) UpdateClosedTrade(ctx context.Context, t *domain.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.trades {
		if existing.ID == t.ID {
			cp := *t
			m.trades[i] = &cp
			return nil
		}
	}
	return errors.New("not found")
}

func (m *mockRepo) ListClosedTrades(ctx context.Context, limit int) ([]*domain.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ClosedTrade, 0, len(m.trades))
	for _, t := range m.trades {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) ListClosedTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ClosedTrade
	for _, t := range m.trades {
		if t.Symbol == symbol {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) MarkOrderConsumed(ctx context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[orderID] = true
	return nil
}

func (m *mockRepo) IsOrderConsumed(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed[orderID], nil
}

func testReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Interval:         5 * time.Second,
		Grace:            15 * time.Second,
		DedupWindow:      60 * time.Second,
		BackfillInterval: 10 * time.Minute,
		MatchAttempts:    3,
		MatchDelay:       time.Second,
		ProtectionGrace:  10 * time.Second,
	}
}

func newTestReconciler(mock *mockExchange, repo *mockRepo) (*Reconciler, *Ledger, *time.Time) {
	ledger := NewLedger()
	instruments := NewInstrumentService(mock)
	indicators := NewIndicatorService(mock)
	protection := NewProtectionManager(mock, indicators, instruments, ledger,
		mock.GetWalletBalance, defaultProtectionConfig(), zap.NewNop())

	r := NewReconciler(mock, ledger, repo, protection, testReconcileConfig(), zap.NewNop())
	now := time.Now()
	r.timeNow = func() time.Time { return now }
	r.sleep = func(time.Duration) {}
	return r, ledger, &now
}

func TestReconcile_AdoptsNakedRemotePosition(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
		Positions: []*domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002},
		},
	}
	r, ledger, _ := newTestReconciler(mock, newMockRepo())

	r.Reconcile(context.Background())

	pos, ok := ledger.Get("BTCUSDT")
	require.True(t, ok, "remote position must be adopted")
	assert.Greater(t, pos.StopLoss, 0.0, "adopted naked position gets protection")
	assert.NotEmpty(t, mock.TradingStops)
}

func TestReconcile_DoesNotAdoptLockedSymbol(t *testing.T) {
	mock := &mockExchange{
		Positions: []*domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002},
		},
	}
	r, ledger, _ := newTestReconciler(mock, newMockRepo())
	ledger.TryLock("BTCUSDT")

	r.Reconcile(context.Background())

	_, ok := ledger.Get("BTCUSDT")
	assert.False(t, ok, "an in-flight entry must not be adopted")
}

func TestReconcile_AdoptKeepsTrailingOnlyProtection(t *testing.T) {
	mock := &mockExchange{
		Positions: []*domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
				TrailingStop: 300, TrailingActive: 50500},
		},
	}
	r, ledger, _ := newTestReconciler(mock, newMockRepo())

	r.Reconcile(context.Background())
	r.Wait()

	pos, ok := ledger.Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 300, pos.TrailingStop, 1e-9)
	assert.InDelta(t, 50500, pos.TrailingActive, 1e-9)
	assert.Empty(t, mock.TradingStops, "a trailing-only position is already protected")
}

func TestReconcile_MissingSymbolWithHeldLockUntouched(t *testing.T) {
	mock := &mockExchange{}
	repo := newMockRepo()
	r, ledger, now := newTestReconciler(mock, repo)
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		OpenTime: now.Add(-time.Hour), MarkPrice: 50500,
	})
	require.True(t, ledger.TryLock("BTCUSDT"))

	// Missing on the venue, but the execution path still owns the symbol.
	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	assert.Equal(t, 1, ledger.Len(), "a locked symbol must not be closed out")
	assert.Empty(t, repo.trades)

	// After release the close runs through the usual grace path.
	ledger.Unlock("BTCUSDT")
	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	assert.Equal(t, 0, ledger.Len())
	assert.Len(t, repo.trades, 1)
}

func TestReconcile_GraceBeforeClose(t *testing.T) {
	mock := &mockExchange{}
	repo := newMockRepo()
	r, ledger, now := newTestReconciler(mock, repo)
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		OpenTime: now.Add(-time.Minute), MarkPrice: 50500,
	})

	// First pass only starts the grace clock.
	r.Reconcile(context.Background())
	assert.Equal(t, 1, ledger.Len(), "position survives the first missing tick")

	// Second pass inside the grace window still keeps it.
	*now = now.Add(5 * time.Second)
	r.Reconcile(context.Background())
	assert.Equal(t, 1, ledger.Len())

	// Past the grace window the close is processed.
	*now = now.Add(15 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	assert.Equal(t, 0, ledger.Len())
	require.Len(t, repo.trades, 1)
}

func TestReconcile_CloseUsesVenuePnL(t *testing.T) {
	opened := time.Now().Add(-time.Hour)
	mock := &mockExchange{
		ClosedPnLs: []*domain.ClosedPnL{
			{
				OrderID: "close-1", Symbol: "BTCUSDT", Side: domain.SideSell,
				AvgEntryPrice: 50000, AvgExitPrice: 50800, Qty: 0.002,
				ClosedPnL: 1.6, CreatedTime: opened.Add(30 * time.Minute),
			},
		},
		Executions: []*domain.Execution{{OrderID: "close-1", Fee: 0.05, IsMaker: false}},
	}
	repo := newMockRepo()
	r, ledger, now := newTestReconciler(mock, repo)
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		OpenTime: opened, EntryOrderID: "entry-1",
	})

	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	require.Len(t, repo.trades, 1)
	trade := repo.trades[0]
	assert.True(t, trade.Settled)
	assert.InDelta(t, 1.6, trade.GrossPnL, 1e-9, "venue figure is authoritative")
	assert.InDelta(t, 50800, trade.ExitPrice, 1e-9)
	assert.Equal(t, "close-1", trade.CloseOrderID)
	// Fees from both legs: entry and close orders share the mock fills.
	assert.InDelta(t, 1.6-0.1, trade.NetPnL, 1e-9)

	consumed, _ := repo.IsOrderConsumed(context.Background(), "close-1")
	assert.True(t, consumed, "matched record is consumed exactly once")
}

func TestReconcile_UnmatchedCloseSavedUnsettled(t *testing.T) {
	mock := &mockExchange{} // no closed pnl records at all
	repo := newMockRepo()
	r, ledger, now := newTestReconciler(mock, repo)
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		OpenTime: now.Add(-time.Hour), MarkPrice: 50500,
	})

	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	require.Len(t, repo.trades, 1)
	trade := repo.trades[0]
	assert.False(t, trade.Settled, "no venue record means a provisional estimate")
	assert.Equal(t, "unmatched", trade.ExitType)
	assert.InDelta(t, (50500-50000)*0.002, trade.GrossPnL, 1e-9)
}

func TestReconcile_DedupWindowSuppressesSecondClose(t *testing.T) {
	mock := &mockExchange{}
	repo := newMockRepo()
	r, ledger, now := newTestReconciler(mock, repo)

	pos := &domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		OpenTime: now.Add(-time.Hour), MarkPrice: 50500,
	}
	ledger.Set(pos)
	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()
	require.Len(t, repo.trades, 1)

	// The same symbol reappears and vanishes again inside the dedup window.
	ledger.Set(pos)
	r.Reconcile(context.Background())
	*now = now.Add(20 * time.Second)
	r.Reconcile(context.Background())
	r.Wait()

	assert.Equal(t, 0, ledger.Len(), "position is still removed")
	assert.Len(t, repo.trades, 1, "no duplicate close record inside the window")
}

func TestReconcile_RestoresLostProtection(t *testing.T) {
	mock := &mockExchange{
		Positions: []*domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002, MarkPrice: 50200},
		},
	}
	r, ledger, _ := newTestReconciler(mock, newMockRepo())
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
		StopLoss: 49000, TrailingStop: 300, TrailingActive: 50500,
	})

	r.Reconcile(context.Background())
	r.Wait()

	require.Len(t, mock.TradingStops, 2)
	assert.InDelta(t, 49000, mock.TradingStops[0].StopLoss, 1e-9)
	assert.InDelta(t, 300, mock.TradingStops[1].TrailingStop, 1e-9)

	pos, _ := ledger.Get("BTCUSDT")
	assert.InDelta(t, 50200, pos.MarkPrice, 1e-9, "mark price refreshed from venue")
}

func TestReconcile_HealsNakedPositionAfterRestart(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
		Positions: []*domain.Position{
			{Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002},
		},
	}
	r, ledger, _ := newTestReconciler(mock, newMockRepo())
	// A restored snapshot can carry a position that never got protection.
	ledger.Set(&domain.Position{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, Qty: 0.002,
	})

	r.Reconcile(context.Background())
	r.Wait()

	pos, ok := ledger.Get("BTCUSDT")
	require.True(t, ok)
	assert.Greater(t, pos.StopLoss, 0.0, "naked position must be protected on the first tick")
	assert.NotEmpty(t, mock.TradingStops)
}

func TestBackfill_RepairsUnsettledInPlace(t *testing.T) {
	settleTime := time.Now().Add(-10 * time.Minute)
	mock := &mockExchange{
		ClosedPnLs: []*domain.ClosedPnL{
			{
				OrderID: "late-1", Symbol: "BTCUSDT", Side: domain.SideSell,
				AvgEntryPrice: 50000, AvgExitPrice: 50900, Qty: 0.002,
				ClosedPnL: 1.8, CreatedTime: settleTime,
			},
		},
	}
	repo := newMockRepo()
	repo.SaveClosedTrade(context.Background(), &domain.ClosedTrade{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, ExitPrice: 50500,
		Qty: 0.002, GrossPnL: 1.0, NetPnL: 0.9, OpenFee: 0.05, CloseFee: 0.05,
		ExitType: "unmatched", Settled: false,
		ClosedAt: time.Now().Add(-30 * time.Minute),
	})
	r, _, _ := newTestReconciler(mock, repo)

	r.Backfill(context.Background())

	require.Len(t, repo.trades, 1, "repair must not append a second record")
	trade := repo.trades[0]
	assert.True(t, trade.Settled)
	assert.InDelta(t, 1.8, trade.GrossPnL, 1e-9)
	assert.InDelta(t, 1.8-0.1, trade.NetPnL, 1e-9, "fees already attributed are kept")
	assert.Equal(t, "late-1", trade.CloseOrderID)

	consumed, _ := repo.IsOrderConsumed(context.Background(), "late-1")
	assert.True(t, consumed)
}

func TestBackfill_RepairLogsPnLDisagreement(t *testing.T) {
	mock := &mockExchange{
		ClosedPnLs: []*domain.ClosedPnL{
			{
				OrderID: "late-2", Symbol: "BTCUSDT", Side: domain.SideSell,
				AvgEntryPrice: 50000, AvgExitPrice: 50900, Qty: 0.002,
				ClosedPnL: 1.8, CreatedTime: time.Now().Add(-10 * time.Minute),
			},
		},
	}
	repo := newMockRepo()
	repo.SaveClosedTrade(context.Background(), &domain.ClosedTrade{
		Symbol: "BTCUSDT", Side: domain.SideBuy, EntryPrice: 50000, ExitPrice: 50500,
		Qty: 0.002, GrossPnL: 1.0, NetPnL: 1.0,
		ExitType: "unmatched", Settled: false,
		ClosedAt: time.Now().Add(-30 * time.Minute),
	})
	r, _, _ := newTestReconciler(mock, repo)
	core, logs := observer.New(zap.WarnLevel)
	r.logger = zap.New(core)

	r.Backfill(context.Background())

	entries := logs.FilterMessage("local pnl estimate disagreed with settlement").All()
	require.Len(t, entries, 1)
	assert.InDelta(t, 0.8, entries[0].ContextMap()["delta"].(float64), 1e-9)
}

func TestBackfill_AppendsMissingRecord(t *testing.T) {
	mock := &mockExchange{
		ClosedPnLs: []*domain.ClosedPnL{
			{
				OrderID: "missed-1", Symbol: "BTCUSDT", Side: domain.SideSell,
				AvgEntryPrice: 50000, AvgExitPrice: 49000, Qty: 0.004,
				ClosedPnL: -4.0, CreatedTime: time.Now().Add(-time.Hour),
			},
		},
	}
	repo := newMockRepo()
	// Unrelated settled trade so the sweep knows about the symbol.
	repo.SaveClosedTrade(context.Background(), &domain.ClosedTrade{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 0.001, Settled: true,
		CloseOrderID: "other", ClosedAt: time.Now().Add(-2 * time.Hour),
	})
	r, _, _ := newTestReconciler(mock, repo)

	r.Backfill(context.Background())

	require.Len(t, repo.trades, 2)
	appended := repo.trades[1]
	assert.Equal(t, "backfill", appended.ExitType)
	assert.Equal(t, domain.SideBuy, appended.Side, "closing sell implies a long was held")
	assert.InDelta(t, -4.0, appended.GrossPnL, 1e-9)
	assert.True(t, appended.Settled)
}

func TestBackfill_ConsumedRecordSkipped(t *testing.T) {
	mock := &mockExchange{
		ClosedPnLs: []*domain.ClosedPnL{
			{OrderID: "done", Symbol: "BTCUSDT", Side: domain.SideSell, Qty: 0.002, ClosedPnL: 1.0, CreatedTime: time.Now()},
		},
	}
	repo := newMockRepo()
	repo.MarkOrderConsumed(context.Background(), "done", time.Now())
	repo.SaveClosedTrade(context.Background(), &domain.ClosedTrade{
		Symbol: "BTCUSDT", Settled: true, CloseOrderID: "seen", ClosedAt: time.Now().Add(-time.Hour),
	})
	r, _, _ := newTestReconciler(mock, repo)

	r.Backfill(context.Background())

	assert.Len(t, repo.trades, 1, "consumed record must not be re-ingested")
}
