package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

func newTestProtection(mock *mockExchange, cfg ProtectionConfig) (*ProtectionManager, *Ledger) {
	ledger := NewLedger()
	instruments := NewInstrumentService(mock)
	indicators := NewIndicatorService(mock)
	return NewProtectionManager(mock, indicators, instruments, ledger,
		mock.GetWalletBalance, cfg, zap.NewNop()), ledger
}

func defaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		RiskPctOfBalance: 0.02,
		ATRStopMult:      2.0,
		ATRTrailingMult:  1.5,
		FallbackTPPct:    0.01,
		MinProfitPct:     0.003,
		FeeBufferPct:     0.0012,
	}
}

// trendCandles produces enough varied 1m candles for ATR and the VWAP band.
func trendCandles(n int, base float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := base
	for i := range candles {
		if i%2 == 0 {
			price += base * 0.001
		} else {
			price -= base * 0.0005
		}
		candles[i] = domain.Candle{
			Time:   int64(i),
			Open:   price,
			High:   price * 1.001,
			Low:    price * 0.999,
			Close:  price,
			Volume: 10,
		}
	}
	return candles
}

func TestStopDistance_ClampedToTick(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
	}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	// Huge qty makes the per-position risk share a sub-tick distance.
	dist := pm.StopDistance(context.Background(), "BTCUSDT", 50000, 1e9)
	assert.InDelta(t, 0.1, dist, 1e-9, "distance must clamp up to one tick")
}

func TestStopDistance_ClampedToNinetyPercent(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
	}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	// Tiny qty blows the risk share far past the price itself.
	dist := pm.StopDistance(context.Background(), "BTCUSDT", 50000, 1e-6)
	assert.InDelta(t, 45000, dist, 1e-6, "distance must clamp down to 90 percent of price")
}

func TestCompute_TrailingExcludesTakeProfit(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		Candles:     trendCandles(80, 50000),
	}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	res := pm.Compute(context.Background(), "BTCUSDT", domain.SideBuy, 50000, 0.002)

	require.Greater(t, res.TrailingStop, 0.0)
	assert.Zero(t, res.TakeProfit, "no fixed target while trailing is armed")
	assert.Greater(t, res.StopLoss, 0.0)
	assert.Less(t, res.StopLoss, 50000.0)
	// Activation covers the trailing distance plus fees, so an immediate
	// stop-out after arming still nets at least break-even.
	assert.GreaterOrEqual(t, res.TrailingActive, 50000+res.TrailingStop+50000*0.0012-0.1)
}

func TestCompute_FallbackTakeProfitFloor(t *testing.T) {
	cfg := defaultProtectionConfig()
	cfg.FallbackTPPct = 0.001 // below min profit + fees
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
	}
	pm, _ := newTestProtection(mock, cfg)

	res := pm.Compute(context.Background(), "BTCUSDT", domain.SideBuy, 50000, 0.002)

	assert.Zero(t, res.TrailingStop)
	// floor = 0.003 + 0.0012 = 0.42%
	assert.InDelta(t, 50000*1.0042, res.TakeProfit, 0.11)
}

func TestCompute_ShortSideMirrors(t *testing.T) {
	mock := &mockExchange{
		Balance:     10000,
		Instruments: []*domain.Instrument{btcInstrument()},
		CandlesErr:  errors.New("klines down"),
	}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	res := pm.Compute(context.Background(), "BTCUSDT", domain.SideSell, 50000, 0.002)

	assert.Greater(t, res.StopLoss, 50000.0, "short stop sits above entry")
	assert.Less(t, res.TakeProfit, 50000.0, "short target sits below entry")
}

func TestApply_VenueRejectionZeroesFields(t *testing.T) {
	mock := &mockExchange{
		Instruments:    []*domain.Instrument{btcInstrument()},
		TradingStopErr: errors.New("bybit error"),
	}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	res := pm.Apply(context.Background(), "BTCUSDT", ProtectionResult{
		StopLoss:       49000,
		TrailingStop:   500,
		TrailingActive: 50600,
	})

	assert.Zero(t, res.StopLoss)
	assert.Zero(t, res.TrailingStop)
	assert.Zero(t, res.TrailingActive)
}

func TestApply_SubmitsStopThenTrailing(t *testing.T) {
	mock := &mockExchange{Instruments: []*domain.Instrument{btcInstrument()}}
	pm, _ := newTestProtection(mock, defaultProtectionConfig())

	res := pm.Apply(context.Background(), "BTCUSDT", ProtectionResult{
		StopLoss:       49000,
		TrailingStop:   500,
		TrailingActive: 50600,
	})

	require.Len(t, mock.TradingStops, 2)
	assert.InDelta(t, 49000, mock.TradingStops[0].StopLoss, 1e-9)
	assert.Zero(t, mock.TradingStops[0].TrailingStop)
	assert.InDelta(t, 500, mock.TradingStops[1].TrailingStop, 1e-9)
	assert.InDelta(t, 50600, mock.TradingStops[1].ActivePrice, 1e-9)
	assert.InDelta(t, 49000, res.StopLoss, 1e-9)
}
