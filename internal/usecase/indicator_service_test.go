package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transdsign-boop/byliquidation/internal/domain"
)

// flatCandles have a constant 2.0 true range, so Wilder's ATR is exactly 2.
func flatCandles(n int) []domain.Candle {
	candles := make([]domain.Candle, n)
	for i := range candles {
		candles[i] = domain.Candle{
			Time:   int64(i),
			Open:   100,
			High:   101,
			Low:    99,
			Close:  100,
			Volume: 10,
		}
	}
	return candles
}

func TestIndicatorService_ATRConstantRange(t *testing.T) {
	mock := &mockExchange{Candles: flatCandles(80)}
	svc := NewIndicatorService(mock)

	value, err := svc.ATR(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, value, 1e-9)
}

func TestIndicatorService_VWAPBand(t *testing.T) {
	mock := &mockExchange{Candles: trendCandles(80, 100)}
	svc := NewIndicatorService(mock)

	band, err := svc.VWAPBand(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Greater(t, band.VWAP, 99.0)
	assert.Less(t, band.VWAP, 105.0)
	assert.Greater(t, band.StdDev, 0.0)
}

func TestIndicatorService_InsufficientCandles(t *testing.T) {
	mock := &mockExchange{Candles: flatCandles(5)}
	svc := NewIndicatorService(mock)

	_, err := svc.ATR(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrIndicatorUnavailable)
}

func TestIndicatorService_FlatMarketHasNoBand(t *testing.T) {
	// Identical typical prices give zero deviation, which is unusable for
	// the DCA band check.
	mock := &mockExchange{Candles: flatCandles(80)}
	svc := NewIndicatorService(mock)

	_, err := svc.VWAPBand(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrIndicatorUnavailable)
}
