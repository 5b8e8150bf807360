package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
)

// ErrIndicatorUnavailable is returned when there is not enough candle data
// to compute an indicator; callers fall back to fixed-percentage targets.
var ErrIndicatorUnavailable = errors.New("indicator unavailable")

const (
	atrPeriod      = 14
	vwapWindow     = 60 // 1m candles
	indicatorTTL   = 30 * time.Second
	candleInterval = "1"
)

// VWAPBand is the volume-weighted average price with the standard deviation
// of traded prices around it.
type VWAPBand struct {
	VWAP   float64
	StdDev float64
}

type cachedIndicator struct {
	atr    float64
	band   VWAPBand
	expiry time.Time
}

// IndicatorService computes ATR and VWAP bands from recent klines. Values
// are pure functions of the candle history and cached on a short TTL.
type IndicatorService struct {
	exchange domain.Exchange

	mu      sync.Mutex
	cache   map[string]cachedIndicator
	timeNow func() time.Time
}

func NewIndicatorService(exchange domain.Exchange) *IndicatorService {
	return &IndicatorService{
		exchange: exchange,
		cache:    make(map[string]cachedIndicator),
		timeNow:  time.Now,
	}
}

func (s *IndicatorService) ATR(ctx context.Context, symbol string) (float64, error) {
	c, err := s.compute(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if c.atr <= 0 {
		return 0, ErrIndicatorUnavailable
	}
	return c.atr, nil
}

func (s *IndicatorService) VWAPBand(ctx context.Context, symbol string) (VWAPBand, error) {
	c, err := s.compute(ctx, symbol)
	if err != nil {
		return VWAPBand{}, err
	}
	if c.band.VWAP <= 0 || c.band.StdDev <= 0 {
		return VWAPBand{}, ErrIndicatorUnavailable
	}
	return c.band, nil
}

func (s *IndicatorService) compute(ctx context.Context, symbol string) (cachedIndicator, error) {
	s.mu.Lock()
	if cached, ok := s.cache[symbol]; ok && s.timeNow().Before(cached.expiry) {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	candles, err := s.exchange.GetCandles(ctx, symbol, candleInterval, vwapWindow+atrPeriod)
	if err != nil {
		return cachedIndicator{}, err
	}
	if len(candles) < atrPeriod+1 {
		return cachedIndicator{}, ErrIndicatorUnavailable
	}

	c := cachedIndicator{
		atr:    atr(candles, atrPeriod),
		band:   vwapBand(candles, vwapWindow),
		expiry: s.timeNow().Add(indicatorTTL),
	}

	s.mu.Lock()
	s.cache[symbol] = c
	s.mu.Unlock()

	return c, nil
}

// atr is Wilder's average true range over the trailing period.
func atr(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		trs = append(trs, math.Max(highLow, math.Max(highClose, lowClose)))
	}

	sum := 0.0
	for _, tr := range trs[:period] {
		sum += tr
	}
	value := sum / float64(period)
	for _, tr := range trs[period:] {
		value = (value*float64(period-1) + tr) / float64(period)
	}
	return value
}

// vwapBand computes VWAP over the trailing window using candle typical
// prices, with the volume-weighted standard deviation around it.
func vwapBand(candles []domain.Candle, window int) VWAPBand {
	if len(candles) > window {
		candles = candles[len(candles)-window:]
	}

	var pvSum, volSum float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pvSum += typical * c.Volume
		volSum += c.Volume
	}
	if volSum <= 0 {
		return VWAPBand{}
	}
	vwap := pvSum / volSum

	var varSum float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		varSum += c.Volume * (typical - vwap) * (typical - vwap)
	}

	return VWAPBand{
		VWAP:   vwap,
		StdDev: math.Sqrt(varSum / volSum),
	}
}
