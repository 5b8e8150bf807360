package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
)

// InstrumentService caches contract filters and answers rounding and
// tradability questions. The instruments-info payload is large, so it is
// fetched once and refreshed on a long TTL.
type InstrumentService struct {
	exchange domain.Exchange

	mu        sync.Mutex
	byName    map[string]*domain.Instrument
	fetchedAt time.Time
	ttl       time.Duration
	timeNow   func() time.Time
}

func NewInstrumentService(exchange domain.Exchange) *InstrumentService {
	return &InstrumentService{
		exchange: exchange,
		byName:   make(map[string]*domain.Instrument),
		ttl:      time.Hour,
		timeNow:  time.Now,
	}
}

func (s *InstrumentService) get(ctx context.Context, symbol string) (*domain.Instrument, error) {
	s.mu.Lock()
	fresh := s.timeNow().Sub(s.fetchedAt) < s.ttl && len(s.byName) > 0
	inst, ok := s.byName[symbol]
	s.mu.Unlock()

	if fresh {
		if !ok {
			return nil, fmt.Errorf("unknown instrument %s", symbol)
		}
		return inst, nil
	}

	instruments, err := s.exchange.GetInstruments(ctx)
	if err != nil {
		// Serve stale data over failing, if we have any.
		if ok {
			return inst, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.byName = make(map[string]*domain.Instrument, len(instruments))
	for _, i := range instruments {
		s.byName[i.Symbol] = i
	}
	s.fetchedAt = s.timeNow()
	inst, ok = s.byName[symbol]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown instrument %s", symbol)
	}
	return inst, nil
}

func (s *InstrumentService) IsTradable(ctx context.Context, symbol string) bool {
	inst, err := s.get(ctx, symbol)
	return err == nil && inst.Tradable()
}

func (s *InstrumentService) TickSize(ctx context.Context, symbol string) (float64, error) {
	inst, err := s.get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.TickSize, nil
}

func (s *InstrumentService) MinQty(ctx context.Context, symbol string) (float64, error) {
	inst, err := s.get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.MinQty, nil
}

// RoundQty floors qty to the lot step so orders never exceed the budget.
func (s *InstrumentService) RoundQty(ctx context.Context, symbol string, qty float64) (float64, error) {
	inst, err := s.get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if inst.QtyStep <= 0 {
		return qty, nil
	}
	steps := math.Floor(qty/inst.QtyStep + 1e-9)
	return roundToStep(steps*inst.QtyStep, inst.QtyStep), nil
}

// RoundPrice snaps price to the nearest tick.
func (s *InstrumentService) RoundPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	inst, err := s.get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if inst.TickSize <= 0 {
		return price, nil
	}
	ticks := math.Round(price / inst.TickSize)
	return roundToStep(ticks*inst.TickSize, inst.TickSize), nil
}

// roundToStep trims float noise left over from the step multiplication.
func roundToStep(v, step float64) float64 {
	decimals := 0
	for step < 1 && decimals < 12 {
		step *= 10
		decimals++
	}
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
