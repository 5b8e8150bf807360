package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

// OutcomeStatus classifies the terminal result of one event decision.
type OutcomeStatus string

const (
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFilled  OutcomeStatus = "filled"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeError   OutcomeStatus = "error"
)

// Outcome is the per-invocation result of OnLiquidation. Skips are normal
// operation, not errors.
type Outcome struct {
	Status   OutcomeStatus
	Reason   string
	Position *domain.Position
}

func skipped(reason string) Outcome { return Outcome{Status: OutcomeSkipped, Reason: reason} }
func failed(reason string) Outcome  { return Outcome{Status: OutcomeFailed, Reason: reason} }
func errored(reason string) Outcome { return Outcome{Status: OutcomeError, Reason: reason} }

type ExecutionConfig struct {
	MaxPositions      int
	OrderUSD          float64
	Leverage          int
	MinPctOfBalance   float64
	Splits            []float64 // ascending fractions summing to 1.0
	PassiveEntry      bool
	SettleWindow      time.Duration
	DCABandStdDevs    float64
	MinImprovementPct float64
}

// ExecutionService turns qualifying liquidation events into entries and
// DCA adds. One logical writer per symbol is enforced through the ledger's
// pending locks.
type ExecutionService struct {
	exchange    domain.Exchange
	ledger      *Ledger
	protection  *ProtectionManager
	indicators  *IndicatorService
	instruments *InstrumentService
	cfg         ExecutionConfig
	logger      *zap.Logger

	mu           sync.Mutex
	balanceCache float64
	balanceTime  time.Time
	leverageSet  map[string]bool
	latencySumMs float64
	latencyCount int

	timeNow func() time.Time
	sleep   func(d time.Duration)
}

func NewExecutionService(
	exchange domain.Exchange,
	ledger *Ledger,
	protection *ProtectionManager,
	indicators *IndicatorService,
	instruments *InstrumentService,
	cfg ExecutionConfig,
	logger *zap.Logger,
) *ExecutionService {
	return &ExecutionService{
		exchange:    exchange,
		ledger:      ledger,
		protection:  protection,
		indicators:  indicators,
		instruments: instruments,
		cfg:         cfg,
		logger:      logger,
		leverageSet: make(map[string]bool),
		timeNow:     time.Now,
		sleep:       time.Sleep,
	}
}

// Balance returns the cached wallet balance, refreshed on a 30s TTL.
func (s *ExecutionService) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	if s.balanceCache > 0 && s.timeNow().Sub(s.balanceTime) < 30*time.Second {
		bal := s.balanceCache
		s.mu.Unlock()
		return bal, nil
	}
	s.mu.Unlock()

	bal, err := s.exchange.GetWalletBalance(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.balanceCache = bal
	s.balanceTime = s.timeNow()
	s.mu.Unlock()
	return bal, nil
}

// AvgLatencyMs is the mean decision latency across all handled events.
func (s *ExecutionService) AvgLatencyMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencyCount == 0 {
		return 0
	}
	return s.latencySumMs / float64(s.latencyCount)
}

func (s *ExecutionService) recordLatency(start time.Time) {
	ms := float64(s.timeNow().Sub(start).Microseconds()) / 1000.0
	s.mu.Lock()
	s.latencySumMs += ms
	s.latencyCount++
	s.mu.Unlock()
}

// OnLiquidation decides skip/open/add for one event. Gates are evaluated in
// order and the first failure wins; the symbol lock is taken synchronously
// so two events in the same tick cannot both pass, and it is released on
// every exit path.
func (s *ExecutionService) OnLiquidation(ctx context.Context, ev domain.LiquidationEvent) Outcome {
	start := s.timeNow()
	defer s.recordLatency(start)

	if !ev.Qualifies {
		return skipped("below threshold")
	}

	if s.ledger.OpenAndPending() >= s.cfg.MaxPositions {
		return skipped("capacity")
	}

	if !s.ledger.TryLock(ev.Symbol) {
		return skipped("pending")
	}
	defer s.ledger.Unlock(ev.Symbol)

	if pos, ok := s.ledger.Get(ev.Symbol); ok {
		return s.dcaAdd(ctx, ev, pos)
	}
	return s.freshEntry(ctx, ev)
}

func (s *ExecutionService) freshEntry(ctx context.Context, ev domain.LiquidationEvent) Outcome {
	if !s.instruments.IsTradable(ctx, ev.Symbol) {
		return skipped("untradeable symbol")
	}

	balance, err := s.Balance(ctx)
	if err != nil {
		return errored(fmt.Sprintf("balance unavailable: %v", err))
	}

	side := ev.CounterSide()
	totalBudget := math.Max(s.cfg.OrderUSD*float64(s.cfg.Leverage), balance*s.cfg.MinPctOfBalance)
	notional := totalBudget * s.cfg.Splits[0]

	qty, err := s.instruments.RoundQty(ctx, ev.Symbol, notional/ev.Price)
	if err != nil {
		return errored(fmt.Sprintf("rounding failed: %v", err))
	}
	minQty, _ := s.instruments.MinQty(ctx, ev.Symbol)
	if qty <= 0 || qty < minQty {
		return skipped("below min qty")
	}

	s.ensureLeverage(ctx, ev.Symbol)

	orderID, avgPrice, outcome := s.submit(ctx, ev.Symbol, side, qty)
	if outcome != nil {
		return *outcome
	}

	// The market fill price can differ from the trigger price; protection
	// levels are recomputed from the venue's view of the actual fill.
	if avgPrice <= 0 {
		avgPrice = ev.Price
	}
	fillPrice, fillQty := s.confirmedFill(ctx, ev.Symbol, avgPrice, qty)

	prot := s.protection.Ensure(ctx, ev.Symbol, side, fillPrice, fillQty)

	pos := &domain.Position{
		Symbol:         ev.Symbol,
		Side:           side,
		EntryPrice:     fillPrice,
		Qty:            fillQty,
		StopLoss:       prot.StopLoss,
		TakeProfit:     prot.TakeProfit,
		TrailingStop:   prot.TrailingStop,
		TrailingActive: prot.TrailingActive,
		OpenTime:       s.timeNow(),
		DCALevel:       0,
		TotalBudget:    totalBudget,
		LastEntryPrice: ev.Price,
		EntryOrderID:   orderID,
	}
	s.ledger.Set(pos)

	s.logger.Info("opened counter-position",
		zap.String("symbol", ev.Symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", fillQty),
		zap.Float64("entry", fillPrice),
		zap.Float64("stop_loss", prot.StopLoss),
		zap.Float64("liquidation_usd", ev.USDValue))

	// Every new entry shrinks the per-position risk share of the others.
	s.TightenStops(ctx)

	return Outcome{Status: OutcomeFilled, Position: pos}
}

// dcaAdd pyramids into an existing position when price has extended far
// enough beyond the last trigger.
func (s *ExecutionService) dcaAdd(ctx context.Context, ev domain.LiquidationEvent, pos *domain.Position) Outcome {
	if ev.CounterSide() != pos.Side {
		return skipped("opposing side")
	}
	if pos.DCALevel >= len(s.cfg.Splits)-1 {
		return skipped("max dca level")
	}
	if !s.priceImproved(ctx, ev, pos) {
		return skipped("no price improvement")
	}

	notional := pos.TotalBudget * s.cfg.Splits[pos.DCALevel+1]
	qty, err := s.instruments.RoundQty(ctx, ev.Symbol, notional/ev.Price)
	if err != nil {
		return errored(fmt.Sprintf("rounding failed: %v", err))
	}
	minQty, _ := s.instruments.MinQty(ctx, ev.Symbol)
	if qty <= 0 || qty < minQty {
		return skipped("below min qty")
	}

	_, _, outcome := s.submit(ctx, ev.Symbol, pos.Side, qty)
	if outcome != nil {
		return *outcome
	}

	// The venue blends the average; re-read rather than recompute locally.
	avgPrice, totalQty := s.confirmedFill(ctx, ev.Symbol, 0, pos.Qty+qty)
	if avgPrice <= 0 {
		avgPrice = (pos.EntryPrice*pos.Qty + ev.Price*qty) / (pos.Qty + qty)
	}

	stopDist := s.protection.StopDistance(ctx, ev.Symbol, avgPrice, totalQty)
	var newSL float64
	if pos.Side == domain.SideBuy {
		newSL = avgPrice - stopDist
	} else {
		newSL = avgPrice + stopDist
	}
	newSL = s.protection.roundPrice(ctx, ev.Symbol, newSL)
	if err := s.protection.ResubmitStopLoss(ctx, ev.Symbol, newSL); err != nil {
		s.logger.Warn("failed to move stop after dca add",
			zap.String("symbol", ev.Symbol), zap.Error(err))
		newSL = pos.StopLoss
	}

	var newActive float64
	if pos.TrailingStop > 0 {
		buffer := pos.TrailingStop + avgPrice*s.protection.cfg.FeeBufferPct
		if pos.Side == domain.SideBuy {
			newActive = avgPrice + buffer
		} else {
			newActive = avgPrice - buffer
		}
		newActive = s.protection.roundPrice(ctx, ev.Symbol, newActive)
		if err := s.protection.ResubmitTrailing(ctx, ev.Symbol, pos.TrailingStop, newActive); err != nil {
			s.logger.Warn("failed to move trailing activation after dca add",
				zap.String("symbol", ev.Symbol), zap.Error(err))
			newActive = pos.TrailingActive
		}
	}

	var updated *domain.Position
	ok := s.ledger.Update(ev.Symbol, func(p *domain.Position) {
		p.EntryPrice = avgPrice
		p.Qty = totalQty
		p.StopLoss = newSL
		p.DCALevel++
		// The next improvement check compares against the liquidation
		// price that triggered this add, not the fill price.
		p.LastEntryPrice = ev.Price
		if newActive > 0 {
			p.TrailingActive = newActive
		}
		cp := *p
		updated = &cp
	})
	if !ok {
		// The entry was removed while the add was in flight. The added leg
		// exists on the venue; the next reconcile pass re-adopts it.
		s.logger.Warn("position untracked after dca add",
			zap.String("symbol", ev.Symbol), zap.Float64("added_qty", qty))
		return errored("position untracked after dca add")
	}

	s.logger.Info("dca add filled",
		zap.String("symbol", ev.Symbol),
		zap.Int("dca_level", updated.DCALevel),
		zap.Float64("added_qty", qty),
		zap.Float64("avg_entry", avgPrice),
		zap.Float64("stop_loss", newSL))

	return Outcome{Status: OutcomeFilled, Position: updated}
}

// priceImproved prefers the volatility-band check and falls back to simple
// improvement against the last trigger price when the band is unavailable.
func (s *ExecutionService) priceImproved(ctx context.Context, ev domain.LiquidationEvent, pos *domain.Position) bool {
	band, err := s.indicators.VWAPBand(ctx, ev.Symbol)
	if err == nil {
		k := s.cfg.DCABandStdDevs
		if pos.Side == domain.SideBuy {
			return ev.Price < band.VWAP-k*band.StdDev
		}
		return ev.Price > band.VWAP+k*band.StdDev
	}

	if pos.Side == domain.SideBuy {
		return ev.Price < pos.LastEntryPrice*(1-s.cfg.MinImprovementPct)
	}
	return ev.Price > pos.LastEntryPrice*(1+s.cfg.MinImprovementPct)
}

// submit places the order, passively when configured. A non-nil outcome is
// terminal and must be returned as-is.
func (s *ExecutionService) submit(ctx context.Context, symbol string, side domain.Side, qty float64) (orderID string, avgPrice float64, terminal *Outcome) {
	if s.cfg.PassiveEntry {
		return s.submitPassive(ctx, symbol, side, qty)
	}

	orderID, err := s.exchange.PlaceOrderFast(ctx, &domain.OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		OrderType: "Market",
	})
	if err != nil {
		out := failed(fmt.Sprintf("order rejected: %v", err))
		return "", 0, &out
	}
	return orderID, 0, nil
}

// submitPassive rests a post-only order at the touch, waits out the settle
// window and cancels on non-fill. A cancelled entry is a skip, not a
// failure.
func (s *ExecutionService) submitPassive(ctx context.Context, symbol string, side domain.Side, qty float64) (string, float64, *Outcome) {
	book, err := s.exchange.GetOrderBook(ctx, symbol)
	if err != nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		out := failed("orderbook unavailable for passive entry")
		return "", 0, &out
	}

	price := book.Bids[0].Price
	if side == domain.SideSell {
		price = book.Asks[0].Price
	}

	orderID, err := s.exchange.PlaceOrder(ctx, &domain.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		OrderType:   "Limit",
		Price:       price,
		TimeInForce: "PostOnly",
	})
	if err != nil {
		out := failed(fmt.Sprintf("passive order rejected: %v", err))
		return "", 0, &out
	}

	s.sleep(s.cfg.SettleWindow)

	status, err := s.exchange.GetOrderStatus(ctx, symbol, orderID)
	if err != nil || status.Status != "Filled" {
		if cancelErr := s.exchange.CancelOrder(ctx, symbol, orderID); cancelErr != nil {
			s.logger.Warn("failed to cancel unfilled passive order",
				zap.String("symbol", symbol), zap.String("order_id", orderID), zap.Error(cancelErr))
		}
		out := skipped("passive entry not filled")
		return "", 0, &out
	}

	return orderID, status.AvgPrice, nil
}

// confirmedFill re-reads the venue position to learn the true average fill
// price. Falls back to the provided values when the read lags.
func (s *ExecutionService) confirmedFill(ctx context.Context, symbol string, fallbackPrice, fallbackQty float64) (price, qty float64) {
	pos, err := s.exchange.GetPosition(ctx, symbol)
	if err == nil && pos.Qty > 0 && pos.EntryPrice > 0 {
		return pos.EntryPrice, pos.Qty
	}
	return fallbackPrice, fallbackQty
}

// ensureLeverage sets leverage and one-way mode once per symbol. Both venue
// calls are idempotent, so a lost cache entry only costs a round trip.
func (s *ExecutionService) ensureLeverage(ctx context.Context, symbol string) {
	s.mu.Lock()
	done := s.leverageSet[symbol]
	s.mu.Unlock()
	if done {
		return
	}

	if err := s.exchange.SetLeverage(ctx, symbol, s.cfg.Leverage); err != nil {
		s.logger.Warn("failed to set leverage", zap.String("symbol", symbol), zap.Error(err))
	}
	if err := s.exchange.SetOneWayMode(ctx, symbol); err != nil {
		s.logger.Warn("failed to set one-way mode", zap.String("symbol", symbol), zap.Error(err))
	}

	s.mu.Lock()
	s.leverageSet[symbol] = true
	s.mu.Unlock()
}

// TightenStops recomputes every open position's stop against the current
// per-position risk share and re-submits the ones that moved.
func (s *ExecutionService) TightenStops(ctx context.Context) {
	for _, pos := range s.ledger.List() {
		dist := s.protection.StopDistance(ctx, pos.Symbol, pos.EntryPrice, pos.Qty)
		var newSL float64
		if pos.Side == domain.SideBuy {
			newSL = pos.EntryPrice - dist
		} else {
			newSL = pos.EntryPrice + dist
		}
		newSL = s.protection.roundPrice(ctx, pos.Symbol, newSL)

		tick, _ := s.instruments.TickSize(ctx, pos.Symbol)
		if tick <= 0 {
			tick = pos.EntryPrice * 1e-6
		}
		if math.Abs(newSL-pos.StopLoss) < tick {
			continue
		}

		if err := s.protection.ResubmitStopLoss(ctx, pos.Symbol, newSL); err != nil {
			s.logger.Warn("failed to tighten stop",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		s.ledger.Update(pos.Symbol, func(p *domain.Position) {
			p.StopLoss = newSL
		})
		s.logger.Info("stop tightened for shared risk",
			zap.String("symbol", pos.Symbol),
			zap.Float64("old", pos.StopLoss),
			zap.Float64("new", newSL))
	}
}
