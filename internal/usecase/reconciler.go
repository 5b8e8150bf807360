package usecase

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

const closedPnLFetchLimit = 50

type ReconcileConfig struct {
	Interval         time.Duration
	Grace            time.Duration // how long a position may be missing remotely before it counts as closed
	DedupWindow      time.Duration // suppress a second close record for the same symbol inside this window
	BackfillInterval time.Duration
	MatchAttempts    int
	MatchDelay       time.Duration
	// ProtectionGrace delays naked-position healing after entry, while the
	// entry path's own protection submission may still be in flight.
	ProtectionGrace time.Duration
}

// Reconciler diffs the ledger against the venue on a fixed interval. The
// venue is authoritative for position existence and realized PnL; the
// ledger is authoritative for protection intent.
type Reconciler struct {
	exchange   domain.Exchange
	ledger     *Ledger
	repo       domain.TradeRepository
	protection *ProtectionManager
	cfg        ReconcileConfig
	logger     *zap.Logger

	mu           sync.Mutex
	firstMissing map[string]time.Time
	lastClose    map[string]time.Time

	wg      sync.WaitGroup
	timeNow func() time.Time
	sleep   func(d time.Duration)
}

func NewReconciler(
	exchange domain.Exchange,
	ledger *Ledger,
	repo domain.TradeRepository,
	protection *ProtectionManager,
	cfg ReconcileConfig,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		exchange:     exchange,
		ledger:       ledger,
		repo:         repo,
		protection:   protection,
		cfg:          cfg,
		logger:       logger,
		firstMissing: make(map[string]time.Time),
		lastClose:    make(map[string]time.Time),
		timeNow:      time.Now,
		sleep:        time.Sleep,
	}
}

// Run drives reconciliation ticks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// RunBackfill drives periodic backfill sweeps until the context is cancelled.
func (r *Reconciler) RunBackfill(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Backfill(ctx)
		}
	}
}

// Wait blocks until all in-flight async close matchers have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Reconcile performs one diff pass between the ledger and the venue.
func (r *Reconciler) Reconcile(ctx context.Context) {
	remote, err := r.exchange.GetPositions(ctx)
	if err != nil {
		r.logger.Warn("reconcile skipped, positions unavailable", zap.Error(err))
		return
	}

	remoteBySymbol := make(map[string]*domain.Position, len(remote))
	for _, p := range remote {
		if p.Qty > 0 {
			remoteBySymbol[p.Symbol] = p
		}
	}

	local := r.ledger.List()
	localBySymbol := make(map[string]*domain.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}

	for symbol, rp := range remoteBySymbol {
		if lp, ok := localBySymbol[symbol]; ok {
			r.refresh(ctx, lp, rp)
			continue
		}
		r.adopt(ctx, rp)
	}

	for _, lp := range local {
		if _, ok := remoteBySymbol[lp.Symbol]; ok {
			r.mu.Lock()
			delete(r.firstMissing, lp.Symbol)
			r.mu.Unlock()
			continue
		}
		r.handleMissing(ctx, lp)
	}
}

// adopt takes over a position the venue holds but the ledger does not,
// unless an entry for that symbol is still in flight. A naked adopted
// position gets protection immediately.
func (r *Reconciler) adopt(ctx context.Context, rp *domain.Position) {
	if r.ledger.IsLocked(rp.Symbol) {
		return
	}

	pos := &domain.Position{
		Symbol:         rp.Symbol,
		Side:           rp.Side,
		EntryPrice:     rp.EntryPrice,
		Qty:            rp.Qty,
		StopLoss:       rp.StopLoss,
		TakeProfit:     rp.TakeProfit,
		TrailingStop:   rp.TrailingStop,
		TrailingActive: rp.TrailingActive,
		OpenTime:       r.timeNow(),
		TotalBudget:    rp.EntryPrice * rp.Qty,
		LastEntryPrice: rp.EntryPrice,
		MarkPrice:      rp.MarkPrice,
		UnrealizedPnL:  rp.UnrealizedPnL,
	}

	if !pos.Protected() {
		prot := r.protection.Ensure(ctx, pos.Symbol, pos.Side, pos.EntryPrice, pos.Qty)
		pos.StopLoss = prot.StopLoss
		pos.TakeProfit = prot.TakeProfit
		pos.TrailingStop = prot.TrailingStop
		pos.TrailingActive = prot.TrailingActive
		r.logger.Warn("adopted naked position and applied protection",
			zap.String("symbol", pos.Symbol),
			zap.Float64("stop_loss", pos.StopLoss))
	} else {
		r.logger.Info("adopted untracked position",
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)))
	}

	r.ledger.Set(pos)
}

// refresh pulls mark price and unrealized PnL from the venue view and
// re-submits protection the venue appears to have lost. A position that is
// naked on both sides (typically right after a restart) gets a full
// protection pass instead.
func (r *Reconciler) refresh(ctx context.Context, lp, rp *domain.Position) {
	r.ledger.Update(lp.Symbol, func(p *domain.Position) {
		p.MarkPrice = rp.MarkPrice
		p.UnrealizedPnL = rp.UnrealizedPnL
	})

	if !lp.Protected() && rp.StopLoss == 0 && rp.TrailingStop == 0 &&
		r.timeNow().Sub(lp.OpenTime) >= r.cfg.ProtectionGrace {
		pos := *lp
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			prot := r.protection.Ensure(ctx, pos.Symbol, pos.Side, pos.EntryPrice, pos.Qty)
			r.ledger.Update(pos.Symbol, func(p *domain.Position) {
				p.StopLoss = prot.StopLoss
				p.TakeProfit = prot.TakeProfit
				p.TrailingStop = prot.TrailingStop
				p.TrailingActive = prot.TrailingActive
			})
			r.logger.Warn("attached protection to naked position",
				zap.String("symbol", pos.Symbol),
				zap.Float64("stop_loss", prot.StopLoss))
		}()
		return
	}

	needStop := lp.StopLoss > 0 && rp.StopLoss == 0
	needTrailing := lp.TrailingStop > 0 && rp.TrailingStop == 0
	if !needStop && !needTrailing {
		return
	}

	pos := *lp
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if needStop {
			if err := r.protection.ResubmitStopLoss(ctx, pos.Symbol, pos.StopLoss); err != nil {
				r.logger.Error("failed to restore lost stop-loss",
					zap.String("symbol", pos.Symbol), zap.Error(err))
				return
			}
		}
		if needTrailing {
			if err := r.protection.ResubmitTrailing(ctx, pos.Symbol, pos.TrailingStop, pos.TrailingActive); err != nil {
				r.logger.Warn("failed to restore trailing stop",
					zap.String("symbol", pos.Symbol), zap.Error(err))
			}
		}
		r.logger.Info("restored lost protection", zap.String("symbol", pos.Symbol))
	}()
}

// handleMissing processes a ledger position the venue no longer reports.
// A short grace period absorbs settlement lag right after entry; the dedup
// window absorbs a close observed twice across adjacent ticks. Symbols with
// a held entry lock are left alone: the execution path is mid-flight and
// owns the ledger entry until it releases the lock.
func (r *Reconciler) handleMissing(ctx context.Context, lp *domain.Position) {
	if r.ledger.IsLocked(lp.Symbol) {
		return
	}

	now := r.timeNow()

	r.mu.Lock()
	first, seen := r.firstMissing[lp.Symbol]
	if !seen {
		r.firstMissing[lp.Symbol] = now
		r.mu.Unlock()
		return
	}
	if now.Sub(first) < r.cfg.Grace {
		r.mu.Unlock()
		return
	}
	delete(r.firstMissing, lp.Symbol)

	if last, ok := r.lastClose[lp.Symbol]; ok && now.Sub(last) < r.cfg.DedupWindow {
		r.mu.Unlock()
		r.ledger.Remove(lp.Symbol)
		return
	}
	r.lastClose[lp.Symbol] = now
	r.mu.Unlock()

	r.ledger.Remove(lp.Symbol)
	r.logger.Info("position closed on venue",
		zap.String("symbol", lp.Symbol),
		zap.String("side", string(lp.Side)))

	pos := *lp
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.settleClose(ctx, &pos)
	}()
}

// settleClose matches the closed position against the venue's settlement
// records and persists the result. The venue's PnL figure wins when a
// record is found; otherwise a local estimate is saved unsettled for the
// backfill sweep to repair.
func (r *Reconciler) settleClose(ctx context.Context, pos *domain.Position) {
	policy := matchRetryPolicy{attempts: r.cfg.MatchAttempts, delay: r.cfg.MatchDelay}

	var rec *domain.ClosedPnL
	var tier string
	for attempt := 0; attempt < policy.attempts; attempt++ {
		records, err := r.exchange.GetClosedPnL(ctx, pos.Symbol, closedPnLFetchLimit)
		if err != nil {
			r.logger.Warn("closed pnl fetch failed",
				zap.String("symbol", pos.Symbol), zap.Int("attempt", attempt+1), zap.Error(err))
		} else {
			rec, tier = matchClosedPnL(pos, records, r.isConsumed(ctx), policy.RelaxTimeFilter(attempt))
			if rec != nil {
				break
			}
		}
		if attempt < policy.attempts-1 {
			r.sleep(policy.Delay(attempt))
		}
	}

	trade := r.buildTrade(ctx, pos, rec)

	if _, err := r.repo.SaveClosedTrade(ctx, trade); err != nil {
		r.logger.Error("failed to persist closed trade",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	if rec != nil {
		if err := r.repo.MarkOrderConsumed(ctx, rec.OrderID, r.timeNow()); err != nil {
			r.logger.Warn("failed to mark close order consumed",
				zap.String("order_id", rec.OrderID), zap.Error(err))
		}
	}

	r.logger.Info("closed trade recorded",
		zap.String("symbol", trade.Symbol),
		zap.Float64("net_pnl", trade.NetPnL),
		zap.Bool("settled", trade.Settled),
		zap.String("match_tier", tier))
}

func (r *Reconciler) buildTrade(ctx context.Context, pos *domain.Position, rec *domain.ClosedPnL) *domain.ClosedTrade {
	trade := &domain.ClosedTrade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Qty:        pos.Qty,
		OpenTime:   pos.OpenTime,
		ClosedAt:   r.timeNow(),
	}

	if rec != nil {
		trade.EntryPrice = rec.AvgEntryPrice
		trade.ExitPrice = rec.AvgExitPrice
		trade.Qty = rec.Qty
		trade.GrossPnL = rec.ClosedPnL
		trade.CloseOrderID = rec.OrderID
		trade.Settled = true
		trade.ClosedAt = rec.CreatedTime
		trade.ExitType = classifyExit(pos, rec.AvgExitPrice)

		trade.CloseFee, trade.ExitIsMaker = r.orderFees(ctx, pos.Symbol, rec.OrderID)
	} else {
		exit := pos.MarkPrice
		if exit <= 0 {
			exit = pos.EntryPrice
		}
		trade.ExitPrice = exit
		if pos.Side == domain.SideBuy {
			trade.GrossPnL = (exit - pos.EntryPrice) * pos.Qty
		} else {
			trade.GrossPnL = (pos.EntryPrice - exit) * pos.Qty
		}
		trade.Settled = false
		trade.ExitType = "unmatched"
	}

	if pos.EntryOrderID != "" {
		trade.OpenFee, trade.EntryIsMaker = r.orderFees(ctx, pos.Symbol, pos.EntryOrderID)
	}
	trade.NetPnL = trade.GrossPnL - trade.TotalFees()

	return trade
}

// orderFees sums the fee legs of one order. The order counts as maker only
// when every leg was.
func (r *Reconciler) orderFees(ctx context.Context, symbol, orderID string) (fee float64, maker bool) {
	execs, err := r.exchange.GetExecutions(ctx, symbol, orderID)
	if err != nil || len(execs) == 0 {
		return 0, false
	}
	maker = true
	for _, e := range execs {
		fee += e.Fee
		if !e.IsMaker {
			maker = false
		}
	}
	return fee, maker
}

// classifyExit labels the exit by which protective level the fill price
// landed nearest to crossing.
func classifyExit(pos *domain.Position, exitPrice float64) string {
	if pos.StopLoss > 0 {
		if pos.Side == domain.SideBuy && exitPrice <= pos.StopLoss*1.005 {
			return "stop_loss"
		}
		if pos.Side == domain.SideSell && exitPrice >= pos.StopLoss*0.995 {
			return "stop_loss"
		}
	}
	if pos.TakeProfit > 0 {
		if pos.Side == domain.SideBuy && exitPrice >= pos.TakeProfit*0.995 {
			return "take_profit"
		}
		if pos.Side == domain.SideSell && exitPrice <= pos.TakeProfit*1.005 {
			return "take_profit"
		}
	}
	if pos.TrailingStop > 0 && pos.TrailingActive > 0 {
		if pos.Side == domain.SideBuy && exitPrice >= pos.TrailingActive-pos.TrailingStop {
			return "trailing_stop"
		}
		if pos.Side == domain.SideSell && exitPrice <= pos.TrailingActive+pos.TrailingStop {
			return "trailing_stop"
		}
	}
	return "market"
}

func (r *Reconciler) isConsumed(ctx context.Context) func(orderID string) bool {
	return func(orderID string) bool {
		consumed, err := r.repo.IsOrderConsumed(ctx, orderID)
		if err != nil {
			return false
		}
		return consumed
	}
}

// Backfill sweeps the venue's settlement history for records the live
// matcher missed: it repairs unsettled local trades in place and appends
// records with no local counterpart at all.
func (r *Reconciler) Backfill(ctx context.Context) {
	trades, err := r.repo.ListClosedTrades(ctx, 200)
	if err != nil {
		r.logger.Warn("backfill skipped, history unavailable", zap.Error(err))
		return
	}

	symbols := make(map[string]bool)
	for _, t := range trades {
		symbols[t.Symbol] = true
	}
	for _, p := range r.ledger.List() {
		symbols[p.Symbol] = true
	}

	for symbol := range symbols {
		r.backfillSymbol(ctx, symbol)
	}
}

func (r *Reconciler) backfillSymbol(ctx context.Context, symbol string) {
	records, err := r.exchange.GetClosedPnL(ctx, symbol, closedPnLFetchLimit)
	if err != nil {
		r.logger.Warn("backfill fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	local, err := r.repo.ListClosedTradesBySymbol(ctx, symbol, 200)
	if err != nil {
		r.logger.Warn("backfill history read failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	for _, rec := range records {
		consumed, err := r.repo.IsOrderConsumed(ctx, rec.OrderID)
		if err == nil && consumed {
			continue
		}
		if r.coveredLocally(local, rec) {
			r.markConsumed(ctx, rec.OrderID)
			continue
		}

		if fixed := r.repairUnsettled(ctx, local, rec); fixed {
			r.markConsumed(ctx, rec.OrderID)
			continue
		}

		trade := &domain.ClosedTrade{
			Symbol:       rec.Symbol,
			Side:         rec.PositionSide(),
			EntryPrice:   rec.AvgEntryPrice,
			ExitPrice:    rec.AvgExitPrice,
			Qty:          rec.Qty,
			GrossPnL:     rec.ClosedPnL,
			NetPnL:       rec.ClosedPnL,
			ExitType:     "backfill",
			CloseOrderID: rec.OrderID,
			Settled:      true,
			ClosedAt:     rec.CreatedTime,
		}
		if _, err := r.repo.SaveClosedTrade(ctx, trade); err != nil {
			r.logger.Error("backfill insert failed",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		r.markConsumed(ctx, rec.OrderID)
		r.logger.Info("backfilled missing closed trade",
			zap.String("symbol", symbol),
			zap.String("order_id", rec.OrderID),
			zap.Float64("pnl", rec.ClosedPnL))
	}
}

// coveredLocally reports whether a settlement record is already represented
// in the local history, by order id or by close-time proximity.
func (r *Reconciler) coveredLocally(local []*domain.ClosedTrade, rec *domain.ClosedPnL) bool {
	for _, t := range local {
		if t.CloseOrderID == rec.OrderID {
			return true
		}
		if t.Settled &&
			absDuration(t.ClosedAt.Sub(rec.CreatedTime)) < r.cfg.DedupWindow &&
			relDiff(t.Qty, rec.Qty) <= 0.01 {
			return true
		}
	}
	return false
}

// repairUnsettled replaces the local estimate of the oldest matching
// unsettled trade with the venue's settled figures.
func (r *Reconciler) repairUnsettled(ctx context.Context, local []*domain.ClosedTrade, rec *domain.ClosedPnL) bool {
	var candidate *domain.ClosedTrade
	for _, t := range local {
		if t.Settled || t.Side != rec.PositionSide() {
			continue
		}
		if relDiff(t.Qty, rec.Qty) > 0.05 {
			continue
		}
		if candidate == nil || t.ClosedAt.Before(candidate.ClosedAt) {
			candidate = t
		}
	}
	if candidate == nil {
		return false
	}

	delta := rec.ClosedPnL - candidate.GrossPnL
	if math.Abs(delta) > 0.01 && relDiff(candidate.GrossPnL, rec.ClosedPnL) > 0.01 {
		r.logger.Warn("local pnl estimate disagreed with settlement",
			zap.String("symbol", candidate.Symbol),
			zap.Int64("id", candidate.ID),
			zap.Float64("estimated", candidate.GrossPnL),
			zap.Float64("settled", rec.ClosedPnL),
			zap.Float64("delta", delta))
	}

	candidate.ExitPrice = rec.AvgExitPrice
	candidate.GrossPnL = rec.ClosedPnL
	candidate.NetPnL = rec.ClosedPnL - candidate.TotalFees()
	candidate.CloseOrderID = rec.OrderID
	candidate.Settled = true
	candidate.ClosedAt = rec.CreatedTime
	candidate.ExitType = "backfill"

	if err := r.repo.UpdateClosedTrade(ctx, candidate); err != nil {
		r.logger.Error("backfill repair failed",
			zap.String("symbol", candidate.Symbol), zap.Int64("id", candidate.ID), zap.Error(err))
		return false
	}
	r.logger.Info("repaired unsettled trade",
		zap.String("symbol", candidate.Symbol),
		zap.Int64("id", candidate.ID),
		zap.Float64("pnl", rec.ClosedPnL))
	return true
}

func (r *Reconciler) markConsumed(ctx context.Context, orderID string) {
	if err := r.repo.MarkOrderConsumed(ctx, orderID, r.timeNow()); err != nil {
		r.logger.Warn("failed to mark order consumed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
