package usecase

import (
	"context"

	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

// ProtectionConfig tunes stop and target computation.
type ProtectionConfig struct {
	RiskPctOfBalance float64 // shared risk budget, fraction of balance
	ATRStopMult      float64
	ATRTrailingMult  float64
	FallbackTPPct    float64
	MinProfitPct     float64
	FeeBufferPct     float64 // estimated round-trip fee, fraction of notional
}

// ProtectionResult reports only the fields the venue confirmed.
type ProtectionResult struct {
	StopLoss       float64 `json:"stop_loss"`
	TakeProfit     float64 `json:"take_profit,omitempty"`
	TrailingStop   float64 `json:"trailing_stop,omitempty"`
	TrailingActive float64 `json:"trailing_active,omitempty"`
}

// ProtectionManager computes and attaches protective exits. Both remote
// calls are independently fallible and non-fatal; the health-check path
// retries whatever did not stick.
type ProtectionManager struct {
	exchange    domain.Exchange
	indicators  *IndicatorService
	instruments *InstrumentService
	ledger      *Ledger
	balance     func(ctx context.Context) (float64, error)
	cfg         ProtectionConfig
	logger      *zap.Logger
}

func NewProtectionManager(
	exchange domain.Exchange,
	indicators *IndicatorService,
	instruments *InstrumentService,
	ledger *Ledger,
	balance func(ctx context.Context) (float64, error),
	cfg ProtectionConfig,
	logger *zap.Logger,
) *ProtectionManager {
	return &ProtectionManager{
		exchange:    exchange,
		indicators:  indicators,
		instruments: instruments,
		ledger:      ledger,
		balance:     balance,
		cfg:         cfg,
		logger:      logger,
	}
}

// StopDistance returns the stop distance for a position of the given size:
// ATR-based when the indicator is available, otherwise the per-position
// share of the risk budget converted to a price distance. Clamped to
// [1 tick, 90% of the reference price].
func (m *ProtectionManager) StopDistance(ctx context.Context, symbol string, refPrice, qty float64) float64 {
	var dist float64
	if atrValue, err := m.indicators.ATR(ctx, symbol); err == nil {
		dist = atrValue * m.cfg.ATRStopMult
	} else {
		dist = m.riskBudgetDistance(ctx, refPrice, qty)
	}
	return m.clampDistance(ctx, symbol, refPrice, dist)
}

// riskBudgetDistance divides the account risk budget across the open
// positions and converts this position's share into a price distance.
func (m *ProtectionManager) riskBudgetDistance(ctx context.Context, refPrice, qty float64) float64 {
	bal, err := m.balance(ctx)
	if err != nil || bal <= 0 || qty <= 0 {
		return refPrice * 0.02
	}
	n := m.ledger.Len()
	if n < 1 {
		n = 1
	}
	riskUSD := bal * m.cfg.RiskPctOfBalance / float64(n)
	return riskUSD / qty
}

func (m *ProtectionManager) clampDistance(ctx context.Context, symbol string, refPrice, dist float64) float64 {
	tick, err := m.instruments.TickSize(ctx, symbol)
	if err != nil || tick <= 0 {
		tick = refPrice * 1e-6
	}
	if dist < tick {
		dist = tick
	}
	if max := refPrice * 0.9; dist > max {
		dist = max
	}
	return dist
}

// Compute derives the full protection set from a confirmed entry. Trailing
// requires the indicator; when it is armed no fixed take-profit is set.
func (m *ProtectionManager) Compute(ctx context.Context, symbol string, side domain.Side, entryPrice, qty float64) ProtectionResult {
	var res ProtectionResult

	stopDist := m.StopDistance(ctx, symbol, entryPrice, qty)
	if side == domain.SideBuy {
		res.StopLoss = entryPrice - stopDist
	} else {
		res.StopLoss = entryPrice + stopDist
	}

	if atrValue, err := m.indicators.ATR(ctx, symbol); err == nil {
		trailing := m.clampDistance(ctx, symbol, entryPrice, atrValue*m.cfg.ATRTrailingMult)
		// Activation sits one trailing distance plus the fee buffer past
		// entry, so a stop-out right after arming still nets break-even.
		buffer := trailing + entryPrice*m.cfg.FeeBufferPct
		res.TrailingStop = trailing
		if side == domain.SideBuy {
			res.TrailingActive = entryPrice + buffer
		} else {
			res.TrailingActive = entryPrice - buffer
		}
	} else {
		tpPct := m.cfg.FallbackTPPct
		if floor := m.cfg.MinProfitPct + m.cfg.FeeBufferPct; tpPct < floor {
			tpPct = floor
		}
		if side == domain.SideBuy {
			res.TakeProfit = entryPrice * (1 + tpPct)
		} else {
			res.TakeProfit = entryPrice * (1 - tpPct)
		}
	}

	res.StopLoss = m.roundPrice(ctx, symbol, res.StopLoss)
	res.TakeProfit = m.roundPrice(ctx, symbol, res.TakeProfit)
	res.TrailingActive = m.roundPrice(ctx, symbol, res.TrailingActive)
	res.TrailingStop = m.roundPrice(ctx, symbol, res.TrailingStop)
	return res
}

func (m *ProtectionManager) roundPrice(ctx context.Context, symbol string, price float64) float64 {
	if price <= 0 {
		return price
	}
	rounded, err := m.instruments.RoundPrice(ctx, symbol, price)
	if err != nil {
		return price
	}
	return rounded
}

// Apply submits the computed protection: stop-loss/take-profit first, then
// trailing. Both are attempted even when one fails; fields that did not
// stick are zeroed in the returned result.
func (m *ProtectionManager) Apply(ctx context.Context, symbol string, res ProtectionResult) ProtectionResult {
	confirmed := res

	if err := m.exchange.SetTradingStop(ctx, symbol, &domain.TradingStop{
		StopLoss:   res.StopLoss,
		TakeProfit: res.TakeProfit,
	}); err != nil {
		m.logger.Warn("failed to set stop-loss/take-profit",
			zap.String("symbol", symbol), zap.Error(err))
		confirmed.StopLoss = 0
		confirmed.TakeProfit = 0
	}

	if res.TrailingStop > 0 {
		if err := m.exchange.SetTradingStop(ctx, symbol, &domain.TradingStop{
			TrailingStop: res.TrailingStop,
			ActivePrice:  res.TrailingActive,
		}); err != nil {
			m.logger.Warn("failed to set trailing stop",
				zap.String("symbol", symbol), zap.Error(err))
			confirmed.TrailingStop = 0
			confirmed.TrailingActive = 0
		}
	}

	return confirmed
}

// Ensure is Compute followed by Apply.
func (m *ProtectionManager) Ensure(ctx context.Context, symbol string, side domain.Side, entryPrice, qty float64) ProtectionResult {
	return m.Apply(ctx, symbol, m.Compute(ctx, symbol, side, entryPrice, qty))
}

// ResubmitStopLoss pushes an updated stop-loss price, used by the
// shared-risk tightening pass and by self-healing.
func (m *ProtectionManager) ResubmitStopLoss(ctx context.Context, symbol string, stopLoss float64) error {
	return m.exchange.SetTradingStop(ctx, symbol, &domain.TradingStop{StopLoss: stopLoss})
}

// ResubmitTrailing re-arms a trailing stop lost on the venue side.
func (m *ProtectionManager) ResubmitTrailing(ctx context.Context, symbol string, trailing, activePrice float64) error {
	return m.exchange.SetTradingStop(ctx, symbol, &domain.TradingStop{
		TrailingStop: trailing,
		ActivePrice:  activePrice,
	})
}
