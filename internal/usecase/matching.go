package usecase

import (
	"math"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
)

// matchTier is one heuristic for pairing a local position with a settlement
// record. Tiers are evaluated in order and the first hit wins; the venue
// gives us nothing better than heuristics because closed-PnL records carry
// no reference to the entry that produced them.
type matchTier struct {
	name  string
	match func(pos *domain.Position, rec *domain.ClosedPnL) bool
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / math.Abs(b)
}

func matchTiers() []matchTier {
	return []matchTier{
		{
			name: "exact",
			match: func(pos *domain.Position, rec *domain.ClosedPnL) bool {
				return relDiff(rec.AvgEntryPrice, pos.EntryPrice) <= 0.005 &&
					relDiff(rec.Qty, pos.Qty) <= 0.01
			},
		},
		{
			// DCA adds move the blended entry and the filled quantity, so
			// the second tier tolerates much wider drift.
			name: "dca-adjusted",
			match: func(pos *domain.Position, rec *domain.ClosedPnL) bool {
				return relDiff(rec.AvgEntryPrice, pos.EntryPrice) <= 0.05 &&
					relDiff(rec.Qty, pos.Qty) <= 0.20
			},
		},
		{
			name: "side-only",
			match: func(pos *domain.Position, rec *domain.ClosedPnL) bool {
				return rec.PositionSide() == pos.Side
			},
		},
		{
			name: "most-recent",
			match: func(pos *domain.Position, rec *domain.ClosedPnL) bool {
				return true
			},
		},
	}
}

// matchRetryPolicy schedules the settlement-match attempts. Settlement lags
// position disappearance by several seconds; the last attempts drop the
// time-ordering constraint entirely in case the venue backdated the record.
type matchRetryPolicy struct {
	attempts int
	delay    time.Duration
}

func (p matchRetryPolicy) Delay(attempt int) time.Duration {
	return p.delay
}

// RelaxTimeFilter reports whether the attempt should ignore record
// timestamps. The final two attempts do.
func (p matchRetryPolicy) RelaxTimeFilter(attempt int) bool {
	return attempt >= p.attempts-2
}

// matchClosedPnL runs the tiers over the records, newest first. Consumed
// records never match; unless the time filter is relaxed, records created
// before the position opened are skipped.
func matchClosedPnL(
	pos *domain.Position,
	records []*domain.ClosedPnL,
	isConsumed func(orderID string) bool,
	relaxTime bool,
) (*domain.ClosedPnL, string) {
	// Records arrive newest first from the venue; keep that order so the
	// last tier picks the most recent unconsumed record.
	for _, tier := range matchTiers() {
		for _, rec := range records {
			if rec.Symbol != pos.Symbol {
				continue
			}
			if isConsumed(rec.OrderID) {
				continue
			}
			if !relaxTime && rec.CreatedTime.Before(pos.OpenTime) {
				continue
			}
			if tier.match(pos, rec) {
				return rec, tier.name
			}
		}
	}
	return nil, ""
}
