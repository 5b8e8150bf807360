package usecase

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/transdsign-boop/byliquidation/internal/domain"
)

// Ledger owns the local view of open positions plus the per-symbol pending
// locks. One instance per engine; collaborators get it by handle. All
// methods take the single mutex, so the lock check-and-acquire is atomic
// with respect to every other ledger operation.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
	locks     map[string]time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]*domain.Position),
		locks:     make(map[string]time.Time),
	}
}

// TryLock acquires the pending lock for symbol. It never blocks: a held
// lock means another decision is in flight and the caller must skip.
func (l *Ledger) TryLock(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[symbol]; held {
		return false
	}
	l.locks[symbol] = time.Now()
	return true
}

// Unlock is idempotent; it is deferred on every decision path.
func (l *Ledger) Unlock(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, symbol)
}

func (l *Ledger) IsLocked(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.locks[symbol]
	return held
}

// Get returns a copy; mutations go through Set or Update.
func (l *Ledger) Get(symbol string) (*domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (l *Ledger) Set(p *domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *p
	l.positions[p.Symbol] = &cp
}

// Update applies fn to the stored position under the lock. Returns false if
// the symbol is not tracked.
func (l *Ledger) Update(symbol string, fn func(p *domain.Position)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return false
	}
	fn(p)
	return true
}

func (l *Ledger) Remove(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
}

func (l *Ledger) List() []*domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

func (l *Ledger) LockCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// OpenAndPending counts distinct symbols that are either open or mid-open,
// the capacity gate's denominator.
func (l *Ledger) OpenAndPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.positions)
	for s := range l.locks {
		if _, open := l.positions[s]; !open {
			n++
		}
	}
	return n
}

type ledgerSnapshot struct {
	Positions []*domain.Position `json:"positions"`
	SavedAt   time.Time          `json:"saved_at"`
}

// Snapshot serializes the open positions for crash recovery. Pending locks
// are transient and never persisted.
func (l *Ledger) Snapshot() ([]byte, error) {
	return json.Marshal(ledgerSnapshot{Positions: l.List(), SavedAt: time.Now()})
}

// Restore replaces the ledger contents from a snapshot blob. A nil or empty
// blob is a clean start.
func (l *Ledger) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var snap ledgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*domain.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		l.positions[p.Symbol] = p
	}
	return nil
}
