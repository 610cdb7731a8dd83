// Package risk gates order proposals against per-market limits.
package risk

import (
	"fmt"
	"sync"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// DefaultWindow is the fixed trade-rate bucket.
const DefaultWindow = time.Minute

// Limits defines the global risk limits. MaxPosition is per market.
type Limits struct {
	MaxNotionalPerTrade decimal.Decimal
	MaxTradesPerMinute  int
	Window              time.Duration
}

// RiskState is the mutable risk ledger of one market.
type RiskState struct {
	MarketID           string          `json:"market_id"`
	NotionalUsedWindow decimal.Decimal `json:"notional_used_window"`
	TradesInWindow     int             `json:"trades_in_window"`
	WindowResetAt      time.Time       `json:"window_reset_at"`
	// Committed is approved quantity not yet released (filled or still working).
	Committed   decimal.Decimal `json:"committed"`
	MaxPosition decimal.Decimal `json:"max_position"`
}

type marketRisk struct {
	mu    sync.Mutex
	state RiskState
}

// RiskThrottle is the single owner of every market's RiskState. Each market has
// its own lock, so markets never contend with each other and approval is atomic
// per market. No lock is held across I/O.
type RiskThrottle struct {
	limits  Limits
	markets map[string]*marketRisk // fixed at construction
	now     func() time.Time
}

// NewRiskThrottle creates a throttle for the configured markets.
func NewRiskThrottle(limits Limits, markets []domain.MarketConfig) *RiskThrottle {
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	m := make(map[string]*marketRisk, len(markets))
	for _, cfg := range markets {
		m[cfg.MarketID] = &marketRisk{state: RiskState{
			MarketID:    cfg.MarketID,
			MaxPosition: cfg.MaxPosition,
		}}
	}
	return &RiskThrottle{limits: limits, markets: m, now: time.Now}
}

// SetClock replaces the time source (tests and replays).
func (t *RiskThrottle) SetClock(now func() time.Time) {
	t.now = now
}

// Approve checks a proposal and, if it passes, commits it before returning.
// A denial returns *domain.RiskRejection and leaves the state untouched.
func (t *RiskThrottle) Approve(p domain.Proposal) error {
	mr, ok := t.markets[p.MarketID]
	if !ok {
		return fmt.Errorf("risk: unknown market %q", p.MarketID)
	}
	notional := p.Notional()

	mr.mu.Lock()
	defer mr.mu.Unlock()

	now := t.now()
	s := &mr.state

	// Fixed bucket. The roll is computed locally and only stored on approval.
	trades, used, resetAt := s.TradesInWindow, s.NotionalUsedWindow, s.WindowResetAt
	if !now.Before(resetAt) {
		trades = 0
		used = decimal.Zero
		resetAt = now.Add(t.limits.Window)
	}

	// 1. Rate
	if trades >= t.limits.MaxTradesPerMinute {
		return &domain.RiskRejection{MarketID: p.MarketID, Reason: domain.RejectRateExceeded}
	}
	// 2. Notional
	if used.Add(notional).GreaterThan(t.limits.MaxNotionalPerTrade) {
		return &domain.RiskRejection{MarketID: p.MarketID, Reason: domain.RejectNotionalExceeded}
	}
	// 3. Position
	if s.Committed.Add(p.Quantity).GreaterThan(s.MaxPosition) {
		return &domain.RiskRejection{MarketID: p.MarketID, Reason: domain.RejectPositionCapReached}
	}

	s.TradesInWindow = trades + 1
	s.NotionalUsedWindow = used.Add(notional)
	s.WindowResetAt = resetAt
	s.Committed = s.Committed.Add(p.Quantity)

	t.verify(s)
	return nil
}

// Release returns quantity committed by an approval that will never fill
// (rejected submission, canceled remainder).
func (t *RiskThrottle) Release(marketID string, qty decimal.Decimal) {
	mr, ok := t.markets[marketID]
	if !ok || !qty.IsPositive() {
		return
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	mr.state.Committed = mr.state.Committed.Sub(qty)
	t.verify(&mr.state)
}

// verify panics if the ledger is inconsistent. Must be called with the market lock held.
func (t *RiskThrottle) verify(s *RiskState) {
	switch {
	case s.TradesInWindow < 0 || s.TradesInWindow > t.limits.MaxTradesPerMinute:
		panic(fmt.Errorf("%w: %s trades=%d", domain.ErrRiskStateCorrupted, s.MarketID, s.TradesInWindow))
	case s.NotionalUsedWindow.IsNegative() || s.NotionalUsedWindow.GreaterThan(t.limits.MaxNotionalPerTrade):
		panic(fmt.Errorf("%w: %s notional=%s", domain.ErrRiskStateCorrupted, s.MarketID, s.NotionalUsedWindow))
	case s.Committed.IsNegative() || s.Committed.GreaterThan(s.MaxPosition):
		panic(fmt.Errorf("%w: %s committed=%s", domain.ErrRiskStateCorrupted, s.MarketID, s.Committed))
	}
}

// State returns a copy of one market's ledger.
func (t *RiskThrottle) State(marketID string) (RiskState, bool) {
	mr, ok := t.markets[marketID]
	if !ok {
		return RiskState{}, false
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.state, true
}

// Snapshot returns a copy of every ledger (for state dumps).
func (t *RiskThrottle) Snapshot() map[string]RiskState {
	out := make(map[string]RiskState, len(t.markets))
	for id, mr := range t.markets {
		mr.mu.Lock()
		out[id] = mr.state
		mr.mu.Unlock()
	}
	return out
}
