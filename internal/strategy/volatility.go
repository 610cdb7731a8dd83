package strategy

import (
	"slices"
	"time"

	"latency_arb/internal/domain"

	"github.com/shopspring/decimal"
)

// compactAfter bounds how many evicted slots a window keeps before compacting.
const compactAfter = 64

// slidingWindow holds the ticks of one symbol in timestamp order.
// Live entries are ticks[head:].
type slidingWindow struct {
	ticks []domain.PriceTick
	head  int
	// last signal per threshold tier, zero if never fired
	lastTrigger []time.Time
}

func (w *slidingWindow) live() []domain.PriceTick {
	return w.ticks[w.head:]
}

func (w *slidingWindow) push(t domain.PriceTick, window time.Duration) {
	w.ticks = append(w.ticks, t)

	cutoff := t.Timestamp.Add(-window)
	for w.head < len(w.ticks) && w.ticks[w.head].Timestamp.Before(cutoff) {
		w.ticks[w.head] = domain.PriceTick{}
		w.head++
	}

	if w.head > compactAfter && w.head*2 > len(w.ticks) {
		n := copy(w.ticks, w.ticks[w.head:])
		clear(w.ticks[n:])
		w.ticks = w.ticks[:n]
		w.head = 0
	}
}

// WindowStats is a read-only view of one symbol's window, for state dumps.
type WindowStats struct {
	Ticks       int       `json:"ticks"`
	Oldest      time.Time `json:"oldest,omitempty"`
	Newest      time.Time `json:"newest,omitempty"`
	LastTrigger time.Time `json:"last_trigger,omitempty"`
}

// SlidingVolatilityDetector tracks a time-bounded window of ticks per symbol and
// emits a signal when the move from the oldest tick in the window reaches the threshold.
// It is stateful and deterministic. Not safe for concurrent use: one goroutine owns it.
type SlidingVolatilityDetector struct {
	window     time.Duration
	thresholds map[string][]decimal.Decimal // ascending
	fallback   decimal.Decimal
	windows    map[string]*slidingWindow
}

// NewSlidingVolatilityDetector creates a detector. thresholds lists every
// distinct market threshold per symbol; each one is rate limited on its own.
// Symbols without an entry use fallback.
func NewSlidingVolatilityDetector(window time.Duration, thresholds map[string][]decimal.Decimal, fallback decimal.Decimal) *SlidingVolatilityDetector {
	if window <= 0 {
		panic("SlidingVolatilityDetector: window must be positive")
	}
	tiers := make(map[string][]decimal.Decimal, len(thresholds))
	for sym, ths := range thresholds {
		tiers[sym] = sortedUnique(ths)
	}
	return &SlidingVolatilityDetector{
		window:     window,
		thresholds: tiers,
		fallback:   fallback,
		windows:    make(map[string]*slidingWindow),
	}
}

// ThresholdsBySymbol collects the market thresholds of each symbol, ascending.
// A move arms every tier it crosses, so a loose market still gets its own
// signal after a tighter one fired earlier in the same move.
func ThresholdsBySymbol(markets []domain.MarketConfig) map[string][]decimal.Decimal {
	out := make(map[string][]decimal.Decimal)
	for _, m := range markets {
		out[m.Symbol] = append(out[m.Symbol], m.ThresholdPct)
	}
	for sym, ths := range out {
		out[sym] = sortedUnique(ths)
	}
	return out
}

func sortedUnique(ths []decimal.Decimal) []decimal.Decimal {
	out := slices.Clone(ths)
	slices.SortFunc(out, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	return slices.CompactFunc(out, func(a, b decimal.Decimal) bool { return a.Equal(b) })
}

// OnTick ingests a tick and returns a signal if the symbol moved enough.
// The tick timestamp is the detector's notion of now. Ticks older than the
// newest one already seen are dropped.
func (d *SlidingVolatilityDetector) OnTick(t domain.PriceTick) (domain.VolatilitySignal, bool) {
	w, ok := d.windows[t.Symbol]
	if !ok {
		w = &slidingWindow{}
		d.windows[t.Symbol] = w
	}

	// 1. Ordering
	if live := w.live(); len(live) > 0 && t.Timestamp.Before(live[len(live)-1].Timestamp) {
		return domain.VolatilitySignal{}, false
	}

	// 2. Append + evict
	w.push(t, d.window)

	live := w.live()
	if len(live) < 2 {
		return domain.VolatilitySignal{}, false
	}

	// 3. Relative change against the earliest surviving tick
	ref := live[0].Price
	if !ref.IsPositive() {
		return domain.VolatilitySignal{}, false
	}
	pct := t.Price.Sub(ref).Div(ref)

	// 4. One signal per window per threshold tier
	tiers := d.tiers(t.Symbol)
	if len(w.lastTrigger) != len(tiers) {
		w.lastTrigger = make([]time.Time, len(tiers))
	}
	var armed []decimal.Decimal
	abs := pct.Abs()
	for i, th := range tiers {
		if abs.LessThan(th) {
			break
		}
		if last := w.lastTrigger[i]; !last.IsZero() && t.Timestamp.Sub(last) < d.window {
			continue
		}
		w.lastTrigger[i] = t.Timestamp
		armed = append(armed, th)
	}
	if len(armed) == 0 {
		return domain.VolatilitySignal{}, false
	}

	dir := domain.DirectionUp
	if pct.IsNegative() {
		dir = domain.DirectionDown
	}

	return domain.VolatilitySignal{
		Symbol:      t.Symbol,
		Direction:   dir,
		PctChange:   pct,
		LatestPrice: t.Price,
		TriggeredAt: t.Timestamp,
		Thresholds:  armed,
	}, true
}

func (d *SlidingVolatilityDetector) tiers(symbol string) []decimal.Decimal {
	if ths, ok := d.thresholds[symbol]; ok && len(ths) > 0 {
		return ths
	}
	return []decimal.Decimal{d.fallback}
}

// Stats returns a per-symbol summary of the windows.
func (d *SlidingVolatilityDetector) Stats() map[string]WindowStats {
	out := make(map[string]WindowStats, len(d.windows))
	for sym, w := range d.windows {
		live := w.live()
		s := WindowStats{Ticks: len(live)}
		for _, at := range w.lastTrigger {
			if at.After(s.LastTrigger) {
				s.LastTrigger = at
			}
		}
		if len(live) > 0 {
			s.Oldest = live[0].Timestamp
			s.Newest = live[len(live)-1].Timestamp
		}
		out[sym] = s
	}
	return out
}
